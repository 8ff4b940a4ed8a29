// cexd is the Context Exchange listener daemon: it watches the
// agent's inbox, auto-handles messages the permission level allows,
// and parks the rest for human review.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/context-exchange/cex/internal/listener"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cexd",
		Short: "Context Exchange listener daemon",
		Long: `cexd watches your agent's Context Exchange inbox. Messages in
auto-level categories are handed to your configured capability command;
ask-level messages are parked in inbox.json for your review.

Configuration lives in ~/.context-exchange/config.json.`,
	}

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the listener in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid := runningPid(); pid != 0 {
				return fmt.Errorf("listener already running (pid %d)", pid)
			}

			// Validate config before detaching so errors are visible.
			if _, err := listener.LoadConfig(); err != nil {
				return err
			}

			exe, err := os.Executable()
			if err != nil {
				return err
			}

			logFile, err := os.OpenFile(listener.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			defer logFile.Close()

			child := exec.Command(exe, "run")
			child.Stdout = logFile
			child.Stderr = logFile
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return fmt.Errorf("failed to start listener: %w", err)
			}

			color.Green("listener started (pid %d)", child.Process.Pid)
			fmt.Printf("logs: %s\n", listener.LogPath())
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid := runningPid()
			if pid == 0 {
				color.Yellow("listener is not running")
				return nil
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to signal pid %d: %w", pid, err)
			}

			// Give it a grace period to finish the in-flight poll.
			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				if !listener.ProcessAlive(pid) {
					listener.RemovePidfile(listener.PidPath())
					color.Green("listener stopped")
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}

			return fmt.Errorf("listener (pid %d) did not exit within 10s", pid)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show listener status and pending reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := listener.ReadPidfile(listener.PidPath())
			if err != nil {
				return err
			}

			switch {
			case pid == 0:
				color.Yellow("listener: not running")
			case listener.ProcessAlive(pid):
				color.Green("listener: running (pid %d)", pid)
			default:
				// Stale pidfile from an unclean exit.
				listener.RemovePidfile(listener.PidPath())
				color.Yellow("listener: not running (cleaned stale pidfile)")
			}

			review := listener.NewReviewStore(listener.InboxPath())
			pending, err := review.Pending()
			if err != nil {
				return err
			}
			fmt.Printf("pending review: %d message(s)\n", len(pending.Messages))
			if len(pending.Announcements) > 0 {
				fmt.Printf("announcements:  %d\n", len(pending.Announcements))
			}
			if !pending.UpdatedAt.IsZero() {
				fmt.Printf("last activity:  %s\n", pending.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the listener in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := listener.LoadConfig()
			if err != nil {
				return err
			}

			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().
				Timestamp().
				Logger()

			if pid := runningPid(); pid != 0 && pid != os.Getpid() {
				return fmt.Errorf("listener already running (pid %d)", pid)
			}
			if err := listener.WritePidfile(listener.PidPath()); err != nil {
				return err
			}
			defer listener.RemovePidfile(listener.PidPath())

			l, err := listener.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return l.Run(ctx)
		},
	}
}

// runningPid returns the live listener PID, or 0. Stale pidfiles are
// cleaned up along the way.
func runningPid() int {
	pid, err := listener.ReadPidfile(listener.PidPath())
	if err != nil || pid == 0 {
		return 0
	}
	if !listener.ProcessAlive(pid) {
		listener.RemovePidfile(listener.PidPath())
		return 0
	}
	return pid
}
