package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/context-exchange/cex/clients/go/cex"
)

const (
	streamTimeout = 25 // seconds, server-side long-poll

	backoffInitial = 30 * time.Second
	backoffMax     = 300 * time.Second

	maxCapabilityAttempts = 3
	retryDelay            = 30 * time.Second
)

// shutdownGrace bounds how long an in-flight capability invocation may
// keep running after the shutdown signal. Kept below the 10s the stop
// command waits before giving up.
var shutdownGrace = 8 * time.Second

// Listener runs the inbox watch loop for one agent.
type Listener struct {
	client     *cex.Client
	cfg        *Config
	capability Capability
	review     *ReviewStore
	cache      *permissionCache
	log        zerolog.Logger

	retries []retryItem
}

type retryItem struct {
	msg      cex.Message
	attempts int
	nextAt   time.Time
}

// New assembles a listener from config.
func New(cfg *Config, log zerolog.Logger) (*Listener, error) {
	capability, err := NewCommandCapability(cfg.Capability, cfg.HumanContext)
	if err != nil {
		return nil, err
	}
	return &Listener{
		client:     cex.NewClient(cfg.ServerURL, cfg.APIKey),
		cfg:        cfg,
		capability: capability,
		review:     NewReviewStore(InboxPath()),
		cache:      newPermissionCache(),
		log:        log,
	}, nil
}

// Run streams the inbox until the context is cancelled. Stream errors
// back off exponentially and reset on the first success.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info().Str("server", l.cfg.ServerURL).Msg("listener started")

	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			l.shutdown()
			return nil
		}

		resp, err := l.client.Stream(ctx, streamTimeout)
		if err != nil {
			if ctx.Err() != nil {
				l.shutdown()
				return nil
			}
			l.log.Warn().Err(err).Dur("backoff", backoff).Msg("stream failed")
			select {
			case <-ctx.Done():
				l.shutdown()
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffInitial

		if len(resp.Announcements) > 0 {
			l.handleAnnouncements(resp.Announcements)
		}
		for _, msg := range resp.Messages {
			l.handleMessage(ctx, msg)
		}
		l.processRetries(ctx)
	}
}

func (l *Listener) handleAnnouncements(anns []cex.Announcement) {
	if err := l.review.AddAnnouncements(anns); err != nil {
		l.log.Error().Err(err).Msg("failed to record announcements")
	}
	for _, a := range anns {
		l.log.Info().Str("title", a.Title).Str("version", a.Version).Msg("platform announcement")
		if l.cfg.Notifications {
			notifyDesktop("Context Exchange", a.Title)
		}
	}
}

func (l *Listener) handleMessage(ctx context.Context, msg cex.Message) {
	level := l.inboundLevel(ctx, msg)

	log := l.log.With().
		Str("message_id", msg.ID).
		Str("category", msg.Category).
		Str("level", level).
		Logger()

	switch level {
	case "auto":
		l.invokeCapability(ctx, msg, 1)
	case "never":
		// The server refuses never-level sends, so this only happens
		// when the rule changed after the message was accepted.
		log.Warn().Msg("discarding message for never-level category")
	default:
		log.Info().Msg("parking message for review")
		if err := l.review.Add(msg, ""); err != nil {
			log.Error().Err(err).Msg("failed to park message")
			return
		}
		if l.cfg.Notifications {
			notifyDesktop("Context Exchange", "A message is waiting for your review")
		}
	}
}

// invokeCapability runs the capability for an auto-level message,
// replies on the same thread when the capability produced output, and
// acknowledges the message.
//
// The capability runs detached from the shutdown signal: an in-flight
// invocation finishes normally, bounded by the grace period once
// shutdown begins. A message whose invocation is cut off by the grace
// expiring is parked for review; the server keeps it delivered.
func (l *Listener) invokeCapability(ctx context.Context, msg cex.Message, attempt int) {
	log := l.log.With().Str("message_id", msg.ID).Int("attempt", attempt).Logger()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	type outcome struct {
		reply string
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		reply, err := l.capability.Handle(runCtx, msg)
		done <- outcome{reply, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		select {
		case res = <-done:
		case <-time.After(shutdownGrace):
			cancel()
			log.Warn().Msg("shutdown grace expired, parking message")
			if err := l.review.Add(msg, "shutdown interrupted the capability invocation"); err != nil {
				log.Error().Err(err).Msg("failed to park message at shutdown")
			}
			return
		}
	}

	reply, err := res.reply, res.err
	if err != nil {
		log.Warn().Err(err).Msg("capability invocation failed")
		if attempt >= maxCapabilityAttempts {
			note := fmt.Sprintf("capability failed %d times: %v", attempt, err)
			if err := l.review.Add(msg, note); err != nil {
				log.Error().Err(err).Msg("failed to park message after retries")
			}
			if l.cfg.Notifications {
				notifyDesktop("Context Exchange", "A message could not be handled automatically")
			}
			return
		}
		l.retries = append(l.retries, retryItem{
			msg:      msg,
			attempts: attempt,
			nextAt:   time.Now().Add(retryDelay * time.Duration(attempt)),
		})
		return
	}

	// Reply and ack on the detached context so an invocation finishing
	// during shutdown is still confirmed.
	if reply != "" {
		_, err := l.client.Send(runCtx, cex.SendRequest{
			ToAgentID: msg.FromAgentID,
			Content:   reply,
			Kind:      "response",
			Category:  msg.Category,
			ThreadID:  msg.ThreadID,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to send capability reply")
		}
	}

	if _, err := l.client.Ack(runCtx, msg.ID); err != nil {
		log.Warn().Err(err).Msg("failed to acknowledge message")
		return
	}
	log.Info().Msg("message handled")
}

// shutdown parks queued retries so they survive the process exit; the
// retry queue is held in memory only.
func (l *Listener) shutdown() {
	for _, item := range l.retries {
		if err := l.review.Add(item.msg, "pending retry at shutdown"); err != nil {
			l.log.Error().Err(err).Str("message_id", item.msg.ID).Msg("failed to park queued retry")
		}
	}
	l.retries = nil
	l.log.Info().Msg("listener stopping")
}

func (l *Listener) processRetries(ctx context.Context) {
	if len(l.retries) == 0 {
		return
	}
	now := time.Now()
	var due, waiting []retryItem
	for _, item := range l.retries {
		if now.Before(item.nextAt) {
			waiting = append(waiting, item)
		} else {
			due = append(due, item)
		}
	}
	// Reset before invoking: a failed attempt re-queues itself.
	l.retries = waiting
	for _, item := range due {
		l.invokeCapability(ctx, item.msg, item.attempts+1)
	}
}

// inboundLevel resolves the local user's inbound level for a message,
// consulting the cache first. Any lookup failure degrades to "ask" so
// a flaky network can never cause an unattended invocation.
func (l *Listener) inboundLevel(ctx context.Context, msg cex.Message) string {
	category := msg.Category
	if category == "" {
		category = "personal"
	}

	connID, ok := l.cache.Connection(msg.ThreadID)
	if !ok {
		detail, err := l.client.Thread(ctx, msg.ThreadID)
		if err != nil || detail.Thread == nil {
			l.log.Warn().Err(err).Str("thread_id", msg.ThreadID).Msg("thread lookup failed")
			return "ask"
		}
		connID = detail.Thread.ConnectionID
		l.cache.PutConnection(msg.ThreadID, connID)
	}

	if level, ok := l.cache.InboundLevel(connID, category); ok {
		return level
	}

	perms, err := l.client.Permissions(ctx, connID)
	if err != nil {
		l.log.Warn().Err(err).Str("connection_id", connID).Msg("permission fetch failed")
		return "ask"
	}
	levels := make(map[string]string, len(perms))
	for _, p := range perms {
		levels[p.Category] = p.InboundLevel
	}
	l.cache.PutRules(connID, levels)

	if level, ok := levels[category]; ok {
		return level
	}
	return "ask"
}
