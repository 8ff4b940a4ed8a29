package permission

import (
	"errors"
	"testing"

	"github.com/context-exchange/cex/internal/cexerr"
	"github.com/context-exchange/cex/internal/models"
)

func activeConn() *models.Connection {
	return &models.Connection{ID: "c1", UserAID: "ua", UserBID: "ub", Status: models.ConnectionActive}
}

func rules(levels map[string][2]string) Rules {
	r := Rules{}
	for cat, lv := range levels {
		r[cat] = models.Permission{Category: cat, Level: lv[0], InboundLevel: lv[1]}
	}
	return r
}

func TestEvaluateBothGates(t *testing.T) {
	tests := []struct {
		name      string
		sender    [2]string // outbound, inbound for "schedule"
		recipient [2]string
		allowed   bool
	}{
		{"auto both sides", [2]string{"auto", "auto"}, [2]string{"auto", "auto"}, true},
		{"ask passes server side", [2]string{"ask", "auto"}, [2]string{"auto", "ask"}, true},
		{"sender outbound never", [2]string{"never", "auto"}, [2]string{"auto", "auto"}, false},
		{"recipient inbound never", [2]string{"auto", "auto"}, [2]string{"auto", "never"}, false},
		// The recipient's outbound and the sender's inbound are the wrong
		// directions for this send and must not block it.
		{"wrong directions ignored", [2]string{"auto", "never"}, [2]string{"never", "auto"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := rules(map[string][2]string{CategorySchedule: tt.sender})
			recipient := rules(map[string][2]string{CategorySchedule: tt.recipient})

			d, err := Evaluate(activeConn(), sender, recipient, CategorySchedule)
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected allow, got %v", err)
				}
				if !d.Allowed {
					t.Fatal("decision not marked allowed")
				}
			} else {
				if !errors.Is(err, cexerr.ErrPermissionDenied) {
					t.Fatalf("expected ErrPermissionDenied, got %v", err)
				}
			}
		})
	}
}

func TestEvaluateInactiveConnection(t *testing.T) {
	// Permission rows say auto/auto, but the connection is removed;
	// stored rows must not matter.
	open := rules(map[string][2]string{CategorySchedule: {"auto", "auto"}})

	for _, status := range []string{models.ConnectionPending, models.ConnectionRemoved} {
		conn := activeConn()
		conn.Status = status
		_, err := Evaluate(conn, open, open, CategorySchedule)
		if !errors.Is(err, cexerr.ErrRelationshipInactive) {
			t.Fatalf("status %q: expected ErrRelationshipInactive, got %v", status, err)
		}
	}

	if _, err := Evaluate(nil, open, open, CategorySchedule); !errors.Is(err, cexerr.ErrRelationshipInactive) {
		t.Fatalf("nil connection: expected ErrRelationshipInactive, got %v", err)
	}
}

func TestEvaluateEmptyCategoryUsesFallback(t *testing.T) {
	// Everything wide open except the fallback category. An
	// uncategorized message must hit the fallback gate, not slip past.
	sender := rules(map[string][2]string{
		CategorySchedule: {"auto", "auto"},
		FallbackCategory: {"never", "never"},
	})
	recipient := rules(map[string][2]string{
		CategorySchedule: {"auto", "auto"},
		FallbackCategory: {"auto", "auto"},
	})

	if _, err := Evaluate(activeConn(), sender, recipient, ""); !errors.Is(err, cexerr.ErrPermissionDenied) {
		t.Fatalf("expected fallback gate to block, got %v", err)
	}

	// With a permissive fallback the send goes through at the fallback's
	// effective level.
	sender[FallbackCategory] = models.Permission{Category: FallbackCategory, Level: "auto", InboundLevel: "auto"}
	d, err := Evaluate(activeConn(), sender, recipient, "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Level != models.LevelAuto {
		t.Fatalf("expected auto, got %q", d.Level)
	}
}

func TestEvaluateUnknownCategory(t *testing.T) {
	open := rules(map[string][2]string{CategorySchedule: {"auto", "auto"}})
	_, err := Evaluate(activeConn(), open, open, "gossip")
	if !errors.Is(err, cexerr.ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestMissingRowDefaultsToAsk(t *testing.T) {
	// No row at all for "projects": must behave as ask/ask: passes the
	// server gate but reports ask, never auto.
	d, err := Evaluate(activeConn(), Rules{}, Rules{}, CategoryProjects)
	if err != nil {
		t.Fatal(err)
	}
	if d.Level != models.LevelAsk {
		t.Fatalf("expected ask, got %q", d.Level)
	}
}

func TestEffectiveLevelIsMostRestrictive(t *testing.T) {
	sender := rules(map[string][2]string{CategorySchedule: {"auto", "auto"}})
	recipient := rules(map[string][2]string{CategorySchedule: {"auto", "ask"}})

	d, err := Evaluate(activeConn(), sender, recipient, CategorySchedule)
	if err != nil {
		t.Fatal(err)
	}
	if d.Level != models.LevelAsk {
		t.Fatalf("expected ask, got %q", d.Level)
	}
}

func TestContractsCoverEveryCategory(t *testing.T) {
	for name, levels := range Contracts {
		for _, cat := range Categories {
			lv, ok := levels[cat]
			if !ok {
				t.Fatalf("contract %q missing category %q", name, cat)
			}
			if !models.ValidLevel(lv.Outbound) || !models.ValidLevel(lv.Inbound) {
				t.Fatalf("contract %q category %q has invalid levels %+v", name, cat, lv)
			}
		}
	}
}
