// Package permission holds the known category set, the contract
// presets used when a connection is formed, and the pure evaluation
// logic that gates every send.
package permission

import (
	"github.com/context-exchange/cex/internal/cexerr"
	"github.com/context-exchange/cex/internal/models"
)

// Known categories. A category outside this set is a validation error
// everywhere it appears.
const (
	CategorySchedule  = "schedule"
	CategoryProjects  = "projects"
	CategoryKnowledge = "knowledge"
	CategoryRequests  = "requests"
	CategoryPersonal  = "personal"
)

// FallbackCategory is the designated category an uncategorized message
// is evaluated against. Chosen as the most sensitive one so that
// omitting a category can never widen access.
const FallbackCategory = CategoryPersonal

// Categories lists every known category.
var Categories = []string{
	CategorySchedule,
	CategoryProjects,
	CategoryKnowledge,
	CategoryRequests,
	CategoryPersonal,
}

// Known reports whether c is a recognized category.
func Known(c string) bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// Rules is one user's levels for every category on one connection,
// keyed by category. A missing entry for a known category evaluates as
// "ask", the conservative default, never "auto".
type Rules map[string]models.Permission

// levels returns the outbound and inbound levels for a known category,
// applying the conservative default for absent rows.
func (r Rules) levels(category string) (outbound, inbound string) {
	p, ok := r[category]
	if !ok {
		return models.LevelAsk, models.LevelAsk
	}
	outbound, inbound = p.Level, p.InboundLevel
	if outbound == "" {
		outbound = models.LevelAsk
	}
	if inbound == "" {
		inbound = models.LevelAsk
	}
	return outbound, inbound
}

// Outbound returns the sender-side level for a category, with empty
// category resolved through the fallback.
func (r Rules) Outbound(category string) (string, error) {
	category, err := resolve(category)
	if err != nil {
		return "", err
	}
	out, _ := r.levels(category)
	return out, nil
}

// Inbound returns the recipient-side level for a category, with empty
// category resolved through the fallback.
func (r Rules) Inbound(category string) (string, error) {
	category, err := resolve(category)
	if err != nil {
		return "", err
	}
	_, in := r.levels(category)
	return in, nil
}

func resolve(category string) (string, error) {
	if category == "" {
		return FallbackCategory, nil
	}
	if !Known(category) {
		return "", cexerr.ErrUnknownCategory
	}
	return category, nil
}

// Decision is the outcome of evaluating one send.
type Decision struct {
	// Effective level the recipient's client should honor, the most
	// restrictive of the two gates. Only meaningful when Allowed.
	Level string
	// Outbound is the sender's own level. It is the only level safe to
	// echo back to the sender; the effective level would reveal the
	// recipient's inbound configuration.
	Outbound string
	Allowed  bool
}

// Evaluate runs the server-side permission gate for one message.
//
// The sender's outbound level and the recipient's inbound level must
// both be non-"never" for the send to proceed. "ask" passes here; it
// is advisory and enforced by the recipient's client, not the server.
// An inactive connection is "never" for every category regardless of
// stored rows.
func Evaluate(conn *models.Connection, sender, recipient Rules, category string) (Decision, error) {
	if conn == nil || conn.Status != models.ConnectionActive {
		return Decision{}, cexerr.ErrRelationshipInactive
	}

	out, err := sender.Outbound(category)
	if err != nil {
		return Decision{}, err
	}
	in, err := recipient.Inbound(category)
	if err != nil {
		return Decision{}, err
	}

	if out == models.LevelNever || in == models.LevelNever {
		return Decision{}, cexerr.ErrPermissionDenied
	}

	return Decision{Level: models.MostRestrictive(out, in), Outbound: out, Allowed: true}, nil
}
