// Package authflow decides, for one identity and capability group, whether
// the identity is already authorized or needs a fresh authorization link.
//
// Negotiation walks Unchecked → Checking → {Active, Absent} → LinkIssued.
// A failed status query counts as Absent: the user gets re-prompted instead
// of the agent silently proceeding. Links are minted per request and never
// cached.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/jholhewres/pocketclaw/authflow")

// State is a negotiation state.
type State int

const (
	Unchecked State = iota
	Checking
	Active
	Absent
	LinkIssued
)

func (s State) String() string {
	switch s {
	case Unchecked:
		return "unchecked"
	case Checking:
		return "checking"
	case Active:
		return "active"
	case Absent:
		return "absent"
	case LinkIssued:
		return "link_issued"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Directory is the provider surface the negotiator needs.
type Directory interface {
	GrantStatus(ctx context.Context, identity, group string) (provider.Grant, error)
	MintLink(ctx context.Context, identity, group string) (provider.Link, error)
}

// Outcome is the terminal result of a negotiation. Exactly one of Grant
// (State == Active) or Link (State == LinkIssued) is meaningful.
type Outcome struct {
	State State
	Group string
	Grant provider.Grant
	Link  *provider.Link

	// Trace lists visited states in order.
	Trace []State

	// StatusErr is the swallowed status-query error, if any.
	StatusErr error
}

// Authorized reports whether the outcome is an active grant.
func (o Outcome) Authorized() bool { return o.State == Active }

// ErrEmptyIdentity is returned when no identity is given.
var ErrEmptyIdentity = errors.New("identity is required")

// Negotiator runs authorization negotiations.
type Negotiator struct {
	dir    Directory
	canon  func(string) string
	logger *slog.Logger
}

// NewNegotiator creates a negotiator. canon must be the same canonicalizer
// used everywhere else groups are looked up.
func NewNegotiator(dir Directory, canon func(string) string, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	if canon == nil {
		canon = func(s string) string { return s }
	}
	return &Negotiator{dir: dir, canon: canon, logger: logger.With("component", "authflow")}
}

// EnsureAuthorized returns the active grant for (identity, group) or a newly
// minted link. With force set the status check is skipped and a link is
// always minted. The only error is a failure to mint a link; status query
// failures never surface.
func (n *Negotiator) EnsureAuthorized(ctx context.Context, identity, group string, force bool) (Outcome, error) {
	if identity == "" {
		return Outcome{State: Unchecked}, ErrEmptyIdentity
	}
	g := n.canon(group)
	out := Outcome{State: Unchecked, Group: g, Trace: []State{Unchecked}}

	ctx, span := tracer.Start(ctx, "authflow.ensure")
	defer span.End()
	span.SetAttributes(attribute.String("group", g), attribute.Bool("force", force))

	if !force {
		out.advance(Checking)
		grant, err := n.dir.GrantStatus(ctx, identity, g)
		if err != nil {
			out.StatusErr = err
			n.logger.Warn("grant status check failed, treating as absent",
				"identity", identity, "group", g, "error", err)
		} else if grant.Status == provider.StatusActive {
			out.advance(Active)
			out.Grant = grant
			span.SetAttributes(attribute.String("state", out.State.String()))
			return out, nil
		}
	}
	out.advance(Absent)

	link, err := n.dir.MintLink(ctx, identity, g)
	if err != nil {
		span.RecordError(err)
		n.logger.Error("minting authorization link failed", "identity", identity, "group", g, "error", err)
		return out, fmt.Errorf("minting link for %s: %w", g, err)
	}
	out.advance(LinkIssued)
	out.Link = &link
	span.SetAttributes(attribute.String("state", out.State.String()))
	n.logger.Info("authorization link issued", "identity", identity, "group", g, "forced", force)
	return out, nil
}

// Status returns the grant for (identity, group). Failures read as absent.
func (n *Negotiator) Status(ctx context.Context, identity, group string) provider.Grant {
	g := n.canon(group)
	grant, err := n.dir.GrantStatus(ctx, identity, g)
	if err != nil {
		n.logger.Warn("grant status check failed", "identity", identity, "group", g, "error", err)
		return provider.Grant{Group: g, Status: provider.StatusAbsent}
	}
	grant.Group = g
	return grant
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}
