// Package execution turns strategy signals into positions.
//
// The Router looks up the execution directive for a signal and sends it down
// the paper or live path. The live path resolves an option contract and
// places broker orders; the paper path simulates fills on the signalling
// instrument. Every routing outcome is written to the signal audit trail.
package execution

import (
	"context"
	"errors"
	"log/slog"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/portfolio"
	"intraday-runtime/internal/strategy"
	"intraday-runtime/internal/tradeconfig"
)

// Status is the routing result class.
type Status string

const (
	StatusEntered Status = "ENTERED"
	StatusDropped Status = "DROPPED" // expected, not an error
	StatusError   Status = "ERROR"   // configuration or collaborator failure
)

// Drop and error reasons.
const (
	ReasonNoDirective  = "NO_DIRECTIVE"
	ReasonDisabled     = "DISABLED"
	ReasonModeOff      = "MODE_OFF"
	ReasonBadDirective = "BAD_DIRECTIVE"
	ReasonLiveDisabled = "LIVE_DISABLED"
	ReasonNoContract   = "NO_CONTRACT"
	ReasonDuplicate    = "DUPLICATE"
	ReasonReconcile    = "RECONCILE_FAILED"
	ReasonEntryFailed  = "ENTRY_FAILED"
)

// Outcome is the result of routing one signal.
type Outcome struct {
	Status   Status
	Mode     tradeconfig.Mode
	Reason   string
	Position *model.Position
	Err      error
}

// Accepted reports whether a position was opened.
func (o Outcome) Accepted() bool { return o.Status == StatusEntered }

// Entry opens a position for a signal under a directive.
type Entry interface {
	Enter(ctx context.Context, sig strategy.Signal, d tradeconfig.Directive) (model.Position, error)
}

// Router routes signals to the paper or live path.
type Router struct {
	paper Entry
	live  Entry // nil in paper-only deployments
	audit model.SignalWriter
	log   *slog.Logger

	// OnOutcome is called for every routed signal (optional).
	OnOutcome func(sig strategy.Signal, out Outcome)
}

// NewRouter creates a router. live and audit may be nil.
func NewRouter(paper, live Entry, audit model.SignalWriter) *Router {
	return &Router{
		paper: paper,
		live:  live,
		audit: audit,
		log:   logger.Component("execution"),
	}
}

// Route decides what to do with sig under cfg.
func (r *Router) Route(ctx context.Context, sig strategy.Signal, cfg *tradeconfig.Snapshot) Outcome {
	out := r.route(ctx, sig, cfg)
	r.record(ctx, sig, out)
	if r.OnOutcome != nil {
		r.OnOutcome(sig, out)
	}
	return out
}

func (r *Router) route(ctx context.Context, sig strategy.Signal, cfg *tradeconfig.Snapshot) Outcome {
	attrs := []any{"strategy", sig.Strategy, "class", sig.Class, "direction", sig.Direction, "key", sig.Key()}

	d, ok := cfg.Directive(sig.Strategy, sig.Class, sig.Direction)
	if !ok {
		r.log.Info("exec skip: no directive", attrs...)
		return Outcome{Status: StatusDropped, Reason: ReasonNoDirective}
	}
	if !d.Enabled {
		r.log.Info("exec skip: disabled", attrs...)
		return Outcome{Status: StatusDropped, Mode: d.Mode, Reason: ReasonDisabled}
	}
	if err := d.Validate(); err != nil {
		r.log.Warn("exec skip: bad directive", append(attrs, "error", err)...)
		return Outcome{Status: StatusError, Mode: d.Mode, Reason: ReasonBadDirective, Err: err}
	}

	switch d.Mode {
	case tradeconfig.ModeOff:
		return Outcome{Status: StatusDropped, Mode: d.Mode, Reason: ReasonModeOff}
	case tradeconfig.ModePaper:
		return r.enter(ctx, r.paper, sig, d)
	case tradeconfig.ModeLive:
		if !cfg.LiveTradingEnabled() || r.live == nil {
			r.log.Warn("live blocked: kill switch off", attrs...)
			return Outcome{Status: StatusDropped, Mode: d.Mode, Reason: ReasonLiveDisabled}
		}
		return r.enter(ctx, r.live, sig, d)
	}
	// Validate admits only the modes above.
	return Outcome{Status: StatusError, Mode: d.Mode, Reason: ReasonBadDirective}
}

func (r *Router) enter(ctx context.Context, e Entry, sig strategy.Signal, d tradeconfig.Directive) Outcome {
	pos, err := e.Enter(ctx, sig, d)
	switch {
	case err == nil:
		return Outcome{Status: StatusEntered, Mode: d.Mode, Position: &pos}
	case errors.Is(err, portfolio.ErrDuplicate):
		r.log.Info("exec skip: position already open", "strategy", sig.Strategy, "key", sig.Key())
		return Outcome{Status: StatusDropped, Mode: d.Mode, Reason: ReasonDuplicate, Err: err}
	case errors.Is(err, ErrNoContract):
		return Outcome{Status: StatusDropped, Mode: d.Mode, Reason: ReasonNoContract, Err: err}
	case errors.Is(err, ErrReconcile):
		r.log.Error("live entry refused", "strategy", sig.Strategy, "error", err)
		return Outcome{Status: StatusError, Mode: d.Mode, Reason: ReasonReconcile, Err: err}
	default:
		r.log.Error("entry failed", "strategy", sig.Strategy, "mode", d.Mode, "error", err)
		return Outcome{Status: StatusError, Mode: d.Mode, Reason: ReasonEntryFailed, Err: err}
	}
}

func (r *Router) record(ctx context.Context, sig strategy.Signal, out Outcome) {
	if r.audit == nil {
		return
	}
	rec := model.SignalRecord{
		ID:        sig.ID,
		Strategy:  sig.Strategy,
		Exchange:  sig.Exchange,
		Token:     sig.Token,
		Class:     sig.Class,
		Direction: sig.Direction,
		Price:     sig.Price,
		TS:        sig.TS,
		Accepted:  out.Accepted(),
		Mode:      string(out.Mode),
		Reason:    out.Reason,
	}
	if err := r.audit.SaveSignal(ctx, rec); err != nil {
		r.log.Warn("signal audit write failed", "id", sig.ID, "error", err)
	}
}
