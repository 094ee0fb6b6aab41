// Package command is the thin Command Surface of spec.md §4.G: it
// translates operator calls (start/stop/restart/list/health) into
// Supervisor operations and returns structured results without leaking
// internal Supervisor/Evaluator types, grounded on the teacher's
// exit-status-union convention in internal/bot's command handling.
package command

import (
	"context"

	"github.com/google/uuid"

	"contractstream/internal/apperr"
	"contractstream/internal/supervisor"
)

// Result is the success/error union every operator command returns, with
// a machine-readable reason code (never inner exception text) per
// spec.md §7. OperationID correlates this result with log lines emitted
// while it was processed, the same role the teacher's GenerateTraceID
// plays for an HTTP request.
type Result struct {
	OK          bool             `json:"ok"`
	Reason      string           `json:"reason,omitempty"`
	OperationID string           `json:"operation_id"`
	Snapshot    *StreamSnapshot  `json:"snapshot,omitempty"`
	Snapshots   []StreamSnapshot `json:"snapshots,omitempty"`
}

// StreamSnapshot is the operator-facing view of one active stream.
type StreamSnapshot struct {
	ContractID int64   `json:"contract_id"`
	Mint       string  `json:"mint"`
	State      string  `json:"state"`
	ATH        float64 `json:"ath_market_cap_sol"`
}

// HealthResult reports process-wide readiness for a liveness probe.
type HealthResult struct {
	Ready       bool `json:"ready"`
	ActiveCount int  `json:"active_count"`
}

// Adapter wraps a *supervisor.Supervisor as the operator-facing surface.
type Adapter struct {
	sup *supervisor.Supervisor
}

// NewAdapter builds an Adapter over sup.
func NewAdapter(sup *supervisor.Supervisor) *Adapter {
	return &Adapter{sup: sup}
}

// Start begins evaluating contractID. OK=true with no snapshot change when
// already active.
func (a *Adapter) Start(ctx context.Context, contractID int64) Result {
	opID := uuid.NewString()
	res, err := a.sup.Start(ctx, contractID)
	if err != nil {
		return errResult(opID, err)
	}
	snap, _ := a.sup.Get(contractID)
	reason := "started"
	if res.AlreadyActive {
		reason = "already_active"
	}
	return Result{OK: true, Reason: reason, OperationID: opID, Snapshot: toSnapshot(snap)}
}

// Stop halts evaluating contractID. Idempotent: OK=true even if it was not
// active.
func (a *Adapter) Stop(ctx context.Context, contractID int64) Result {
	opID := uuid.NewString()
	if err := a.sup.Stop(ctx, contractID); err != nil {
		return errResult(opID, err)
	}
	return Result{OK: true, Reason: "stopped", OperationID: opID}
}

// Restart stops then restarts contractID with a fresh ATH.
func (a *Adapter) Restart(ctx context.Context, contractID int64) Result {
	opID := uuid.NewString()
	_, err := a.sup.Restart(ctx, contractID)
	if err != nil {
		return errResult(opID, err)
	}
	snap, _ := a.sup.Get(contractID)
	return Result{OK: true, Reason: "restarted", OperationID: opID, Snapshot: toSnapshot(snap)}
}

// ForceComplete stops contractID's stream and marks it completed with
// CompletionReasonManual, for operator-initiated force-completion.
func (a *Adapter) ForceComplete(ctx context.Context, contractID int64) Result {
	opID := uuid.NewString()
	if err := a.sup.ForceComplete(ctx, contractID); err != nil {
		return errResult(opID, err)
	}
	return Result{OK: true, Reason: "manually_completed", OperationID: opID}
}

// List reports every currently active stream.
func (a *Adapter) List() Result {
	active := a.sup.ListActive()
	out := make([]StreamSnapshot, 0, len(active))
	for _, s := range active {
		out = append(out, StreamSnapshot{
			ContractID: s.ContractID,
			Mint:       s.Mint,
			State:      string(s.State),
			ATH:        s.ATH,
		})
	}
	return Result{OK: true, OperationID: uuid.NewString(), Snapshots: out}
}

// Health reports process-wide readiness. Ready goes false once the
// Supervisor's feed has hit a fatal, unrecoverable error (spec.md §4.G).
func (a *Adapter) Health() HealthResult {
	active := a.sup.ListActive()
	return HealthResult{Ready: a.sup.FeedHealthy(), ActiveCount: len(active)}
}

func toSnapshot(s supervisor.StreamSnapshot) *StreamSnapshot {
	if s.ContractID == 0 && s.Mint == "" {
		return nil
	}
	return &StreamSnapshot{ContractID: s.ContractID, Mint: s.Mint, State: string(s.State), ATH: s.ATH}
}

// errResult derives a Result from err's apperr.Kind, never from the
// wrapped error's text.
func errResult(opID string, err error) Result {
	reason := string(apperr.KindOf(err))
	if reason == "" {
		reason = "error"
	}
	return Result{OK: false, Reason: reason, OperationID: opID}
}
