// Package contracts defines the domain model shared by the evaluator,
// supervisor, scoring engine and persistence port: Contracts, the
// UserContracts that sign them, the in-memory ActiveStream each contract
// runs while pending, and the TradeEvent shape the upstream feed delivers.
package contracts

import (
	"sync"
	"time"
)

// CompletionReason records why a Contract stopped accepting new signers.
type CompletionReason string

const (
	CompletionReasonNone       CompletionReason = ""
	CompletionReasonMarketCap  CompletionReason = "market_cap"
	CompletionReasonTimeExpired CompletionReason = "time_expired"
	// CompletionReasonAllBroken is used when every signer on a contract has
	// broken their commitment. The source collapsed this into "manual";
	// this is a distinct, more descriptive code (spec.md Open Question).
	CompletionReasonAllBroken CompletionReason = "all_broken"
	// CompletionReasonManual is reserved for operator-initiated force
	// completion, not for the all-broken path.
	CompletionReasonManual CompletionReason = "manual"
)

// Contract is the persistent record of a single C1-vs-C2 commitment.
type Contract struct {
	ID              int64
	Mint            string
	Condition1      float64 // USD market-cap target
	Condition2      time.Time
	IsCompleted     bool
	CompletionReason CompletionReason
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// UserContractStatus is the one-way status a UserContract exits
// InProgress into. The numeric values match spec.md's enumeration.
type UserContractStatus int

const (
	StatusInProgress          UserContractStatus = 0
	StatusCompletedCondition1 UserContractStatus = 1
	StatusCompletedCondition2 UserContractStatus = 2
	StatusBroken              UserContractStatus = 3
)

func (s UserContractStatus) String() string {
	switch s {
	case StatusInProgress:
		return "InProgress"
	case StatusCompletedCondition1:
		return "CompletedCondition1"
	case StatusCompletedCondition2:
		return "CompletedCondition2"
	case StatusBroken:
		return "Broken"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is a one-way exit from InProgress.
func (s UserContractStatus) IsTerminal() bool {
	return s != StatusInProgress
}

// UserContract is the persistent, compound-keyed record of a single
// signer's commitment to a Contract.
type UserContract struct {
	ContractID   int64
	UserAddress  string
	Supply       float64
	Status       UserContractStatus
	SignedAt     time.Time
}

// Key returns the compound key used for uniqueness and lookups.
func (u UserContract) Key() UserContractKey {
	return UserContractKey{ContractID: u.ContractID, UserAddress: u.UserAddress}
}

// UserContractKey is the compound primary key (contract_id, user_address).
type UserContractKey struct {
	ContractID  int64
	UserAddress string
}

// TradeEvent is the ephemeral decoded shape of one upstream trade frame.
type TradeEvent struct {
	Signature             string
	Mint                   string
	Trader                 string
	TxType                 string // "buy" | "sell"
	TokenAmount            float64
	SolAmount              float64
	NewTokenBalance        float64
	VTokensInBondingCurve  float64
	VSolInBondingCurve     float64
	MarketCapSol           float64
	Pool                   string
}

// EvaluatorState is the per-ActiveStream state machine position.
type EvaluatorState string

const (
	StateRunning            EvaluatorState = "running"
	StateCompletedC1        EvaluatorState = "completed_c1"
	StateCompletedC2        EvaluatorState = "completed_c2"
	StateCompletedAllBroken EvaluatorState = "completed_all_broken"
	StateStopped            EvaluatorState = "stopped"
)

// ActiveStream is the in-memory record of a single contract's live
// evaluation. The Supervisor creates it; from then on it is owned
// exclusively by the Evaluator goroutine that runs it, and the Supervisor
// only reads its snapshot fields under the stream's own mutex.
type ActiveStream struct {
	mu sync.Mutex

	ContractID int64
	Mint       string
	StartedAt  time.Time
	Signers    map[string]struct{}
	Condition1 float64
	Condition2 time.Time

	athMarketCapSol float64
	state           EvaluatorState
	stopSignal      chan struct{}
	stopOnce        sync.Once
}

// NewActiveStream allocates a fresh stream with ath=0, as required on
// every start/restart.
func NewActiveStream(contractID int64, mint string, signers map[string]struct{}, condition1 float64, condition2 time.Time) *ActiveStream {
	return &ActiveStream{
		ContractID: contractID,
		Mint:       mint,
		StartedAt:  time.Now(),
		Signers:    signers,
		Condition1: condition1,
		Condition2: condition2,
		state:      StateRunning,
		stopSignal: make(chan struct{}),
	}
}

// ATH returns the current all-time-high market cap observed (SOL units).
func (s *ActiveStream) ATH() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.athMarketCapSol
}

// BumpATH advances the ATH monotonically and returns the new value (P1).
func (s *ActiveStream) BumpATH(candidate float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if candidate > s.athMarketCapSol {
		s.athMarketCapSol = candidate
	}
	return s.athMarketCapSol
}

// State returns the current evaluator state.
func (s *ActiveStream) State() EvaluatorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the stream to a new state. Callers are expected to
// be the single owning Evaluator goroutine.
func (s *ActiveStream) SetState(state EvaluatorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// IsSigner reports whether addr is part of this stream's signer set.
func (s *ActiveStream) IsSigner(addr string) bool {
	_, ok := s.Signers[addr]
	return ok
}

// StopSignal returns the channel closed by Stop to cancel the owning
// Evaluator goroutine.
func (s *ActiveStream) StopSignal() <-chan struct{} {
	return s.stopSignal
}

// Stop idempotently signals the owning Evaluator goroutine to terminate.
func (s *ActiveStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopSignal)
	})
}
