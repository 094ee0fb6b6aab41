package contracts

import (
	"context"
	"time"
)

// Persistence is the narrow capability interface the evaluator and
// supervisor depend on. Concrete implementations live in internal/store
// (pgx-backed); tests substitute in-memory fakes.
//
// Total ordering across rows is not required; per-row atomicity is.
type Persistence interface {
	GetContract(ctx context.Context, id int64) (*Contract, error)
	ListPendingContracts(ctx context.Context) ([]*Contract, error)
	MarkContractCompleted(ctx context.Context, id int64, reason CompletionReason, at time.Time) error
	// MarkManuallyCompleted force-completes id with CompletionReasonManual,
	// for operator-initiated force-completion (spec.md §4.E Non-goals
	// discussion of operator commands). Subject to the same
	// already-completed guard as MarkContractCompleted.
	MarkManuallyCompleted(ctx context.Context, id int64, at time.Time) error

	GetUserContract(ctx context.Context, contractID int64, addr string) (*UserContract, error)
	ListUserContractsByContract(ctx context.Context, contractID int64) ([]*UserContract, error)
	CreateUserContract(ctx context.Context, row *UserContract) error // apperr.Conflict on duplicate key
	UpdateUserContractStatus(ctx context.Context, contractID int64, addr string, status UserContractStatus) error
	BulkUpdateStatus(ctx context.Context, contractID int64, from, to UserContractStatus) (int, error)

	GetUser(ctx context.Context, addr string) (*User, error)
	UpsertUser(ctx context.Context, addr string) (*User, error)
	UpdateUserScore(ctx context.Context, addr string, rawDelta float64) (*User, error)
}

// User is the persistent scoring record for a signer address.
type User struct {
	Address   string
	RawScore  float64
	UpdatedAt time.Time
}

// FeedClient is the Upstream Feed Client capability: subscribe/unsubscribe
// by mint, and a single demultiplexed event stream tagged by mint.
type FeedClient interface {
	// Subscribe is idempotent. Events for mint arrive on the channel
	// returned by Events() tagged with Mint == mint.
	Subscribe(ctx context.Context, mint string) error
	// Unsubscribe is idempotent. After it returns, no further events for
	// mint are delivered (bar one already-buffered event).
	Unsubscribe(ctx context.Context, mint string) error
	// Events returns the channel of decoded trade events, demultiplexed
	// across every subscribed mint. Closed when the client is closed.
	Events() <-chan TradeEvent
	// Errors delivers fatal, subscriber-wide errors (e.g. reconnect budget
	// exhausted). Closed when the client is closed.
	Errors() <-chan error
	// Status reports the current connection state and active subscriptions.
	Status() FeedStatus
	// Close tears down the connection and cancels all subscriptions.
	Close() error
}

// FeedStatus is a point-in-time snapshot of the feed client.
type FeedStatus struct {
	Connected     bool
	Subscriptions []string
	Reconnects    int
	DroppedEvents int64
}

// SolPriceOracle reports the current SOL->USD spot price.
type SolPriceOracle interface {
	USDPrice(ctx context.Context) (float64, error)
}

// BalanceResult is the outcome of a balance check.
type BalanceResult struct {
	OK          bool
	HasEnough   bool
	Actual      float64
	Required    float64
	Error       error
}

// BalanceOracle verifies a wallet's token balance against a required
// human-readable supply, handling native-unit scaling internally.
type BalanceOracle interface {
	CheckBalance(ctx context.Context, mint, wallet string, required float64) (BalanceResult, error)
}
