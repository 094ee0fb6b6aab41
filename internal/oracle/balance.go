package oracle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"contractstream/internal/apperr"
	"contractstream/internal/contracts"
	"contractstream/internal/tokenunits"
)

// TokenAccountRPC is the narrow RPC capability the balance oracle needs:
// the mint's declared decimals and the wallet's raw token-account
// balance. Missing account is zero balance, not an error (spec.md §6).
type TokenAccountRPC interface {
	TokenAccountBalance(ctx context.Context, mint, wallet string) (rawAmount int64, decimals int32, err error)
}

// HTTPBalanceOracle implements contracts.BalanceOracle against an RPC
// endpoint, grounded on the teacher's binance.Client request/timeout
// discipline (internal/binance/client.go), scaling raw amounts to human
// units via internal/tokenunits rather than float64 division.
type HTTPBalanceOracle struct {
	rpc     TokenAccountRPC
	timeout time.Duration
	log     zerolog.Logger
	breaker *failureBreaker
}

// NewHTTPBalanceOracle builds a balance oracle over an RPC client.
func NewHTTPBalanceOracle(rpc TokenAccountRPC, timeout time.Duration, log zerolog.Logger) *HTTPBalanceOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPBalanceOracle{
		rpc:     rpc,
		timeout: timeout,
		log:     log.With().Str("component", "oracle.balance").Logger(),
		breaker: newFailureBreaker(5, 30*time.Second),
	}
}

// CheckBalance verifies wallet holds at least `required` tokens of mint,
// in human-readable units; returned BalanceResult carries both the
// boolean verdict and the raw figures for audit/logging.
func (o *HTTPBalanceOracle) CheckBalance(ctx context.Context, mint, wallet string, required float64) (contracts.BalanceResult, error) {
	if !o.breaker.Allow() {
		return contracts.BalanceResult{}, apperr.New(apperr.Transient, "balance oracle circuit open")
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	raw, decimals, err := o.rpc.TokenAccountBalance(ctx, mint, wallet)
	if err != nil {
		o.breaker.RecordFailure()
		o.log.Warn().Err(err).Str("mint", mint).Str("wallet", wallet).Msg("balance rpc failed")
		return contracts.BalanceResult{}, apperr.Wrap(apperr.Transient, "balance rpc failed", err)
	}
	o.breaker.RecordSuccess()

	actual := tokenunits.ToHuman(raw, decimals)
	hasEnough := tokenunits.HasEnough(raw, required, decimals)

	return contracts.BalanceResult{
		OK:        true,
		HasEnough: hasEnough,
		Actual:    actual,
		Required:  required,
	}, nil
}
