// Package evaluator implements the Contract Evaluator of spec.md §4.D: a
// per-ActiveStream state machine driven by a stream of TradeEvents for
// one mint plus a wall-clock deadline timer. Grounded on the teacher's
// per-position goroutine pattern (internal/bot/bot.go's
// runStrategy/monitorPositions) and the explicit state labels of
// internal/autopilot/controller.go.
package evaluator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"contractstream/internal/apperr"
	"contractstream/internal/contracts"
	"contractstream/internal/scoring"
)

// Config tunes retry and timeout behavior. Defaults match spec.md §6.
type Config struct {
	RetryAttempts int           // default 3
	RetryDelay    time.Duration // default 200ms, applied linearly
	OpTimeout     time.Duration // default 5s, per Persistence/Oracle call
}

func (c Config) withDefaults() Config {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	return c
}

// FatalNotifier is invoked when a stream stops itself due to a Fatal
// error, so the Supervisor can deregister it.
type FatalNotifier func(contractID int64, err error)

// Evaluator drives one ActiveStream to a terminal state.
type Evaluator struct {
	stream *contracts.ActiveStream
	events <-chan contracts.TradeEvent

	store   contracts.Persistence
	price   contracts.SolPriceOracle
	balance contracts.BalanceOracle

	cfg Config
	log zerolog.Logger

	onFatal FatalNotifier
}

// New builds an Evaluator for stream, reading events from ch. balance may
// be nil, in which case the break check (step 5) falls back to comparing
// the feed-reported balance directly, for hosts whose feed already
// delivers exact human-unit balances.
func New(stream *contracts.ActiveStream, ch <-chan contracts.TradeEvent, store contracts.Persistence, price contracts.SolPriceOracle, balance contracts.BalanceOracle, cfg Config, log zerolog.Logger, onFatal FatalNotifier) *Evaluator {
	return &Evaluator{
		stream:  stream,
		events:  ch,
		store:   store,
		price:   price,
		balance: balance,
		cfg:     cfg.withDefaults(),
		log:     log.With().Int64("contract_id", stream.ContractID).Str("mint", stream.Mint).Logger(),
		onFatal: onFatal,
	}
}

// Run is the Evaluator's goroutine body. It returns when the stream
// reaches a terminal state, is stopped, or ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	timer := time.NewTimer(time.Until(e.stream.Condition2))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.stream.SetState(contracts.StateStopped)
			return

		case <-e.stream.StopSignal():
			e.stream.SetState(contracts.StateStopped)
			return

		case <-timer.C:
			if e.handleDeadline(ctx) {
				return
			}
			// Spurious fire (deadline already handled via an event): rearm
			// far in the future so it never refires before Stop.
			timer.Reset(time.Hour)

		case ev, ok := <-e.events:
			if !ok {
				e.stream.SetState(contracts.StateStopped)
				return
			}
			if e.handleEvent(ctx, ev) {
				return
			}
		}
	}
}

// handleEvent runs steps 2-6 of spec.md §4.D for one TradeEvent. The C1
// check runs ahead of the deadline check so a tie within the same event
// resolves to C1, per the tie-break policy.
func (e *Evaluator) handleEvent(ctx context.Context, ev contracts.TradeEvent) (done bool) {
	ath := e.stream.BumpATH(ev.MarketCapSol)

	completedC1, err := e.checkC1(ctx, ath)
	if err != nil {
		if e.handleStepError(err) {
			return true
		}
		return false
	}
	if completedC1 {
		return true
	}

	if e.handleDeadline(ctx) {
		return true
	}

	if !e.stream.IsSigner(ev.Trader) {
		return false
	}

	broken, err := e.checkBreak(ctx, ev)
	if err != nil {
		if e.handleStepError(err) {
			return true
		}
		return false
	}
	if !broken {
		return false
	}

	allBroken, err := e.checkAllBroken(ctx)
	if err != nil {
		if e.handleStepError(err) {
			return true
		}
		return false
	}
	return allBroken
}

// handleDeadline implements step 1: if condition2 has elapsed, transition
// to Completed_C2. Also reachable from the standalone deadline timer.
func (e *Evaluator) handleDeadline(ctx context.Context) (done bool) {
	if time.Now().Before(e.stream.Condition2) {
		return false
	}

	var contract *contracts.Contract
	err := e.withRetry(ctx, func(ctx context.Context) error {
		c, err := e.store.GetContract(ctx, e.stream.ContractID)
		if err != nil {
			return err
		}
		contract = c
		return nil
	})
	if err != nil {
		return e.handleStepError(err)
	}
	if contract.IsCompleted {
		e.stream.SetState(contracts.StateStopped)
		return true
	}

	rows, err := e.store.ListUserContractsByContract(ctx, e.stream.ContractID)
	if err != nil {
		return e.handleStepError(err)
	}

	now := time.Now()
	for _, uc := range rows {
		if uc.Status != contracts.StatusInProgress {
			continue
		}
		delta := scoring.Apply(now, scoring.Event{
			TrueCondition: scoring.TrueConditionC2,
			SignedAt:      uc.SignedAt,
		})
		if err := e.applyScore(ctx, uc.UserAddress, delta.Raw); err != nil {
			e.log.Warn().Err(err).Str("user", uc.UserAddress).Msg("score update failed on time-expired completion")
		}
	}

	if err := e.withRetry(ctx, func(ctx context.Context) error {
		_, err := e.store.BulkUpdateStatus(ctx, e.stream.ContractID, contracts.StatusInProgress, contracts.StatusCompletedCondition2)
		return err
	}); err != nil {
		return e.handleStepError(err)
	}

	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.store.MarkContractCompleted(ctx, e.stream.ContractID, contracts.CompletionReasonTimeExpired, now)
	}); err != nil {
		return e.handleStepError(err)
	}

	e.stream.SetState(contracts.StateCompletedC2)
	e.log.Info().Msg("contract completed: time expired")
	return true
}

// checkC1 implements step 3: if the ATH-derived USD market cap has
// reached condition1, transition to Completed_C1.
func (e *Evaluator) checkC1(ctx context.Context, athSol float64) (done bool, err error) {
	var solPrice float64
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		p, err := e.price.USDPrice(ctx)
		if err != nil {
			return err
		}
		solPrice = p
		return nil
	}); err != nil {
		return false, err
	}

	athUSD := athSol * solPrice
	if athUSD < e.stream.Condition1 {
		return false, nil
	}

	var contract *contracts.Contract
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		c, err := e.store.GetContract(ctx, e.stream.ContractID)
		if err != nil {
			return err
		}
		contract = c
		return nil
	}); err != nil {
		return false, err
	}
	if contract.IsCompleted {
		e.stream.SetState(contracts.StateStopped)
		return true, nil
	}

	diffPct := (athUSD/e.stream.Condition1 - 1) * 100

	rows, err := e.store.ListUserContractsByContract(ctx, e.stream.ContractID)
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, uc := range rows {
		if uc.Status != contracts.StatusInProgress {
			continue
		}
		delta := scoring.Apply(now, scoring.Event{
			ContractRespected: true,
			BuyAmount:         uc.Supply,
			DiffWithCondition: diffPct,
			TrueCondition:     scoring.TrueConditionC1,
		})
		if err := e.applyScore(ctx, uc.UserAddress, delta.Raw); err != nil {
			e.log.Warn().Err(err).Str("user", uc.UserAddress).Msg("score update failed on market-cap completion")
		}
	}

	if err := e.withRetry(ctx, func(ctx context.Context) error {
		_, err := e.store.BulkUpdateStatus(ctx, e.stream.ContractID, contracts.StatusInProgress, contracts.StatusCompletedCondition1)
		return err
	}); err != nil {
		return false, err
	}

	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.store.MarkContractCompleted(ctx, e.stream.ContractID, contracts.CompletionReasonMarketCap, now)
	}); err != nil {
		return false, err
	}

	e.stream.SetState(contracts.StateCompletedC1)
	e.log.Info().Float64("ath_usd", athUSD).Msg("contract completed: market cap reached")
	return true, nil
}

// checkBreak implements step 5: for a signer event, compares the signer's
// post-trade balance against the committed supply. When a BalanceOracle is
// wired, the comparison re-derives the balance from the authoritative RPC
// (raw units + decimals) for an exact, non-float comparison; otherwise it
// falls back to the feed-reported balance.
func (e *Evaluator) checkBreak(ctx context.Context, ev contracts.TradeEvent) (broken bool, err error) {
	var uc *contracts.UserContract
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		row, err := e.store.GetUserContract(ctx, e.stream.ContractID, ev.Trader)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				uc = nil
				return nil
			}
			return err
		}
		uc = row
		return nil
	}); err != nil {
		return false, err
	}
	if uc == nil || uc.Status != contracts.StatusInProgress {
		return false, nil
	}

	hasEnough, actualBalance, err := e.checkSufficientBalance(ctx, ev, uc.Supply)
	if err != nil {
		return false, err
	}
	if hasEnough {
		return false, nil
	}

	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.store.UpdateUserContractStatus(ctx, e.stream.ContractID, ev.Trader, contracts.StatusBroken)
	}); err != nil {
		return false, err
	}

	diffPct := (actualBalance/uc.Supply - 1) * 100
	delta := scoring.Apply(time.Now(), scoring.Event{
		ContractRespected: false,
		BuyAmount:         uc.Supply,
		DiffWithCondition: diffPct,
		TrueCondition:     scoring.TrueConditionC1,
	})
	if err := e.applyScore(ctx, ev.Trader, delta.Raw); err != nil {
		e.log.Warn().Err(err).Str("user", ev.Trader).Msg("score update failed on break")
	}

	e.log.Info().Str("user", ev.Trader).Float64("balance", actualBalance).Float64("supply", uc.Supply).Msg("signer broke contract")
	return true, nil
}

// checkSufficientBalance resolves whether the signer still holds at least
// supply tokens. With a BalanceOracle wired, it re-reads the balance via
// RPC so the comparison happens on exact raw-unit integers (tokenunits),
// not the feed's float64 newTokenBalance. Without one, it trusts the feed.
func (e *Evaluator) checkSufficientBalance(ctx context.Context, ev contracts.TradeEvent, supply float64) (hasEnough bool, actualBalance float64, err error) {
	if e.balance == nil {
		return ev.NewTokenBalance >= supply, ev.NewTokenBalance, nil
	}

	var result contracts.BalanceResult
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		r, err := e.balance.CheckBalance(ctx, e.stream.Mint, ev.Trader, supply)
		if err != nil {
			return err
		}
		result = r
		return nil
	}); err != nil {
		return false, 0, err
	}
	return result.HasEnough, result.Actual, nil
}

// checkAllBroken implements step 6: after a Break transition, if no
// signer remains InProgress, the contract completes with no winner.
func (e *Evaluator) checkAllBroken(ctx context.Context) (done bool, err error) {
	rows, err := e.store.ListUserContractsByContract(ctx, e.stream.ContractID)
	if err != nil {
		return false, err
	}
	for _, uc := range rows {
		if uc.Status == contracts.StatusInProgress {
			return false, nil
		}
	}

	// Re-read the contract before the completion write: another path
	// (e.g. the deadline timer firing concurrently) may have already
	// completed it, per spec.md's MUST on re-reading before a
	// completion write.
	var contract *contracts.Contract
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		c, err := e.store.GetContract(ctx, e.stream.ContractID)
		if err != nil {
			return err
		}
		contract = c
		return nil
	}); err != nil {
		return false, err
	}
	if contract.IsCompleted {
		e.stream.SetState(contracts.StateStopped)
		return true, nil
	}

	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.store.MarkContractCompleted(ctx, e.stream.ContractID, contracts.CompletionReasonAllBroken, time.Now())
	}); err != nil {
		return false, err
	}

	e.stream.SetState(contracts.StateCompletedAllBroken)
	e.log.Info().Msg("contract completed: all signers broken")
	return true, nil
}

func (e *Evaluator) applyScore(ctx context.Context, addr string, rawDelta float64) error {
	return e.withRetry(ctx, func(ctx context.Context) error {
		_, err := e.store.UpdateUserScore(ctx, addr, rawDelta)
		return err
	})
}

// handleStepError applies the failure semantics of spec.md §4.D: Fatal
// stops this stream only; every other kind is logged and the stream
// continues (the retry budget is already exhausted by withRetry).
func (e *Evaluator) handleStepError(err error) (stopped bool) {
	if apperr.Is(err, apperr.Fatal) {
		e.log.Error().Err(err).Msg("fatal error, stopping stream")
		e.stream.SetState(contracts.StateStopped)
		if e.onFatal != nil {
			e.onFatal(e.stream.ContractID, err)
		}
		return true
	}
	e.log.Warn().Err(err).Msg("event dropped after exhausting retries")
	return false
}

// withRetry retries fn up to cfg.RetryAttempts times with linear backoff
// while it returns a Transient error; any other error (or success) is
// returned immediately.
func (e *Evaluator) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
		err := fn(opCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err
		if !apperr.Is(err, apperr.Transient) {
			return err
		}
		if attempt == e.cfg.RetryAttempts {
			break
		}
		select {
		case <-time.After(e.cfg.RetryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
