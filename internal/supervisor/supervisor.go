// Package supervisor implements the Stream Supervisor of spec.md §4.E:
// the authoritative contract_id -> ActiveStream registry, demultiplexing
// the Upstream Feed Client's single event channel across per-contract
// Evaluators. Grounded on the teacher's internal/bot/bot.go
// positions/orders map + sync.RWMutex + stopChan/sync.WaitGroup shutdown
// discipline, generalized from one bot process to N independently
// supervised per-contract streams.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"contractstream/internal/apperr"
	"contractstream/internal/contracts"
	"contractstream/internal/evaluator"
	"contractstream/internal/events"
)

// Config tunes retry, backoff and channel sizing. Defaults match
// spec.md §6.
type Config struct {
	ChannelCapacity    int           // per-stream event buffer, default 64
	StartRetryAttempts int           // default 5
	StartRetryBase     time.Duration // default 1s, factor 2
	StaggerUnit        time.Duration // default 100ms
	StaggerCap         time.Duration // default 10s ([ADDED REDESIGN] per spec.md §9)
	RestartGap         time.Duration // default 1s
	EvaluatorCfg       evaluator.Config
}

func (c Config) withDefaults() Config {
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = 64
	}
	if c.StartRetryAttempts <= 0 {
		c.StartRetryAttempts = 5
	}
	if c.StartRetryBase <= 0 {
		c.StartRetryBase = time.Second
	}
	if c.StaggerUnit <= 0 {
		c.StaggerUnit = 100 * time.Millisecond
	}
	if c.StaggerCap <= 0 {
		c.StaggerCap = 10 * time.Second
	}
	if c.RestartGap <= 0 {
		c.RestartGap = time.Second
	}
	return c
}

// StreamSnapshot is a read-only view of one active stream, safe to hand
// to callers outside the Supervisor's critical section.
type StreamSnapshot struct {
	ContractID int64
	Mint       string
	State      contracts.EvaluatorState
	ATH        float64
	StartedAt  time.Time
}

// StartResult reports the outcome of Start without leaking internal
// registry types.
type StartResult struct {
	AlreadyActive bool
	Started      bool
}

type entry struct {
	stream *contracts.ActiveStream
	ch     chan contracts.TradeEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the contract_id -> ActiveStream registry.
type Supervisor struct {
	mu        sync.Mutex
	streams   map[int64]*entry
	mintIndex map[string]map[int64]struct{}

	store   contracts.Persistence
	feed    contracts.FeedClient
	price   contracts.SolPriceOracle
	balance contracts.BalanceOracle
	bus     *events.Bus

	cfg Config
	log zerolog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
	fanoutWG   sync.WaitGroup

	feedHealthy atomic.Bool
}

// New builds a Supervisor and starts its feed-demultiplexing loop. If bus
// is non-nil, the Supervisor subscribes to EventContractCreated for
// auto-start. balance may be nil (Evaluators then trust the feed's
// reported balance directly).
func New(store contracts.Persistence, feed contracts.FeedClient, price contracts.SolPriceOracle, balance contracts.BalanceOracle, bus *events.Bus, cfg Config, log zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		streams:    make(map[int64]*entry),
		mintIndex:  make(map[string]map[int64]struct{}),
		store:      store,
		feed:       feed,
		price:      price,
		balance:    balance,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		log:        log.With().Str("component", "supervisor").Logger(),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	s.feedHealthy.Store(true)

	s.fanoutWG.Add(1)
	go s.fanoutLoop()

	if bus != nil {
		bus.Subscribe(events.EventContractCreated, s.onContractCreated)
		bus.Subscribe(events.EventContractDeleted, s.onContractDeleted)
	}

	return s
}

func (s *Supervisor) onContractCreated(e events.Event) {
	id, ok := e.Data["contract_id"].(int64)
	if !ok {
		return
	}
	if _, err := s.Start(s.rootCtx, id); err != nil {
		s.log.Warn().Err(err).Int64("contract_id", id).Msg("auto-start failed")
	}
}

// onContractDeleted stops the corresponding stream before (or alongside)
// the host's own persistence write, per spec.md's requirement that a
// deleted contract's stream not keep running against a row that no
// longer exists.
func (s *Supervisor) onContractDeleted(e events.Event) {
	id, ok := e.Data["contract_id"].(int64)
	if !ok {
		return
	}
	if err := s.Stop(s.rootCtx, id); err != nil {
		s.log.Warn().Err(err).Int64("contract_id", id).Msg("stop-on-delete failed")
	}
}

// fanoutLoop is the single reader of feed.Events(), routing each decoded
// TradeEvent to the per-stream channel(s) subscribed to its mint, with
// drop-oldest backpressure (spec.md §5).
func (s *Supervisor) fanoutLoop() {
	defer s.fanoutWG.Done()
	for {
		select {
		case ev, ok := <-s.feed.Events():
			if !ok {
				return
			}
			s.route(ev)
		case err, ok := <-s.feed.Errors():
			if !ok {
				continue
			}
			s.log.Error().Err(err).Msg("feed reported fatal error, stopping all streams")
			s.feedHealthy.Store(false)
			if s.bus != nil {
				s.bus.PublishFeedFatal(err)
			}
			s.StopAll(context.Background())
		case <-s.rootCtx.Done():
			return
		}
	}
}

func (s *Supervisor) route(ev contracts.TradeEvent) {
	s.mu.Lock()
	ids := s.mintIndex[ev.Mint]
	chans := make([]chan contracts.TradeEvent, 0, len(ids))
	for id := range ids {
		if en, ok := s.streams[id]; ok {
			chans = append(chans, en.ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Start is idempotent: it returns AlreadyActive if contractID already has
// a registered stream. Otherwise it loads the contract and its signers,
// subscribes the Feed Client, and launches an Evaluator goroutine.
func (s *Supervisor) Start(ctx context.Context, contractID int64) (StartResult, error) {
	if s.IsActive(contractID) {
		return StartResult{AlreadyActive: true}, nil
	}

	var result StartResult
	err := s.withStartRetry(ctx, func(ctx context.Context) error {
		r, err := s.startOnce(ctx, contractID)
		result = r
		return err
	})
	return result, err
}

func (s *Supervisor) startOnce(ctx context.Context, contractID int64) (StartResult, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return StartResult{}, err
	}
	if contract.IsCompleted {
		return StartResult{}, apperr.New(apperr.InvalidInput, "contract already completed")
	}
	if !contract.Condition2.After(time.Now()) {
		return StartResult{}, apperr.New(apperr.InvalidInput, "contract deadline already elapsed")
	}

	rows, err := s.store.ListUserContractsByContract(ctx, contractID)
	if err != nil {
		return StartResult{}, err
	}
	if len(rows) == 0 {
		return StartResult{}, apperr.New(apperr.InvalidInput, "contract has no signers")
	}
	signers := make(map[string]struct{}, len(rows))
	for _, uc := range rows {
		signers[uc.UserAddress] = struct{}{}
	}

	stream := contracts.NewActiveStream(contractID, contract.Mint, signers, contract.Condition1, contract.Condition2)
	ch := make(chan contracts.TradeEvent, s.cfg.ChannelCapacity)

	if err := s.feed.Subscribe(ctx, contract.Mint); err != nil {
		return StartResult{}, err
	}

	evalCtx, cancel := context.WithCancel(s.rootCtx)
	en := &entry{stream: stream, ch: ch, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.streams[contractID] = en
	if s.mintIndex[contract.Mint] == nil {
		s.mintIndex[contract.Mint] = make(map[int64]struct{})
	}
	s.mintIndex[contract.Mint][contractID] = struct{}{}
	s.mu.Unlock()

	ev := evaluator.New(stream, ch, s.store, s.price, s.balance, s.cfg.EvaluatorCfg, s.log, s.onEvaluatorFatal)
	go func() {
		defer close(en.done)
		ev.Run(evalCtx)
		s.deregister(contractID)
		if s.bus != nil {
			s.bus.PublishStreamStopped(contractID)
		}
	}()

	s.log.Info().Int64("contract_id", contractID).Str("mint", contract.Mint).Msg("stream started")
	if s.bus != nil {
		s.bus.PublishStreamStarted(contractID, contract.Mint)
	}
	return StartResult{Started: true}, nil
}

func (s *Supervisor) onEvaluatorFatal(contractID int64, err error) {
	s.log.Error().Err(err).Int64("contract_id", contractID).Msg("evaluator stopped on fatal error")
}

// Stop is idempotent: it signals the Evaluator to reach Stopped, waits
// up to 2s, then forcibly deregisters regardless (spec.md §5).
func (s *Supervisor) Stop(ctx context.Context, contractID int64) error {
	s.mu.Lock()
	en, ok := s.streams[contractID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	en.stream.Stop()
	en.cancel()

	select {
	case <-en.done:
	case <-time.After(2 * time.Second):
		s.log.Warn().Int64("contract_id", contractID).Msg("evaluator did not stop within grace period, forcing deregistration")
	}

	s.deregister(contractID)

	mint := en.stream.Mint
	s.mu.Lock()
	_, mintStillUsed := s.mintIndex[mint]
	s.mu.Unlock()
	if !mintStillUsed {
		_ = s.feed.Unsubscribe(ctx, mint)
	}
	return nil
}

// ForceComplete stops contractID's stream (if any) and marks the
// contract CompletionReasonManual, for operator-initiated
// force-completion. Stop happens first so the evaluator goroutine is not
// still running against a row it may concurrently try to complete.
func (s *Supervisor) ForceComplete(ctx context.Context, contractID int64) error {
	if err := s.Stop(ctx, contractID); err != nil {
		return err
	}
	if err := s.store.MarkManuallyCompleted(ctx, contractID, time.Now()); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.PublishContractCompleted(contractID, string(contracts.CompletionReasonManual))
	}
	return nil
}

func (s *Supervisor) deregister(contractID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	en, ok := s.streams[contractID]
	if !ok {
		return
	}
	delete(s.streams, contractID)
	if set, ok := s.mintIndex[en.stream.Mint]; ok {
		delete(set, contractID)
		if len(set) == 0 {
			delete(s.mintIndex, en.stream.Mint)
		}
	}
}

// Restart stops then starts contractID with at least a 1s gap, so the new
// invocation gets a fresh ath=0 ActiveStream.
func (s *Supervisor) Restart(ctx context.Context, contractID int64) (StartResult, error) {
	if err := s.Stop(ctx, contractID); err != nil {
		return StartResult{}, err
	}

	select {
	case <-time.After(s.cfg.RestartGap):
	case <-ctx.Done():
		return StartResult{}, ctx.Err()
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.EventStreamRestarted, Data: map[string]interface{}{"contract_id": contractID}})
	}
	return s.Start(ctx, contractID)
}

// StartAllPending enumerates pending contracts and starts each with an
// increasing stagger, capped at cfg.StaggerCap, to avoid subscription
// storms. Contracts whose deadline has already elapsed are skipped and
// reconciled to CompletedCondition2 instead.
func (s *Supervisor) StartAllPending(ctx context.Context) error {
	pending, err := s.store.ListPendingContracts(ctx)
	if err != nil {
		return err
	}

	index := 0
	for _, c := range pending {
		if !c.Condition2.After(time.Now()) {
			s.reconcileExpired(ctx, c)
			continue
		}

		stagger := time.Duration(index) * s.cfg.StaggerUnit
		if stagger > s.cfg.StaggerCap {
			stagger = s.cfg.StaggerCap
		}
		index++

		select {
		case <-time.After(stagger):
		case <-ctx.Done():
			return ctx.Err()
		}

		if _, err := s.Start(ctx, c.ID); err != nil {
			s.log.Warn().Err(err).Int64("contract_id", c.ID).Msg("failed to start pending contract")
		}
	}
	return nil
}

func (s *Supervisor) reconcileExpired(ctx context.Context, c *contracts.Contract) {
	if _, err := s.store.BulkUpdateStatus(ctx, c.ID, contracts.StatusInProgress, contracts.StatusCompletedCondition2); err != nil {
		s.log.Warn().Err(err).Int64("contract_id", c.ID).Msg("failed to reconcile expired contract's user statuses")
		return
	}
	if err := s.store.MarkContractCompleted(ctx, c.ID, contracts.CompletionReasonTimeExpired, time.Now()); err != nil {
		s.log.Warn().Err(err).Int64("contract_id", c.ID).Msg("failed to mark expired contract completed during reconciliation")
	}
}

// StopAll stops every active stream in parallel and awaits completion.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = s.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Shutdown stops every stream and tears down the fanout loop. Safe to
// call once at process exit.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.StopAll(ctx)
	s.rootCancel()
	s.fanoutWG.Wait()
}

// ListActive returns a snapshot of every currently active stream.
func (s *Supervisor) ListActive() []StreamSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StreamSnapshot, 0, len(s.streams))
	for id, en := range s.streams {
		out = append(out, StreamSnapshot{
			ContractID: id,
			Mint:       en.stream.Mint,
			State:      en.stream.State(),
			ATH:        en.stream.ATH(),
			StartedAt:  en.stream.StartedAt,
		})
	}
	return out
}

// Get returns a snapshot of one active stream.
func (s *Supervisor) Get(contractID int64) (StreamSnapshot, bool) {
	s.mu.Lock()
	en, ok := s.streams[contractID]
	s.mu.Unlock()
	if !ok {
		return StreamSnapshot{}, false
	}
	return StreamSnapshot{
		ContractID: contractID,
		Mint:       en.stream.Mint,
		State:      en.stream.State(),
		ATH:        en.stream.ATH(),
		StartedAt:  en.stream.StartedAt,
	}, true
}

// IsActive reports whether contractID currently has a registered stream.
func (s *Supervisor) IsActive(contractID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[contractID]
	return ok
}

// FeedHealthy reports whether the upstream feed is currently believed to
// be working. It goes false once fanoutLoop observes a fatal feed error
// and never recovers for this Supervisor's lifetime (a fatal error stops
// every stream; the process is expected to restart).
func (s *Supervisor) FeedHealthy() bool {
	return s.feedHealthy.Load()
}

// withStartRetry retries op with exponential backoff (base 1s, factor 2,
// max cfg.StartRetryAttempts), per spec.md §4.E. InvalidInput refusals
// are not retried.
func (s *Supervisor) withStartRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.StartRetryAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if apperr.Is(err, apperr.InvalidInput) {
			return err
		}
		if attempt == s.cfg.StartRetryAttempts {
			break
		}
		delay := s.cfg.StartRetryBase * time.Duration(1<<uint(attempt-1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
