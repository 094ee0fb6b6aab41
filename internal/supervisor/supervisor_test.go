package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"contractstream/internal/apperr"
	"contractstream/internal/contracts"
	"contractstream/internal/evaluator"
	"contractstream/internal/events"
)

type fakeStore struct {
	mu        sync.Mutex
	contracts map[int64]*contracts.Contract
	userCons  map[contracts.UserContractKey]*contracts.UserContract
	users     map[string]*contracts.User
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contracts: make(map[int64]*contracts.Contract),
		userCons:  make(map[contracts.UserContractKey]*contracts.UserContract),
		users:     make(map[string]*contracts.User),
	}
}

func (f *fakeStore) GetContract(ctx context.Context, id int64) (*contracts.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "contract not found")
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) ListPendingContracts(ctx context.Context) ([]*contracts.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*contracts.Contract
	for _, c := range f.contracts {
		if !c.IsCompleted {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkContractCompleted(ctx context.Context, id int64, reason contracts.CompletionReason, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return apperr.New(apperr.NotFound, "contract not found")
	}
	c.IsCompleted = true
	c.CompletionReason = reason
	t := at
	c.CompletedAt = &t
	return nil
}

func (f *fakeStore) MarkManuallyCompleted(ctx context.Context, id int64, at time.Time) error {
	return f.MarkContractCompleted(ctx, id, contracts.CompletionReasonManual, at)
}

func (f *fakeStore) GetUserContract(ctx context.Context, contractID int64, addr string) (*contracts.UserContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.userCons[contracts.UserContractKey{ContractID: contractID, UserAddress: addr}]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user contract not found")
	}
	cp := *uc
	return &cp, nil
}

func (f *fakeStore) ListUserContractsByContract(ctx context.Context, contractID int64) ([]*contracts.UserContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*contracts.UserContract
	for _, uc := range f.userCons {
		if uc.ContractID == contractID {
			cp := *uc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateUserContract(ctx context.Context, row *contracts.UserContract) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := row.Key()
	if _, exists := f.userCons[key]; exists {
		return apperr.New(apperr.Conflict, "user already signed")
	}
	cp := *row
	f.userCons[key] = &cp
	return nil
}

func (f *fakeStore) UpdateUserContractStatus(ctx context.Context, contractID int64, addr string, status contracts.UserContractStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.userCons[contracts.UserContractKey{ContractID: contractID, UserAddress: addr}]
	if !ok {
		return apperr.New(apperr.NotFound, "user contract not found")
	}
	uc.Status = status
	return nil
}

func (f *fakeStore) BulkUpdateStatus(ctx context.Context, contractID int64, from, to contracts.UserContractStatus) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, uc := range f.userCons {
		if uc.ContractID == contractID && uc.Status == from {
			uc.Status = to
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetUser(ctx context.Context, addr string) (*contracts.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[addr]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) UpsertUser(ctx context.Context, addr string) (*contracts.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[addr]
	if !ok {
		u = &contracts.User{Address: addr, UpdatedAt: time.Now()}
		f.users[addr] = u
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) UpdateUserScore(ctx context.Context, addr string, rawDelta float64) (*contracts.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[addr]
	if !ok {
		u = &contracts.User{Address: addr}
		f.users[addr] = u
	}
	u.RawScore += rawDelta
	cp := *u
	return &cp, nil
}

// fakeFeed is an in-memory contracts.FeedClient: Subscribe/Unsubscribe
// just track state; tests push events directly onto the shared channel.
type fakeFeed struct {
	mu   sync.Mutex
	subs map[string]struct{}

	events chan contracts.TradeEvent
	errs   chan error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subs:   make(map[string]struct{}),
		events: make(chan contracts.TradeEvent, 16),
		errs:   make(chan error, 1),
	}
}

func (f *fakeFeed) Subscribe(ctx context.Context, mint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[mint] = struct{}{}
	return nil
}

func (f *fakeFeed) Unsubscribe(ctx context.Context, mint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, mint)
	return nil
}

func (f *fakeFeed) Events() <-chan contracts.TradeEvent { return f.events }
func (f *fakeFeed) Errors() <-chan error                { return f.errs }

func (f *fakeFeed) Status() contracts.FeedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := make([]string, 0, len(f.subs))
	for m := range f.subs {
		subs = append(subs, m)
	}
	return contracts.FeedStatus{Connected: true, Subscriptions: subs}
}

func (f *fakeFeed) Close() error { return nil }

func (f *fakeFeed) isSubscribed(mint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[mint]
	return ok
}

type fakePriceOracle struct{ price float64 }

func (f *fakePriceOracle) USDPrice(ctx context.Context) (float64, error) { return f.price, nil }

func testConfig() Config {
	return Config{
		ChannelCapacity:    8,
		StartRetryAttempts: 2,
		StartRetryBase:     5 * time.Millisecond,
		StaggerUnit:        5 * time.Millisecond,
		StaggerCap:         50 * time.Millisecond,
		RestartGap:         10 * time.Millisecond,
		EvaluatorCfg:       evaluator.Config{RetryAttempts: 2, RetryDelay: time.Millisecond, OpTimeout: time.Second},
	}
}

func seedContract(store *fakeStore, id int64, mint string, condition1 float64, condition2 time.Time, signers ...string) {
	store.contracts[id] = &contracts.Contract{ID: id, Mint: mint, Condition1: condition1, Condition2: condition2}
	for _, addr := range signers {
		store.userCons[contracts.UserContractKey{ContractID: id, UserAddress: addr}] = &contracts.UserContract{
			ContractID: id, UserAddress: addr, Supply: 100, Status: contracts.StatusInProgress, SignedAt: time.Now(),
		}
	}
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 100_000, time.Now().Add(time.Hour), "alice")
	feed := newFakeFeed()

	sup := New(store, feed, &fakePriceOracle{price: 1}, nil, nil, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	res1, err := sup.Start(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, res1.Started)

	res2, err := sup.Start(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, res2.AlreadyActive)

	require.True(t, sup.IsActive(1))
	require.True(t, feed.isSubscribed("mintA"))
}

func TestSupervisor_StartRefusesCompletedContract(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 100_000, time.Now().Add(time.Hour), "alice")
	store.contracts[1].IsCompleted = true
	feed := newFakeFeed()

	sup := New(store, feed, &fakePriceOracle{price: 1}, nil, nil, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	_, err := sup.Start(context.Background(), 1)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.InvalidInput))
}

func TestSupervisor_StartRefusesNoSigners(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 100_000, time.Now().Add(time.Hour))
	feed := newFakeFeed()

	sup := New(store, feed, &fakePriceOracle{price: 1}, nil, nil, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	_, err := sup.Start(context.Background(), 1)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.InvalidInput))
}

func TestSupervisor_StopIsIdempotentAndUnsubscribes(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 100_000, time.Now().Add(time.Hour), "alice")
	feed := newFakeFeed()

	sup := New(store, feed, &fakePriceOracle{price: 1}, nil, nil, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	_, err := sup.Start(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, sup.Stop(context.Background(), 1))
	require.False(t, sup.IsActive(1))
	require.False(t, feed.isSubscribed("mintA"))

	require.NoError(t, sup.Stop(context.Background(), 1)) // idempotent
}

func TestSupervisor_RouteDeliversEventsToCorrectStream(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 1_000_000_000, time.Now().Add(time.Hour), "alice")
	feed := newFakeFeed()

	sup := New(store, feed, &fakePriceOracle{price: 0.0001}, nil, nil, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	_, err := sup.Start(context.Background(), 1)
	require.NoError(t, err)

	feed.events <- contracts.TradeEvent{Mint: "mintA", Trader: "alice", MarketCapSol: 50, NewTokenBalance: 200}

	require.Eventually(t, func() bool {
		snap, ok := sup.Get(1)
		return ok && snap.ATH >= 50
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_RestartGivesFreshATH(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 1_000_000_000, time.Now().Add(time.Hour), "alice")
	feed := newFakeFeed()

	sup := New(store, feed, &fakePriceOracle{price: 0.0001}, nil, nil, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	_, err := sup.Start(context.Background(), 1)
	require.NoError(t, err)
	feed.events <- contracts.TradeEvent{Mint: "mintA", Trader: "alice", MarketCapSol: 9000, NewTokenBalance: 200}
	require.Eventually(t, func() bool {
		snap, ok := sup.Get(1)
		return ok && snap.ATH >= 9000
	}, time.Second, 5*time.Millisecond)

	_, err = sup.Restart(context.Background(), 1)
	require.NoError(t, err)

	snap, ok := sup.Get(1)
	require.True(t, ok)
	require.Equal(t, 0.0, snap.ATH)
}

func TestSupervisor_StopAllStopsEverything(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 100_000, time.Now().Add(time.Hour), "alice")
	seedContract(store, 2, "mintB", 100_000, time.Now().Add(time.Hour), "bob")
	feed := newFakeFeed()

	sup := New(store, feed, &fakePriceOracle{price: 1}, nil, nil, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	_, err := sup.Start(context.Background(), 1)
	require.NoError(t, err)
	_, err = sup.Start(context.Background(), 2)
	require.NoError(t, err)

	sup.StopAll(context.Background())

	require.Empty(t, sup.ListActive())
}

func TestSupervisor_StartAllPendingSkipsExpiredAndReconciles(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 100_000, time.Now().Add(-time.Minute), "alice") // expired
	seedContract(store, 2, "mintB", 100_000, time.Now().Add(time.Hour), "bob")
	feed := newFakeFeed()

	sup := New(store, feed, &fakePriceOracle{price: 1}, nil, nil, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	require.NoError(t, sup.StartAllPending(context.Background()))

	require.False(t, sup.IsActive(1))
	require.True(t, sup.IsActive(2))

	c1, err := store.GetContract(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, c1.IsCompleted)
	require.Equal(t, contracts.CompletionReasonTimeExpired, c1.CompletionReason)

	uc, err := store.GetUserContract(context.Background(), 1, "alice")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusCompletedCondition2, uc.Status)
}

func TestSupervisor_AutoStartOnContractCreatedEvent(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 100_000, time.Now().Add(time.Hour), "alice")
	feed := newFakeFeed()
	bus := events.NewBus()

	sup := New(store, feed, &fakePriceOracle{price: 1}, nil, bus, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	bus.PublishContractCreated(1)

	require.Eventually(t, func() bool {
		return sup.IsActive(1)
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_StopsStreamOnContractDeletedEvent(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 100_000, time.Now().Add(time.Hour), "alice")
	feed := newFakeFeed()
	bus := events.NewBus()

	sup := New(store, feed, &fakePriceOracle{price: 1}, nil, bus, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	_, err := sup.Start(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, sup.IsActive(1))

	bus.PublishContractDeleted(1)

	require.Eventually(t, func() bool {
		return !sup.IsActive(1)
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_FeedHealthyGoesFalseOnFatalFeedError(t *testing.T) {
	store := newFakeStore()
	feed := newFakeFeed()
	bus := events.NewBus()

	sup := New(store, feed, &fakePriceOracle{price: 1}, nil, bus, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	require.True(t, sup.FeedHealthy())

	feed.errs <- errors.New("websocket closed")

	require.Eventually(t, func() bool {
		return !sup.FeedHealthy()
	}, time.Second, 5*time.Millisecond)
}

// TestStore_CreateUserContractRejectsDuplicateSigner exercises spec.md §8
// scenario 6: a second signer attempting CreateUserContract for an
// already-signed key is rejected with apperr.Conflict.
func TestStore_CreateUserContractRejectsDuplicateSigner(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 100_000, time.Now().Add(time.Hour), "alice")

	err := store.CreateUserContract(context.Background(), &contracts.UserContract{
		ContractID: 1, UserAddress: "alice", Supply: 50, Status: contracts.StatusInProgress, SignedAt: time.Now(),
	})

	require.True(t, apperr.Is(err, apperr.Conflict))
}

func TestSupervisor_ForceCompleteStopsStreamAndMarksManual(t *testing.T) {
	store := newFakeStore()
	seedContract(store, 1, "mintA", 100_000, time.Now().Add(time.Hour), "alice")
	feed := newFakeFeed()
	bus := events.NewBus()

	sup := New(store, feed, &fakePriceOracle{price: 1}, nil, bus, testConfig(), zerolog.Nop())
	defer sup.Shutdown(context.Background())

	_, err := sup.Start(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, sup.IsActive(1))

	require.NoError(t, sup.ForceComplete(context.Background(), 1))

	require.False(t, sup.IsActive(1))
	store.mu.Lock()
	c := store.contracts[1]
	store.mu.Unlock()
	require.True(t, c.IsCompleted)
	require.Equal(t, contracts.CompletionReasonManual, c.CompletionReason)
}
