package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"contractstream/internal/apperr"
)

type fakeTokenRPC struct {
	raw      int64
	decimals int32
	err      error
	calls    int
}

func (f *fakeTokenRPC) TokenAccountBalance(ctx context.Context, mint, wallet string) (int64, int32, error) {
	f.calls++
	return f.raw, f.decimals, f.err
}

func TestHTTPBalanceOracle_HasEnough(t *testing.T) {
	rpc := &fakeTokenRPC{raw: 5_000_000, decimals: 6} // 5.0 human tokens
	o := NewHTTPBalanceOracle(rpc, time.Second, zerolog.Nop())

	res, err := o.CheckBalance(context.Background(), "mint", "wallet", 3.0)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.True(t, res.HasEnough)
	require.Equal(t, 5.0, res.Actual)
	require.Equal(t, 3.0, res.Required)
}

func TestHTTPBalanceOracle_NotEnough(t *testing.T) {
	rpc := &fakeTokenRPC{raw: 1_000_000, decimals: 6}
	o := NewHTTPBalanceOracle(rpc, time.Second, zerolog.Nop())

	res, err := o.CheckBalance(context.Background(), "mint", "wallet", 3.0)
	require.NoError(t, err)
	require.False(t, res.HasEnough)
}

func TestHTTPBalanceOracle_RPCErrorIsTransient(t *testing.T) {
	rpc := &fakeTokenRPC{err: errors.New("rpc down")}
	o := NewHTTPBalanceOracle(rpc, time.Second, zerolog.Nop())

	_, err := o.CheckBalance(context.Background(), "mint", "wallet", 1.0)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.Transient))
}

func TestHTTPBalanceOracle_BreakerOpensAfterRepeatedFailure(t *testing.T) {
	rpc := &fakeTokenRPC{err: errors.New("rpc down")}
	o := NewHTTPBalanceOracle(rpc, time.Second, zerolog.Nop())
	o.breaker = newFailureBreaker(2, time.Hour)

	for i := 0; i < 2; i++ {
		_, err := o.CheckBalance(context.Background(), "mint", "wallet", 1.0)
		require.Error(t, err)
	}
	callsBefore := rpc.calls
	_, err := o.CheckBalance(context.Background(), "mint", "wallet", 1.0)
	require.Error(t, err)
	require.Equal(t, callsBefore, rpc.calls)
}

func TestHTTPBalanceOracle_ZeroBalanceIsNotError(t *testing.T) {
	rpc := &fakeTokenRPC{raw: 0, decimals: 9}
	o := NewHTTPBalanceOracle(rpc, time.Second, zerolog.Nop())

	res, err := o.CheckBalance(context.Background(), "mint", "wallet", 0.5)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.False(t, res.HasEnough)
	require.Equal(t, 0.0, res.Actual)
}
