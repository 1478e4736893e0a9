package bundler

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNonce(n int64) func(context.Context) (*big.Int, error) {
	return func(context.Context) (*big.Int, error) { return big.NewInt(n), nil }
}

func TestNonceManagerUsesMaxOfChainAndCache(t *testing.T) {
	nm := NewNonceManager(nil)
	sender := common.HexToAddress("0x01")
	ctx := context.Background()

	n, err := nm.GetNextNonce(ctx, sender, fixedNonce(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n.Int64())

	nm.IncrementNonce(sender, n)
	n, err = nm.GetNextNonce(ctx, sender, fixedNonce(3))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n.Int64(), "pending operation keeps the cache ahead")

	n, err = nm.GetNextNonce(ctx, sender, fixedNonce(9))
	require.NoError(t, err)
	assert.Equal(t, int64(9), n.Int64(), "chain moved past the cache")

	nm.ResetNonce(sender)
	_, ok := nm.GetCachedNonce(sender)
	assert.False(t, ok)
}

func TestNonceManagerFetchError(t *testing.T) {
	nm := NewNonceManager(nil)
	boom := errors.New("boom")
	_, err := nm.GetNextNonce(context.Background(), common.HexToAddress("0x01"),
		func(context.Context) (*big.Int, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestNonceManagerLockIsPerSender(t *testing.T) {
	nm := NewNonceManager(nil)
	a := common.HexToAddress("0x0a")
	b := common.HexToAddress("0x0b")

	unlockA, err := nm.Lock(context.Background(), a)
	require.NoError(t, err)

	// another sender is not blocked
	unlockB, err := nm.Lock(context.Background(), b)
	require.NoError(t, err)
	unlockB()

	// the same sender waits until released
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = nm.Lock(ctx, a)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockA()
	unlockA() // releasing twice is harmless

	unlockAgain, err := nm.Lock(context.Background(), a)
	require.NoError(t, err)
	unlockAgain()
}
