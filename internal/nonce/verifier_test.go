package nonce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/token-authority/internal/clock"
	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testWindow = int64(2000)

// seedTokens stores eternal access tokens so their keys can own
// nonce history.
func seedTokens(t *testing.T, s store.TokenStore, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, s.Create(context.Background(), &models.Token{
			Type: models.TokenAccess, Key: k, Secret: "s", ClientID: "c1",
		}))
	}
}

func newTestVerifier(t *testing.T) (*Verifier, *clock.Manual, *store.MemoryStore) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore()
	seedTokens(t, s, "tok")
	return NewVerifier(s, WithClock(clk), WithRetention(8)), clk, s
}

func TestAdmit_AcceptsFreshNonce(t *testing.T) {
	v, clk, _ := newTestVerifier(t)
	err := v.Admit(context.Background(), "tok", "n1", clk.Now().UnixMilli(), testWindow)
	require.NoError(t, err)

	h, err := v.History(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, h.Records, 1)
	assert.Equal(t, "n1", h.Records[0].Value)
}

func TestAdmit_ReplayRejected(t *testing.T) {
	v, clk, _ := newTestVerifier(t)
	ctx := context.Background()
	t0 := clk.Now().UnixMilli()

	require.NoError(t, v.Admit(ctx, "tok", "nonce1", t0, testWindow))
	clk.Advance(time.Second)
	require.NoError(t, v.Admit(ctx, "tok", "nonce2", t0+1000, testWindow))

	err := v.Admit(ctx, "tok", "nonce2", t0+1000, testWindow)
	assert.ErrorIs(t, err, autherrors.ErrDuplicateNonce)

	// The nonce value alone is the replay key.
	clk.Advance(500 * time.Millisecond)
	err = v.Admit(ctx, "tok", "nonce2", clk.Now().UnixMilli(), testWindow)
	assert.ErrorIs(t, err, autherrors.ErrDuplicateNonce)
}

func TestAdmit_SameNonceDifferentKeys(t *testing.T) {
	v, clk, s := newTestVerifier(t)
	seedTokens(t, s, "tok-a", "tok-b")
	ctx := context.Background()
	now := clk.Now().UnixMilli()
	require.NoError(t, v.Admit(ctx, "tok-a", "n1", now, testWindow))
	require.NoError(t, v.Admit(ctx, "tok-b", "n1", now, testWindow))
}

func TestAdmit_TimestampWindow(t *testing.T) {
	v, clk, _ := newTestVerifier(t)
	ctx := context.Background()
	now := clk.Now().UnixMilli()

	err := v.Admit(ctx, "tok", "old", now-5000, testWindow)
	assert.ErrorIs(t, err, autherrors.ErrInvalidTimestamp)

	err = v.Admit(ctx, "tok", "future", now+5000, testWindow)
	assert.ErrorIs(t, err, autherrors.ErrInvalidTimestamp)

	require.NoError(t, v.Admit(ctx, "tok", "recent", now-500, testWindow))

	// A rejected timestamp does not consume the nonce.
	require.NoError(t, v.Admit(ctx, "tok", "old", now, testWindow))
}

func TestAdmit_Malformed(t *testing.T) {
	v, clk, _ := newTestVerifier(t)
	err := v.Admit(context.Background(), "tok", "", clk.Now().UnixMilli(), testWindow)
	assert.ErrorIs(t, err, autherrors.ErrMalformedCredential)
}

func TestAdmit_RetentionPrunesOldest(t *testing.T) {
	v, clk, _ := newTestVerifier(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, v.Admit(ctx, "tok", fmt.Sprintf("n%d", i), clk.Now().UnixMilli(), testWindow))
		clk.Advance(100 * time.Millisecond)
	}
	h, err := v.History(ctx, "tok")
	require.NoError(t, err)
	assert.Len(t, h.Records, 8)
	assert.Equal(t, "n2", h.Records[0].Value)
	assert.Equal(t, int64(100), h.AverageDelta)
	assert.Equal(t, int64(10), h.Accepted)
}

func TestAdmit_ConcurrentReplaySingleAcceptance(t *testing.T) {
	v, clk, _ := newTestVerifier(t)
	ctx := context.Background()
	now := clk.Now().UnixMilli()

	var accepted, duplicates atomic.Int32
	var wg sync.WaitGroup
	for n := 0; n < 32; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := v.Admit(ctx, "tok", "same", now, testWindow)
			switch {
			case err == nil:
				accepted.Add(1)
			case autherrors.KindOf(err) == autherrors.KindDuplicateNonce:
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(31), duplicates.Load())
}

func TestAdmit_LostAppendRaceIsDuplicate(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := store.NewMockTokenStore(ctrl)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	v := NewVerifier(mock, WithClock(clk))

	mock.EXPECT().NonceHistory(gomock.Any(), "tok").Return(&models.NonceHistory{}, nil)
	mock.EXPECT().AppendNonce(gomock.Any(), "tok", gomock.Any(), DefaultRetention).Return(false, nil)

	err := v.Admit(context.Background(), "tok", "n1", clk.Now().UnixMilli(), testWindow)
	assert.ErrorIs(t, err, autherrors.ErrDuplicateNonce)
}

func TestAdmit_StoreUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := store.NewMockTokenStore(ctrl)
	v := NewVerifier(mock)

	mock.EXPECT().NonceHistory(gomock.Any(), "tok").
		Return(nil, fmt.Errorf("nonce history: %w: timeout", autherrors.ErrStoreUnavailable))

	err := v.Admit(context.Background(), "tok", "n1", time.Now().UnixMilli(), testWindow)
	assert.Equal(t, autherrors.KindStoreUnavailable, autherrors.KindOf(err))
}

func TestAdmit_RevokedTokenLeavesNoHistory(t *testing.T) {
	v, clk, s := newTestVerifier(t)
	ctx := context.Background()

	// Revocation lands after the caller loaded the token.
	_, err := s.Remove(ctx, "tok")
	require.NoError(t, err)

	err = v.Admit(ctx, "tok", "n1", clk.Now().UnixMilli(), testWindow)
	assert.ErrorIs(t, err, autherrors.ErrInvalidToken)

	h, err := v.History(ctx, "tok")
	require.NoError(t, err)
	assert.Empty(t, h.Records)
}

func TestAdmit_StoreTimeoutApplied(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := store.NewMockTokenStore(ctrl)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	v := NewVerifier(mock, WithClock(clk), WithStoreTimeout(50*time.Millisecond))

	mock.EXPECT().NonceHistory(gomock.Any(), "tok").
		DoAndReturn(func(ctx context.Context, _ string) (*models.NonceHistory, error) {
			_, ok := ctx.Deadline()
			assert.True(t, ok, "store call should carry a deadline")
			<-ctx.Done()
			return nil, fmt.Errorf("nonce history: %w: %v", autherrors.ErrStoreUnavailable, ctx.Err())
		})

	err := v.Admit(context.Background(), "tok", "n1", clk.Now().UnixMilli(), testWindow)
	assert.Equal(t, autherrors.KindStoreUnavailable, autherrors.KindOf(err))
}

func TestCadenceWindow(t *testing.T) {
	p := CadenceWindow{Factor: 4, MinMillis: 1000, MinSamples: 3}

	assert.Equal(t, int64(60000), p.Window(60000, nil))
	assert.Equal(t, int64(60000), p.Window(60000, &models.NonceHistory{Accepted: 2, AverageDelta: 100}))
	assert.Equal(t, int64(1000), p.Window(60000, &models.NonceHistory{Accepted: 5, AverageDelta: 100}))
	assert.Equal(t, int64(8000), p.Window(60000, &models.NonceHistory{Accepted: 5, AverageDelta: 2000}))
	assert.Equal(t, int64(60000), p.Window(60000, &models.NonceHistory{Accepted: 5, AverageDelta: 30000}))
}

func TestAdmit_CadencePolicyNarrowsWindow(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore()
	seedTokens(t, s, "tok")
	v := NewVerifier(s, WithClock(clk),
		WithPolicy(CadenceWindow{Factor: 2, MinMillis: 1000, MinSamples: 3}))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, v.Admit(ctx, "tok", fmt.Sprintf("n%d", i), clk.Now().UnixMilli(), 60000))
		clk.Advance(time.Second)
	}
	// Steady one-second cadence: the effective window is now two seconds.
	err := v.Admit(ctx, "tok", "late", clk.Now().UnixMilli()-10000, 60000)
	assert.ErrorIs(t, err, autherrors.ErrInvalidTimestamp)

	err = v.Admit(ctx, "tok", "ok", clk.Now().UnixMilli()-1500, 60000)
	assert.NoError(t, err)
}
