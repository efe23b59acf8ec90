package breaker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

func TestRegistry_SeedsTradeExecutionAndQuoteFetch(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NotNil(t, r.Get("TradeExecution"))
	require.NotNil(t, r.Get("QuoteFetch"))
	assert.Nil(t, r.Get("NoSuchBreaker"))
}

func TestBreaker_StartsClosed(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	b := r.Get("TradeExecution")
	assert.Equal(t, domain.BreakerClosed, b.State())
	assert.True(t, b.CanProceed())
}

func TestBreaker_OpensAfterConsecutiveFailureThreshold(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), Settings{
		Name:                "Test",
		FailureThreshold:    3,
		HalfOpenMaxRequests: 1,
		RecoveryTimeout:     50 * time.Millisecond,
	})
	b := r.Get("Test")

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	assert.Equal(t, domain.BreakerOpen, b.State())
	assert.False(t, b.CanProceed())
}

func TestBreaker_HalfOpenThenClosesOnSuccess(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), Settings{
		Name:                "Test",
		FailureThreshold:    2,
		HalfOpenMaxRequests: 1,
		RecoveryTimeout:     20 * time.Millisecond,
	})
	b := r.Get("Test")

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, domain.BreakerOpen, b.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, domain.BreakerHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, domain.BreakerClosed, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), Settings{
		Name:                "Test",
		FailureThreshold:    3,
		HalfOpenMaxRequests: 1,
		RecoveryTimeout:     time.Second,
	})
	b := r.Get("Test")

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, domain.BreakerClosed, b.State(), "a success must reset the consecutive-failure count")
}

func TestRegistry_Snapshot_ReflectsEveryBreaker(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	snap := r.Snapshot()
	assert.Len(t, snap, 2)
}
