package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream unavailable")

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Execute(context.Background(), func() error { return errDownstream })
	}
}

func TestBreakerClosed(t *testing.T) {
	t.Run("should allow requests when closed", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3})
		err := b.Execute(context.Background(), func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reset failures on success", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3})
		failN(b, 2)
		assert.Equal(t, 2, b.Failures())
		b.Execute(context.Background(), func() error { return nil })
		assert.Equal(t, 0, b.Failures())
	})

	t.Run("should stay closed at exactly max failures", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3})
		failN(b, 3)
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreakerOpens(t *testing.T) {
	t.Run("should open once failures exceed the threshold", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, BaseBackoff: 10 * time.Second})
		failN(b, 4)
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("should reject while the backoff has not elapsed", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, BaseBackoff: 10 * time.Second})
		failN(b, 4)
		err := b.Execute(context.Background(), func() error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})
}

func TestBreakerRecovery(t *testing.T) {
	t.Run("should close after a successful probe", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, BaseBackoff: 10 * time.Second})
		now := time.Now()
		b.SetNowFunc(func() time.Time { return now })
		failN(b, 4)
		require.Equal(t, StateOpen, b.State())

		now = now.Add(11 * time.Second)
		err := b.Execute(context.Background(), func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should double the backoff after a failed probe", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, BaseBackoff: 10 * time.Second})
		now := time.Now()
		b.SetNowFunc(func() time.Time { return now })
		failN(b, 4)
		firstRetry := b.RetryAt()
		require.Equal(t, 10*time.Second, firstRetry.Sub(now))

		now = now.Add(11 * time.Second)
		b.Execute(context.Background(), func() error { return errDownstream })
		require.Equal(t, StateOpen, b.State())
		assert.Equal(t, 20*time.Second, b.RetryAt().Sub(now))
	})

	t.Run("should admit a single probe in half-open", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, BaseBackoff: 10 * time.Second})
		now := time.Now()
		b.SetNowFunc(func() time.Time { return now })
		failN(b, 4)

		now = now.Add(11 * time.Second)
		require.NoError(t, b.Allow())
		assert.ErrorIs(t, b.Allow(), ErrProbeInFlight)
		b.RecordSuccess()
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should cap the backoff", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, BaseBackoff: 10 * time.Second, MaxBackoff: 30 * time.Second})
		now := time.Now()
		b.SetNowFunc(func() time.Time { return now })
		failN(b, 2)
		for i := 0; i < 5; i++ {
			now = b.RetryAt().Add(time.Second)
			b.Execute(context.Background(), func() error { return errDownstream })
		}
		assert.LessOrEqual(t, b.RetryAt().Sub(now), 30*time.Second)
	})
}

func TestBreakerReset(t *testing.T) {
	t.Run("reset returns to closed", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, BaseBackoff: time.Minute})
		failN(b, 2)
		require.Equal(t, StateOpen, b.State())
		b.Reset()
		assert.Equal(t, StateClosed, b.State())
		assert.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	})
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(Config{
		MaxFailures: 1,
		BaseBackoff: 10 * time.Second,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	now := time.Now()
	b.SetNowFunc(func() time.Time { return now })

	failN(b, 2)
	now = now.Add(11 * time.Second)
	b.Execute(context.Background(), func() error { return nil })

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}
