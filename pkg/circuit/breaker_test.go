package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errUpstream = errors.New("upstream down")

func fail() error    { return errUpstream }
func succeed() error { return nil }

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)

	assert.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	time.Sleep(15 * time.Millisecond)
	assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 2, Timeout: time.Minute})
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	assert.NoError(t, b.Execute(ctx, succeed))
	assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerNotifiesStateChanges(t *testing.T) {
	var transitions []State
	b := NewBreaker(Config{
		MaxFailures: 1,
		Timeout:     time.Minute,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, to)
		},
	})
	assert.ErrorIs(t, b.Execute(context.Background(), fail), errUpstream)
	b.Reset()
	assert.Equal(t, []State{StateOpen, StateClosed}, transitions)
}
