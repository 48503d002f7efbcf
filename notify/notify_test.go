package notify_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/campfire-engine/notify"
)

func TestDispatcher_DeliversAsynchronously(t *testing.T) {
	var (
		mu  sync.Mutex
		got []notify.Notification
	)
	sink := notify.SinkFunc(func(ctx context.Context, n notify.Notification) error {
		assert.NoError(t, ctx.Err())
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
		return nil
	})
	d := notify.NewDispatcher(sink, nil)

	// GIVEN: A caller whose context is already cancelled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHEN: Notifications are dispatched
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Notify(ctx, notify.Notification{UserID: "client-1", Type: notify.TypeStatusChange}))
	}
	d.Wait()

	// THEN: Every one is delivered with a timestamp
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	for _, n := range got {
		assert.False(t, n.CreatedAt.IsZero())
	}
}

func TestDispatcher_SwallowsErrorsAndPanics(t *testing.T) {
	var calls atomic.Int32
	d := notify.NewDispatcher(notify.SinkFunc(func(context.Context, notify.Notification) error {
		if calls.Add(1) == 1 {
			return errors.New("inbox full")
		}
		panic("sink exploded")
	}), nil)

	assert.NoError(t, d.Notify(context.Background(), notify.Notification{UserID: "a"}))
	assert.NoError(t, d.Notify(context.Background(), notify.Notification{UserID: "b"}))
	d.Wait()

	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_NilIsNoop(t *testing.T) {
	var d *notify.Dispatcher
	assert.NoError(t, d.Notify(context.Background(), notify.Notification{}))
	d.Wait()

	assert.NoError(t, notify.NewDispatcher(nil, nil).Notify(context.Background(), notify.Notification{}))
}

func TestMulti_JoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	var delivered int
	m := notify.Multi{
		notify.SinkFunc(func(context.Context, notify.Notification) error { return errA }),
		notify.SinkFunc(func(context.Context, notify.Notification) error { delivered++; return nil }),
		notify.SinkFunc(func(context.Context, notify.Notification) error { return errB }),
	}

	err := m.Notify(context.Background(), notify.Notification{})

	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 1, delivered)
	assert.NoError(t, notify.Multi{}.Notify(context.Background(), notify.Notification{}))
}
