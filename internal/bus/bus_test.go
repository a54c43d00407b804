package bus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turnline/internal/bus"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := bus.New()
	var order []string
	b.Subscribe(bus.KindTenantMovedOut, func(ctx context.Context, evt bus.Event) error {
		order = append(order, "first")
		return nil
	})
	b.Subscribe(bus.KindTenantMovedOut, func(ctx context.Context, evt bus.Event) error {
		order = append(order, "second")
		return nil
	})

	err := b.Publish(context.Background(), bus.TenantMovedOut{PropertyID: "APT-101"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishIsSynchronous(t *testing.T) {
	b := bus.New()
	var got bus.TenantMovedOut
	b.Subscribe(bus.KindTenantMovedOut, func(ctx context.Context, evt bus.Event) error {
		got = evt.(bus.TenantMovedOut)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), bus.TenantMovedOut{PropertyID: "APT-101"}))
	// No waiting: the handler has already run when Publish returns.
	assert.Equal(t, "APT-101", got.PropertyID)
}

func TestHandlerErrorAbortsRemaining(t *testing.T) {
	b := bus.New()
	boom := errors.New("boom")
	var secondRan bool
	b.Subscribe(bus.KindWorkOrderCompleted, func(ctx context.Context, evt bus.Event) error {
		return boom
	})
	b.Subscribe(bus.KindWorkOrderCompleted, func(ctx context.Context, evt bus.Event) error {
		secondRan = true
		return nil
	})

	err := b.Publish(context.Background(), bus.WorkOrderCompleted{TurnoverID: "t1", WorkOrderID: "w1", Type: "INSPECTION"})
	assert.ErrorIs(t, err, boom)
	assert.False(t, secondRan)
}

func TestKindsAreIsolated(t *testing.T) {
	b := bus.New()
	var calls int
	b.Subscribe(bus.KindTurnoverReady, func(ctx context.Context, evt bus.Event) error {
		calls++
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), bus.TenantMovedOut{PropertyID: "APT-101"}))
	assert.Zero(t, calls, "handler for another kind must not fire")

	require.NoError(t, b.Publish(context.Background(), bus.TurnoverReady{PropertyID: "APT-101", TurnoverID: "t1"}))
	assert.Equal(t, 1, calls)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := bus.New()
	assert.NoError(t, b.Publish(context.Background(), bus.TurnoverReady{PropertyID: "APT-101", TurnoverID: "t1"}))
}
