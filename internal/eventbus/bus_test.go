package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
)

func TestPublishSubscribe(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(domain.SpaceActivated{SpaceID: "s1", At: time.Now()})

	select {
	case evt := <-sub.Events():
		require.Equal(t, "SpaceActivated", evt.TypeName())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishWithNoSubscribersSucceeds(t *testing.T) {
	bus := eventbus.New()
	require.NotPanics(t, func() {
		bus.Publish(domain.ServerStatusChanged{SpaceID: "s", ServerID: "x"})
	})
}

func TestLaggedSubscriberIsNotified(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < 128; i++ {
		bus.Publish(domain.ToolsChanged{SpaceID: "s", ServerID: "x"})
	}

	select {
	case <-sub.Lagged():
	case <-time.After(time.Second):
		t.Fatal("expected a lag notification once the buffer overflowed")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe()
	sub.Close()

	_, ok := <-sub.Events()
	require.False(t, ok)
}
