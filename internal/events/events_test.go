package events

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Emit_DeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	m := NewManager(bus, "tradeloop", zerolog.Nop())
	m.Emit(TradeExecuted, map[string]interface{}{"symbol": "AAPL"})

	select {
	case e := <-sub:
		assert.Equal(t, TradeExecuted, e.Type)
		assert.Equal(t, "tradeloop", e.Module)
		assert.Equal(t, "AAPL", e.Data["symbol"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestManager_Emit_DoesNotBlockOnFullSubscriberBuffer(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	m := NewManager(bus, "tradeloop", zerolog.Nop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Emit(TradeExecuted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber channel")
	}
}

func TestBus_Unsubscribe_StopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	bus.Unsubscribe(sub)

	m := NewManager(bus, "tradeloop", zerolog.Nop())
	m.Emit(TradeExecuted, nil)

	_, ok := <-sub
	assert.False(t, ok, "unsubscribed channel must be closed")
}

func TestManager_EmitError_IncludesMessageAndContext(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	m := NewManager(bus, "broker", zerolog.Nop())
	m.EmitError(errors.New("upstream unavailable"), map[string]interface{}{"symbol": "AAPL"})

	e := <-sub
	require.Equal(t, ErrorOccurred, e.Type)
	assert.Equal(t, "upstream unavailable", e.Data["error"])
	assert.Equal(t, "AAPL", e.Data["symbol"])
}
