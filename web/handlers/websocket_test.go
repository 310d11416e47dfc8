package handlers_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mseverin/voicemem/web/handlers"
)

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub := handlers.NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	received := make(chan []byte, 1)
	mockClient := &handlers.MockClient{SendChan: received}

	hub.Register(mockClient)
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(map[string]interface{}{"type": "test"})

	select {
	case data := <-received:
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "test", msg["type"])
	case <-time.After(time.Second):
		t.Fatal("broadcast message not received")
	}
}

func TestWebSocketHub_RebuildLifecycleEvents(t *testing.T) {
	hub := handlers.NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	received := make(chan []byte, 2)
	hub.Register(&handlers.MockClient{SendChan: received})
	time.Sleep(10 * time.Millisecond)

	hub.BroadcastRebuildStarted("sess-1", "stm_full")
	hub.BroadcastRebuildFinished("sess-1", errors.New("store down"))

	var events []handlers.RebuildEvent
	for i := 0; i < 2; i++ {
		select {
		case data := <-received:
			var ev handlers.RebuildEvent
			require.NoError(t, json.Unmarshal(data, &ev))
			events = append(events, ev)
		case <-time.After(time.Second):
			t.Fatal("rebuild event not received")
		}
	}

	assert.Equal(t, "rebuild_started", events[0].Type)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, "stm_full", events[0].Reason)
	assert.NotEmpty(t, events[0].Timestamp)

	assert.Equal(t, "rebuild_finished", events[1].Type)
	assert.Equal(t, "store down", events[1].Error)
}

func TestWebSocketHub_UnregisterStopsDelivery(t *testing.T) {
	hub := handlers.NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	received := make(chan []byte, 1)
	client := &handlers.MockClient{SendChan: received}

	hub.Register(client)
	time.Sleep(10 * time.Millisecond)
	hub.Unregister(client)
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(map[string]interface{}{"type": "after-unregister"})
	time.Sleep(20 * time.Millisecond)

	// The channel was closed on unregister; no message should arrive.
	select {
	case data, ok := <-received:
		if ok {
			t.Fatalf("unexpected message after unregister: %s", data)
		}
	default:
	}
}

func TestWebSocketHub_SlowClientDisconnected(t *testing.T) {
	hub := handlers.NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	// Unbuffered channel with no reader: the client cannot keep up.
	slow := &handlers.MockClient{SendChan: make(chan []byte)}
	hub.Register(slow)
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(map[string]interface{}{"type": "one"})
	time.Sleep(20 * time.Millisecond)

	// The hub closed the slow client's channel instead of blocking.
	select {
	case _, ok := <-slow.SendChan:
		assert.False(t, ok, "slow client channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("slow client channel was not closed")
	}
}
