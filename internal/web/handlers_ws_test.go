package web

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"podsd/internal/resolver"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

func TestWSHubAttachDetach(t *testing.T) {
	hub := newTestHub()

	client := &wsClient{send: make(chan []byte, 16)}
	if !hub.attach(client) {
		t.Fatal("attach rejected on a running hub")
	}
	if len(hub.clients) != 1 {
		t.Errorf("after attach: count = %d, want 1", len(hub.clients))
	}

	hub.detach(client)
	if len(hub.clients) != 0 {
		t.Errorf("after detach: count = %d, want 0", len(hub.clients))
	}
	// A second detach for the same client must not panic on the closed
	// queue.
	hub.detach(client)
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.attach(c1)
	hub.attach(c2)

	hub.Broadcast(resolver.Notification{
		Reason: resolver.ReasonDiscovered,
		State:  resolver.DeviceState{ModelID: 0x2014},
	})

	for i, c := range []*wsClient{c1, c2} {
		select {
		case data := <-c.send:
			var n resolver.Notification
			if err := json.Unmarshal(data, &n); err != nil {
				t.Fatal(err)
			}
			if n.Reason != resolver.ReasonDiscovered || n.State.ModelID != 0x2014 {
				t.Errorf("client %d: notification = %+v", i, n)
			}
		default:
			t.Errorf("client %d: no message received", i)
		}
	}
}

func TestWSHubDropsStalledClient(t *testing.T) {
	hub := newTestHub()

	stalled := &wsClient{send: make(chan []byte)} // unbuffered, never drained
	live := &wsClient{send: make(chan []byte, 16)}
	hub.attach(stalled)
	hub.attach(live)

	hub.Broadcast(resolver.Notification{Reason: resolver.ReasonStale})

	if len(hub.clients) != 1 {
		t.Errorf("clients after broadcast = %d, want only the draining one", len(hub.clients))
	}
	if _, ok := hub.clients[live]; !ok {
		t.Error("draining client was dropped instead of the stalled one")
	}
	if _, open := <-stalled.send; open {
		t.Error("stalled client queue left open after drop")
	}
}

func TestWSHubStopRejectsAttach(t *testing.T) {
	hub := newTestHub()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.attach(client)
	hub.Stop()

	if _, open := <-client.send; open {
		t.Error("client queue left open after hub stop")
	}
	if hub.attach(&wsClient{send: make(chan []byte, 1)}) {
		t.Error("attach accepted after hub stop")
	}
	hub.Stop() // idempotent
}
