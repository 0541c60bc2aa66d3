package hub

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := New()
	go h.Run()
	t.Cleanup(h.Shutdown)
	return h
}

func registerClient(t *testing.T, h *Hub, userID uint) *Client {
	t.Helper()
	client := NewClient(userID)
	if err := h.Register(client); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	// Drain the connection acknowledgement
	ack := readEvent(t, client)
	if ack.Type != EventConnectionEstablished {
		t.Fatalf("expected connection_established, got %s", ack.Type)
	}
	if ack.ConnectionID != client.ID {
		t.Fatalf("acknowledgement carries wrong connection id: %s", ack.ConnectionID)
	}
	return client
}

func readRaw(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case payload, ok := <-client.Send():
		if !ok {
			t.Fatal("send channel closed while waiting for payload")
		}
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func readEvent(t *testing.T, client *Client) Event {
	t.Helper()
	var event Event
	if err := json.Unmarshal(readRaw(t, client), &event); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	return event
}

func expectNothing(t *testing.T, client *Client) {
	t.Helper()
	select {
	case payload, ok := <-client.Send():
		if ok {
			t.Fatalf("unexpected delivery: %s", payload)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAndBroadcast(t *testing.T) {
	h := startHub(t)
	alice := registerClient(t, h, 1)
	bob := registerClient(t, h, 2)

	for _, c := range []*Client{alice, bob} {
		if err := h.Subscribe(c.ID, 42); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		ack := readEvent(t, c)
		if ack.Type != EventSessionSubscribed || ack.SessionID != 42 {
			t.Fatalf("expected session_subscribed for 42, got %+v", ack)
		}
	}

	h.BroadcastToSession(42, Event{Type: EventProgress, SessionID: 42, Step: 1, TotalSteps: 10, Progress: 10})

	got := readRaw(t, alice)
	if !bytes.Equal(got, readRaw(t, bob)) {
		t.Error("subscribers received different payloads for the same broadcast")
	}
	var event Event
	if err := json.Unmarshal(got, &event); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if event.Type != EventProgress || event.Progress != 10 {
		t.Errorf("unexpected event: %+v", event)
	}
}

func TestBroadcastOrderPerSession(t *testing.T) {
	h := startHub(t)
	client := registerClient(t, h, 1)
	if err := h.Subscribe(client.ID, 7); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	readEvent(t, client) // subscribed ack

	for step := 1; step <= 20; step++ {
		h.BroadcastToSession(7, Event{Type: EventProgress, SessionID: 7, Step: step})
	}
	for step := 1; step <= 20; step++ {
		event := readEvent(t, client)
		if event.Step != step {
			t.Fatalf("out of order delivery: expected step %d, got %d", step, event.Step)
		}
	}
}

func TestBroadcastScoping(t *testing.T) {
	h := startHub(t)
	subscriber := registerClient(t, h, 1)
	bystander := registerClient(t, h, 2)

	if err := h.Subscribe(subscriber.ID, 5); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	readEvent(t, subscriber)

	t.Run("session broadcast skips non-subscribers", func(t *testing.T) {
		h.BroadcastToSession(5, Event{Type: EventProgress, SessionID: 5})
		if event := readEvent(t, subscriber); event.Type != EventProgress {
			t.Errorf("expected progress, got %s", event.Type)
		}
		expectNothing(t, bystander)
	})

	t.Run("broadcast to unknown session is a no-op", func(t *testing.T) {
		h.BroadcastToSession(999, Event{Type: EventProgress, SessionID: 999})
		expectNothing(t, subscriber)
		expectNothing(t, bystander)
	})

	t.Run("user send reaches all of a user's connections", func(t *testing.T) {
		second := registerClient(t, h, 1)
		h.SendToUser(1, Event{Type: EventPing})
		if event := readEvent(t, subscriber); event.Type != EventPing {
			t.Errorf("expected ping, got %s", event.Type)
		}
		if event := readEvent(t, second); event.Type != EventPing {
			t.Errorf("expected ping, got %s", event.Type)
		}
		expectNothing(t, bystander)
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := startHub(t)
	client := registerClient(t, h, 1)

	if err := h.Subscribe(client.ID, 3); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	readEvent(t, client)

	if err := h.Unsubscribe(client.ID, 3); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if ack := readEvent(t, client); ack.Type != EventSessionUnsubscribed {
		t.Fatalf("expected session_unsubscribed, got %s", ack.Type)
	}

	h.BroadcastToSession(3, Event{Type: EventProgress, SessionID: 3})
	expectNothing(t, client)
}

func TestSubscribeUnknownConnection(t *testing.T) {
	h := startHub(t)
	if err := h.Subscribe("no-such-conn", 1); err != ErrConnectionNotFound {
		t.Errorf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestSnapshotOnSubscribe(t *testing.T) {
	h := startHub(t)
	h.SetSnapshotFunc(func(sessionID uint) *Event {
		e := stamp(Event{Type: EventProgress, SessionID: sessionID, Progress: 65})
		return &e
	})
	client := registerClient(t, h, 1)

	if err := h.Subscribe(client.ID, 11); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if ack := readEvent(t, client); ack.Type != EventSessionSubscribed {
		t.Fatalf("expected session_subscribed first, got %s", ack.Type)
	}
	snapshot := readEvent(t, client)
	if snapshot.Type != EventProgress || snapshot.Progress != 65 {
		t.Errorf("expected snapshot with current progress, got %+v", snapshot)
	}
}

func TestDisconnectCleansIndices(t *testing.T) {
	h := startHub(t)
	client := registerClient(t, h, 1)
	for _, sessionID := range []uint{1, 2, 3} {
		if err := h.Subscribe(client.ID, sessionID); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		readEvent(t, client)
	}

	stats := h.Stats()
	if stats.TotalConnections != 1 || stats.TotalSessions != 3 {
		t.Fatalf("unexpected stats before disconnect: %+v", stats)
	}

	h.Disconnect(client.ID)

	stats = h.Stats()
	if stats.TotalConnections != 0 {
		t.Errorf("expected 0 connections, got %d", stats.TotalConnections)
	}
	if stats.TotalSessions != 0 {
		t.Errorf("expected empty subscriber sets to be dropped, got %d sessions", stats.TotalSessions)
	}
	if stats.TotalUsers != 0 {
		t.Errorf("expected user entry removed, got %d users", stats.TotalUsers)
	}

	// Idempotent for unknown ids
	h.Disconnect(client.ID)

	// Broadcasting to the dead subscription must not deliver or panic
	h.BroadcastToSession(1, Event{Type: EventProgress, SessionID: 1})
	if stats := h.Stats(); stats.TotalConnections != 0 {
		t.Errorf("unexpected stats after broadcast: %+v", stats)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	h := startHub(t)
	slow := registerClient(t, h, 1)
	healthy := registerClient(t, h, 2)
	for _, c := range []*Client{slow, healthy} {
		if err := h.Subscribe(c.ID, 8); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		readEvent(t, c)
	}

	// Overflow the slow client's send buffer without draining it. The healthy
	// client drains concurrently and must keep receiving.
	received := make(chan int)
	go func() {
		count := 0
		for range healthy.Send() {
			count++
			if count == SendBufferSize+10 {
				received <- count
				return
			}
		}
		received <- count
	}()

	for i := 0; i < SendBufferSize+10; i++ {
		h.BroadcastToSession(8, Event{Type: EventProgress, SessionID: 8, Step: i})
	}

	select {
	case count := <-received:
		if count != SendBufferSize+10 {
			t.Errorf("healthy client missed events: got %d", count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy client stalled behind the slow one")
	}

	stats := h.Stats()
	if stats.TotalConnections != 1 {
		t.Errorf("expected slow client dropped, got %d connections", stats.TotalConnections)
	}
	if _, ok := stats.PerUserCounts[1]; ok {
		t.Error("expected slow client's user entry removed")
	}
}

func TestStats(t *testing.T) {
	h := startHub(t)
	for userID := uint(1); userID <= 3; userID++ {
		c := registerClient(t, h, userID)
		if err := h.Subscribe(c.ID, 100); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		readEvent(t, c)
	}
	registerClient(t, h, 1)

	stats := h.Stats()
	if stats.TotalConnections != 4 {
		t.Errorf("expected 4 connections, got %d", stats.TotalConnections)
	}
	if stats.TotalUsers != 3 {
		t.Errorf("expected 3 users, got %d", stats.TotalUsers)
	}
	if stats.PerUserCounts[1] != 2 {
		t.Errorf("expected user 1 to have 2 connections, got %d", stats.PerUserCounts[1])
	}
	if stats.PerSessionSubscriberCounts[100] != 3 {
		t.Errorf("expected 3 subscribers on session 100, got %d", stats.PerSessionSubscriberCounts[100])
	}
}

func TestCapacityLimit(t *testing.T) {
	h := startHub(t)
	clients := make([]*Client, 0, MaxClients)
	for i := 0; i < MaxClients; i++ {
		c := NewClient(uint(i%8 + 1))
		if err := h.Register(c); err != nil {
			t.Fatalf("Register %d failed: %v", i, err)
		}
		clients = append(clients, c)
	}

	overflow := NewClient(1)
	if err := h.Register(overflow); err != ErrAtCapacity {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}

	h.Disconnect(clients[0].ID)
	if err := h.Register(overflow); err != nil {
		t.Errorf("expected registration after a slot freed, got %v", err)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	h := New()
	go h.Run()
	client := registerClient(t, h, 1)

	h.Shutdown()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-client.Send():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("client %s send channel never closed after shutdown", client.ID)
		}
	}
}
