package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

var testSecret = []byte("notify-test-secret")

func setupBridge(t *testing.T) (*Bridge, *Publisher, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	subClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pubClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bridge := NewBridge(subClient, testSecret)
	publisher := NewPublisher(pubClient)
	cleanup := func() {
		bridge.Unsubscribe()
		subClient.Close()
		pubClient.Close()
		mr.Close()
	}
	return bridge, publisher, cleanup
}

func subscribeToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := IssueSubscribeToken(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueSubscribeToken: %v", err)
	}
	return token
}

func collect(t *testing.T) (func(Notification), chan Notification) {
	t.Helper()
	ch := make(chan Notification, 16)
	return func(n Notification) { ch <- n }, ch
}

func waitFor(t *testing.T, ch chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestSubscribeDeliversPassedNotification(t *testing.T) {
	bridge, publisher, cleanup := setupBridge(t)
	defer cleanup()

	deliver, ch := collect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Subscribe(ctx, subscribeToken(t, "user-1"), deliver); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if bridge.State() != StateSubscribed {
		t.Fatalf("expected subscribed state, got %v", bridge.State())
	}

	err := publisher.PublishInsert(ctx, Event{
		UserID: "user-1", FileName: "lease.pdf", DocumentType: "Lease Agreement", ExtractionStatus: "PASSED",
	})
	if err != nil {
		t.Fatalf("PublishInsert: %v", err)
	}

	n := waitFor(t, ch)
	if n.Level != "success" || n.FileName != "lease.pdf" {
		t.Errorf("unexpected notification: %+v", n)
	}
}

func TestTenantDocumentTypeGuidance(t *testing.T) {
	bridge, publisher, cleanup := setupBridge(t)
	defer cleanup()

	deliver, ch := collect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Subscribe(ctx, subscribeToken(t, "user-1"), deliver); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	publisher.PublishInsert(ctx, Event{
		UserID: "user-1", FileName: "roll.xlsx", DocumentType: "Rent Roll", ExtractionStatus: "PASSED",
	})
	n := waitFor(t, ch)
	if n.Level != "success" || !contains(n.Message, "tenant data") {
		t.Errorf("expected tenant-data guidance, got %+v", n)
	}
}

func TestFailedEventRaisesErrorNotification(t *testing.T) {
	bridge, publisher, cleanup := setupBridge(t)
	defer cleanup()

	deliver, ch := collect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Subscribe(ctx, subscribeToken(t, "user-1"), deliver); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	publisher.PublishInsert(ctx, Event{
		UserID: "user-1", FileName: "broken.pdf", ExtractionStatus: "FAILED",
	})
	n := waitFor(t, ch)
	if n.Level != "error" || !contains(n.Message, "error documents") {
		t.Errorf("expected error guidance, got %+v", n)
	}
}

func TestDuplicateEventsAreDeduplicated(t *testing.T) {
	bridge, publisher, cleanup := setupBridge(t)
	defer cleanup()

	deliver, ch := collect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Subscribe(ctx, subscribeToken(t, "user-1"), deliver); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	event := Event{UserID: "user-1", FileName: "lease.pdf", ExtractionStatus: "PASSED"}
	publisher.PublishInsert(ctx, event)
	publisher.PublishInsert(ctx, event)
	// A different outcome for the same file is a distinct key.
	publisher.PublishInsert(ctx, Event{UserID: "user-1", FileName: "lease.pdf", ExtractionStatus: "FAILED"})

	first := waitFor(t, ch)
	second := waitFor(t, ch)
	if first.Level == second.Level {
		t.Errorf("expected the duplicate to be suppressed, got %+v then %+v", first, second)
	}

	select {
	case n := <-ch:
		t.Fatalf("unexpected third notification: %+v", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMismatchedUserEventIsDropped(t *testing.T) {
	bridge, publisher, cleanup := setupBridge(t)
	defer cleanup()

	deliver, ch := collect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Subscribe(ctx, subscribeToken(t, "user-1"), deliver); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Publish an event carrying a different user id on user-1's channel;
	// the client-side check drops it.
	if err := publisher.client.Publish(ctx, ChannelFor("user-1"),
		`{"user_id":"user-2","file_name":"other.pdf","extraction_status":"PASSED"}`).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	publisher.PublishInsert(ctx, Event{UserID: "user-1", FileName: "mine.pdf", ExtractionStatus: "PASSED"})

	n := waitFor(t, ch)
	if n.FileName != "mine.pdf" {
		t.Errorf("foreign event leaked through: %+v", n)
	}
}

func TestSingleFlightGuard(t *testing.T) {
	bridge, _, cleanup := setupBridge(t)
	defer cleanup()

	deliver, _ := collect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Subscribe(ctx, subscribeToken(t, "user-1"), deliver); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bridge.Subscribe(ctx, subscribeToken(t, "user-1"), deliver); err != ErrAlreadySubscribed {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
}

func TestBadTokenResetsToIdle(t *testing.T) {
	bridge, _, cleanup := setupBridge(t)
	defer cleanup()

	deliver, _ := collect(t)
	err := bridge.Subscribe(context.Background(), "not-a-token", deliver)
	if err != ErrBadSubscribeToken {
		t.Fatalf("expected ErrBadSubscribeToken, got %v", err)
	}
	if bridge.State() != StateIdle {
		t.Errorf("expected idle after failed subscribe, got %v", bridge.State())
	}
}

func TestUnsubscribeReturnsToIdle(t *testing.T) {
	bridge, _, cleanup := setupBridge(t)
	defer cleanup()

	deliver, _ := collect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Subscribe(ctx, subscribeToken(t, "user-1"), deliver); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bridge.Unsubscribe()

	// Allow the consumer goroutine to observe the closed channel.
	deadline := time.Now().Add(time.Second)
	for bridge.State() != StateIdle && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if bridge.State() != StateIdle {
		t.Errorf("expected idle after unsubscribe, got %v", bridge.State())
	}
}

func TestExpiredSubscribeToken(t *testing.T) {
	token, err := IssueSubscribeToken(testSecret, "user-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueSubscribeToken: %v", err)
	}
	if _, err := ParseSubscribeToken(testSecret, token); err != ErrBadSubscribeToken {
		t.Fatalf("expected ErrBadSubscribeToken for expired token, got %v", err)
	}
}

func TestSubscribeTokenRoundTrip(t *testing.T) {
	token, err := IssueSubscribeToken(testSecret, "user-42", time.Hour)
	if err != nil {
		t.Fatalf("IssueSubscribeToken: %v", err)
	}
	userID, err := ParseSubscribeToken(testSecret, token)
	if err != nil {
		t.Fatalf("ParseSubscribeToken: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("expected user-42, got %q", userID)
	}
	if _, err := ParseSubscribeToken([]byte("wrong"), token); err != ErrBadSubscribeToken {
		t.Errorf("expected rejection with wrong secret, got %v", err)
	}
}
