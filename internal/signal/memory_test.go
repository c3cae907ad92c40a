package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func endedEnvelope(callID int64) Envelope {
	return Envelope{Kind: KindCallEnded, CallID: callID, From: uuid.New()}
}

func TestMemoryBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewMemoryBus()

	var mu sync.Mutex
	got := make(map[string][]int64)
	wg := sync.WaitGroup{}
	wg.Add(2)

	for _, name := range []string{"a", "b"} {
		cancel, err := bus.Subscribe("call:x", func(env Envelope) {
			mu.Lock()
			got[name] = append(got[name], env.CallID)
			mu.Unlock()
			wg.Done()
		})
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()
	}

	if err := bus.Publish(context.Background(), "call:x", endedEnvelope(5)); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{"a", "b"} {
		if len(got[name]) != 1 || got[name][0] != 5 {
			t.Fatalf("subscriber %s got %v, want [5]", name, got[name])
		}
	}
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	bus := NewMemoryBus()

	delivered := make(chan Envelope, 1)
	cancel, err := bus.Subscribe("call:a", func(env Envelope) { delivered <- env })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := bus.Publish(context.Background(), "call:b", endedEnvelope(1)); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-delivered:
		t.Fatalf("subscriber on call:a got %v from call:b", env.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusCancelStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()

	delivered := make(chan Envelope, 4)
	cancel, err := bus.Subscribe("call:x", func(env Envelope) { delivered <- env })
	if err != nil {
		t.Fatal(err)
	}

	cancel()
	cancel() // idempotent

	if err := bus.Publish(context.Background(), "call:x", endedEnvelope(9)); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-delivered:
		t.Fatalf("cancelled subscriber got %v", env.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusRejectsInvalidEnvelope(t *testing.T) {
	bus := NewMemoryBus()
	if err := bus.Publish(context.Background(), "call:x", Envelope{Kind: KindOffer, CallID: 1, From: uuid.New()}); err == nil {
		t.Fatal("publish of an invalid envelope must fail")
	}
}

func TestMemoryBusPublishWithNoSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	if err := bus.Publish(context.Background(), "call:empty", endedEnvelope(3)); err != nil {
		t.Fatalf("publish into the void should succeed, got %v", err)
	}
}
