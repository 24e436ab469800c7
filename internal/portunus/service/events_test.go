package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/service"
)

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	b := service.NewBroadcaster(8, logging.NewNop(), nil)

	var mu sync.Mutex
	var got []string
	b.Subscribe(service.ObserverFunc(func(e service.Event) {
		mu.Lock()
		got = append(got, e.Message)
		mu.Unlock()
	}))

	for _, m := range []string{"a", "b", "c"} {
		b.Publish(service.Event{Kind: service.EventGranted, Message: m})
	}
	b.Close()

	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected delivery %v", got)
	}
}

func TestBroadcaster_SlowObserverDoesNotBlock(t *testing.T) {
	b := service.NewBroadcaster(1, logging.NewNop(), nil)

	release := make(chan struct{})
	b.Subscribe(service.ObserverFunc(func(service.Event) { <-release }))

	fast := make(chan service.Event, 16)
	b.Subscribe(service.ObserverFunc(func(e service.Event) { fast <- e }))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(service.Event{Kind: service.EventRejected})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow observer")
	}
	close(release)
	b.Close()

	if len(fast) == 0 {
		t.Error("fast observer received nothing")
	}
}

func TestBroadcaster_PublishAfterCloseIsNoOp(t *testing.T) {
	b := service.NewBroadcaster(1, logging.NewNop(), nil)
	b.Close()
	b.Publish(service.Event{})
	b.Close()
}
