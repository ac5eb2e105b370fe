package chat

import (
	"sync"
	"testing"
)

func TestCancelTokenIsIdempotent(test *testing.T) {
	test.Parallel()

	token := NewCancelToken()
	if token.Cancelled() {
		test.Fatalf("expected fresh token")
	}
	token.Cancel()
	token.Cancel()
	if !token.Cancelled() {
		test.Fatalf("expected cancelled token")
	}
	select {
	case <-token.Done():
	default:
		test.Fatalf("expected done channel closed")
	}
}

func TestRegistryBeginCancelsPreviousTurn(test *testing.T) {
	test.Parallel()

	registry := NewRegistry()
	first := registry.Begin(testThreadID)
	second := registry.Begin(testThreadID)
	if !first.Cancelled() {
		test.Fatalf("expected previous turn cancelled")
	}
	if second.Cancelled() {
		test.Fatalf("expected new turn active")
	}

	registry.End(testThreadID, first)
	if !registry.Cancel(testThreadID) {
		test.Fatalf("ending a stale token must not forget the active one")
	}
	if !second.Cancelled() {
		test.Fatalf("expected active turn cancelled")
	}
	if registry.Cancel(testThreadID) {
		test.Fatalf("expected nothing left to cancel")
	}
}

func TestRegistryEndForgetsOnlyOwnToken(test *testing.T) {
	test.Parallel()

	registry := NewRegistry()
	token := registry.Begin("other")
	registry.End("other", token)
	if registry.Cancel("other") {
		test.Fatalf("expected thread forgotten after End")
	}
	if token.Cancelled() {
		test.Fatalf("End must not cancel the token")
	}
}

func TestRegistryConcurrentAccess(test *testing.T) {
	test.Parallel()

	registry := NewRegistry()
	var group sync.WaitGroup
	for index := 0; index < 32; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			token := registry.Begin(testThreadID)
			registry.Cancel(testThreadID)
			registry.End(testThreadID, token)
		}()
	}
	group.Wait()
}
