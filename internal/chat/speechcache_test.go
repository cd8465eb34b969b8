package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestCache(load LoadFunc) *SpeechCache {
	return NewSpeechCache(load, newLogger())
}

func TestPrefetchIsolatesFailures(t *testing.T) {
	var mu sync.Mutex
	var requested []string
	cache := newTestCache(func(ctx context.Context, text string) (AudioHandle, error) {
		mu.Lock()
		requested = append(requested, text)
		mu.Unlock()
		if text == "c" {
			return nil, errors.New("synthesis unavailable")
		}
		return &fakeHandle{text: text, ready: make(chan struct{})}, nil
	})

	stored := cache.Prefetch(context.Background(), []string{"a", "b", "c", "d"})
	if len(requested) != 4 {
		t.Fatalf("expected 4 requests, got %d", len(requested))
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored entries, got %d", len(stored))
	}
	for _, index := range []int{0, 1, 3} {
		if _, ok := cache.Get(index); !ok {
			t.Fatalf("expected entry for index %d", index)
		}
	}
	if _, ok := cache.Get(2); ok {
		t.Fatal("failed item must be absent")
	}
}

func TestPrefetchSupersedesPreviousSet(t *testing.T) {
	cache := newTestCache(func(ctx context.Context, text string) (AudioHandle, error) {
		return &fakeHandle{text: text, ready: make(chan struct{})}, nil
	})
	first := cache.Prefetch(context.Background(), []string{"old-a", "old-b"})
	cache.Prefetch(context.Background(), []string{"new-a"})

	for index, handle := range first {
		if !handle.(*fakeHandle).stopped() {
			t.Fatalf("old handle %d should be stopped", index)
		}
	}
	if cache.Len() != 1 {
		t.Fatalf("expected only the new entry, got %d", cache.Len())
	}
	handle, ok := cache.Get(0)
	if !ok || handle.(*fakeHandle).text != "new-a" {
		t.Fatal("expected new entry at index 0")
	}
}

func TestInvalidateAllDropsInFlightResults(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	cache := newTestCache(func(ctx context.Context, text string) (AudioHandle, error) {
		started <- struct{}{}
		<-release
		return &fakeHandle{text: text, ready: make(chan struct{})}, nil
	})

	generation := cache.begin()
	done := make(chan map[int]AudioHandle, 1)
	go func() {
		done <- cache.fill(context.Background(), generation, []string{"a", "b"})
	}()
	<-started
	<-started
	cache.InvalidateAll()
	close(release)

	if stored := <-done; len(stored) != 0 {
		t.Fatalf("expected late results dropped, got %d", len(stored))
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", cache.Len())
	}
}

func TestTakeRemovesEntry(t *testing.T) {
	cache := newTestCache(func(ctx context.Context, text string) (AudioHandle, error) {
		return &fakeHandle{text: text, ready: make(chan struct{})}, nil
	})
	cache.Prefetch(context.Background(), []string{"a", "b"})

	handle, ok := cache.Take(1)
	if !ok || handle.(*fakeHandle).text != "b" {
		t.Fatal("expected handle for index 1")
	}
	if _, ok := cache.Get(1); ok {
		t.Fatal("taken entry must leave the cache")
	}
	cache.InvalidateAll()
	if handle.(*fakeHandle).stopped() {
		t.Fatal("taken handle belongs to the caller and must not be stopped")
	}
	cache.InvalidateAll()
}

func TestPrefetchSkipsEmptyChoices(t *testing.T) {
	var mu sync.Mutex
	var requested []string
	cache := newTestCache(func(ctx context.Context, text string) (AudioHandle, error) {
		mu.Lock()
		requested = append(requested, text)
		mu.Unlock()
		return &fakeHandle{text: text, ready: make(chan struct{})}, nil
	})

	cache.Prefetch(context.Background(), []string{"a", "", "c"})
	if len(requested) != 2 {
		t.Fatalf("expected 2 requests, got %q", requested)
	}
	if _, ok := cache.Get(1); ok {
		t.Fatal("empty slot must not be cached")
	}
	if handle, ok := cache.Get(2); !ok || handle.(*fakeHandle).text != "c" {
		t.Fatal("expected third entry under its own index")
	}
}
