package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// LoadFunc synthesizes text and loads it for playback.
type LoadFunc func(ctx context.Context, text string) (AudioHandle, error)

// SpeechCache holds prefetched choice audio keyed by choice index.
type SpeechCache struct {
	load   LoadFunc
	logger *slog.Logger

	mu         sync.Mutex
	entries    map[int]AudioHandle
	generation uint64
}

func NewSpeechCache(load LoadFunc, logger *slog.Logger) *SpeechCache {
	return &SpeechCache{
		load:    load,
		logger:  logger,
		entries: make(map[int]AudioHandle),
	}
}

// Prefetch replaces the cache with audio for texts, keyed by list position.
// Requests run concurrently and are joined when all have settled; a failed
// item is absent from the result and does not affect its siblings.
func (c *SpeechCache) Prefetch(ctx context.Context, texts []string) map[int]AudioHandle {
	return c.fill(ctx, c.begin(), texts)
}

// begin invalidates the current set and returns the generation a following
// fill must still match to store its results.
func (c *SpeechCache) begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
	return c.generation
}

func (c *SpeechCache) fill(ctx context.Context, generation uint64, texts []string) map[int]AudioHandle {
	if len(texts) > MaxChoices {
		texts = texts[:MaxChoices]
	}

	results := make([]AudioHandle, len(texts))
	var wg sync.WaitGroup
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := c.load(ctx, text)
			if err != nil {
				if !errors.Is(err, ErrSessionClosed) {
					c.logger.Warn("choice speech prefetch failed", slog.Int("index", i), slogError(err))
				}
				return
			}
			results[i] = handle
		}()
	}
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make(map[int]AudioHandle, len(results))
	if c.generation != generation {
		for _, handle := range results {
			if handle != nil {
				handle.Stop()
			}
		}
		return stored
	}
	for i, handle := range results {
		if handle == nil {
			continue
		}
		c.entries[i] = handle
		stored[i] = handle
	}
	return stored
}

func (c *SpeechCache) Get(index int) (AudioHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok := c.entries[index]
	return handle, ok
}

// Take removes and returns the entry for index; the caller owns the handle.
func (c *SpeechCache) Take(index int) (AudioHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok := c.entries[index]
	if ok {
		delete(c.entries, index)
	}
	return handle, ok
}

func (c *SpeechCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// InvalidateAll stops every cached handle and clears the cache. Prefetches
// still in flight drop their results.
func (c *SpeechCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

func (c *SpeechCache) invalidateLocked() {
	for index, handle := range c.entries {
		handle.Stop()
		delete(c.entries, index)
	}
	c.generation++
}
