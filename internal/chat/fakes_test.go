package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/imagegen"
	"github.com/loqalabs/loqa-chat/internal/llm"
	"github.com/loqalabs/loqa-chat/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedReply answers call n with a message and four choices unique to n.
func scriptedReply(n int, _ llm.Request) (string, error) {
	return fmt.Sprintf("대답 %d\n1. 선택 %d-a\n2. 선택 %d-b\n3. 선택 %d-c\n4. 다른 이야기 %d", n, n, n, n, n), nil
}

// waitUntil polls cond for up to two seconds.
func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

type fakeGenerator struct {
	mu       sync.Mutex
	requests []llm.Request
	reply    func(n int, req llm.Request) (string, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	reply := f.reply
	f.mu.Unlock()

	text, err := reply(n, req)
	if err != nil {
		return err
	}
	return consumer(llm.Chunk{SessionID: req.SessionID, Content: text})
}

func (f *fakeGenerator) request(n int) llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[n]
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeImages struct {
	err error
}

func (f *fakeImages) Generate(ctx context.Context, req imagegen.Request) (imagegen.Image, error) {
	if f.err != nil {
		return imagegen.Image{}, f.err
	}
	return imagegen.Image{Data: []byte("png"), MIMEType: "image/png"}, nil
}

type fakeSynth struct {
	mu       sync.Mutex
	texts    []string
	failures map[string]int
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{failures: make(map[string]int)}
}

// failNext makes the next n requests for text fail.
func (f *fakeSynth) failNext(text string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[text] = n
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error, 1)

	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	fail := f.failures[req.Text] > 0
	if fail {
		f.failures[req.Text]--
	}
	f.mu.Unlock()

	if fail {
		errs <- errors.New("synthesis unavailable")
	} else {
		chunks <- tts.SynthChunk{SessionID: req.SessionID, Audio: []byte(req.Text), MIMEType: tts.MIMEWAV, Final: true}
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

func (f *fakeSynth) count(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.texts {
		if t == text {
			n++
		}
	}
	return n
}

type fakeHandle struct {
	text  string
	ready chan struct{}

	mu     sync.Mutex
	plays  int
	stops  int
	isOpen bool
}

func (h *fakeHandle) Ready() <-chan struct{} { return h.ready }

func (h *fakeHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plays++
	return nil
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
}

func (h *fakeHandle) played() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.plays > 0
}

func (h *fakeHandle) stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops > 0
}

func (h *fakeHandle) markReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		h.isOpen = true
		close(h.ready)
	}
}

type fakePlayer struct {
	mu          sync.Mutex
	manualReady bool
	handles     []*fakeHandle
}

func (p *fakePlayer) Load(ctx context.Context, sessionID string, clip tts.Clip) (AudioHandle, error) {
	h := &fakeHandle{text: clip.Text, ready: make(chan struct{})}
	p.mu.Lock()
	manual := p.manualReady
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	if !manual {
		h.markReady()
	}
	return h, nil
}

func (p *fakePlayer) find(text string) []*fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*fakeHandle
	for _, h := range p.handles {
		if h.text == text {
			out = append(out, h)
		}
	}
	return out
}

func (p *fakePlayer) wasPlayed(text string) bool {
	for _, h := range p.find(text) {
		if h.played() {
			return true
		}
	}
	return false
}

func (p *fakePlayer) anyPlayed() bool {
	p.mu.Lock()
	handles := append([]*fakeHandle(nil), p.handles...)
	p.mu.Unlock()
	for _, h := range handles {
		if h.played() {
			return true
		}
	}
	return false
}

func (p *fakePlayer) readyAll() {
	p.mu.Lock()
	handles := append([]*fakeHandle(nil), p.handles...)
	p.mu.Unlock()
	for _, h := range handles {
		h.markReady()
	}
}

type presented struct {
	kind     string
	turn     int
	text     string
	fallback bool
	loading  bool
	selected int
	choices  []Choice
	bg       Background
}

type fakePresenter struct {
	mu     sync.Mutex
	events []presented
}

func (p *fakePresenter) add(e presented) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePresenter) ShowLoading(sessionID string, loading bool) {
	p.add(presented{kind: "loading", loading: loading})
}

func (p *fakePresenter) RevealMessage(sessionID string, turn int, text string, fallback bool) {
	p.add(presented{kind: "message", turn: turn, text: text, fallback: fallback})
}

func (p *fakePresenter) RevealChoices(sessionID string, turn int, choices []Choice) {
	p.add(presented{kind: "choices", turn: turn, choices: choices})
}

func (p *fakePresenter) DiscardChoices(sessionID string, turn int, selected int) {
	p.add(presented{kind: "discard", turn: turn, selected: selected})
}

func (p *fakePresenter) SetBackground(sessionID string, bg Background) {
	p.add(presented{kind: "background", bg: bg})
}

func (p *fakePresenter) byKind(kind string) []presented {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []presented
	for _, e := range p.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fireAll runs every timer that is still pending.
func (c *manualClock) fireAll() {
	c.mu.Lock()
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (c *manualClock) timer(i int) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

type harness struct {
	cfg       config.Config
	orch      *Orchestrator
	gen       *fakeGenerator
	images    *fakeImages
	synth     *fakeSynth
	player    *fakePlayer
	presenter *fakePresenter
	clock     *manualClock
}

func newHarness(t *testing.T, reply func(n int, req llm.Request) (string, error)) *harness {
	t.Helper()
	h := &harness{
		cfg:       config.Default(),
		gen:       &fakeGenerator{reply: reply},
		images:    &fakeImages{},
		synth:     newFakeSynth(),
		player:    &fakePlayer{},
		presenter: &fakePresenter{},
		clock:     &manualClock{},
	}
	h.orch = NewOrchestrator(Options{
		Chat:        h.cfg.Chat,
		LLM:         h.cfg.LLM,
		Image:       h.cfg.Image,
		TTS:         h.cfg.TTS,
		Generator:   h.gen,
		Images:      h.images,
		Synthesizer: h.synth,
		Player:      h.player,
		Presenter:   h.presenter,
		Logger:      newLogger(),
	})
	h.orch.scheduler.afterFunc = h.clock.AfterFunc
	return h
}

func (h *harness) persona(t *testing.T) Persona {
	t.Helper()
	p, err := NewCatalog(h.cfg.Chat).Resolve("1", "")
	if err != nil {
		t.Fatalf("resolve persona: %v", err)
	}
	return p
}

func (h *harness) start(t *testing.T) *Session {
	t.Helper()
	sess := h.orch.NewSession("")
	if _, err := h.orch.StartSession(context.Background(), sess, h.persona(t), 9.0/16.0); err != nil {
		t.Fatalf("start session: %v", err)
	}
	sess.Wait()
	return sess
}
