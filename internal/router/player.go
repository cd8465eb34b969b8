package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/loqalabs/loqa-chat/internal/tts"
	"github.com/nats-io/nats.go"
)

// Player ships synthesized clips to the presentation layer. A clip is ready
// once the presentation acknowledges it on chat.audio.ready, or when the ready
// timeout expires, whichever comes first.
type Player struct {
	bus          *bus.Client
	readyTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	pending map[string]*clipHandle
}

func NewPlayer(busClient *bus.Client, cfg config.ChatConfig, logger *slog.Logger) *Player {
	return &Player{
		bus:          busClient,
		readyTimeout: time.Duration(cfg.AudioReadyTimeoutMS) * time.Millisecond,
		logger:       logger.With(slog.String("component", "audio-player")),
		pending:      make(map[string]*clipHandle),
	}
}

// Load publishes clip on chat.audio.load.<sessionID> and returns its handle.
func (p *Player) Load(ctx context.Context, sessionID string, clip tts.Clip) (chat.AudioHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &clipHandle{
		id:        uuid.NewString(),
		sessionID: sessionID,
		player:    p,
		ready:     make(chan struct{}),
	}

	p.mu.Lock()
	p.pending[h.id] = h
	p.mu.Unlock()

	err := p.bus.PublishJSON(protocol.SessionSubject(protocol.SubjectAudioLoadPrefix, sessionID), protocol.AudioLoad{
		ClipID:   h.id,
		MIMEType: clip.MIMEType,
		Audio:    clip.Audio,
	})
	if err != nil {
		p.forget(h.id)
		return nil, fmt.Errorf("publish clip: %w", err)
	}
	h.timer = time.AfterFunc(p.readyTimeout, func() {
		if h.markReady() {
			p.logger.Debug("audio ready timeout elapsed", slog.String("clip_id", h.id))
		}
		p.forget(h.id)
	})
	return h, nil
}

// HandleReady acknowledges a clip announced by Load.
func (p *Player) HandleReady(msg *nats.Msg) {
	var ack protocol.AudioControl
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		p.logger.Warn("invalid audio ready message", slogError(err))
		return
	}
	p.mu.Lock()
	h := p.pending[ack.ClipID]
	delete(p.pending, ack.ClipID)
	p.mu.Unlock()
	if h != nil {
		h.markReady()
	}
}

// Pending counts clips that are neither acknowledged nor timed out.
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Player) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Player) control(prefix string, h *clipHandle) error {
	return p.bus.PublishJSON(protocol.SessionSubject(prefix, h.sessionID), protocol.AudioControl{ClipID: h.id})
}

type clipHandle struct {
	id        string
	sessionID string
	player    *Player
	ready     chan struct{}
	readyOnce sync.Once
	stopOnce  sync.Once
	timer     *time.Timer
}

func (h *clipHandle) Ready() <-chan struct{} { return h.ready }

func (h *clipHandle) Play() error {
	return h.player.control(protocol.SubjectAudioPlayPrefix, h)
}

func (h *clipHandle) Stop() {
	h.stopOnce.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		h.player.forget(h.id)
		if err := h.player.control(protocol.SubjectAudioStopPrefix, h); err != nil {
			h.player.logger.Warn("failed to publish audio stop", slog.String("clip_id", h.id), slogError(err))
		}
	})
}

func (h *clipHandle) markReady() bool {
	fired := false
	h.readyOnce.Do(func() {
		close(h.ready)
		fired = true
	})
	return fired
}
