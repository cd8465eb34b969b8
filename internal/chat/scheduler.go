package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/tts"
)

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Scheduler sequences speech synthesis, playback and the timed reveal of a
// turn's message and choices. Every step re-checks the session under its lock
// so that work belonging to a superseded turn or a stopped session has no
// visible effect.
type Scheduler struct {
	synth        tts.Synthesizer
	voice        config.TTSConfig
	player       Player
	presenter    Presenter
	revealDelay  time.Duration
	synthTimeout time.Duration
	afterFunc    AfterFunc
	metrics      *metrics
	logger       *slog.Logger
}

func NewScheduler(voice config.TTSConfig, chat config.ChatConfig, synth tts.Synthesizer, player Player, presenter Presenter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		synth:        synth,
		voice:        voice,
		player:       player,
		presenter:    presenter,
		revealDelay:  time.Duration(chat.RevealDelayMS) * time.Millisecond,
		synthTimeout: time.Duration(voice.TimeoutMS) * time.Millisecond,
		afterFunc:    realAfterFunc,
		logger:       logger.With(slog.String("component", "reveal-scheduler")),
	}
}

func (s *Scheduler) loaderFor(sess *Session) LoadFunc {
	return func(ctx context.Context, text string) (AudioHandle, error) {
		return s.load(ctx, sess, text)
	}
}

// load synthesizes text and hands the clip to the player. Nothing is started
// once the session is stopped.
func (s *Scheduler) load(ctx context.Context, sess *Session, text string) (AudioHandle, error) {
	if sess.Stopped() {
		return nil, ErrSessionClosed
	}
	synthCtx, cancel := withTimeout(ctx, s.synthTimeout)
	clip, err := tts.Collect(synthCtx, s.synth, tts.RequestFromConfig(s.voice, sess.ID, text))
	cancel()
	if err != nil {
		s.metrics.upstreamFailure(ctx, ServiceTTS)
		return nil, &UpstreamError{Service: ServiceTTS, Err: err}
	}
	if sess.Stopped() {
		return nil, ErrSessionClosed
	}
	handle, err := s.player.Load(ctx, sess.ID, clip)
	if err != nil {
		return nil, fmt.Errorf("load clip: %w", err)
	}
	return handle, nil
}

// SpeakMessage runs the reveal pipeline for the message of turn: synthesize,
// claim the audio slot, reveal the text when playback is ready to start, then
// reveal the choices after the reveal delay. When synthesis fails the text is
// revealed without audio.
func (s *Scheduler) SpeakMessage(ctx context.Context, sess *Session, turn int, text string, choices []string) {
	sess.mu.Lock()
	key := turnKey{epoch: sess.epoch, turn: turn}
	sess.mu.Unlock()
	s.speakMessage(ctx, sess, key, text, choices, false)
}

func (s *Scheduler) speakMessage(ctx context.Context, sess *Session, key turnKey, text string, choices []string, fallback bool) {
	sess.mu.Lock()
	if !sess.isCurrentLocked(key) {
		sess.mu.Unlock()
		return
	}
	ticket := sess.reserveTicketLocked()
	sess.state = StateAwaitingSpeech
	sess.mu.Unlock()

	handle, err := s.load(ctx, sess, text)

	sess.mu.Lock()
	if !sess.isCurrentLocked(key) {
		sess.mu.Unlock()
		if handle != nil {
			handle.Stop()
		}
		return
	}
	if err != nil {
		s.logger.Warn("message speech unavailable, revealing text only", slog.String("session_id", sess.ID), slogError(err))
		s.revealMessageLocked(sess, key, text, choices, fallback)
		sess.mu.Unlock()
		return
	}
	claim := s.claimSlotLocked(sess, handle, ticket)
	if claim == nil {
		s.revealMessageLocked(sess, key, text, choices, fallback)
		sess.mu.Unlock()
		handle.Stop()
		return
	}
	sess.state = StatePlaying
	sess.mu.Unlock()

	select {
	case <-handle.Ready():
	case <-claim.released:
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.isCurrentLocked(key) {
		return
	}
	s.revealMessageLocked(sess, key, text, choices, fallback)
	if sess.current != claim {
		return
	}
	if err := handle.Play(); err != nil {
		s.logger.Warn("message playback failed", slog.String("session_id", sess.ID), slogError(err))
	}
}

func (s *Scheduler) revealMessageLocked(sess *Session, key turnKey, text string, choices []string, fallback bool) {
	if sess.revealed == key {
		return
	}
	sess.revealed = key
	s.presenter.RevealMessage(sess.ID, key.turn, text, fallback)
	sess.state = StateRevealedMessage
	if fallback {
		sess.state = StateIdle
		return
	}
	if sess.choices.selected >= 0 {
		return
	}
	s.scheduleChoicesLocked(sess, key, choiceSet{texts: choices}.list())
}

func (s *Scheduler) scheduleChoicesLocked(sess *Session, key turnKey, choices []Choice) {
	s.cancelRevealLocked(sess)
	task := &revealTask{key: key}
	task.timer = s.afterFunc(s.revealDelay, func() {
		s.fireReveal(sess, task, choices)
	})
	sess.reveal = task
}

func (s *Scheduler) fireReveal(sess *Session, task *revealTask, choices []Choice) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.reveal != task {
		return
	}
	sess.reveal = nil
	if !sess.isCurrentLocked(task.key) || sess.choices.selected >= 0 {
		return
	}
	s.presenter.RevealChoices(sess.ID, task.key.turn, choices)
	sess.state = StateRevealedChoices
}

// CancelPendingReveal stops the scheduled choice reveal, if any.
func (s *Scheduler) CancelPendingReveal(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.cancelRevealLocked(sess)
}

func (s *Scheduler) cancelRevealLocked(sess *Session) {
	if sess.reveal == nil {
		return
	}
	sess.reveal.timer.Stop()
	sess.reveal = nil
}

// SpeakChoice plays the audio for a selected choice: the cached handle for
// model choices when present, otherwise freshly synthesized speech. The
// remaining cached choices are discarded.
func (s *Scheduler) SpeakChoice(ctx context.Context, sess *Session, index int, text string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.speakChoiceLocked(ctx, sess, sess.keyLocked(), index, text)
}

func (s *Scheduler) speakChoiceLocked(ctx context.Context, sess *Session, key turnKey, index int, text string) {
	if sess.stopRequested {
		return
	}
	var handle AudioHandle
	if index != FreeTextIndex {
		cached, ok := sess.cache.Take(index)
		s.metrics.cacheLookup(ctx, ok)
		if ok {
			handle = cached
		}
	}
	sess.cache.InvalidateAll()
	ticket := sess.reserveTicketLocked()

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		s.playChoice(ctx, sess, key.epoch, ticket, handle, text)
	}()
}

func (s *Scheduler) playChoice(ctx context.Context, sess *Session, epoch, ticket uint64, handle AudioHandle, text string) {
	if handle == nil {
		loaded, err := s.load(ctx, sess, text)
		if err != nil {
			if !errors.Is(err, ErrSessionClosed) {
				s.logger.Warn("choice speech unavailable", slog.String("session_id", sess.ID), slogError(err))
			}
			return
		}
		handle = loaded
	}

	sess.mu.Lock()
	if !sess.isLiveLocked(epoch) {
		sess.mu.Unlock()
		handle.Stop()
		return
	}
	claim := s.claimSlotLocked(sess, handle, ticket)
	sess.mu.Unlock()
	if claim == nil {
		handle.Stop()
		return
	}

	select {
	case <-handle.Ready():
	case <-claim.released:
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.isLiveLocked(epoch) || sess.current != claim {
		return
	}
	if err := handle.Play(); err != nil {
		s.logger.Warn("choice playback failed", slog.String("session_id", sess.ID), slogError(err))
	}
}

// prefetchLocked starts filling the session cache with choice audio. The
// generation is taken now so that a selection or stop made before the
// requests settle discards their results.
func (s *Scheduler) prefetchLocked(ctx context.Context, sess *Session, texts []string) {
	if sess.stopRequested || len(texts) == 0 {
		return
	}
	generation := sess.cache.begin()
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		sess.cache.fill(ctx, generation, texts)
	}()
}

// claimSlotLocked makes handle the current audio, stopping the previous
// holder. It returns nil when a later request already claimed the slot.
func (s *Scheduler) claimSlotLocked(sess *Session, handle AudioHandle, ticket uint64) *audioClaim {
	if ticket < sess.claimedTicket {
		return nil
	}
	s.releaseSlotLocked(sess)
	claim := &audioClaim{handle: handle, ticket: ticket, released: make(chan struct{})}
	sess.current = claim
	sess.claimedTicket = ticket
	return claim
}

func (s *Scheduler) releaseSlotLocked(sess *Session) {
	if sess.current == nil {
		return
	}
	sess.current.handle.Stop()
	close(sess.current.released)
	sess.current = nil
}

// Stop sets the session's stop flag and releases all audio. No synthesis or
// playback starts again until the session is restarted.
func (s *Scheduler) Stop(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.stopLocked(sess)
}

func (s *Scheduler) stopLocked(sess *Session) {
	sess.stopRequested = true
	s.resetLocked(sess)
}

func (s *Scheduler) resetLocked(sess *Session) {
	s.cancelRevealLocked(sess)
	s.releaseSlotLocked(sess)
	sess.cache.InvalidateAll()
	sess.state = StateIdle
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
