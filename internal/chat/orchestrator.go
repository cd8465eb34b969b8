package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/imagegen"
	"github.com/loqalabs/loqa-chat/internal/llm"
	"github.com/loqalabs/loqa-chat/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Options carries the collaborators of an Orchestrator. Recorder may be nil.
type Options struct {
	Chat        config.ChatConfig
	LLM         config.LLMConfig
	Image       config.ImageConfig
	TTS         config.TTSConfig
	Generator   llm.Generator
	Images      imagegen.Generator
	Synthesizer tts.Synthesizer
	Player      Player
	Presenter   Presenter
	Recorder    Recorder
	Logger      *slog.Logger
}

// Orchestrator drives sessions: it calls the model, keeps conversation state
// and hands each new turn to the Scheduler.
type Orchestrator struct {
	cfg       config.ChatConfig
	llmCfg    config.LLMConfig
	imageCfg  config.ImageConfig
	generator llm.Generator
	images    imagegen.Generator
	presenter Presenter
	recorder  Recorder
	scheduler *Scheduler
	metrics   *metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	active    atomic.Int64
}

func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter(instrumentationName)
	m := newMetrics(meter, logger)

	scheduler := NewScheduler(opts.TTS, opts.Chat, opts.Synthesizer, opts.Player, opts.Presenter, logger)
	scheduler.metrics = m

	o := &Orchestrator{
		cfg:       opts.Chat,
		llmCfg:    opts.LLM,
		imageCfg:  opts.Image,
		generator: opts.Generator,
		images:    opts.Images,
		presenter: opts.Presenter,
		recorder:  opts.Recorder,
		scheduler: scheduler,
		metrics:   m,
		tracer:    otel.Tracer(instrumentationName),
		logger:    logger.With(slog.String("component", "chat-orchestrator")),
	}
	if err := o.initGauge(meter); err != nil {
		o.logger.Warn("failed to register session gauge", slogError(err))
	}
	return o
}

func (o *Orchestrator) initGauge(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("loqa.chat.sessions_active", metric.WithDescription("Sessions between start and end"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, o.active.Load())
		return nil
	}, gauge)
	return err
}

// NewSession creates an idle session; an empty id gets a random one.
func (o *Orchestrator) NewSession(id string) *Session {
	sess := newSession(id)
	sess.cache = NewSpeechCache(o.scheduler.loaderFor(sess), o.scheduler.logger)
	return sess
}

// Scheduler exposes the reveal pipeline of this orchestrator.
func (o *Orchestrator) Scheduler() *Scheduler {
	return o.scheduler
}

// ActiveSessions counts sessions between StartSession and EndSession.
func (o *Orchestrator) ActiveSessions() int64 {
	return o.active.Load()
}

// StartSession resets sess for persona and asks the model for the welcome
// turn. The background image is generated concurrently and never holds up or
// fails the chat path. It returns once the welcome reply is parsed; speech
// and reveals continue in the background.
func (o *Orchestrator) StartSession(ctx context.Context, sess *Session, persona Persona, aspectRatio float64) (Reply, error) {
	ctx, span := o.tracer.Start(ctx, "chat.start_session", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("persona.id", persona.ID),
	))
	defer span.End()
	bg := context.WithoutCancel(ctx)

	sess.mu.Lock()
	o.scheduler.resetLocked(sess)
	sess.stopRequested = false
	sess.epoch++
	sess.turn = 0
	sess.revealed = turnKey{}
	sess.choices = noChoices()
	sess.history.Reset()
	sess.summary = ""
	sess.persona = persona
	if !sess.active {
		sess.active = true
		o.active.Add(1)
	}
	epoch := sess.epoch
	sess.mu.Unlock()

	o.logger.Info("session started", slog.String("session_id", sess.ID), slog.String("persona_id", persona.ID))
	if o.recorder != nil {
		if err := o.recorder.RecordSessionStart(bg, sess.ID, persona.ID, persona.Description); err != nil {
			o.logger.Warn("failed to record session start", slogError(err))
		}
	}

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		o.generateBackground(bg, sess, epoch, persona, aspectRatio)
	}()

	reply, err := o.converse(ctx, sess, epoch, o.cfg.WelcomeTrigger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

// SubmitChoice selects one choice of the current turn and asks the model for
// the next one. Indices below FreeTextIndex use the text on offer; the free
// text slot uses text.
func (o *Orchestrator) SubmitChoice(ctx context.Context, sess *Session, index int, text string) (Reply, error) {
	ctx, span := o.tracer.Start(ctx, "chat.submit_choice", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.Int("choice.index", index),
	))
	defer span.End()
	bg := context.WithoutCancel(ctx)

	sess.mu.Lock()
	if sess.stopRequested {
		sess.mu.Unlock()
		return Reply{}, ErrSessionClosed
	}
	if !sess.choices.offered {
		sess.mu.Unlock()
		return Reply{}, ErrNoActiveChoices
	}
	if sess.choices.selected >= 0 {
		sess.mu.Unlock()
		return Reply{}, ErrChoiceAlreadySelected
	}
	choiceText, err := sess.choices.resolve(index, text)
	if err != nil {
		sess.mu.Unlock()
		return Reply{}, err
	}
	sess.choices.selected = index
	key := sess.keyLocked()
	o.scheduler.cancelRevealLocked(sess)
	o.presenter.DiscardChoices(sess.ID, key.turn, index)
	o.scheduler.speakChoiceLocked(bg, sess, key, index, choiceText)
	sess.state = StateIdle
	sess.mu.Unlock()

	reply, err := o.converse(ctx, sess, key.epoch, choiceText)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

// EndSession tears sess down. When it returns no further audio starts, the
// history is empty and results of calls still in flight are discarded.
func (o *Orchestrator) EndSession(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	o.scheduler.stopLocked(sess)
	sess.history.Reset()
	sess.summary = ""
	sess.choices = noChoices()
	sess.epoch++
	wasActive := sess.active
	sess.active = false
	sess.mu.Unlock()

	if !wasActive {
		return
	}
	o.active.Add(-1)
	o.logger.Info("session ended", slog.String("session_id", sess.ID))
	if o.recorder != nil {
		if err := o.recorder.RecordSessionEnd(context.WithoutCancel(ctx), sess.ID); err != nil {
			o.logger.Warn("failed to record session end", slogError(err))
		}
	}
}

// converse sends userText with the bounded history to the model and turns
// the answer into the next character turn. A failed call or an empty reply
// becomes the fallback message with no choices.
func (o *Orchestrator) converse(ctx context.Context, sess *Session, epoch uint64, userText string) (Reply, error) {
	bg := context.WithoutCancel(ctx)

	sess.mu.Lock()
	if sess.stopRequested || sess.epoch != epoch {
		sess.mu.Unlock()
		return Reply{}, ErrSessionClosed
	}
	req := llm.OptionsFromConfig(o.llmCfg)
	req.SessionID = sess.ID
	req.Messages = BuildRequestMessages(sess.persona.SystemPrompt(), sess.summary, sess.history.Recent(o.cfg.HistoryWindow), userText)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		req.TraceID = sc.TraceID().String()
	}
	o.presenter.ShowLoading(sess.ID, true)
	sess.mu.Unlock()

	callCtx, cancel := withTimeout(bg, time.Duration(o.llmCfg.TimeoutMS)*time.Millisecond)
	start := time.Now()
	raw, callErr := llm.Complete(callCtx, o.generator, req)
	cancel()
	o.metrics.modelLatency(ctx, time.Since(start))

	sess.mu.Lock()
	if sess.stopRequested || sess.epoch != epoch {
		sess.mu.Unlock()
		o.metrics.turn(ctx, outcomeDiscarded)
		return Reply{}, ErrSessionClosed
	}
	o.presenter.ShowLoading(sess.ID, false)

	if callErr != nil {
		turn := o.fallbackLocked(bg, sess)
		sess.mu.Unlock()
		o.logger.Warn("model call failed", slog.String("session_id", sess.ID), slogError(callErr))
		o.metrics.upstreamFailure(ctx, ServiceLLM)
		o.metrics.turn(ctx, outcomeFallback)
		o.recordTurn(bg, sess.ID, turn, userText, o.cfg.FallbackMessage, true)
		return Reply{}, &UpstreamError{Service: ServiceLLM, Err: callErr}
	}

	sess.history.Append(userText, raw)
	reply, err := ParseReply(raw)
	if err != nil {
		turn := o.fallbackLocked(bg, sess)
		sess.mu.Unlock()
		o.logger.Warn("model reply empty", slog.String("session_id", sess.ID))
		o.metrics.turn(ctx, outcomeEmpty)
		o.recordTurn(bg, sess.ID, turn, userText, o.cfg.FallbackMessage, true)
		return Reply{}, err
	}

	sess.turn++
	key := sess.keyLocked()
	sess.choices = choiceSet{turn: key.turn, texts: reply.Choices, selected: -1, offered: true}
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		o.scheduler.speakMessage(bg, sess, key, reply.Message, reply.Choices, false)
	}()
	o.scheduler.prefetchLocked(bg, sess, reply.Choices)
	sess.mu.Unlock()

	if len(reply.Choices) == 0 {
		o.logger.Warn("model reply carried no choices", slog.String("session_id", sess.ID), slog.Int("turn", key.turn))
	}
	o.metrics.turn(ctx, outcomeReply)
	o.recordTurn(bg, sess.ID, key.turn, userText, raw, false)
	return reply, nil
}

// fallbackLocked shows the fallback message as a new turn without choices.
func (o *Orchestrator) fallbackLocked(ctx context.Context, sess *Session) int {
	sess.turn++
	key := sess.keyLocked()
	sess.choices = noChoices()
	o.scheduler.cancelRevealLocked(sess)
	message := o.cfg.FallbackMessage
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		o.scheduler.speakMessage(ctx, sess, key, message, nil, true)
	}()
	return key.turn
}

func (o *Orchestrator) generateBackground(ctx context.Context, sess *Session, epoch uint64, persona Persona, aspectRatio float64) {
	callCtx, cancel := withTimeout(ctx, time.Duration(o.imageCfg.TimeoutMS)*time.Millisecond)
	img, err := o.images.Generate(callCtx, imagegen.Request{
		SessionID:   sess.ID,
		Description: persona.Description,
		AspectRatio: aspectRatio,
		MaxEdge:     o.imageCfg.MaxEdge,
	})
	cancel()

	background := Background{Gradient: DefaultGradient}
	switch {
	case err == nil:
		background = Background{Image: img.Data, MIMEType: img.MIMEType}
	case errors.Is(err, imagegen.ErrDisabled):
	default:
		o.logger.Warn("background image unavailable, using gradient", slog.String("session_id", sess.ID), slogError(err))
		o.metrics.upstreamFailure(ctx, ServiceImage)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.stopRequested || sess.epoch != epoch {
		return
	}
	o.presenter.SetBackground(sess.ID, background)
}

func (o *Orchestrator) recordTurn(ctx context.Context, sessionID string, turn int, userText, reply string, fallback bool) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordTurn(ctx, sessionID, turn, userText, reply, fallback); err != nil {
		o.logger.Warn("failed to record turn", slog.String("session_id", sessionID), slogError(err))
	}
}
