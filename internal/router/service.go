package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/nats-io/nats.go"
)

var (
	errUnknownSession = errors.New("unknown session")
	errBadRequest     = errors.New("malformed request")
)

// Service routes presentation signals to the orchestrator and keeps the
// sessions it has started. Sessions that see no signal for the idle timeout
// are ended.
type Service struct {
	bus         *bus.Client
	orch        *chat.Orchestrator
	catalog     *chat.Catalog
	player      *Player
	logger      *slog.Logger
	idleTimeout time.Duration
	now         func() time.Time
	subs        []*nats.Subscription
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*chat.Session
	lastSeen map[string]time.Time
}

func NewService(parent context.Context, cfg config.ChatConfig, busClient *bus.Client, orch *chat.Orchestrator, catalog *chat.Catalog, player *Player, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:         busClient,
		orch:        orch,
		catalog:     catalog,
		player:      player,
		logger:      logger.With(slog.String("component", "router")),
		idleTimeout: time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*chat.Session),
		lastSeen:    make(map[string]time.Time),
	}
}

func (s *Service) Start() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectSessionStart, s.handleStart},
		{protocol.SubjectChoiceSubmit, s.handleChoice},
		{protocol.SubjectSessionEnd, s.handleEnd},
		{protocol.SubjectAudioReady, s.player.HandleReady},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.drain()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	if s.idleTimeout > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runEviction()
		}()
	}
	return nil
}

// Close stops routing and tears down every open session.
func (s *Service) Close() {
	s.drain()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*chat.Session)
	s.lastSeen = make(map[string]time.Time)
	s.mu.Unlock()
	for _, sess := range sessions {
		s.orch.EndSession(s.ctx, sess)
	}

	s.cancel()
	s.wg.Wait()
	for _, sess := range sessions {
		sess.Wait()
	}
}

func (s *Service) Healthy() bool {
	return s.bus.Healthy() && len(s.subs) == 4
}

// Sessions counts the sessions currently known to the router.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.SessionStart
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("invalid session start", slogError(err))
		s.respond(msg, "", errBadRequest)
		return
	}
	if req.SessionID != "" && !protocol.ValidSessionID(req.SessionID) {
		s.logger.Warn("rejected session id", slog.Int("length", len(req.SessionID)))
		s.respond(msg, "", errBadRequest)
		return
	}
	persona, err := s.catalog.Resolve(req.PersonaID, req.CustomDescription)
	if err != nil {
		s.respond(msg, req.SessionID, err)
		return
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = s.orch.NewSession(id)
		s.sessions[id] = sess
	}
	s.lastSeen[id] = s.now()
	s.mu.Unlock()

	s.respond(msg, id, nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.orch.StartSession(s.ctx, sess, persona, req.AspectRatio); err != nil {
			s.logger.Info("session start settled with error", slog.String("session_id", id), slogError(err))
		}
	}()
}

func (s *Service) handleChoice(msg *nats.Msg) {
	var req protocol.ChoiceSubmit
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("invalid choice submit", slogError(err))
		s.respond(msg, "", errBadRequest)
		return
	}
	sess := s.touch(req.SessionID)
	if sess == nil {
		s.respond(msg, req.SessionID, errUnknownSession)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.orch.SubmitChoice(s.ctx, sess, req.Index, req.Text)
		if err != nil {
			s.logger.Info("choice settled with error",
				slog.String("session_id", req.SessionID),
				slog.Int("index", req.Index),
				slogError(err),
			)
		}
		s.respond(msg, req.SessionID, err)
	}()
}

// handleEnd replies only after teardown so that no audio can start once the
// caller has its answer.
func (s *Service) handleEnd(msg *nats.Msg) {
	var req protocol.SessionEnd
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("invalid session end", slogError(err))
		s.respond(msg, "", errBadRequest)
		return
	}
	s.mu.Lock()
	sess := s.sessions[req.SessionID]
	delete(s.sessions, req.SessionID)
	delete(s.lastSeen, req.SessionID)
	s.mu.Unlock()
	if sess == nil {
		s.respond(msg, req.SessionID, errUnknownSession)
		return
	}
	s.orch.EndSession(s.ctx, sess)
	s.respond(msg, req.SessionID, nil)
}

// touch returns the session for id and marks it active.
func (s *Service) touch(id string) *chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess != nil {
		s.lastSeen[id] = s.now()
	}
	return sess
}

func (s *Service) runEviction() {
	ticker := time.NewTicker(s.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

// evictIdle ends sessions whose last signal is older than the idle timeout,
// so clients that vanish without chat.session.end do not pin them forever.
func (s *Service) evictIdle() {
	cutoff := s.now().Add(-s.idleTimeout)
	var idle []*chat.Session
	s.mu.Lock()
	for id, seen := range s.lastSeen {
		if !seen.Before(cutoff) {
			continue
		}
		if sess := s.sessions[id]; sess != nil {
			idle = append(idle, sess)
		}
		delete(s.sessions, id)
		delete(s.lastSeen, id)
	}
	s.mu.Unlock()

	for _, sess := range idle {
		s.logger.Info("ending idle session", slog.String("session_id", sess.ID))
		s.orch.EndSession(s.ctx, sess)
	}
}

func (s *Service) respond(msg *nats.Msg, sessionID string, err error) {
	if msg.Reply == "" {
		return
	}
	reply := protocol.SessionReply{SessionID: sessionID, Error: errorCode(err)}
	data, mErr := json.Marshal(reply)
	if mErr != nil {
		s.logger.Warn("failed to encode reply", slogError(mErr))
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(rErr))
	}
}

// errorCode maps an outcome to the code sent to the presentation layer. Model
// failures have already been shown as the fallback message, so no detail
// leaves the process.
func errorCode(err error) string {
	var upstream *chat.UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, errUnknownSession):
		return "unknown_session"
	case errors.Is(err, chat.ErrEmptyPersona):
		return "empty_persona"
	case errors.Is(err, chat.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, chat.ErrNoActiveChoices):
		return "no_active_choices"
	case errors.Is(err, chat.ErrChoiceAlreadySelected):
		return "choice_already_selected"
	case errors.Is(err, chat.ErrChoiceUnavailable):
		return "choice_unavailable"
	case errors.Is(err, chat.ErrEmptyFreeText):
		return "empty_free_text"
	case errors.Is(err, chat.ErrEmptyResponse), errors.As(err, &upstream):
		return "fallback"
	default:
		return "internal"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
