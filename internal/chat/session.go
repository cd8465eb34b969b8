package chat

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-chat/internal/llm"
)

// RevealState tracks where the current turn is in the speech and reveal
// pipeline.
type RevealState int

const (
	StateIdle RevealState = iota
	StateAwaitingSpeech
	StatePlaying
	StateRevealedMessage
	StateRevealedChoices
)

func (s RevealState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingSpeech:
		return "awaiting_speech"
	case StatePlaying:
		return "playing"
	case StateRevealedMessage:
		return "revealed_message"
	case StateRevealedChoices:
		return "revealed_choices"
	default:
		return "unknown"
	}
}

// turnKey identifies one turn of one session incarnation. The epoch changes
// whenever a session starts or ends, so results of work begun earlier never
// match again.
type turnKey struct {
	epoch uint64
	turn  int
}

type choiceSet struct {
	turn     int
	texts    []string
	selected int
	offered  bool
}

func noChoices() choiceSet {
	return choiceSet{selected: -1}
}

func (c choiceSet) resolve(index int, text string) (string, error) {
	if index == FreeTextIndex {
		text = strings.TrimSpace(text)
		if text == "" {
			return "", ErrEmptyFreeText
		}
		return text, nil
	}
	if index < 0 || index >= len(c.texts) || c.texts[index] == "" {
		return "", ErrChoiceUnavailable
	}
	return c.texts[index], nil
}

// list returns the model choices followed by the free text slot.
func (c choiceSet) list() []Choice {
	choices := make([]Choice, 0, len(c.texts)+1)
	for i, text := range c.texts {
		choices = append(choices, Choice{Index: i, Text: text})
	}
	return append(choices, Choice{Index: FreeTextIndex})
}

// audioClaim holds the single "current audio" slot. Tickets are handed out
// in request order and a claim never displaces a holder with a later ticket.
// released is closed when the claim is given up.
type audioClaim struct {
	handle   AudioHandle
	ticket   uint64
	released chan struct{}
}

type revealTask struct {
	key   turnKey
	timer Timer
}

// Session is the aggregate root of one conversation.
type Session struct {
	ID string

	mu            sync.Mutex
	persona       Persona
	history       History
	summary       string
	choices       choiceSet
	turn          int
	epoch         uint64
	revealed      turnKey
	stopRequested bool
	active        bool
	state         RevealState
	current       *audioClaim
	audioSeq      uint64
	claimedTicket uint64
	reveal        *revealTask
	cache         *SpeechCache

	wg sync.WaitGroup
}

func newSession(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{ID: id, choices: noChoices()}
}

func (s *Session) keyLocked() turnKey {
	return turnKey{epoch: s.epoch, turn: s.turn}
}

func (s *Session) isCurrentLocked(key turnKey) bool {
	return !s.stopRequested && s.keyLocked() == key
}

func (s *Session) isLiveLocked(epoch uint64) bool {
	return !s.stopRequested && s.epoch == epoch
}

func (s *Session) reserveTicketLocked() uint64 {
	s.audioSeq++
	return s.audioSeq
}

// SetSummary injects a digest of older history. It is sent with every
// following request until the session ends.
func (s *Session) SetSummary(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = strings.TrimSpace(summary)
}

func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

func (s *Session) Persona() Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// Turn is the number of character turns shown since the session started.
func (s *Session) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

func (s *Session) State() RevealState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Len()
}

// RecentHistory returns the last n history entries.
func (s *Session) RecentHistory(n int) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Recent(n)
}

// Choices returns the choice set of the current turn, or nil when none is
// on offer.
func (s *Session) Choices() []Choice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.choices.offered || s.choices.selected >= 0 {
		return nil
	}
	return s.choices.list()
}

func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// Wait blocks until background work started for the session (speech,
// prefetch, image generation) has returned.
func (s *Session) Wait() {
	s.wg.Wait()
}
