package protocol

import (
	"regexp"
	"time"
)

// Signals sent by the presentation layer.
const (
	SubjectSessionStart = "chat.session.start"
	SubjectChoiceSubmit = "chat.choice.submit"
	SubjectSessionEnd   = "chat.session.end"
	SubjectAudioReady   = "chat.audio.ready"
)

// Event subject prefixes; the session id is appended as the last token.
const (
	SubjectLoadingPrefix    = "chat.event.loading"
	SubjectMessagePrefix    = "chat.event.message"
	SubjectChoicesPrefix    = "chat.event.choices"
	SubjectDiscardPrefix    = "chat.event.discard"
	SubjectBackgroundPrefix = "chat.event.background"
	SubjectAudioLoadPrefix  = "chat.audio.load"
	SubjectAudioPlayPrefix  = "chat.audio.play"
	SubjectAudioStopPrefix  = "chat.audio.stop"
)

// SessionSubject returns the per-session subject for prefix.
func SessionSubject(prefix, sessionID string) string {
	return prefix + "." + sessionID
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSessionID reports whether id can be used as the last token of a
// session subject. Dots and wildcards are rejected.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// SessionStart asks for a new conversation. AspectRatio is width / height of
// the presentation surface.
type SessionStart struct {
	SessionID         string  `json:"session_id,omitempty"`
	PersonaID         string  `json:"persona_id"`
	CustomDescription string  `json:"custom_description,omitempty"`
	AspectRatio       float64 `json:"aspect_ratio,omitempty"`
}

// SessionReply answers SessionStart and SessionEnd requests.
type SessionReply struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

type ChoiceSubmit struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Text      string `json:"text,omitempty"`
}

type SessionEnd struct {
	SessionID string `json:"session_id"`
}

type LoadingEvent struct {
	Loading bool `json:"loading"`
}

type MessageEvent struct {
	Turn     int    `json:"turn"`
	Text     string `json:"text"`
	Fallback bool   `json:"fallback"`
}

type Choice struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type ChoicesEvent struct {
	Turn    int      `json:"turn"`
	Choices []Choice `json:"choices"`
}

type DiscardEvent struct {
	Turn     int `json:"turn"`
	Selected int `json:"selected"`
}

// BackgroundEvent carries either an image or a CSS gradient.
type BackgroundEvent struct {
	MIMEType string `json:"mime_type,omitempty"`
	Image    []byte `json:"image,omitempty"`
	Gradient string `json:"gradient,omitempty"`
}

type AudioLoad struct {
	ClipID   string `json:"clip_id"`
	MIMEType string `json:"mime_type"`
	Audio    []byte `json:"audio"`
}

// AudioControl is the payload of play and stop commands and of readiness
// acknowledgements.
type AudioControl struct {
	ClipID string `json:"clip_id"`
}

// Presence subjects. Heartbeats are suffixed with the node id.
const (
	SubjectNodeAnnounce        = "chat.node.announce"
	SubjectNodeHeartbeatPrefix = "chat.node.heartbeat"
)

// Backend names one collaborator and the mode it runs in.
type Backend struct {
	Name string `json:"name"`
	Mode string `json:"mode"`
}

type NodeAnnounce struct {
	NodeID    string    `json:"node_id"`
	Version   string    `json:"version,omitempty"`
	Backends  []Backend `json:"backends"`
	Sessions  int64     `json:"sessions"`
	Timestamp time.Time `json:"timestamp"`
}

type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Sessions  int64     `json:"sessions"`
	Timestamp time.Time `json:"timestamp"`
}
