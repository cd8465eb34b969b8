package chat

import (
	"errors"
	"log/slog"
)

var (
	// ErrEmptyResponse means the model reply had no non-blank line.
	ErrEmptyResponse = errors.New("model reply has no content")

	ErrNoActiveChoices       = errors.New("no choices on offer")
	ErrChoiceUnavailable     = errors.New("choice index not on offer")
	ErrChoiceAlreadySelected = errors.New("choice already selected for this turn")
	ErrEmptyFreeText         = errors.New("free text choice is empty")
	ErrSessionClosed         = errors.New("session closed")
	ErrEmptyPersona          = errors.New("custom persona description is empty")
)

// Collaborator names carried by UpstreamError.
const (
	ServiceLLM   = "llm"
	ServiceImage = "image"
	ServiceTTS   = "tts"
)

// UpstreamError wraps a failure reported by a remote collaborator.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return e.Service + " upstream failure: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
