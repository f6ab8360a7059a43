// Package chatgpt provides a uniform client over the two access modes to the
// ChatGPT service: the official key-authenticated completions API and the
// unofficial reverse-proxied conversation API, plus the endpoint rotation
// pool used by the latter.
package chatgpt

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mode selects which concrete backend serves a request.
type Mode string

const (
	// ModeKey uses the official API with an API key.
	ModeKey Mode = "KEY"
	// ModeToken uses the reverse-proxied session API with an access token.
	ModeToken Mode = "TOKEN"
)

// ParseMode converts a raw configuration value into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(ModeKey):
		return ModeKey, nil
	case string(ModeToken):
		return ModeToken, nil
	default:
		return "", fmt.Errorf("unknown backend mode %q (want KEY or TOKEN)", raw)
	}
}

// ConversationRef identifies a position in the backend's conversation tree.
// The zero value means "start a new conversation".
type ConversationRef struct {
	ConversationID  string `json:"conversationId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// Empty reports whether the ref carries no continuation state.
func (r ConversationRef) Empty() bool {
	return r.ConversationID == "" && r.ParentMessageID == ""
}

// Answer is one backend response. Partial forms produced during streaming
// share the same identity with growing Text; the final Answer's ID becomes
// the next turn's ParentMessageID.
type Answer struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversationId,omitempty"`
	ID             string `json:"id,omitempty"`
}

// Ref derives the continuation ref for the turn after this answer.
func (a Answer) Ref() ConversationRef {
	return ConversationRef{ConversationID: a.ConversationID, ParentMessageID: a.ID}
}

// SendOptions carries per-request settings for SendMessage.
type SendOptions struct {
	// Ref continues an existing conversation; the zero value starts fresh.
	Ref ConversationRef
	// Timeout bounds the whole request including the stream. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// OnProgress, when non-nil, receives the growing answer as tokens
	// arrive, zero or more times, strictly before SendMessage returns.
	OnProgress func(Answer)
}

// DefaultTimeout applies when SendOptions.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Client is the uniform contract over both backends. Implementations do not
// retry; a failed request surfaces to the caller, which decides whether to
// rotate the endpoint pool.
type Client interface {
	SendMessage(ctx context.Context, text string, opts SendOptions) (*Answer, error)
}

func (o SendOptions) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

func (o SendOptions) emit(answer Answer) {
	if o.OnProgress != nil {
		o.OnProgress(answer)
	}
}
