package slackbot

import (
	"sync"

	"github.com/huluohu/chatgpt-slackbot/internal/chatgpt"
)

// State holds the runtime-mutable settings shared by all handlers: the
// active backend mode, the internet augmentation flag, and the conversation
// ref used by the mention path (which has no metadata to recover from).
// Handlers run concurrently, so all access goes through the mutex.
type State struct {
	mu         sync.Mutex
	mode       chatgpt.Mode
	internet   bool
	mentionRef chatgpt.ConversationRef
}

// NewState seeds the holder with the configured defaults.
func NewState(mode chatgpt.Mode, internet bool) *State {
	return &State{mode: mode, internet: internet}
}

func (s *State) Mode() chatgpt.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *State) SetMode(mode chatgpt.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

func (s *State) InternetEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.internet
}

func (s *State) SetInternet(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.internet = enabled
}

func (s *State) MentionRef() chatgpt.ConversationRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mentionRef
}

// AdvanceMentionRef folds a completed answer into the mention-path thread.
// Fields absent from the answer keep their previous values.
func (s *State) AdvanceMentionRef(answer chatgpt.Answer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if answer.ConversationID != "" {
		s.mentionRef.ConversationID = answer.ConversationID
	}
	if answer.ID != "" {
		s.mentionRef.ParentMessageID = answer.ID
	}
}

// ResetMentionRef clears the mention-path thread.
func (s *State) ResetMentionRef() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mentionRef = chatgpt.ConversationRef{}
}
