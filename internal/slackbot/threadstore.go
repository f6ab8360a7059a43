package slackbot

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/huluohu/chatgpt-slackbot/internal/chatgpt"
)

const (
	metadataEventType = "chat_gpt"

	payloadConversationID  = "conversationId"
	payloadParentMessageID = "parentMessageId"
)

// ThreadStore recovers conversation continuity for a channel. There is no
// database: the ref lives in the metadata attached to the bot's most recent
// reply, so deleting that message silently starts a new conversation.
type ThreadStore interface {
	Recover(ctx context.Context, channel, beforeTS string) (chatgpt.ConversationRef, error)
}

// metadataThreadStore reads the ref back out of Slack message metadata.
type metadataThreadStore struct {
	messenger Messenger
}

// NewThreadStore builds the metadata-backed store.
func NewThreadStore(messenger Messenger) ThreadStore {
	return &metadataThreadStore{messenger: messenger}
}

// Recover fetches the message immediately preceding beforeTS and decodes its
// metadata. A missing predecessor or absent/foreign metadata yields the empty
// ref (new conversation); only the history call itself can fail.
func (s *metadataThreadStore) Recover(ctx context.Context, channel, beforeTS string) (chatgpt.ConversationRef, error) {
	messages, err := s.messenger.History(ctx, channel, beforeTS, 2)
	if err != nil {
		return chatgpt.ConversationRef{}, err
	}
	// Index 0 is the triggering message itself (inclusive fetch); index 1 is
	// the bot's previous reply, when present.
	if len(messages) < 2 {
		return chatgpt.ConversationRef{}, nil
	}
	return refFromMetadata(messages[1].Metadata), nil
}

func refFromMetadata(metadata slack.SlackMetadata) chatgpt.ConversationRef {
	if metadata.EventType != metadataEventType || metadata.EventPayload == nil {
		return chatgpt.ConversationRef{}
	}
	ref := chatgpt.ConversationRef{}
	if v, ok := metadata.EventPayload[payloadConversationID].(string); ok {
		ref.ConversationID = v
	}
	if v, ok := metadata.EventPayload[payloadParentMessageID].(string); ok {
		ref.ParentMessageID = v
	}
	return ref
}

// answerMetadata encodes a completed (or in-progress) answer so the next
// turn can pick the thread back up.
func answerMetadata(answer chatgpt.Answer) *slack.SlackMetadata {
	ref := answer.Ref()
	if ref.Empty() {
		return nil
	}
	return &slack.SlackMetadata{
		EventType: metadataEventType,
		EventPayload: map[string]interface{}{
			payloadConversationID:  ref.ConversationID,
			payloadParentMessageID: ref.ParentMessageID,
		},
	}
}
