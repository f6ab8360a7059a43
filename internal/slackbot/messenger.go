package slackbot

import (
	"context"

	"github.com/slack-go/slack"
)

// Messenger abstracts the Slack Web API calls the bot makes, for testability.
type Messenger interface {
	// PostMessage posts a new message and returns its timestamp identity.
	PostMessage(ctx context.Context, channel, text string) (ts string, err error)
	// UpdateMessage edits an existing message in place, optionally attaching
	// message metadata.
	UpdateMessage(ctx context.Context, channel, ts, text string, metadata *slack.SlackMetadata) error
	// History returns up to limit messages ending at latest, inclusive, with
	// metadata populated.
	History(ctx context.Context, channel, latest string, limit int) ([]slack.Message, error)
}

// apiMessenger is the production Messenger backed by the Slack client.
type apiMessenger struct {
	api *slack.Client
}

// NewMessenger wraps a Slack client.
func NewMessenger(api *slack.Client) Messenger {
	return &apiMessenger{api: api}
}

func (m *apiMessenger) PostMessage(ctx context.Context, channel, text string) (string, error) {
	_, ts, err := m.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	return ts, err
}

func (m *apiMessenger) UpdateMessage(ctx context.Context, channel, ts, text string, metadata *slack.SlackMetadata) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if metadata != nil {
		opts = append(opts, slack.MsgOptionMetadata(*metadata))
	}
	_, _, _, err := m.api.UpdateMessageContext(ctx, channel, ts, opts...)
	return err
}

func (m *apiMessenger) History(ctx context.Context, channel, latest string, limit int) ([]slack.Message, error) {
	resp, err := m.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID:          channel,
		Latest:             latest,
		Limit:              limit,
		Inclusive:          true,
		IncludeAllMetadata: true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}
