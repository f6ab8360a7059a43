package chatgpt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/huluohu/chatgpt-slackbot/internal/logging"
)

const defaultTokenModel = "text-davinci-002-render-sha"

// TokenConfig configures the reverse-proxy client.
type TokenConfig struct {
	AccessToken string
	Model       string
	Pool        *Pool
	Logger      logging.Logger
	HTTPClient  *http.Client
}

// TokenClient talks to a ChatGPT-compatible reverse proxy in TOKEN mode.
// Conversation state lives server-side, so requests carry only the
// conversation and parent message identifiers.
type TokenClient struct {
	accessToken string
	model       string
	pool        *Pool
	httpClient  *http.Client
	logger      logging.Logger
}

// NewTokenClient constructs a TOKEN-mode client. The pool must be non-empty.
func NewTokenClient(cfg TokenConfig) (*TokenClient, error) {
	if cfg.Pool == nil || cfg.Pool.Size() == 0 {
		return nil, errors.New("chatgpt: token client requires a proxy pool")
	}
	model := cfg.Model
	if model == "" {
		model = defaultTokenModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &TokenClient{
		accessToken: cfg.AccessToken,
		model:       model,
		pool:        cfg.Pool,
		httpClient:  httpClient,
		logger:      logging.OrNop(cfg.Logger),
	}, nil
}

type conversationRequest struct {
	Action          string                `json:"action"`
	Messages        []conversationMessage `json:"messages"`
	Model           string                `json:"model"`
	ParentMessageID string                `json:"parent_message_id"`
	ConversationID  string                `json:"conversation_id,omitempty"`
}

type conversationMessage struct {
	ID      string              `json:"id"`
	Role    string              `json:"role"`
	Content conversationContent `json:"content"`
}

type conversationContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

type conversationSnapshot struct {
	Message struct {
		ID      string `json:"id"`
		Content struct {
			Parts []string `json:"parts"`
		} `json:"content"`
	} `json:"message"`
	ConversationID string `json:"conversation_id"`
	Error          string `json:"error"`
}

// SendMessage posts one turn to the active proxy endpoint, streaming
// conversation snapshots into opts.OnProgress and returning the final one.
func (c *TokenClient) SendMessage(ctx context.Context, text string, opts SendOptions) (*Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	parentID := opts.Ref.ParentMessageID
	if parentID == "" {
		parentID = uuid.NewString()
	}

	payload, err := json.Marshal(conversationRequest{
		Action: "next",
		Messages: []conversationMessage{{
			ID:   uuid.NewString(),
			Role: "user",
			Content: conversationContent{
				ContentType: "text",
				Parts:       []string{text},
			},
		}},
		Model:           c.model,
		ParentMessageID: parentID,
		ConversationID:  opts.Ref.ConversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.pool.Active()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	c.logger.Debug("token request: endpoint=%s conversation=%q", endpoint, opts.Ref.ConversationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, backendErr(ModeToken, endpoint, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, backendErr(ModeToken, endpoint, resp.StatusCode, readErr)
		}
		return nil, statusErr(ModeToken, endpoint, resp.StatusCode, body)
	}

	answer, err := c.readStream(resp.Body, opts)
	if err != nil {
		return nil, backendErr(ModeToken, endpoint, 0, err)
	}
	return answer, nil
}

// readStream consumes the SSE body. Unlike the completions API, each event is
// a full snapshot of the answer so far rather than a delta.
func (c *TokenClient) readStream(body io.Reader, opts SendOptions) (*Answer, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var last *Answer
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var snap conversationSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			c.logger.Debug("token stream: skipping malformed snapshot: %v", err)
			continue
		}
		if snap.Error != "" {
			return nil, fmt.Errorf("upstream error: %s", snap.Error)
		}
		if len(snap.Message.Content.Parts) == 0 {
			continue
		}
		answer := Answer{
			Text:           snap.Message.Content.Parts[0],
			ConversationID: snap.ConversationID,
			ID:             snap.Message.ID,
		}
		last = &answer
		opts.emit(answer)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if last == nil {
		return nil, errors.New("stream ended without content")
	}
	return last, nil
}

var _ Client = (*TokenClient)(nil)
