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
	"sync"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/huluohu/chatgpt-slackbot/internal/logging"
)

const (
	defaultKeyBaseURL = "https://api.openai.com/v1"
	defaultKeyModel   = "gpt-3.5-turbo"

	// keyContextTokenBudget caps the rebuilt conversation history sent with
	// each request, leaving headroom for the completion itself.
	keyContextTokenBudget = 3000

	keySystemPrompt = "You are a helpful assistant. Answer as concisely as possible."
)

// KeyConfig configures the official-API client.
type KeyConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  logging.Logger
	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient *http.Client
}

// storedMessage is one past turn kept for conversation reconstruction. The
// official API is stateless, so continuity is provided client-side: each
// answer's ID points at its parent, and SendMessage rebuilds the chain from
// the requested ParentMessageID.
type storedMessage struct {
	id       string
	role     string
	text     string
	parentID string
}

// KeyClient talks to the official chat completions API in KEY mode.
type KeyClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     logging.Logger

	mu    sync.Mutex
	store map[string]storedMessage

	countTokens func(string) int
}

// NewKeyClient constructs a KEY-mode client.
func NewKeyClient(cfg KeyConfig) *KeyClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultKeyBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultKeyModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &KeyClient{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		model:       model,
		httpClient:  httpClient,
		logger:      logging.OrNop(cfg.Logger),
		store:       make(map[string]storedMessage),
		countTokens: newTokenCounter(),
	}
}

// newTokenCounter returns a token counting function backed by tiktoken,
// falling back to a bytes/4 estimate when the encoding cannot be loaded
// (offline environments).
func newTokenCounter() func(string) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return func(s string) int { return len(s)/4 + 1 }
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SendMessage sends one turn through the official API, streaming deltas into
// opts.OnProgress and returning the aggregated answer.
func (c *KeyClient) SendMessage(ctx context.Context, text string, opts SendOptions) (*Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	conversationID := opts.Ref.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	userID := uuid.NewString()
	answerID := uuid.NewString()

	messages := c.buildMessages(opts.Ref.ParentMessageID, text)

	payload, err := json.Marshal(map[string]any{
		"model":    c.model,
		"messages": messages,
		"stream":   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("key request: model=%s messages=%d", c.model, len(messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, backendErr(ModeKey, endpoint, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, backendErr(ModeKey, endpoint, resp.StatusCode, readErr)
		}
		return nil, statusErr(ModeKey, endpoint, resp.StatusCode, body)
	}

	fullText, err := c.readStream(resp.Body, func(partial string) {
		opts.emit(Answer{Text: partial, ConversationID: conversationID, ID: answerID})
	})
	if err != nil {
		return nil, backendErr(ModeKey, endpoint, 0, err)
	}

	c.remember(storedMessage{id: userID, role: "user", text: text, parentID: opts.Ref.ParentMessageID})
	c.remember(storedMessage{id: answerID, role: "assistant", text: fullText, parentID: userID})

	return &Answer{Text: fullText, ConversationID: conversationID, ID: answerID}, nil
}

// readStream consumes the SSE body, invoking onPartial with the growing text.
func (c *KeyClient) readStream(body io.Reader, onPartial func(string)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var builder strings.Builder
	sawDone := false
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
			sawDone = true
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("key stream: skipping malformed chunk: %v", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			builder.WriteString(delta)
			onPartial(builder.String())
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	if !sawDone && builder.Len() == 0 {
		return "", errors.New("stream ended without content")
	}
	return builder.String(), nil
}

// buildMessages reconstructs prior turns from the parent chain, newest last,
// trimmed from the oldest end to the token budget, with the system prompt
// always first and the current user text always last.
func (c *KeyClient) buildMessages(parentID, text string) []chatMessage {
	c.mu.Lock()
	var history []chatMessage
	for id := parentID; id != ""; {
		msg, ok := c.store[id]
		if !ok {
			break
		}
		history = append(history, chatMessage{Role: msg.role, Content: msg.text})
		id = msg.parentID
	}
	c.mu.Unlock()

	// history is newest-first; keep entries while they fit the budget.
	budget := keyContextTokenBudget - c.countTokens(keySystemPrompt) - c.countTokens(text)
	kept := 0
	for kept < len(history) {
		cost := c.countTokens(history[kept].Content)
		if cost > budget {
			break
		}
		budget -= cost
		kept++
	}
	history = history[:kept]

	messages := make([]chatMessage, 0, kept+2)
	messages = append(messages, chatMessage{Role: "system", Content: keySystemPrompt})
	for i := len(history) - 1; i >= 0; i-- {
		messages = append(messages, history[i])
	}
	messages = append(messages, chatMessage{Role: "user", Content: text})
	return messages
}

func (c *KeyClient) remember(msg storedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[msg.id] = msg
}

var _ Client = (*KeyClient)(nil)
