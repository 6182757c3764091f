package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Message roles understood by the language-model service.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Image is an inline image attached to a message.
type Image struct {
	MediaType string
	// Data is the base64 encoded image.
	Data string
}

// Message is one entry of a conversation history.
type Message struct {
	Role    string
	Content string
	Images  []Image
}

// Request is a single completion call.
type Request struct {
	System      string
	Prompt      string
	History     []Message
	Temperature float64
}

// Client calls the language-model service.
type Client interface {
	// Complete returns the text of the model's reply. It never retries.
	Complete(ctx context.Context, req Request) (string, error)
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	cfg     *config.LLMConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an HTTP language-model client. When requests_per_minute
// is set, calls are paced by a token bucket shared by every caller of the
// returned client.
func NewClient(log logrus.FieldLogger, cfg *config.LLMConfig) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultHTTPTimeout
	}

	c := &client{
		log:  log.WithField("component", "llm"),
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}

	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1,
		)
	}

	return c
}

type wireSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type wirePart struct {
	Type   string      `json:"type"`
	Text   string      `json:"text,omitempty"`
	Source *wireSource `json:"source,omitempty"`
}

type wireMessage struct {
	Role string `json:"role"`
	// Content is a plain string, or a list of parts when images are attached.
	Content any `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Messages    []wireMessage `json:"messages"`
}

type wireResponse struct {
	Content []wirePart `json:"content"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func toWire(m Message) wireMessage {
	if len(m.Images) == 0 {
		return wireMessage{Role: m.Role, Content: m.Content}
	}

	parts := make([]wirePart, 0, len(m.Images)+1)

	for _, img := range m.Images {
		parts = append(parts, wirePart{
			Type: "image",
			Source: &wireSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      img.Data,
			},
		})
	}

	if m.Content != "" {
		parts = append(parts, wirePart{Type: "text", Text: m.Content})
	}

	return wireMessage{Role: m.Role, Content: parts}
}

// buildMessages lays out the system prompt, the user prompt and then the
// history in order.
func buildMessages(req Request) []wireMessage {
	msgs := make([]wireMessage, 0, len(req.History)+2)

	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: RoleSystem, Content: req.System})
	}

	if req.Prompt != "" {
		msgs = append(msgs, wireMessage{Role: RoleUser, Content: req.Prompt})
	}

	for _, m := range req.History {
		msgs = append(msgs, toWire(m))
	}

	return msgs
}

// Complete sends the request and returns the concatenated text parts of
// the reply.
func (c *client) Complete(ctx context.Context, req Request) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	payload, err := json.Marshal(wireRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: req.Temperature,
		Messages:    buildMessages(req),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf(
			"llm returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)),
		)
	}

	var decoded wireResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if decoded.Error != nil {
		return "", fmt.Errorf("llm error: %s", decoded.Error.Message)
	}

	var sb strings.Builder

	for _, part := range decoded.Content {
		if part.Type == "" || part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("llm response has no text content")
	}

	c.log.WithFields(logrus.Fields{
		"messages": len(req.History),
		"duration": time.Since(start).String(),
	}).Debug("LLM call completed")

	return text, nil
}
