// Package gemini adapts Google's Gemini models to the message interface the
// classifier speaks, so a session can be predicted by either vendor.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sells-group/labeler/pkg/anthropic"
)

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// Client sends single-turn vision requests to Gemini. It implements
// anthropic.Client.
type Client struct {
	client *genai.Client
}

var _ anthropic.Client = (*Client)(nil)

// NewClient creates a Gemini client for apiKey. Close it when done.
func NewClient(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: api key is required")
	}
	c, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: new client")
	}
	return &Client{client: c}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// CreateMessage sends every message's images and text as one user turn.
// System blocks become the model's system instruction; cache hints are
// ignored.
func (c *Client) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m := c.client.GenerativeModel(req.Model)
	if req.Temperature != nil {
		m.SetTemperature(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if sys := systemText(req.System); sys != "" {
		m.SystemInstruction = genai.NewUserContent(genai.Text(sys))
	}

	resp, err := m.GenerateContent(ctx, toParts(req.Messages)...)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}
	return fromResponse(req.Model, resp)
}

func systemText(blocks []anthropic.SystemBlock) string {
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

func toParts(msgs []anthropic.Message) []genai.Part {
	var parts []genai.Part
	for _, msg := range msgs {
		for _, img := range msg.Images {
			parts = append(parts, genai.Blob{MIMEType: img.MediaType, Data: img.Data})
		}
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}
	return parts
}

func fromResponse(model string, resp *genai.GenerateContentResponse) (*anthropic.MessageResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, eris.New("gemini: no candidates returned")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return nil, eris.Errorf("gemini: empty content (finish reason %s)", cand.FinishReason)
	}

	out := &anthropic.MessageResponse{
		Model:      model,
		StopReason: cand.FinishReason.String(),
	}
	for _, p := range cand.Content.Parts {
		if txt, ok := p.(genai.Text); ok {
			out.Content = append(out.Content, anthropic.ContentBlock{Type: "text", Text: string(txt)})
		}
	}
	if len(out.Content) == 0 {
		return nil, eris.New("gemini: unexpected response format")
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = anthropic.TokenUsage{
			InputTokens:          int64(u.PromptTokenCount),
			OutputTokens:         int64(u.CandidatesTokenCount),
			CacheReadInputTokens: int64(u.CachedContentTokenCount),
		}
	}
	return out, nil
}

// IsTransient reports whether err is a Gemini failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
		return true
	}
	return false
}
