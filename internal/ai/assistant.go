package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/crisisline/backend/internal/models"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const responderSystemPrompt = `You are the first responder on a crisis support line. A trained human helper will join shortly.
Reply in two or three short sentences. Be warm and calm, acknowledge what the person said, and ask one gentle question.
Never give medical instructions. If the person mentions immediate danger, urge them to contact local emergency services.`

// OpenAICompatAssistant generates replies through any chat-completions
// compatible endpoint.
type OpenAICompatAssistant struct {
	BaseURL   string
	Model     string
	APIKey    string
	MaxTokens int
	Client    *http.Client
}

type RateLimitError struct {
	RetryAfter time.Duration
}

func (r RateLimitError) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", r.RetryAfter)
	}
	return "rate limited"
}

// Reply implements Responder.
func (a OpenAICompatAssistant) Reply(ctx context.Context, channel models.Channel, history []models.Message) (string, error) {
	return a.Ask(ctx, toChat(history))
}

func toChat(history []models.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		role := "user"
		switch m.Sender {
		case models.SenderAI, models.SenderHelper:
			role = "assistant"
		case models.SenderSystem:
			continue
		}
		out = append(out, ChatMessage{Role: role, Content: m.Content})
	}
	return out
}

func (a OpenAICompatAssistant) Ask(ctx context.Context, history []ChatMessage) (string, error) {
	if strings.TrimSpace(a.BaseURL) == "" {
		return "", fmt.Errorf("ASSISTANT_BASE_URL is not set")
	}
	if strings.TrimSpace(a.Model) == "" {
		return "", fmt.Errorf("ASSISTANT_MODEL is not set")
	}

	payload := struct {
		Model     string        `json:"model"`
		MaxTokens int           `json:"max_tokens,omitempty"`
		Messages  []ChatMessage `json:"messages"`
	}{
		Model:     a.Model,
		MaxTokens: a.MaxTokens,
		Messages:  []ChatMessage{{Role: "system", Content: responderSystemPrompt}},
	}
	payload.Messages = append(payload.Messages, history...)

	b, _ := json.Marshal(payload)
	url := strings.TrimRight(a.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(a.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	client := a.Client
	if client == nil {
		timeout := 20 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}
		client = &http.Client{Timeout: timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("assistant request timed out")
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("assistant request timed out")
		}
		return "", fmt.Errorf("assistant request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if resp.StatusCode == http.StatusTooManyRequests {
			return "", RateLimitError{RetryAfter: extractRetryAfter(errBody)}
		}
		return "", fmt.Errorf("assistant http error: %s: %v", resp.Status, errBody)
	}

	var res struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if len(res.Choices) == 0 || strings.TrimSpace(res.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty assistant response")
	}
	return strings.TrimSpace(res.Choices[0].Message.Content), nil
}

func extractRetryAfter(errBody map[string]any) time.Duration {
	errObj, ok := errBody["error"].(map[string]any)
	if !ok {
		return 0
	}
	details, ok := errObj["details"].([]any)
	if !ok {
		return 0
	}
	for _, d := range details {
		m, ok := d.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := m["@type"].(string); ok && strings.Contains(t, "RetryInfo") {
			if s, ok := m["retryDelay"].(string); ok {
				if dur, err := time.ParseDuration(s); err == nil {
					return dur
				}
			}
		}
	}
	return 0
}

// CannedResponder is used when no assistant endpoint is configured.
type CannedResponder struct{}

const CannedReply = "Thank you for reaching out. You are not alone, and a trained helper will be with you shortly."

func (CannedResponder) Reply(ctx context.Context, channel models.Channel, history []models.Message) (string, error) {
	return CannedReply, nil
}
