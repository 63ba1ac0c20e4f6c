package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/crisisline/backend/internal/models"
)

// HTTPClassifier calls an external triage service at BaseURL/classify.
type HTTPClassifier struct {
	BaseURL string
	Client  *http.Client
}

type classifyTurn struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

type classifyRequest struct {
	Text    string         `json:"text"`
	Context []classifyTurn `json:"context,omitempty"`
}

type classifyResponse struct {
	Summary string   `json:"summary"`
	Risk    *float64 `json:"risk"`
	Tags    []string `json:"tags"`
}

func (h HTTPClassifier) Classify(ctx context.Context, text string, history []models.Message) (models.Assessment, error) {
	if h.Client == nil {
		h.Client = &http.Client{Timeout: 15 * time.Second}
	}

	payload := classifyRequest{Text: text}
	for _, m := range history {
		payload.Context = append(payload.Context, classifyTurn{Sender: string(m.Sender), Content: m.Content})
	}
	b, _ := json.Marshal(payload)

	url := strings.TrimRight(h.BaseURL, "/") + "/classify"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return models.Assessment{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return models.Assessment{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Assessment{}, fmt.Errorf("classifier http error: %s", resp.Status)
	}

	var r classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return models.Assessment{}, err
	}
	if r.Risk == nil {
		return models.Assessment{}, fmt.Errorf("classifier response missing risk")
	}
	return models.Assessment{Summary: r.Summary, Risk: *r.Risk, Tags: r.Tags}, nil
}
