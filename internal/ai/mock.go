package ai

import (
	"context"
	"strings"

	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/utils"
)

// MockClassifier scores text from a keyword table so local runs produce a
// believable queue without an external service. Same input, same score.
type MockClassifier struct{}

var mockSignals = []struct {
	phrase string
	weight float64
	tag    string
}{
	{"kill myself", 0.9, "self-harm"},
	{"suicide", 0.9, "self-harm"},
	{"end it", 0.75, "self-harm"},
	{"overdose", 0.85, "substance"},
	{"hurt myself", 0.8, "self-harm"},
	{"not safe", 0.7, "safety"},
	{"abuse", 0.65, "safety"},
	{"panic", 0.45, "anxiety"},
	{"anxious", 0.35, "anxiety"},
	{"alone", 0.3, "isolation"},
	{"sad", 0.25, "low-mood"},
}

func (MockClassifier) Classify(ctx context.Context, text string, history []models.Message) (models.Assessment, error) {
	lower := strings.ToLower(text)
	for _, m := range history {
		if m.Sender == models.SenderCaller {
			lower += " " + strings.ToLower(m.Content)
		}
	}

	risk := 0.0
	tags := []string{}
	seen := map[string]bool{}
	for _, s := range mockSignals {
		if !strings.Contains(lower, s.phrase) {
			continue
		}
		if s.weight > risk {
			risk = s.weight
		}
		if !seen[s.tag] {
			seen[s.tag] = true
			tags = append(tags, s.tag)
		}
	}
	if risk == 0 {
		// 0.10..0.29, stable per text
		risk = 0.1 + float64(utils.StableBucket(text, 20))/100
		tags = append(tags, "general")
	}

	return models.Assessment{
		Summary: summarize(text),
		Risk:    risk,
		Tags:    tags,
	}, nil
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	const limit = 140
	if len([]rune(text)) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "…"
}
