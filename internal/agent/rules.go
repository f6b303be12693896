package agent

import (
	"fmt"
	"time"

	"github.com/ashureev/triagedesk/internal/domain"
)

const (
	confidenceDecrement = 0.1
	minRuleConfidence   = 0.5
)

// RuleInput are the ticket signals the escalation rules look at.
type RuleInput struct {
	Priority          domain.Priority
	InteractionsCount int
	Sentiment         float64
	HoursOpen         float64
	Confidence        float64
	ConfidenceFloor   float64
	ConfidenceLabel   string
}

// EvaluateRules returns one human-readable reason per matched escalation
// rule, in a fixed order.
func EvaluateRules(in RuleInput, cfg domain.EscalationConfig) []string {
	var reasons []string

	if in.Priority == domain.PriorityP1 && in.InteractionsCount > cfg.MaxInteractionsP1 {
		reasons = append(reasons, fmt.Sprintf("P1 ticket with %d interactions (limit %d)",
			in.InteractionsCount, cfg.MaxInteractionsP1))
	}
	if in.Sentiment < cfg.MinSentiment() {
		reasons = append(reasons, fmt.Sprintf("negative sentiment %.2f (floor %.2f)",
			in.Sentiment, cfg.MinSentiment()))
	}
	if cfg.SLAHours > 0 && in.HoursOpen > cfg.SLAHours {
		reasons = append(reasons, fmt.Sprintf("SLA exceeded: open for %.1f hours (limit %.1f hours)",
			in.HoursOpen, cfg.SLAHours))
	}
	if in.Confidence < in.ConfidenceFloor {
		label := in.ConfidenceLabel
		if label == "" {
			label = "confidence"
		}
		reasons = append(reasons, fmt.Sprintf("low %s %.2f (floor %.2f)",
			label, in.Confidence, in.ConfidenceFloor))
	}
	return reasons
}

// penalize lowers confidence by a fixed decrement per matched rule without
// going below the floor. A confidence already under the floor is kept.
func penalize(confidence float64, matched int) float64 {
	if matched == 0 || confidence <= minRuleConfidence {
		return confidence
	}
	return clamp(confidence-confidenceDecrement*float64(matched), minRuleConfidence, 1)
}

func hoursSince(t, now time.Time) float64 {
	h := now.Sub(t).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// mergeReasons unions reason lists preserving first occurrence order.
func mergeReasons(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, r := range list {
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
