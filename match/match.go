// Package match decides which discovered listings are worth applying to.
// Evaluation is pure and deterministic: the same listing against the same
// criteria always yields the same decision, so every accept and reject can
// be replayed and audited.
package match

import (
	"fmt"
	"sort"
	"strings"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/job"
)

// Criteria is the matcher's filter and scoring configuration
type Criteria struct {
	PreferredKeywords []string
	AvoidKeywords     []string
	Categories        []string
	BlockedClients    []string
	MinBudget         int // JPY, listings below are filtered
	MaxBudget         int // JPY, 0 means no ceiling
	MaxDurationHours  int // 0 means no ceiling

	Threshold     float64
	KeywordWeight float64
	BudgetWeight  float64
	ClientWeight  float64
}

// CriteriaFromConfig maps the operator's match configuration into criteria
func CriteriaFromConfig(cfg config.MatchConfig) Criteria {
	return Criteria{
		PreferredKeywords: cfg.PreferredKeywords,
		AvoidKeywords:     cfg.AvoidKeywords,
		Categories:        cfg.Categories,
		BlockedClients:    cfg.BlockedClients,
		MinBudget:         cfg.MinBudget,
		MaxBudget:         cfg.MaxBudget,
		MaxDurationHours:  cfg.MaxDurationHours,
		Threshold:         cfg.Threshold,
		KeywordWeight:     cfg.KeywordWeight,
		BudgetWeight:      cfg.BudgetWeight,
		ClientWeight:      cfg.ClientWeight,
	}
}

// Decision is the matcher's verdict on a listing
type Decision struct {
	Accepted bool     `json:"accepted"`
	Score    float64  `json:"score"`
	Reasons  []string `json:"reasons"`
}

// Matcher evaluates listings against fixed criteria
type Matcher struct {
	criteria Criteria
}

// NewMatcher creates a matcher for the given criteria
func NewMatcher(criteria Criteria) *Matcher {
	return &Matcher{criteria: criteria}
}

// Evaluate scores a listing. Hard filters reject outright with the reason;
// listings that pass all filters get a weighted score and are accepted
// when it reaches the threshold.
func (m *Matcher) Evaluate(j *job.Job) Decision {
	c := m.criteria
	text := strings.ToLower(j.Title + " " + j.Description)

	if reason, hit := m.avoidKeywordHit(text); hit {
		return rejected(fmt.Sprintf("avoid keyword %q present", reason))
	}
	if j.Budget < c.MinBudget {
		return rejected(fmt.Sprintf("budget %d below minimum %d", j.Budget, c.MinBudget))
	}
	if c.MaxBudget > 0 && j.Budget > c.MaxBudget {
		return rejected(fmt.Sprintf("budget %d above maximum %d", j.Budget, c.MaxBudget))
	}
	if len(c.Categories) > 0 && !containsFold(c.Categories, j.Category) {
		return rejected(fmt.Sprintf("category %q not allowed", j.Category))
	}
	if c.MaxDurationHours > 0 && j.DurationHours > c.MaxDurationHours {
		return rejected(fmt.Sprintf("duration %dh exceeds ceiling %dh", j.DurationHours, c.MaxDurationHours))
	}
	if containsFold(c.BlockedClients, j.ClientName) {
		return rejected(fmt.Sprintf("client %q is blocked", j.ClientName))
	}

	var reasons []string

	keywordScore, matched := m.keywordScore(text)
	if len(matched) > 0 {
		sort.Strings(matched)
		reasons = append(reasons, "matched keywords: "+strings.Join(matched, ", "))
	}

	budgetScore := m.budgetScore(j.Budget)
	clientScore := m.clientScore(j.ClientName)

	score := c.KeywordWeight*keywordScore + c.BudgetWeight*budgetScore + c.ClientWeight*clientScore
	reasons = append(reasons, fmt.Sprintf("score %.2f against threshold %.2f", score, c.Threshold))

	return Decision{
		Accepted: score >= c.Threshold,
		Score:    score,
		Reasons:  reasons,
	}
}

// avoidKeywordHit returns the first configured avoid keyword found in the
// listing text. Configuration order decides which keyword gets reported.
func (m *Matcher) avoidKeywordHit(text string) (string, bool) {
	for _, kw := range m.criteria.AvoidKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// keywordScore is the fraction of preferred keywords found in the listing
// text. With no keywords configured everything scores full marks, so an
// unconfigured matcher never penalizes a listing for it.
func (m *Matcher) keywordScore(text string) (float64, []string) {
	preferred := m.criteria.PreferredKeywords
	if len(preferred) == 0 {
		return 1.0, nil
	}

	var matched []string
	for _, kw := range preferred {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			matched = append(matched, kw)
		}
	}
	return float64(len(matched)) / float64(len(preferred)), matched
}

// budgetScore scales the budget against the configured minimum. Twice the
// minimum or better is full marks; at exactly the minimum the score is 0.5.
func (m *Matcher) budgetScore(budget int) float64 {
	min := m.criteria.MinBudget
	if min <= 0 {
		return 1.0
	}
	score := float64(budget) / float64(2*min)
	if score > 1.0 {
		return 1.0
	}
	return score
}

// clientScore gives named clients full marks and anonymous listings half.
// The marketplace hides some client names until contact, and those listings
// carry more risk.
func (m *Matcher) clientScore(clientName string) float64 {
	if strings.TrimSpace(clientName) == "" {
		return 0.5
	}
	return 1.0
}

func rejected(reason string) Decision {
	return Decision{Accepted: false, Score: 0, Reasons: []string{reason}}
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(needle)) {
			return true
		}
	}
	return false
}
