package job

import (
	"strings"
	"time"

	"github.com/teranos/RONIN/errors"
)

// RawJob is a marketplace listing as scraped, before the agent has
// evaluated it. Ingestion normalizes and validates it, then upserts it
// into the store keyed by ExternalID.
type RawJob struct {
	ExternalID    string     `json:"external_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Budget        int        `json:"budget"`
	Category      string     `json:"category,omitempty"`
	DurationHours int        `json:"duration_hours,omitempty"`
	ClientName    string     `json:"client_name,omitempty"`
	URL           string     `json:"url,omitempty"`
	PostedAt      *time.Time `json:"posted_at,omitempty"`
}

// Normalize trims surrounding whitespace from the text fields
func (r *RawJob) Normalize() {
	r.ExternalID = strings.TrimSpace(r.ExternalID)
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.Category = strings.TrimSpace(r.Category)
	r.ClientName = strings.TrimSpace(r.ClientName)
	r.URL = strings.TrimSpace(r.URL)
}

// Validate checks the listing carries enough to track it
func (r *RawJob) Validate() error {
	if strings.TrimSpace(r.ExternalID) == "" {
		return errors.New("raw job missing external id")
	}
	if strings.TrimSpace(r.Title) == "" {
		return errors.Newf("raw job %q missing title", r.ExternalID)
	}
	if r.Budget < 0 {
		return errors.Newf("raw job %q has negative budget %d", r.ExternalID, r.Budget)
	}
	if r.DurationHours < 0 {
		return errors.Newf("raw job %q has negative duration %d", r.ExternalID, r.DurationHours)
	}
	return nil
}

// NewFromRaw builds a freshly discovered Job from a validated listing
func NewFromRaw(raw *RawJob, now time.Time) (*Job, error) {
	raw.Normalize()
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	return &Job{
		ID:            raw.ExternalID,
		Title:         raw.Title,
		Description:   raw.Description,
		Budget:        raw.Budget,
		Category:      raw.Category,
		DurationHours: raw.DurationHours,
		ClientName:    raw.ClientName,
		URL:           raw.URL,
		PostedAt:      raw.PostedAt,
		Stage:         StageDiscovered,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
