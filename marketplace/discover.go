package marketplace

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
)

const (
	// maxDiscoverPages bounds one discovery sweep. New listings surface on
	// the first pages; anything deeper is stale inventory the next sweep
	// can pick up.
	maxDiscoverPages = 5

	// discoverPageSize is the listing page size the search endpoint accepts
	discoverPageSize = 50
)

// listingPage is the search endpoint's response shape
type listingPage struct {
	Jobs    []listing `json:"jobs"`
	HasMore bool      `json:"has_more"`
}

// listing is the wire shape of one job posting
type listing struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Budget        int    `json:"budget"`
	Category      string `json:"category"`
	DurationHours int    `json:"duration_hours"`
	ClientName    string `json:"client_name"`
	URL           string `json:"url"`
	PostedAt      string `json:"posted_at"`
}

// Discoverer fetches open job listings from the marketplace
type Discoverer struct {
	client  *Client
	session *Session
	logger  *zap.SugaredLogger
}

// NewDiscoverer creates a listing fetcher bound to an authenticated session
func NewDiscoverer(client *Client, session *Session, logger *zap.SugaredLogger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Discoverer{client: client, session: session, logger: logger}
}

// Discover walks the paginated search results and returns every listing
// that parses cleanly. Listings that fail validation are logged and
// skipped; one malformed posting must not sink the sweep.
func (d *Discoverer) Discover(ctx context.Context) ([]job.RawJob, error) {
	if err := d.session.EnsureSession(ctx); err != nil {
		return nil, errors.Wrap(err, "cannot discover without a session")
	}

	var raws []job.RawJob
	skipped := 0

	for page := 1; page <= maxDiscoverPages; page++ {
		query := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(discoverPageSize)},
			"status":   {"open"},
		}

		var result listingPage
		if err := d.client.getJSON(ctx, "/api/jobs/search", query, &result); err != nil {
			if errors.IsAuthError(err) {
				d.session.Invalidate()
			}
			return raws, errors.Wrapf(err, "listing page %d", page)
		}

		for _, l := range result.Jobs {
			raw, err := rawFromListing(l)
			if err != nil {
				skipped++
				d.logger.Warnw("Skipping malformed listing", "listing_id", l.ID, "error", err)
				continue
			}
			raws = append(raws, raw)
		}

		if !result.HasMore || len(result.Jobs) == 0 {
			break
		}
	}

	d.logger.Infow("Discovery sweep complete", "listings", len(raws), "skipped", skipped)
	return raws, nil
}

// rawFromListing converts a wire listing into the ingestion shape
func rawFromListing(l listing) (job.RawJob, error) {
	raw := job.RawJob{
		ExternalID:    l.ID,
		Title:         l.Title,
		Description:   l.Description,
		Budget:        l.Budget,
		Category:      l.Category,
		DurationHours: l.DurationHours,
		ClientName:    l.ClientName,
		URL:           l.URL,
	}

	if l.PostedAt != "" {
		at, err := time.Parse(time.RFC3339, l.PostedAt)
		if err != nil {
			return job.RawJob{}, errors.Wrapf(err, "bad posted_at %q", l.PostedAt)
		}
		raw.PostedAt = &at
	}

	raw.Normalize()
	if err := raw.Validate(); err != nil {
		return job.RawJob{}, err
	}
	return raw, nil
}
