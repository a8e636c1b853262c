package config

import "github.com/teranos/RONIN/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "ronin.db" per defaults.go
	// No validation needed here

	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.New("server.port cannot be 0 (omit for default port 879)")
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Agent cadences: 0 = loop disabled, negative = invalid
	if c.Agent.PollIntervalSeconds < 0 {
		return errors.Newf("agent.poll_interval_seconds must be >= 0, got %d", c.Agent.PollIntervalSeconds)
	}
	if c.Agent.TickIntervalSeconds < 0 {
		return errors.Newf("agent.tick_interval_seconds must be >= 0, got %d", c.Agent.TickIntervalSeconds)
	}
	if c.Agent.MessagePollSeconds < 0 {
		return errors.Newf("agent.message_poll_seconds must be >= 0, got %d", c.Agent.MessagePollSeconds)
	}

	// Concurrency: at least one job slot per pass
	if c.Agent.Concurrency < 1 {
		return errors.Newf("agent.concurrency must be >= 1, got %d", c.Agent.Concurrency)
	}

	if c.Agent.MaxRetries < 1 {
		return errors.Newf("agent.max_retries must be >= 1, got %d", c.Agent.MaxRetries)
	}

	// Quota: 0 = no applies at all (valid, an observation-only agent), negative = invalid
	if c.Agent.DailyApplyQuota < 0 {
		return errors.Newf("agent.daily_apply_quota must be >= 0, got %d", c.Agent.DailyApplyQuota)
	}

	if c.Agent.AutoConfirmHours < 0 {
		return errors.Newf("agent.auto_confirm_hours must be >= 0, got %d", c.Agent.AutoConfirmHours)
	}
	if c.Agent.RetentionDays < 0 {
		return errors.Newf("agent.retention_days must be >= 0, got %d", c.Agent.RetentionDays)
	}

	// Pacing: delays must be sane and ordered
	if c.Pace.MinActionDelaySeconds < 0 {
		return errors.Newf("pace.min_action_delay_seconds must be >= 0, got %d", c.Pace.MinActionDelaySeconds)
	}
	if c.Pace.MaxActionDelaySeconds < c.Pace.MinActionDelaySeconds {
		return errors.Newf("pace.max_action_delay_seconds must be >= pace.min_action_delay_seconds, got %d < %d",
			c.Pace.MaxActionDelaySeconds, c.Pace.MinActionDelaySeconds)
	}
	if c.Pace.BackoffBaseSeconds <= 0 {
		return errors.Newf("pace.backoff_base_seconds must be > 0, got %d", c.Pace.BackoffBaseSeconds)
	}
	if c.Pace.BackoffMaxSeconds < c.Pace.BackoffBaseSeconds {
		return errors.Newf("pace.backoff_max_seconds must be >= pace.backoff_base_seconds, got %d < %d",
			c.Pace.BackoffMaxSeconds, c.Pace.BackoffBaseSeconds)
	}
	// Rate limit: 0 = unlimited, negative = invalid
	if c.Pace.RequestsPerMinute < 0 {
		return errors.Newf("pace.requests_per_minute must be >= 0, got %d", c.Pace.RequestsPerMinute)
	}

	// Matcher: threshold and weights live in [0, 1]
	if c.Match.Threshold < 0 || c.Match.Threshold > 1 {
		return errors.Newf("match.threshold must be in [0, 1], got %f", c.Match.Threshold)
	}
	for key, w := range map[string]float64{
		"match.keyword_weight": c.Match.KeywordWeight,
		"match.budget_weight":  c.Match.BudgetWeight,
		"match.client_weight":  c.Match.ClientWeight,
	} {
		if w < 0 || w > 1 {
			return errors.Newf("%s must be in [0, 1], got %f", key, w)
		}
	}
	if c.Match.MinBudget < 0 {
		return errors.Newf("match.min_budget must be >= 0, got %d", c.Match.MinBudget)
	}
	if c.Match.MaxBudget != 0 && c.Match.MaxBudget < c.Match.MinBudget {
		return errors.Newf("match.max_budget must be >= match.min_budget, got %d < %d",
			c.Match.MaxBudget, c.Match.MinBudget)
	}
	if c.Match.MaxDurationHours < 0 {
		return errors.Newf("match.max_duration_hours must be >= 0, got %d", c.Match.MaxDurationHours)
	}

	if c.Marketplace.TimeoutSeconds <= 0 {
		return errors.Newf("marketplace.timeout_seconds must be > 0, got %d", c.Marketplace.TimeoutSeconds)
	}

	if c.Proposal.BidRatio <= 0 || c.Proposal.BidRatio > 1 {
		return errors.Newf("proposal.bid_ratio must be in (0, 1], got %f", c.Proposal.BidRatio)
	}

	if c.Workspace.KeepDays < 0 {
		return errors.Newf("workspace.keep_days must be >= 0, got %d", c.Workspace.KeepDays)
	}

	return nil
}
