// Package profile loads the worker profile the agent presents on the
// marketplace: who is applying, what they claim to be good at, and how
// proposals sign off.
package profile

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/teranos/RONIN/errors"
)

// Profile describes the worker identity used in proposals and messages
type Profile struct {
	Name         string   `toml:"name"`
	Introduction string   `toml:"introduction"`
	Skills       []string `toml:"skills"`
	Signature    string   `toml:"signature"`
	PortfolioURL string   `toml:"portfolio_url"`

	// MinAgentVersion is a semver constraint the running agent must
	// satisfy. Profiles written for newer template fields refuse to load
	// on agents that would silently drop them.
	MinAgentVersion string `toml:"min_agent_version"`
}

// Default returns the built-in profile used until the operator writes one
func Default() *Profile {
	return &Profile{
		Name:         "RONIN agent",
		Introduction: "Freelance automation specialist focused on small, well-scoped tasks.",
		Skills:       []string{"translation", "data processing", "scripting"},
		Signature:    "Looking forward to working with you.",
	}
}

// Load reads a profile from a TOML file and gates it against the running
// agent version. A missing file is not an error: first runs get the
// default profile until the operator writes their own.
func Load(path string, agentVersion string) (*Profile, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read profile %s", path)
	}

	var p Profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "failed to parse profile %s", path)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := p.CheckAgentVersion(agentVersion); err != nil {
		return nil, err
	}

	return &p, nil
}

// Validate checks the profile carries what proposals need
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("profile missing name")
	}
	if strings.TrimSpace(p.Introduction) == "" {
		return errors.New("profile missing introduction")
	}
	return nil
}

// CheckAgentVersion enforces the profile's min_agent_version constraint.
// Development builds carry a non-semver version and bypass the gate.
func (p *Profile) CheckAgentVersion(agentVersion string) error {
	if p.MinAgentVersion == "" {
		return nil
	}

	running, err := semver.NewVersion(agentVersion)
	if err != nil {
		// "dev" and other non-release builds are not gated
		return nil
	}

	constraint, err := semver.NewConstraint(p.MinAgentVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid min_agent_version constraint %q", p.MinAgentVersion)
	}

	if !constraint.Check(running) {
		return errors.Newf("profile requires agent %s, but running %s", p.MinAgentVersion, agentVersion)
	}
	return nil
}

// SkillList renders the skills as a comma-separated string for templates
func (p *Profile) SkillList() string {
	return strings.Join(p.Skills, ", ")
}
