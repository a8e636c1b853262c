// Package proposal renders the text the agent sends to clients:
// application proposals, kickoff notes and delivery messages. Everything
// is deterministic template expansion; there is no generation here, only
// the operator's own words with job and profile fields filled in.
package proposal

import (
	"bytes"
	_ "embed"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/profile"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Message kinds rendered from the messages section
const (
	MessageKickoff     = "kickoff"      // sent when the client accepts
	MessageDelivery    = "delivery"     // accompanies the deliverable
	MessageRevisionAck = "revision_ack" // acknowledges a revision request
)

// Template is one proposal template. An empty category is the fallback
// used when no category-specific template exists.
type Template struct {
	Category string `yaml:"category"`
	Subject  string `yaml:"subject"`
	Body     string `yaml:"body"`
}

type templateFile struct {
	Templates []Template        `yaml:"templates"`
	Messages  map[string]string `yaml:"messages"`
}

// Draft is a rendered proposal ready to submit
type Draft struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	BidAmount int    `json:"bid_amount"` // JPY
}

// Generator renders proposals and messages for jobs
type Generator struct {
	byCategory map[string]*template.Template
	fallback   *template.Template
	subjects   map[string]string
	messages   map[string]*template.Template
	profile    *profile.Profile
	bidRatio   float64
}

// NewGenerator parses the operator's template file, or the built-in
// defaults when none is configured. All templates parse at construction
// so a broken file fails at startup, not mid-application.
func NewGenerator(prof *profile.Profile, cfg config.ProposalConfig) (*Generator, error) {
	data := defaultTemplates
	if strings.TrimSpace(cfg.TemplatesPath) != "" {
		fileData, err := os.ReadFile(cfg.TemplatesPath)
		if os.IsNotExist(err) {
			// fall through to defaults on first run
		} else if err != nil {
			return nil, errors.Wrapf(err, "failed to read templates %s", cfg.TemplatesPath)
		} else {
			data = fileData
		}
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse proposal templates")
	}

	g := &Generator{
		byCategory: make(map[string]*template.Template),
		subjects:   make(map[string]string),
		messages:   make(map[string]*template.Template),
		profile:    prof,
		bidRatio:   cfg.BidRatio,
	}
	if g.bidRatio <= 0 || g.bidRatio > 1 {
		g.bidRatio = 1.0
	}

	for _, t := range file.Templates {
		parsed, err := parseTemplate("proposal:"+t.Category, t.Body)
		if err != nil {
			return nil, err
		}
		category := strings.ToLower(strings.TrimSpace(t.Category))
		if category == "" {
			g.fallback = parsed
			g.subjects[""] = t.Subject
			continue
		}
		g.byCategory[category] = parsed
		g.subjects[category] = t.Subject
	}

	if g.fallback == nil {
		return nil, errors.New("proposal templates missing a fallback (empty category)")
	}

	for kind, body := range file.Messages {
		parsed, err := parseTemplate("message:"+kind, body)
		if err != nil {
			return nil, err
		}
		g.messages[kind] = parsed
	}
	for _, kind := range []string{MessageKickoff, MessageDelivery, MessageRevisionAck} {
		if _, ok := g.messages[kind]; !ok {
			return nil, errors.Newf("proposal templates missing message %q", kind)
		}
	}

	return g, nil
}

// Proposal renders the application draft for a job, picking the job
// category's template when one exists
func (g *Generator) Proposal(j *job.Job) (*Draft, error) {
	category := strings.ToLower(strings.TrimSpace(j.Category))
	tmpl, ok := g.byCategory[category]
	subject := g.subjects[category]
	if !ok {
		tmpl = g.fallback
		subject = g.subjects[""]
	}

	bid := g.BidAmount(j.Budget)

	body, err := g.render(tmpl, j, bid)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to render proposal for job %s", j.ID)
	}

	renderedSubject, err := g.renderString("subject", subject, j, bid)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to render subject for job %s", j.ID)
	}

	return &Draft{
		Subject:   renderedSubject,
		Body:      body,
		BidAmount: bid,
	}, nil
}

// Message renders a client message of the given kind for a job
func (g *Generator) Message(kind string, j *job.Job) (string, error) {
	tmpl, ok := g.messages[kind]
	if !ok {
		return "", errors.Newf("no message template for kind %q", kind)
	}
	body, err := g.render(tmpl, j, g.BidAmount(j.Budget))
	if err != nil {
		return "", errors.Wrapf(err, "failed to render %s message for job %s", kind, j.ID)
	}
	return body, nil
}

// BidAmount applies the configured ratio to the listed budget, clamped to
// [1, budget] so the agent never overbids or bids zero on a paid job
func (g *Generator) BidAmount(budget int) int {
	if budget <= 0 {
		return 0
	}
	bid := int(float64(budget)*g.bidRatio + 0.5)
	if bid < 1 {
		bid = 1
	}
	if bid > budget {
		bid = budget
	}
	return bid
}

func (g *Generator) render(tmpl *template.Template, j *job.Job, bid int) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, g.templateData(j, bid)); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func (g *Generator) renderString(name, text string, j *job.Job, bid int) (string, error) {
	tmpl, err := parseTemplate(name, text)
	if err != nil {
		return "", err
	}
	return g.render(tmpl, j, bid)
}

func (g *Generator) templateData(j *job.Job, bid int) map[string]interface{} {
	return map[string]interface{}{
		"Job":     j,
		"Profile": g.profile,
		"Bid":     bid,
	}
}

func parseTemplate(name, body string) (*template.Template, error) {
	parsed, err := template.New(name).Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse template %s", name)
	}
	return parsed, nil
}
