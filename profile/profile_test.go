package profile

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write profile: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeProfile(t, `
name = "Tanaka Hiro"
introduction = "Ten years of EN-JA translation."
skills = ["translation", "proofreading"]
signature = "Best regards, Tanaka"
portfolio_url = "https://example.com/tanaka"
`)

	p, err := Load(path, "1.2.0")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Name != "Tanaka Hiro" {
		t.Errorf("name = %q", p.Name)
	}
	if len(p.Skills) != 2 {
		t.Errorf("skills = %v", p.Skills)
	}
	if p.SkillList() != "translation, proofreading" {
		t.Errorf("SkillList() = %q", p.SkillList())
	}
}

func TestLoad_MissingFileFallsBack(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "nope.toml"), "1.0.0")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Name != Default().Name {
		t.Errorf("expected default profile, got %q", p.Name)
	}
}

func TestLoad_EmptyPathFallsBack(t *testing.T) {
	p, err := Load("", "1.0.0")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Name == "" {
		t.Error("default profile has no name")
	}
}

func TestLoad_InvalidProfile(t *testing.T) {
	path := writeProfile(t, `introduction = "no name here"`)
	if _, err := Load(path, "1.0.0"); err == nil {
		t.Error("expected error for profile without name")
	}

	path = writeProfile(t, `name = "broken toml`)
	if _, err := Load(path, "1.0.0"); err == nil {
		t.Error("expected error for malformed toml")
	}
}

func TestCheckAgentVersion(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		running    string
		wantErr    bool
	}{
		{"no constraint", "", "0.1.0", false},
		{"satisfied", ">= 0.3.0", "0.4.1", false},
		{"exact satisfied", "0.3.0", "0.3.0", false},
		{"too old", ">= 0.3.0", "0.2.0", true},
		{"dev build bypasses", ">= 99.0.0", "dev", false},
		{"bad constraint", "not-a-version", "1.0.0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			p.MinAgentVersion = tt.constraint
			err := p.CheckAgentVersion(tt.running)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckAgentVersion(%q vs %q) error = %v, wantErr %v",
					tt.constraint, tt.running, err, tt.wantErr)
			}
		})
	}
}
