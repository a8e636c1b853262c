package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/RONIN/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	// Check if file exists before backing up
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	// Delete oldest backup if exists
	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete oldest backup")
	}

	// Rotate .back2 to .back3
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	// Rotate .back1 to .back2
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	// Copy current to .back1
	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// loadOrInitializeUserConfig loads the user config file, or creates an empty
// document if it doesn't exist yet
func loadOrInitializeUserConfig() (map[string]interface{}, string, error) {
	configPath := UserConfigPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	// Ensure ~/.ronin directory exists
	roninDir := filepath.Dir(configPath)
	if err := os.MkdirAll(roninDir, 0750); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .ronin directory")
	}

	// Try to read existing config
	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		// File exists, parse it
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse user config")
		}
	} else {
		// File doesn't exist, create empty config
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveUserConfig writes the config to the user config file with backup
func saveUserConfig(config map[string]interface{}, configPath string) error {
	// Create backup
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	// Marshal to TOML
	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	// Write to file
	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write user config")
	}

	return nil
}

// SetKey updates a single dotted key (e.g. "match.threshold") in the user
// config file. Intermediate sections are created as needed. This is the
// write path behind `ronin config set`.
func SetKey(key string, value interface{}) error {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return errors.Newf("config key must be section.name, got %q", key)
	}

	config, configPath, err := loadOrInitializeUserConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load user config")
	}

	// Walk to the parent section, creating nested maps as needed
	section := config
	for _, part := range parts[:len(parts)-1] {
		child, ok := section[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			section[part] = child
		}
		section = child
	}
	section[parts[len(parts)-1]] = value

	return saveUserConfig(config, configPath)
}

// UpdateMatchThreshold updates match.threshold in the user config
func UpdateMatchThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return errors.Newf("match.threshold must be in [0, 1], got %f", threshold)
	}
	return SetKey("match.threshold", threshold)
}

// UpdateDailyApplyQuota updates agent.daily_apply_quota in the user config
func UpdateDailyApplyQuota(quota int) error {
	if quota < 0 {
		return errors.Newf("agent.daily_apply_quota must be >= 0, got %d", quota)
	}
	return SetKey("agent.daily_apply_quota", quota)
}
