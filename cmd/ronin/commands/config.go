package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
)

// ConfigCmd manages the agent configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or edit configuration",
	Long: `Show or edit the agent configuration.

Values merge from /etc/ronin, ~/.ronin, a project-local ronin.toml and
RONIN_* environment variables, in that order of increasing precedence.
Edits land in the user config file; a running daemon picks up match,
pace and quota changes without a restart.

Examples:
  ronin config show
  ronin config get agent.daily_apply_quota
  ronin config set agent.daily_apply_quota 5
  ronin config set match.threshold 0.6`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode config")
		}
		fmt.Println(string(out))

		if path := config.GetViper().ConfigFileUsed(); path != "" {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			if !jsonOutput {
				pterm.Info.Printf("Loaded from %s\n", path)
			}
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(); err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		value := config.Get(args[0])
		if value == nil {
			return errors.Newf("unknown configuration key %q", args[0])
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Persist one configuration value to the user config",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, raw := args[0], args[1]
		if err := config.SetKey(key, parseValue(raw)); err != nil {
			return errors.Wrapf(err, "failed to set %s", key)
		}
		pterm.Success.Printf("%s = %s\n", key, raw)
		return nil
	},
}

// parseValue keeps TOML types sensible: numbers stay numbers and booleans
// stay booleans instead of everything becoming a string
func parseValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configSetCmd)
}
