package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// configKey describes one settable field.
type configKey struct {
	name   string
	env    string
	secret bool
	field  func(*Config) *string
}

var configKeys = []configKey{
	{name: "default.environment", env: "DEVWORK_ENVIRONMENT", field: func(c *Config) *string { return &c.Default.Environment }},
	{name: "default.base_url", env: "DEVWORK_BASE_URL", field: func(c *Config) *string { return &c.Default.BaseURL }},
	{name: "auth.token", env: "DEVWORK_TOKEN", secret: true, field: func(c *Config) *string { return &c.Auth.Token }},
	{name: "auth.user_id", env: "DEVWORK_USER_ID", field: func(c *Config) *string { return &c.Auth.UserID }},
	{name: "auth.user_name", env: "DEVWORK_USER_NAME", field: func(c *Config) *string { return &c.Auth.UserName }},
}

func lookupKey(name string) (configKey, error) {
	for _, k := range configKeys {
		if k.name == name {
			return k, nil
		}
	}
	names := make([]string, len(configKeys))
	for i, k := range configKeys {
		names[i] = k.name
	}
	return configKey{}, fmt.Errorf("unknown config key %q (valid: %s)", name, strings.Join(names, ", "))
}

// setConfigValue sets a config field by its dotted key, e.g. "auth.token".
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	*k.field(cfg) = value
	return nil
}

// applyEnv overlays DEVWORK_* environment variables on cfg.
func applyEnv(cfg *Config) {
	for _, k := range configKeys {
		if v := os.Getenv(k.env); v != "" {
			*k.field(cfg) = v
		}
	}
}

// display renders a value for the terminal.
func (k configKey) display(v string) string {
	switch {
	case v == "":
		return "(unset)"
	case k.secret:
		return maskKey(v)
	}
	return v
}

func init() {
	rootCmd.AddCommand(configCmd)
	configShowCmd.Flags().Bool("raw", false, "print the config file as stored")
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configUnsetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change DevWork settings",
	Long: "Inspect or change the settings kept in ~/.devwork/config.toml.\n" +
		"DEVWORK_* environment variables override the file at run time.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List effective settings and where each one comes from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "No configuration file yet, 'devwork init <token>' writes one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			_, err = out.Write(data)
			return err
		}

		stored, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		for _, k := range configKeys {
			v, source := *k.field(stored), "file"
			if env := os.Getenv(k.env); env != "" {
				v, source = env, k.env
			}
			if v == "" {
				source = "-"
			}
			fmt.Fprintf(out, "%-20s %-24s %s\n", k.name, k.display(v), source)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := settings()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), k.display(*k.field(cfg)))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Store a setting",
	Example: "  devwork config set default.base_url http://localhost:4000",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(cmd, args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a stored setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(cmd, args[0], "")
	},
}

func updateConfig(cmd *cobra.Command, key, value string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	*k.field(cfg) = value
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", k.name, k.display(value))
	return nil
}
