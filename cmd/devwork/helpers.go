package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	devwork "github.com/abdulahaddf/devwork-go"
)

var errNoToken = errors.New("no session token, run 'devwork init <token>' or set DEVWORK_TOKEN")

// settings loads the config file with environment overrides applied.
func settings() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// getClient creates a client authenticated with the stored session token.
func getClient() (*devwork.Client, *Config, error) {
	cfg, err := settings()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, nil, errNoToken
	}
	return newClient(cfg), cfg, nil
}

func newClient(cfg *Config) *devwork.Client {
	opts := []devwork.ClientOption{devwork.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, devwork.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" {
		opts = append(opts, devwork.WithEnvironment(devwork.Environment(cfg.Default.Environment)))
	}
	return devwork.NewClient(cfg.Auth.Token, opts...)
}

// self returns the identity recorded alongside the token.
func self(cfg *Config) (devwork.User, error) {
	if cfg.Auth.UserID == "" {
		return devwork.User{}, errors.New("no user id, run 'devwork init <token> --user-id <id>' or set DEVWORK_USER_ID")
	}
	return devwork.User{ID: cfg.Auth.UserID, Name: cfg.Auth.UserName}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 4 and last 4 characters of a credential.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
