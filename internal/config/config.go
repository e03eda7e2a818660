// Package config builds the one configuration record every RWOS process
// reads environment variables into at startup (spec.md §6 Configuration /
// environment), generalized from the teacher/pack's viper-based config
// loaders onto RWOS's flat env-var surface.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/v0id-user/rwos/internal/schema"
)

// envVars is every recognized option (spec.md §6), bound individually so
// viper.AutomaticEnv picks each one up regardless of case conventions.
var envVars = []string{
	"UPSTREAM_STATE_STORE_URL",
	"UPSTREAM_STATE_STORE_TOKEN",
	"PROVIDER_API_TOKEN",
	"PROVIDER_APP_NAME",
	"PROVIDER_REGION",
	"PROVIDER_BASE_URL",
	"PROVIDER_IMAGE",
	"WEBHOOK_BASE_URL",
	"OBJECT_STORE_ACCOUNT_ID",
	"OBJECT_STORE_ACCESS_KEY_ID",
	"OBJECT_STORE_SECRET_ACCESS_KEY",
	"OBJECT_STORE_ENDPOINT",
	"OBJECT_STORE_INPUT_BUCKET",
	"OBJECT_STORE_OUTPUT_BUCKET",
	"LOG_LEVEL",
	"DEV_MODE",
	"NAMESPACE",
}

// Config is the process-wide configuration record (Design Notes §9: "one
// configuration record built at process startup, passed down").
type Config struct {
	StateStoreURL   string
	StateStoreToken string

	ProviderAPIToken string
	ProviderAppName  string
	ProviderRegion   string
	ProviderBaseURL  string
	ProviderImage    string

	WebhookBaseURL string

	ObjectStoreAccountID       string
	ObjectStoreAccessKeyID     string
	ObjectStoreSecretAccessKey string
	ObjectStoreEndpoint        string
	ObjectStoreInputBucket     string
	ObjectStoreOutputBucket    string

	LogLevel  string
	Namespace string

	// DevModeOverride forces dev mode when true, independent of whether
	// PROVIDER_API_TOKEN is set (spec.md §6: "an explicit dev flag is set").
	DevModeOverride bool

	Constants schema.Constants
}

// Load reads every recognized env var through viper's AutomaticEnv and
// returns the assembled Config. It never errors today but returns an error
// to leave room for future validation without breaking callers.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for _, name := range envVars {
		_ = v.BindEnv(name)
	}
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NAMESPACE", "rwos")
	v.SetDefault("PROVIDER_BASE_URL", "https://api.machines.dev")
	v.SetDefault("PROVIDER_IMAGE", "registry.fly.io/rwos-worker:latest")

	cfg := &Config{
		StateStoreURL:              v.GetString("UPSTREAM_STATE_STORE_URL"),
		StateStoreToken:            v.GetString("UPSTREAM_STATE_STORE_TOKEN"),
		ProviderAPIToken:           v.GetString("PROVIDER_API_TOKEN"),
		ProviderAppName:            v.GetString("PROVIDER_APP_NAME"),
		ProviderRegion:             v.GetString("PROVIDER_REGION"),
		ProviderBaseURL:            v.GetString("PROVIDER_BASE_URL"),
		ProviderImage:              v.GetString("PROVIDER_IMAGE"),
		WebhookBaseURL:             v.GetString("WEBHOOK_BASE_URL"),
		ObjectStoreAccountID:       v.GetString("OBJECT_STORE_ACCOUNT_ID"),
		ObjectStoreAccessKeyID:     v.GetString("OBJECT_STORE_ACCESS_KEY_ID"),
		ObjectStoreSecretAccessKey: v.GetString("OBJECT_STORE_SECRET_ACCESS_KEY"),
		ObjectStoreEndpoint:        v.GetString("OBJECT_STORE_ENDPOINT"),
		ObjectStoreInputBucket:     v.GetString("OBJECT_STORE_INPUT_BUCKET"),
		ObjectStoreOutputBucket:    v.GetString("OBJECT_STORE_OUTPUT_BUCKET"),
		LogLevel:                   v.GetString("LOG_LEVEL"),
		Namespace:                  v.GetString("NAMESPACE"),
		DevModeOverride:            v.GetBool("DEV_MODE"),
		Constants:                  schema.DefaultConstants(),
	}
	return cfg, nil
}

// DevMode reports whether this process should run in dev mode (spec.md
// §6: "activated when PROVIDER_API_TOKEN is absent/empty or an explicit
// dev flag is set").
func (c *Config) DevMode() bool {
	return c.ProviderAPIToken == "" || c.DevModeOverride
}

// PresignedURLExpiry is a convenience accessor mirroring the constants
// bundle's time.Duration field, kept here so cmd/ entrypoints read
// durations off one object.
func (c *Config) PresignedURLExpiry() time.Duration {
	return c.Constants.PresignedURLExpiry
}
