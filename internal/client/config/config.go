// Package config handles configuration for the auth client: defaults, JSON
// overlay, and command-line flags, in that order of precedence.
//
// The JSON field names match the artifact emitted by server-side
// provisioning, so a provisioned config.json can be passed directly via
// -c/-config.
package config

// Config holds runtime settings for the auth client.
type Config struct {
	// ID is this client's UUID in both stores.
	ID string

	// DBKey seals the client-local credential store.
	DBKey string

	// DBPath locates the client-local SQLite store.
	DBPath string

	// ServerAddr is the authentication server's TCP address.
	ServerAddr string
}

// LoadDefaults populates c with development defaults. ID and DBKey have no
// defaults; they come from the provisioning artifact.
func (c *Config) LoadDefaults() {
	c.DBPath = "otpclient.db"
	c.ServerAddr = "127.0.0.1:8080"
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
