// Package config handles configuration for the auth server: defaults, JSON
// overlay, and command-line flags, in that order of precedence.
package config

import "os"

// Config holds runtime settings for the auth server.
type Config struct {
	// ListenAddr is the TCP bind address for the authentication endpoint.
	ListenAddr string

	// DBPath locates the central SQLite credential store.
	DBPath string

	// DBKey is the database crypto key sealing the central store's records.
	DBKey string

	// PublicKeyPath and PrivateKeyPath locate the server's PEM RSA key pair.
	PublicKeyPath  string
	PrivateKeyPath string

	// MaxAuths is the failure count at which a client gets disabled.
	MaxAuths uint64

	// LookAhead is the forward counter window probed on a mismatch.
	LookAhead int

	// PasswordLength is the digit count assigned to newly provisioned
	// clients.
	PasswordLength int

	// ClientExportPath is where provisioning creates client directories.
	ClientExportPath string

	// DirPerm and FilePerm apply to provisioned directories and files.
	DirPerm  os.FileMode
	FilePerm os.FileMode
}

// LoadDefaults populates Config with development defaults. The database
// key has no default; it must come from JSON or flags.
func (c *Config) LoadDefaults() {
	c.ListenAddr = "127.0.0.1:8080"
	c.DBPath = "otpserver.db"
	c.PublicKeyPath = "public.pem"
	c.PrivateKeyPath = "private.pem"
	c.MaxAuths = 3
	c.LookAhead = 2
	c.PasswordLength = 8
	c.ClientExportPath = "clients"
	c.DirPerm = 0o700
	c.FilePerm = 0o600
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
