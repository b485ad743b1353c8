package config

import (
	"encoding/json"
	"os"

	"github.com/f2dev/otpkeeper/internal/flagx"
)

// JsonConfig mirrors the provisioning artifact written by the server.
type JsonConfig struct {
	ID         string `json:"id"`
	DBKey      string `json:"db_key"`
	DBPath     string `json:"db_path"`
	ServerAddr string `json:"server_addr"`
}

// parseJson overlays configuration from the JSON file named by -c/-config,
// if any. Empty fields in the file leave the current values alone so the
// artifact does not have to repeat defaults.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.ID != "" {
		config.ID = c.ID
	}
	if c.DBKey != "" {
		config.DBKey = c.DBKey
	}
	if c.DBPath != "" {
		config.DBPath = c.DBPath
	}
	if c.ServerAddr != "" {
		config.ServerAddr = c.ServerAddr
	}
}
