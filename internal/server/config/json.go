package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/f2dev/otpkeeper/internal/flagx"
)

// JsonConfig is the DTO for the server's JSON configuration file. The
// permission fields are octal strings (e.g. "0700") so the file reads the
// way permissions are usually written.
type JsonConfig struct {
	ListenAddr       string `json:"listen_addr"`
	DBPath           string `json:"db_path"`
	DBKey            string `json:"db_key"`
	PublicKeyPath    string `json:"public_key_path"`
	PrivateKeyPath   string `json:"private_key_path"`
	MaxAuths         uint64 `json:"max_auths"`
	LookAhead        int    `json:"look_ahead"`
	PasswordLength   int    `json:"password_length"`
	ClientExportPath string `json:"client_export_path"`
	DirPerm          string `json:"dir_perm"`
	FilePerm         string `json:"file_perm"`
}

// parseJson overlays configuration from the JSON file named by -c/-config,
// if any. Unreadable or invalid files panic: a half-applied configuration
// on a credential server is worse than a refused start.
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

	config.ListenAddr = c.ListenAddr
	config.DBPath = c.DBPath
	config.DBKey = c.DBKey
	config.PublicKeyPath = c.PublicKeyPath
	config.PrivateKeyPath = c.PrivateKeyPath
	config.MaxAuths = c.MaxAuths
	config.LookAhead = c.LookAhead
	config.PasswordLength = c.PasswordLength
	config.ClientExportPath = c.ClientExportPath
	config.DirPerm = parsePerm(c.DirPerm, config.DirPerm)
	config.FilePerm = parsePerm(c.FilePerm, config.FilePerm)
}

func parsePerm(s string, fallback os.FileMode) os.FileMode {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		panic(err)
	}
	return os.FileMode(v)
}
