package config

import (
	"flag"
	"os"

	"github.com/f2dev/otpkeeper/internal/flagx"
)

// parseFlags populates selected client Config fields from command-line
// flags.
//
// Supported flags:
//
//	-i string   client ID
//	-k string   client database crypto key
//	-d string   client credential store path
//	-a string   authentication server address
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-i", "-k", "-d", "-a"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ID, "i", config.ID, "client ID")
	fs.StringVar(&config.DBKey, "k", config.DBKey, "database crypto key")
	fs.StringVar(&config.DBPath, "d", config.DBPath, "credential store path")
	fs.StringVar(&config.ServerAddr, "a", config.ServerAddr, "authentication server address")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
