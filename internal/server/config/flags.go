package config

import (
	"flag"
	"os"

	"github.com/f2dev/otpkeeper/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line
// flags.
//
// Supported flags:
//
//	-a string   TCP listen address (e.g., "127.0.0.1:8080")
//	-d string   central credential store path
//	-k string   database crypto key
//	-u string   public key PEM path
//	-r string   private key PEM path
//	-m uint     failure count that disables a client
//	-l int      lookahead window width
//	-n int      password digit count for new clients
//	-e string   client export directory
//
// Arguments are filtered with flagx.FilterArgs first so that flags handled
// elsewhere (such as -c/-config) do not break parsing.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:],
		[]string{"-a", "-d", "-k", "-u", "-r", "-m", "-l", "-n", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ListenAddr, "a", config.ListenAddr, "address and port to run server")
	fs.StringVar(&config.DBPath, "d", config.DBPath, "credential store path")
	fs.StringVar(&config.DBKey, "k", config.DBKey, "database crypto key")
	fs.StringVar(&config.PublicKeyPath, "u", config.PublicKeyPath, "public key PEM path")
	fs.StringVar(&config.PrivateKeyPath, "r", config.PrivateKeyPath, "private key PEM path")
	fs.Uint64Var(&config.MaxAuths, "m", config.MaxAuths, "failed auth limit")
	fs.IntVar(&config.LookAhead, "l", config.LookAhead, "lookahead window width")
	fs.IntVar(&config.PasswordLength, "n", config.PasswordLength, "password length for new clients")
	fs.StringVar(&config.ClientExportPath, "e", config.ClientExportPath, "client export directory")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
