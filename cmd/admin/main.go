package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"github.com/f2dev/otpkeeper/internal/flagx"
	"github.com/f2dev/otpkeeper/internal/server"
	"github.com/f2dev/otpkeeper/internal/server/config"
)

// adminFlags holds the administrative action requested on the command line.
type adminFlags struct {
	provision bool
	unlock    string
}

func parseAdminFlags() *adminFlags {
	args := flagx.FilterArgs(os.Args[1:], []string{"-provision", "-unlock"})

	fs := flag.NewFlagSet("admin", flag.ContinueOnError)

	f := &adminFlags{}
	fs.BoolVar(&f.provision, "provision", false, "enroll a new client and write its config artifact")
	fs.StringVar(&f.unlock, "unlock", "", "re-enable the disabled client with this ID")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	return f
}

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	flags := parseAdminFlags()

	if !flags.provision && flags.unlock == "" {
		log.Fatal("nothing to do: pass -provision or -unlock <client-id>")
	}

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer app.Close()

	if flags.provision {
		configPath, err := app.Provision(ctx)
		if err != nil {
			log.Fatalf("provisioning failed: %v", err)
		}
		fmt.Printf("Client provisioned, config written to %s\n", configPath)
	}

	if flags.unlock != "" {
		if err := app.Unlock(ctx, flags.unlock); err != nil {
			log.Fatalf("unlock failed: %v", err)
		}
		fmt.Printf("Client %s unlocked\n", flags.unlock)
	}

}
