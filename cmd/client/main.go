package main

import (
	"context"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"github.com/f2dev/otpkeeper/internal/buildinfo"
	"github.com/f2dev/otpkeeper/internal/client"
	"github.com/f2dev/otpkeeper/internal/client/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := client.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer app.Close()

	result, err := app.Authenticate(ctx)
	if err != nil {
		log.Fatalf("%v", err)
	}

	fmt.Printf("Authentication result: %s\n", result.String())

}
