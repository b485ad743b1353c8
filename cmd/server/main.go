package main

import (
	"context"
	"log"

	_ "modernc.org/sqlite"

	"github.com/f2dev/otpkeeper/internal/server"
	"github.com/f2dev/otpkeeper/internal/server/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Printf("%v", err)
		return
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}

}
