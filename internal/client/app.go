// Package client wires the client-side pieces together: it opens the local
// credential store, generates one-time passwords and runs the authentication
// exchange against the server.
package client

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/f2dev/otpkeeper/internal/client/config"
	"github.com/f2dev/otpkeeper/internal/client/otp"
	"github.com/f2dev/otpkeeper/internal/credstore"
	"github.com/f2dev/otpkeeper/internal/logging"
	"github.com/f2dev/otpkeeper/internal/protocol"
)

// App is the authentication client application.
type App struct {
	config *config.Config
	logger logging.Logger
	otp    *otp.Client
	db     *sql.DB

	// dial is swappable in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewApp opens the credential store named by cfg and returns a ready client
// application. The store file must already exist; clients are enrolled by
// server-side provisioning, never created locally.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl).With("module", "client")

	store, db, err := credstore.OpenFile(ctx, cfg.DBPath, cfg.ID, cfg.DBKey)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	return &App{
		config: cfg,
		logger: logger,
		otp:    otp.New(store),
		db:     db,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}, nil
}

// Close releases the underlying store.
func (a *App) Close() error {
	return a.db.Close()
}

// Authenticate runs the authentication exchange until the server returns a
// terminal result. On AuthRetry a fresh password is generated and the
// exchange repeats; every other result ends the loop.
func (a *App) Authenticate(ctx context.Context) (protocol.Result, error) {
	for {
		result, err := a.authenticateOnce(ctx)
		if err != nil {
			return 0, err
		}

		a.logger.Info(ctx, "authentication attempt finished", "result", result.String())

		if result != protocol.AuthRetry {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}
}

func (a *App) authenticateOnce(ctx context.Context) (protocol.Result, error) {
	password, err := a.otp.Password(ctx)
	if err != nil {
		return 0, fmt.Errorf("generating password: %w", err)
	}

	conn, err := a.dial(ctx, a.config.ServerAddr)
	if err != nil {
		return 0, fmt.Errorf("connecting to %s: %w", a.config.ServerAddr, err)
	}
	defer conn.Close()

	request := protocol.FormatRequest(a.otp.ID(), password)
	if _, err := io.WriteString(conn, request+"\n"); err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}

	reader := bufio.NewReader(io.LimitReader(conn, protocol.MaxLineBytes))
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return 0, fmt.Errorf("reading response: %w", err)
	}

	return protocol.ParseResult(strings.TrimRight(line, "\n"))
}
