// Package server initializes and runs the authentication server. It opens
// the central credential store, loads the RSA key pair, handles graceful
// shutdown and serves the line-based authentication protocol over TCP.
package server

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/f2dev/otpkeeper/internal/common"
	"github.com/f2dev/otpkeeper/internal/credstore"
	"github.com/f2dev/otpkeeper/internal/cryptox"
	"github.com/f2dev/otpkeeper/internal/logging"
	"github.com/f2dev/otpkeeper/internal/protocol"
	"github.com/f2dev/otpkeeper/internal/server/config"
	"github.com/f2dev/otpkeeper/internal/server/engine"
)

// App is the authentication server application.
type App struct {
	config *config.Config
	logger logging.Logger
	engine *engine.Engine
	db     *sql.DB

	// locksMu guards locks; each client gets its own mutex so attempts for
	// the same credential are serialized while different clients proceed in
	// parallel.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewApp opens the central credential store and RSA key pair named by cfg
// and returns a ready server application.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl).With("module", "server")

	if cfg.DBKey == "" {
		return nil, fmt.Errorf("%w: database crypto key is required", common.ErrInvalidArgument)
	}

	db, err := credstore.OpenDatabase(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	_, publicPEM, err := cryptox.LoadPublicKeyFile(cfg.PublicKeyPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading public key: %w", err)
	}

	privateKey, err := cryptox.LoadPrivateKeyFile(cfg.PrivateKeyPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading private key: %w", err)
	}

	eng := engine.New(db, cfg.DBKey, publicPEM, privateKey, engine.Config{
		MaxAuths:         cfg.MaxAuths,
		LookAhead:        cfg.LookAhead,
		PasswordLength:   cfg.PasswordLength,
		ClientExportPath: cfg.ClientExportPath,
		DirPerm:          cfg.DirPerm,
		FilePerm:         cfg.FilePerm,
		ServerAddr:       cfg.ListenAddr,
	}, logger)

	return &App{
		config: cfg,
		logger: logger,
		engine: eng,
		db:     db,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the central store.
func (a *App) Close() error {
	return a.db.Close()
}

// Provision enrolls a new client and returns the path of its config
// artifact.
func (a *App) Provision(ctx context.Context) (string, error) {
	return a.engine.Provision(ctx)
}

// Unlock re-enables a disabled client.
func (a *App) Unlock(ctx context.Context, clientID string) error {
	return a.engine.Unlock(ctx, clientID)
}

func (a *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run listens on the configured address and serves authentication requests
// until ctx is cancelled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	a.initSignalHandler(cancelFunc)

	ln, err := net.Listen("tcp", a.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.config.ListenAddr, err)
	}

	a.logger.Info(ctx, "Starting authentication server", "address", a.config.ListenAddr)

	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		a.logger.Info(ctx, "Stopping authentication server...")
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.handleConn(ctx, conn)
		}()
	}
}

// handleConn processes a single request line and answers with a single
// result token. If the engine fails the connection is closed without a
// token; the four protocol results are the only bytes ever written back.
func (a *App) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(io.LimitReader(conn, protocol.MaxLineBytes))
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		a.logger.Warn(ctx, "failed to read request", "error", err.Error())
		return
	}

	clientID, password, err := protocol.ParseRequest(strings.TrimRight(line, "\n"))
	if err != nil {
		a.logger.Warn(ctx, "malformed request", "error", err.Error())
		return
	}

	lock := a.clientLock(clientID)
	lock.Lock()
	result, err := a.engine.Authenticate(ctx, clientID, password)
	lock.Unlock()

	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			a.logger.Warn(ctx, "authentication request for unknown client", "client_id", clientID)
		} else {
			a.logger.Error(ctx, "authentication failed", "client_id", clientID, "error", err.Error())
		}
		return
	}

	if _, err := io.WriteString(conn, result.Wire()+"\n"); err != nil {
		a.logger.Warn(ctx, "failed to write response", "client_id", clientID, "error", err.Error())
	}
}

func (a *App) clientLock(clientID string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()

	lock, ok := a.locks[clientID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[clientID] = lock
	}
	return lock
}
