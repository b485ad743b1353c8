// Package engine implements the server-side authentication state machine:
// lockout, lookahead resynchronization, brute-force throttling, and client
// provisioning on top of the credential store.
package engine

import (
	"context"
	"crypto/rsa"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/f2dev/otpkeeper/internal/common"
	"github.com/f2dev/otpkeeper/internal/credstore"
	"github.com/f2dev/otpkeeper/internal/cryptox"
	"github.com/f2dev/otpkeeper/internal/hotp"
	"github.com/f2dev/otpkeeper/internal/logging"
	"github.com/f2dev/otpkeeper/internal/protocol"
)

// keyMaterialBytes is the amount of entropy condensed into each generated
// secret (HOTP key, client database key).
const keyMaterialBytes = 4096

// Config carries the engine's authentication policy and provisioning
// settings. It is populated once at startup and passed into New.
type Config struct {
	// MaxAuths is the failure count at which a client gets disabled.
	MaxAuths uint64

	// LookAhead is the width of the forward counter window probed when the
	// password does not match at the current counter.
	LookAhead int

	// PasswordLength is the digit count assigned to new clients.
	PasswordLength int

	// ClientExportPath is the directory provisioning creates client
	// directories under.
	ClientExportPath string

	// DirPerm and FilePerm apply to provisioned directories and files.
	DirPerm  os.FileMode
	FilePerm os.FileMode

	// ServerAddr is written into provisioned client configuration so the
	// client knows where to authenticate.
	ServerAddr string
}

// Engine is the authentication orchestrator. Operations on different client
// IDs are independent; callers needing true concurrent safety for the same
// ID must serialize calls around it.
type Engine struct {
	db           *sql.DB
	dbKey        string
	publicKeyPEM string
	privateKey   *rsa.PrivateKey
	cfg          Config
	logger       logging.Logger

	// sleep implements the brute-force throttle; replaced in tests.
	sleep func(time.Duration)
}

// New builds an engine over the central store db sealed with dbCryptoKey.
// publicKeyPEM is embedded into provisioned records; privateKey opens
// transported passwords.
func New(db *sql.DB, dbCryptoKey, publicKeyPEM string, privateKey *rsa.PrivateKey, cfg Config, l logging.Logger) *Engine {
	return &Engine{
		db:           db,
		dbKey:        dbCryptoKey,
		publicKeyPEM: publicKeyPEM,
		privateKey:   privateKey,
		cfg:          cfg,
		logger:       l.With("module", "auth_engine"),
		sleep:        time.Sleep,
	}
}

// Authenticate runs one authentication attempt and returns exactly one of
// the four protocol results. Errors are limited to store access failures
// (unknown client, unreachable store); transport decrypt failures never
// escape, they count as a non-matching password.
func (e *Engine) Authenticate(ctx context.Context, clientID, encryptedPassword string) (protocol.Result, error) {
	store, err := credstore.Open(ctx, e.db, clientID, e.dbKey)
	if err != nil {
		return 0, err
	}

	rec, err := store.Record(ctx)
	if err != nil {
		return 0, err
	}

	if rec.Status == credstore.StatusDisabled {
		e.throttle(rec.FailedAuths)
		return protocol.ClientDisabled, nil
	}

	if rec.FailedAuths >= e.cfg.MaxAuths {
		e.throttle(rec.FailedAuths)
		if err := store.SetStatus(ctx, credstore.StatusDisabled); err != nil {
			return 0, err
		}
		e.logger.Warn(ctx, "client disabled after repeated failures",
			"client_id", clientID, "failed_auths", rec.FailedAuths)
		return protocol.AuthFail, nil
	}

	received, decErr := cryptox.DecryptPassword(encryptedPassword, e.privateKey)
	if decErr != nil {
		// absorbed: an undecryptable password is just a wrong password
		e.logger.Warn(ctx, "password transport decrypt failed", "client_id", clientID, "error", decErr)
		received = ""
	}

	expected := hotp.Generate(rec.Key, rec.Counter, rec.PasswordLength)
	if decErr == nil && received == expected {
		if err := store.SetCounter(ctx, rec.Counter+1); err != nil {
			return 0, err
		}
		return protocol.AuthSuccess, nil
	}

	e.throttle(rec.FailedAuths)

	// the client may have generated passwords the server never saw; probe a
	// bounded window of future counters before declaring failure
	if decErr == nil {
		for i := 1; i <= e.cfg.LookAhead; i++ {
			candidate := rec.Counter + uint64(i)
			if received == hotp.Generate(rec.Key, candidate, rec.PasswordLength) {
				if err := store.SetCounter(ctx, candidate); err != nil {
					return 0, err
				}
				e.logger.Info(ctx, "counter resynchronized", "client_id", clientID, "skew", i)
				return protocol.AuthSuccess, nil
			}
		}
	}

	if err := store.SetFailedAuths(ctx, rec.FailedAuths+1); err != nil {
		return 0, err
	}
	return protocol.AuthRetry, nil
}

// Unlock reactivates a disabled client and clears its failure count. It is
// the only path back from the disabled state.
func (e *Engine) Unlock(ctx context.Context, clientID string) error {
	store, err := credstore.Open(ctx, e.db, clientID, e.dbKey)
	if err != nil {
		return err
	}
	if err := store.SetStatus(ctx, credstore.StatusActive); err != nil {
		return err
	}
	if err := store.SetFailedAuths(ctx, 0); err != nil {
		return err
	}
	e.logger.Info(ctx, "client unlocked", "client_id", clientID)
	return nil
}

// ClientArtifact is the configuration file emitted for a freshly
// provisioned client.
type ClientArtifact struct {
	ID         string `json:"id"`
	DBKey      string `json:"db_key"`
	DBPath     string `json:"db_path"`
	ServerAddr string `json:"server_addr"`
}

// Provision creates a new client: fresh secret material, a randomized
// initial counter, a record in the central store, a mirrored client-local
// store, and a configuration artifact. It returns the artifact path.
//
// A failure after the central write is not rolled back; the caller must
// treat a partial provisioning as fatal.
func (e *Engine) Provision(ctx context.Context) (string, error) {
	id := credstore.NewID()

	dir := filepath.Join(e.cfg.ClientExportPath, id)
	dbPath := filepath.Join(dir, id+".db")
	configPath := filepath.Join(dir, "config.json")

	if err := os.MkdirAll(dir, e.cfg.DirPerm); err != nil {
		return "", fmt.Errorf("failed to create client directory: %w", err)
	}

	clientDBKey, err := newKeyMaterial()
	if err != nil {
		return "", err
	}
	hotpKey, err := newKeyMaterial()
	if err != nil {
		return "", err
	}

	rec := &credstore.Record{
		ID:              id,
		ServerPublicKey: e.publicKeyPEM,
		// a randomized starting counter raises the cost of brute-forcing
		// an assumed-zero sequence
		Counter:        uint64(common.GenerateRandByteArray(1)[0]),
		Key:            hotpKey,
		PasswordLength: e.cfg.PasswordLength,
		Status:         credstore.StatusActive,
		FailedAuths:    0,
	}

	if _, err := credstore.Save(ctx, rec, e.db, e.dbKey); err != nil {
		return "", fmt.Errorf("failed to write central record: %w", err)
	}

	clientDB, err := credstore.OpenDatabase(ctx, dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to create client store: %w", err)
	}
	defer clientDB.Close()

	if _, err := credstore.Save(ctx, rec, clientDB, clientDBKey); err != nil {
		return "", fmt.Errorf("failed to write client record: %w", err)
	}
	if err := os.Chmod(dbPath, e.cfg.FilePerm); err != nil {
		return "", fmt.Errorf("failed to set client store permissions: %w", err)
	}

	// the client pre-increments before generating, the server advances only
	// after a success: keep the central copy exactly one count ahead
	store, err := credstore.Open(ctx, e.db, id, e.dbKey)
	if err != nil {
		return "", err
	}
	if err := store.SetCounter(ctx, rec.Counter+1); err != nil {
		return "", err
	}

	artifact := ClientArtifact{
		ID:         id,
		DBKey:      clientDBKey,
		DBPath:     dbPath,
		ServerAddr: e.cfg.ServerAddr,
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(configPath, data, e.cfg.FilePerm); err != nil {
		return "", fmt.Errorf("failed to write client config: %w", err)
	}

	e.logger.Info(ctx, "client provisioned", "client_id", id, "config", configPath)
	return configPath, nil
}

// throttle blocks the calling goroutine for 2 seconds per accumulated
// failure. It must run synchronously so repeated attempts cannot be
// pipelined around it.
func (e *Engine) throttle(failedAuths uint64) {
	if failedAuths == 0 {
		return
	}
	e.sleep(2 * time.Duration(failedAuths) * time.Second)
}

// newKeyMaterial returns fresh secret material: the hex SHA-1 of
// keyMaterialBytes random bytes, a fixed-width 40-character string.
func newKeyMaterial() (string, error) {
	sum := sha1.Sum(common.GenerateRandByteArray(keyMaterialBytes))
	return hex.EncodeToString(sum[:]), nil
}
