package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/f2dev/otpkeeper/internal/common"
	"github.com/f2dev/otpkeeper/internal/credstore"
	"github.com/f2dev/otpkeeper/internal/cryptox"
	"github.com/f2dev/otpkeeper/internal/hotp"
	"github.com/f2dev/otpkeeper/internal/logging"
	"github.com/f2dev/otpkeeper/internal/protocol"
)

const serverDBKey = "6f49b2a1e3d5c7f9012345678901234567890abc"

type testEnv struct {
	engine  *Engine
	db      *sql.DB
	priv    *rsa.PrivateKey
	sleeps  *[]time.Duration
	cfg     Config
	exports string
}

func setupEngine(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := credstore.OpenDatabase(ctx, filepath.Join(t.TempDir(), "central.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubPEM, err := cryptox.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	exports := t.TempDir()
	if cfg.ClientExportPath == "" {
		cfg.ClientExportPath = exports
	}
	if cfg.DirPerm == 0 {
		cfg.DirPerm = 0o700
	}
	if cfg.FilePerm == 0 {
		cfg.FilePerm = 0o600
	}
	if cfg.PasswordLength == 0 {
		cfg.PasswordLength = 6
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = "127.0.0.1:8080"
	}

	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	e := New(db, serverDBKey, pubPEM, priv, cfg, logger)

	sleeps := &[]time.Duration{}
	e.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }

	return &testEnv{engine: e, db: db, priv: priv, sleeps: sleeps, cfg: cfg, exports: cfg.ClientExportPath}
}

func provisionClient(t *testing.T, env *testEnv) (id string, artifact ClientArtifact) {
	t.Helper()
	configPath, err := env.engine.Provision(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &artifact))
	return artifact.ID, artifact
}

// serverRecord reads the central store's view of a client.
func serverRecord(t *testing.T, env *testEnv, id string) *credstore.Record {
	t.Helper()
	s, err := credstore.Open(context.Background(), env.db, id, serverDBKey)
	require.NoError(t, err)
	rec, err := s.Record(context.Background())
	require.NoError(t, err)
	return rec
}

// passwordAt generates and seals the password for the given counter, as a
// client holding the shared key would.
func passwordAt(t *testing.T, env *testEnv, rec *credstore.Record, counter uint64) string {
	t.Helper()
	otp := hotp.Generate(rec.Key, counter, rec.PasswordLength)
	sealed, err := cryptox.EncryptPassword(otp, &env.priv.PublicKey)
	require.NoError(t, err)
	return sealed
}

func wrongPassword(t *testing.T, env *testEnv) string {
	t.Helper()
	sealed, err := cryptox.EncryptPassword("not-a-real-otp", &env.priv.PublicKey)
	require.NoError(t, err)
	return sealed
}

func TestAuthenticate_HappyPath(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 3, LookAhead: 2})
	ctx := context.Background()

	id, _ := provisionClient(t, env)
	rec := serverRecord(t, env, id)

	result, err := env.engine.Authenticate(ctx, id, passwordAt(t, env, rec, rec.Counter))
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthSuccess, result)

	after := serverRecord(t, env, id)
	assert.Equal(t, rec.Counter+1, after.Counter, "counter must advance by exactly 1")
	assert.Equal(t, uint64(0), after.FailedAuths)
	assert.Empty(t, *env.sleeps, "no throttle on a clean success")
}

func TestAuthenticate_SuccessDoesNotResetFailedAuths(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 5, LookAhead: 2})
	ctx := context.Background()

	id, _ := provisionClient(t, env)

	result, err := env.engine.Authenticate(ctx, id, wrongPassword(t, env))
	require.NoError(t, err)
	require.Equal(t, protocol.AuthRetry, result)

	rec := serverRecord(t, env, id)
	require.Equal(t, uint64(1), rec.FailedAuths)

	result, err = env.engine.Authenticate(ctx, id, passwordAt(t, env, rec, rec.Counter))
	require.NoError(t, err)
	require.Equal(t, protocol.AuthSuccess, result)

	// the failure count accumulates across successes; only Unlock clears it
	assert.Equal(t, uint64(1), serverRecord(t, env, id).FailedAuths)
}

func TestAuthenticate_Lockout(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 3, LookAhead: 2})
	ctx := context.Background()

	id, _ := provisionClient(t, env)

	for i := 1; i <= 3; i++ {
		result, err := env.engine.Authenticate(ctx, id, wrongPassword(t, env))
		require.NoError(t, err)
		assert.Equal(t, protocol.AuthRetry, result, "attempt %d", i)
		assert.Equal(t, uint64(i), serverRecord(t, env, id).FailedAuths)
	}

	// the threshold attempt flips the status
	result, err := env.engine.Authenticate(ctx, id, wrongPassword(t, env))
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthFail, result)
	assert.Equal(t, credstore.StatusDisabled, serverRecord(t, env, id).Status)

	// once disabled, nothing mutates
	before := serverRecord(t, env, id)
	result, err = env.engine.Authenticate(ctx, id, wrongPassword(t, env))
	require.NoError(t, err)
	assert.Equal(t, protocol.ClientDisabled, result)
	assert.Equal(t, before, serverRecord(t, env, id))
}

func TestAuthenticate_ThrottleDurations(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 10, LookAhead: 1})
	ctx := context.Background()

	id, _ := provisionClient(t, env)

	// first failure: failed_auths is 0, so no sleep
	_, err := env.engine.Authenticate(ctx, id, wrongPassword(t, env))
	require.NoError(t, err)
	require.Empty(t, *env.sleeps)

	// second failure throttles at 2×1, third at 2×2
	_, err = env.engine.Authenticate(ctx, id, wrongPassword(t, env))
	require.NoError(t, err)
	_, err = env.engine.Authenticate(ctx, id, wrongPassword(t, env))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *env.sleeps)
}

func TestAuthenticate_LookaheadResync(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 3, LookAhead: 2})
	ctx := context.Background()

	id, _ := provisionClient(t, env)
	rec := serverRecord(t, env, id)

	// the client drifted two generations ahead of the server
	result, err := env.engine.Authenticate(ctx, id, passwordAt(t, env, rec, rec.Counter+2))
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthSuccess, result)

	after := serverRecord(t, env, id)
	assert.Equal(t, rec.Counter+2, after.Counter, "counter must jump to the matched value")
	assert.Equal(t, uint64(0), after.FailedAuths)
}

func TestAuthenticate_BeyondLookaheadFails(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 3, LookAhead: 2})
	ctx := context.Background()

	id, _ := provisionClient(t, env)
	rec := serverRecord(t, env, id)

	result, err := env.engine.Authenticate(ctx, id, passwordAt(t, env, rec, rec.Counter+3))
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthRetry, result)

	after := serverRecord(t, env, id)
	assert.Equal(t, rec.Counter, after.Counter, "counter must not move")
	assert.Equal(t, uint64(1), after.FailedAuths)
}

func TestAuthenticate_DecryptFailureAbsorbed(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 3, LookAhead: 2})
	ctx := context.Background()

	id, _ := provisionClient(t, env)

	for _, garbage := range []string{"@@not-base64@@", "Zm9vYmFyYmF6cXV4"} {
		result, err := env.engine.Authenticate(ctx, id, garbage)
		require.NoError(t, err, "decrypt failures must not escape the engine")
		assert.Equal(t, protocol.AuthRetry, result)
	}
	assert.Equal(t, uint64(2), serverRecord(t, env, id).FailedAuths)
}

func TestAuthenticate_UnknownClient(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 3, LookAhead: 2})

	_, err := env.engine.Authenticate(context.Background(), "no-such-client", "whatever")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestUnlock(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 1, LookAhead: 1})
	ctx := context.Background()

	id, _ := provisionClient(t, env)

	_, err := env.engine.Authenticate(ctx, id, wrongPassword(t, env))
	require.NoError(t, err)
	result, err := env.engine.Authenticate(ctx, id, wrongPassword(t, env))
	require.NoError(t, err)
	require.Equal(t, protocol.AuthFail, result)
	require.Equal(t, credstore.StatusDisabled, serverRecord(t, env, id).Status)

	require.NoError(t, env.engine.Unlock(ctx, id))

	rec := serverRecord(t, env, id)
	assert.Equal(t, credstore.StatusActive, rec.Status)
	assert.Equal(t, uint64(0), rec.FailedAuths)

	result, err = env.engine.Authenticate(ctx, id, passwordAt(t, env, rec, rec.Counter))
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthSuccess, result)
}

func TestUnlock_UnknownClient(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 3, LookAhead: 2})

	err := env.engine.Unlock(context.Background(), "no-such-client")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestProvision(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 3, LookAhead: 2, PasswordLength: 8})
	ctx := context.Background()

	configPath, err := env.engine.Provision(ctx)
	require.NoError(t, err)

	var artifact ClientArtifact
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &artifact))

	assert.Len(t, artifact.ID, 36)
	assert.Len(t, artifact.DBKey, 40)
	assert.Equal(t, env.cfg.ServerAddr, artifact.ServerAddr)
	assert.FileExists(t, artifact.DBPath)
	assert.Equal(t, filepath.Join(env.exports, artifact.ID, "config.json"), configPath)

	central := serverRecord(t, env, artifact.ID)
	assert.Equal(t, credstore.StatusActive, central.Status)
	assert.Equal(t, uint64(0), central.FailedAuths)
	assert.Equal(t, 8, central.PasswordLength)
	assert.Len(t, central.Key, 40)

	// the client-local mirror trails the central counter by exactly one
	clientStore, clientDB, err := credstore.OpenFile(ctx, artifact.DBPath, artifact.ID, artifact.DBKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientDB.Close() })

	local, err := clientStore.Record(ctx)
	require.NoError(t, err)
	assert.Equal(t, central.Counter, local.Counter+1)
	assert.Equal(t, central.Key, local.Key)
	assert.Equal(t, central.ServerPublicKey, local.ServerPublicKey)
	assert.NotEqual(t, artifact.DBKey, local.Key, "HOTP secret must not be reused as the store key")

	// randomized start stays within one byte
	assert.Less(t, local.Counter, uint64(256))
}

func TestProvision_DistinctClients(t *testing.T) {
	env := setupEngine(t, Config{MaxAuths: 3, LookAhead: 2})

	_, a := provisionClient(t, env)
	_, b := provisionClient(t, env)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.DBKey, b.DBKey)
}
