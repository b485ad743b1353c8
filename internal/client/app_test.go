package client

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/f2dev/otpkeeper/internal/client/config"
	"github.com/f2dev/otpkeeper/internal/credstore"
	"github.com/f2dev/otpkeeper/internal/cryptox"
	"github.com/f2dev/otpkeeper/internal/hotp"
	"github.com/f2dev/otpkeeper/internal/protocol"
)

const testDBKey = "5e884898da28047151d0e56f8dc6292773603d0d"

// scriptedServer answers each incoming connection with the next canned wire
// token, recording the requests it received.
type scriptedServer struct {
	ln       net.Listener
	requests chan string
}

func startScriptedServer(t *testing.T, replies []string) *scriptedServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	s := &scriptedServer{ln: ln, requests: make(chan string, len(replies))}

	go func() {
		for _, reply := range replies {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err == nil {
				s.requests <- strings.TrimRight(line, "\n")
			}
			_, _ = io.WriteString(conn, reply+"\n")
			_ = conn.Close()
		}
	}()

	return s
}

func setupApp(t *testing.T, addr string) (*App, *credstore.Record, *rsa.PrivateKey) {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "client.db")

	db, err := credstore.OpenDatabase(ctx, dbPath)
	require.NoError(t, err)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubPEM, err := cryptox.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	rec := &credstore.Record{
		ID:              credstore.NewID(),
		ServerPublicKey: pubPEM,
		Counter:         7,
		Key:             "0123456789abcdef0123456789abcdef01234567",
		PasswordLength:  6,
		Status:          credstore.StatusActive,
	}
	_, err = credstore.Save(ctx, rec, db, testDBKey)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := &config.Config{
		ID:         rec.ID,
		DBKey:      testDBKey,
		DBPath:     dbPath,
		ServerAddr: addr,
	}

	app, err := NewApp(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	return app, rec, priv
}

func TestAuthenticate_Success(t *testing.T) {
	srv := startScriptedServer(t, []string{protocol.AuthSuccess.Wire()})
	app, rec, priv := setupApp(t, srv.ln.Addr().String())

	result, err := app.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthSuccess, result)

	request := <-srv.requests
	id, sealed, err := protocol.ParseRequest(request)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id)

	password, err := cryptox.DecryptPassword(sealed, priv)
	require.NoError(t, err)
	assert.Equal(t, hotp.Generate(rec.Key, rec.Counter+1, rec.PasswordLength), password)
}

func TestAuthenticate_RetriesWithFreshPassword(t *testing.T) {
	srv := startScriptedServer(t, []string{
		protocol.AuthRetry.Wire(),
		protocol.AuthSuccess.Wire(),
	})
	app, rec, priv := setupApp(t, srv.ln.Addr().String())

	result, err := app.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthSuccess, result)

	_, first, err := protocol.ParseRequest(<-srv.requests)
	require.NoError(t, err)
	_, second, err := protocol.ParseRequest(<-srv.requests)
	require.NoError(t, err)

	a, err := cryptox.DecryptPassword(first, priv)
	require.NoError(t, err)
	b, err := cryptox.DecryptPassword(second, priv)
	require.NoError(t, err)

	assert.Equal(t, hotp.Generate(rec.Key, rec.Counter+1, rec.PasswordLength), a)
	assert.Equal(t, hotp.Generate(rec.Key, rec.Counter+2, rec.PasswordLength), b)
}

func TestAuthenticate_TerminalResults(t *testing.T) {
	for _, terminal := range []protocol.Result{protocol.AuthFail, protocol.ClientDisabled} {
		srv := startScriptedServer(t, []string{terminal.Wire()})
		app, _, _ := setupApp(t, srv.ln.Addr().String())

		result, err := app.Authenticate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, terminal, result)
	}
}

func TestNewApp_MissingStore(t *testing.T) {
	cfg := &config.Config{
		ID:     credstore.NewID(),
		DBKey:  testDBKey,
		DBPath: filepath.Join(t.TempDir(), "absent.db"),
	}

	_, err := NewApp(context.Background(), cfg)
	assert.Error(t, err)
}

func TestAuthenticate_ServerUnreachable(t *testing.T) {
	// grab an address nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	app, _, _ := setupApp(t, addr)

	_, err = app.Authenticate(context.Background())
	assert.Error(t, err)
}
