// Package otp produces authentication passwords on the client side of the
// scheme: it advances the locally persisted counter, generates the one-time
// password, and seals it with the server's public key for transport.
package otp

import (
	"context"

	"github.com/f2dev/otpkeeper/internal/credstore"
	"github.com/f2dev/otpkeeper/internal/cryptox"
	"github.com/f2dev/otpkeeper/internal/hotp"
)

// Client generates transport-ready passwords from a client-local credential
// store.
type Client struct {
	store *credstore.Store
}

// New binds a password producer to an opened client-local store.
func New(store *credstore.Store) *Client {
	return &Client{store: store}
}

// ID returns the client's ID.
func (c *Client) ID() string {
	return c.store.ID()
}

// Status returns the client's locally recorded status.
func (c *Client) Status(ctx context.Context) (credstore.Status, error) {
	rec, err := c.store.Record(ctx)
	if err != nil {
		return 0, err
	}
	return rec.Status, nil
}

// Password increments and persists the counter, then returns the password
// for the new counter value, RSA-encrypted with the server's public key and
// base64-encoded.
//
// The increment happens before generation: the server-side record runs one
// count ahead and only advances on a successful authentication, so the
// freshly incremented local counter lines up with what the server expects.
func (c *Client) Password(ctx context.Context) (string, error) {
	rec, err := c.store.Record(ctx)
	if err != nil {
		return "", err
	}

	next := rec.Counter + 1
	if err := c.store.SetCounter(ctx, next); err != nil {
		return "", err
	}

	password := hotp.Generate(rec.Key, next, rec.PasswordLength)

	pub, err := cryptox.ParsePublicKey([]byte(rec.ServerPublicKey))
	if err != nil {
		return "", err
	}
	return cryptox.EncryptPassword(password, pub)
}
