// Package credstore owns the persisted, per-client encrypted credential
// records. Every field except id, server_public_key, and init_vector is
// sealed with AES-256-CBC under a database crypto key; the init vector is
// rotated on every write and doubles as an optimistic-concurrency version
// stamp.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/f2dev/otpkeeper/internal/common"
	"github.com/f2dev/otpkeeper/internal/cryptox"
	"github.com/f2dev/otpkeeper/internal/dbx"
)

const selectRecordQuery = `SELECT id, server_public_key, counter, key, password_length, status, failed_auths, init_vector
	FROM clients WHERE id = ?`

// Store provides decrypt-on-demand access to a single client's record and
// re-seals the full record on every write.
type Store struct {
	db       *sql.DB
	dbKey    string
	fieldKey []byte
	cached   EncryptedRecord
}

// Open binds a store to one client's record in db. It fails with
// ErrInvalidArgument when clientID or dbCryptoKey is empty and with
// ErrNotFound when no record exists for clientID.
func Open(ctx context.Context, db *sql.DB, clientID, dbCryptoKey string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", common.ErrInvalidArgument)
	}
	if clientID == "" {
		return nil, fmt.Errorf("%w: client ID must be provided", common.ErrInvalidArgument)
	}
	if dbCryptoKey == "" {
		return nil, fmt.Errorf("%w: database crypto key must be provided", common.ErrInvalidArgument)
	}

	fieldKey, err := cryptox.DeriveKey(dbCryptoKey)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dbKey: dbCryptoKey, fieldKey: fieldKey}

	row, err := loadRecord(ctx, db, clientID)
	if err != nil {
		return nil, err
	}
	s.cached = *row

	return s, nil
}

// OpenFile opens the SQLite database at path and binds a store to the given
// client. The file must already exist; a missing store is an invalid
// argument, not an empty one.
func OpenFile(ctx context.Context, path, clientID, dbCryptoKey string) (*Store, *sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("%w: database file does not exist: %s", common.ErrInvalidArgument, path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	s, err := Open(ctx, db, clientID, dbCryptoKey)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

// ID returns the client ID this store is bound to.
func (s *Store) ID() string {
	return s.cached.ID
}

// ServerPublicKey returns the stored PEM public key. It is never encrypted
// and never rotated, so the cached copy is authoritative.
func (s *Store) ServerPublicKey() string {
	return s.cached.ServerPublicKey
}

// InitVector returns the record's current version stamp as last observed.
func (s *Store) InitVector() string {
	return s.cached.InitVector
}

// Record reloads, decrypts, and returns the full record. No plaintext is
// retained beyond the returned copy.
func (s *Store) Record(ctx context.Context) (*Record, error) {
	if err := s.refresh(ctx, s.db); err != nil {
		return nil, err
	}
	return s.decrypt()
}

// SetCounter replaces the stored counter and re-seals the record.
func (s *Store) SetCounter(ctx context.Context, counter uint64) error {
	return s.update(ctx, func(r *Record) { r.Counter = counter })
}

// SetStatus replaces the stored status and re-seals the record.
func (s *Store) SetStatus(ctx context.Context, status Status) error {
	return s.update(ctx, func(r *Record) { r.Status = status })
}

// SetFailedAuths replaces the stored failure count and re-seals the record.
func (s *Store) SetFailedAuths(ctx context.Context, failedAuths uint64) error {
	return s.update(ctx, func(r *Record) { r.FailedAuths = failedAuths })
}

// update runs one read-merge-write cycle inside a transaction: refresh the
// version stamp (reloading everything if an external writer advanced it),
// decrypt all fields, apply the mutation, and write the record back sealed
// under a fresh init vector.
func (s *Store) update(ctx context.Context, mutate func(*Record)) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.refresh(ctx, tx); err != nil {
			return err
		}

		rec, err := s.decrypt()
		if err != nil {
			return err
		}

		mutate(rec)

		sealed, err := Save(ctx, rec, tx, s.dbKey)
		if err != nil {
			return err
		}
		s.cached = *sealed
		return nil
	})
}

// refresh compares the stored init vector against the cached one. A
// mismatch means another process rewrote the record after we last read it;
// the cached attributes are stale and must be reloaded before use.
func (s *Store) refresh(ctx context.Context, q dbx.DBTX) error {
	var iv string
	err := q.QueryRowContext(ctx, `SELECT init_vector FROM clients WHERE id = ?`, s.cached.ID).Scan(&iv)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: client %s", common.ErrNotFound, s.cached.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}

	if iv != s.cached.InitVector {
		row, err := loadRecordQ(ctx, q, s.cached.ID)
		if err != nil {
			return err
		}
		s.cached = *row
	}
	return nil
}

// decrypt opens every sealed field of the cached row under the record's
// current init vector.
func (s *Store) decrypt() (*Record, error) {
	sealed := map[string]string{
		FieldID:              s.cached.ID,
		FieldServerPublicKey: s.cached.ServerPublicKey,
		FieldCounter:         s.cached.Counter,
		FieldKey:             s.cached.Key,
		FieldPasswordLength:  s.cached.PasswordLength,
		FieldStatus:          s.cached.Status,
		FieldFailedAuths:     s.cached.FailedAuths,
	}

	values := make(map[string]string, len(sealed))
	for name, value := range sealed {
		if _, plain := plaintextFields[name]; plain {
			values[name] = value
			continue
		}
		decrypted, err := cryptox.DecryptField(value, s.cached.InitVector, s.fieldKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", name, err)
		}
		values[name] = decrypted
	}

	return recordFromValues(values)
}

// Save seals every encrypted field of rec under a fresh init vector and
// writes the row with insert-or-replace semantics. It serves both normal
// writes and provisioning, so it takes the destination handle explicitly.
func Save(ctx context.Context, rec *Record, db dbx.DBTX, dbCryptoKey string) (*EncryptedRecord, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", common.ErrInvalidArgument)
	}
	if err := rec.validate(); err != nil {
		return nil, err
	}

	fieldKey, err := cryptox.DeriveKey(dbCryptoKey)
	if err != nil {
		return nil, err
	}

	iv, err := cryptox.NewInitVector()
	if err != nil {
		return nil, err
	}

	values := rec.plaintextValues()
	sealed := make(map[string]string, len(values))
	for name, value := range values {
		if _, plain := plaintextFields[name]; plain {
			sealed[name] = value
			continue
		}
		encrypted, err := cryptox.EncryptField(value, iv, fieldKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt %s: %w", name, err)
		}
		sealed[name] = encrypted
	}

	row := &EncryptedRecord{
		ID:              sealed[FieldID],
		ServerPublicKey: sealed[FieldServerPublicKey],
		Counter:         sealed[FieldCounter],
		Key:             sealed[FieldKey],
		PasswordLength:  sealed[FieldPasswordLength],
		Status:          sealed[FieldStatus],
		FailedAuths:     sealed[FieldFailedAuths],
		InitVector:      iv,
	}

	_, err = db.ExecContext(ctx, `INSERT OR REPLACE INTO clients
		(id, server_public_key, counter, key, password_length, status, failed_auths, init_vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.ServerPublicKey, row.Counter, row.Key,
		row.PasswordLength, row.Status, row.FailedAuths, row.InitVector)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to write client record: %v", common.ErrStorage, err)
	}

	return row, nil
}

// NewID generates a fresh UUIDv4 client ID: 36 characters, five
// hyphen-separated groups, version nibble 4.
func NewID() string {
	return uuid.NewString()
}

func loadRecord(ctx context.Context, db *sql.DB, clientID string) (*EncryptedRecord, error) {
	return loadRecordQ(ctx, db, clientID)
}

func loadRecordQ(ctx context.Context, q dbx.DBTX, clientID string) (*EncryptedRecord, error) {
	var row EncryptedRecord
	err := q.QueryRowContext(ctx, selectRecordQuery, clientID).Scan(
		&row.ID, &row.ServerPublicKey, &row.Counter, &row.Key,
		&row.PasswordLength, &row.Status, &row.FailedAuths, &row.InitVector)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %s", common.ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return &row, nil
}
