package credstore

import (
	"fmt"
	"strconv"

	"github.com/f2dev/otpkeeper/internal/common"
)

// Status is a client's authentication state. The stored representation is
// the decimal value, encrypted like the other numeric fields.
type Status int

const (
	StatusDisabled Status = 0
	StatusActive   Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusDisabled:
		return "DISABLED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Field names of the clients table.
const (
	FieldID              = "id"
	FieldServerPublicKey = "server_public_key"
	FieldCounter         = "counter"
	FieldKey             = "key"
	FieldPasswordLength  = "password_length"
	FieldStatus          = "status"
	FieldFailedAuths     = "failed_auths"
	FieldInitVector      = "init_vector"
)

// plaintextFields enumerates the fields that are never encrypted: they must
// stay readable to locate a record and decrypt the rest of it.
var plaintextFields = map[string]struct{}{
	FieldID:              {},
	FieldInitVector:      {},
	FieldServerPublicKey: {},
}

// Record is the decrypted form of one client's credential row.
type Record struct {
	// ID is the client's UUIDv4 primary key, never encrypted.
	ID string

	// ServerPublicKey is the PEM-encoded RSA public key the client seals
	// passwords with. Set at provisioning, never rotated, never encrypted.
	ServerPublicKey string

	// Counter is the HOTP counter. Monotonically non-decreasing; the
	// server-side copy runs one ahead of a freshly provisioned client's.
	Counter uint64

	// Key is the shared HOTP secret, fixed at provisioning.
	Key string

	// PasswordLength is the number of digits in a generated password.
	PasswordLength int

	// Status gates authentication; only an explicit unlock reactivates a
	// disabled client.
	Status Status

	// FailedAuths counts failures accumulated since the last unlock.
	FailedAuths uint64
}

// validate checks the mandatory field set of a record about to be saved.
func (r *Record) validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", common.ErrInvalidArgument)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: record is missing %s", common.ErrInvalidArgument, FieldID)
	}
	if r.ServerPublicKey == "" {
		return fmt.Errorf("%w: record is missing %s", common.ErrInvalidArgument, FieldServerPublicKey)
	}
	if r.Key == "" {
		return fmt.Errorf("%w: record is missing %s", common.ErrInvalidArgument, FieldKey)
	}
	if r.PasswordLength <= 0 {
		return fmt.Errorf("%w: record is missing a positive %s", common.ErrInvalidArgument, FieldPasswordLength)
	}
	return nil
}

// EncryptedRecord is one client's row exactly as stored: every field except
// id, server_public_key, and init_vector holds base64 AES-CBC ciphertext.
type EncryptedRecord struct {
	ID              string
	ServerPublicKey string
	Counter         string
	Key             string
	PasswordLength  string
	Status          string
	FailedAuths     string
	InitVector      string
}

// plaintextValues renders a record's fields as the strings that get sealed
// (or stored directly, for the plaintext fields).
func (r *Record) plaintextValues() map[string]string {
	return map[string]string{
		FieldID:              r.ID,
		FieldServerPublicKey: r.ServerPublicKey,
		FieldCounter:         strconv.FormatUint(r.Counter, 10),
		FieldKey:             r.Key,
		FieldPasswordLength:  strconv.Itoa(r.PasswordLength),
		FieldStatus:          strconv.Itoa(int(r.Status)),
		FieldFailedAuths:     strconv.FormatUint(r.FailedAuths, 10),
	}
}

// recordFromValues parses decrypted field strings back into a typed record.
func recordFromValues(values map[string]string) (*Record, error) {
	counter, err := strconv.ParseUint(values[FieldCounter], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FieldCounter, err)
	}
	passwordLength, err := strconv.Atoi(values[FieldPasswordLength])
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FieldPasswordLength, err)
	}
	status, err := strconv.Atoi(values[FieldStatus])
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FieldStatus, err)
	}
	failedAuths, err := strconv.ParseUint(values[FieldFailedAuths], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FieldFailedAuths, err)
	}

	return &Record{
		ID:              values[FieldID],
		ServerPublicKey: values[FieldServerPublicKey],
		Counter:         counter,
		Key:             values[FieldKey],
		PasswordLength:  passwordLength,
		Status:          Status(status),
		FailedAuths:     failedAuths,
	}, nil
}
