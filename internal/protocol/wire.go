// Package protocol defines the wire format shared by the auth server and
// its clients: a newline-delimited ASCII request of the form
//
//	<clientID>::<base64(RSA-encrypted OTP)>\n
//
// answered with a single numeric result token followed by a newline.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/f2dev/otpkeeper/internal/common"
)

// MaxLineBytes caps a single request or response line, terminator included.
const MaxLineBytes = 512

// requestSeparator splits the client ID from the encrypted password.
const requestSeparator = "::"

// Result is the outcome of an authentication attempt. The wire encoding is
// the decimal value of the constant.
type Result int

const (
	// AuthSuccess: the presented password matched; the counter advanced.
	AuthSuccess Result = 0
	// AuthRetry: the password did not match; further attempts are permitted.
	AuthRetry Result = 1
	// AuthFail: the failure limit was reached and the client is now disabled.
	AuthFail Result = 2
	// ClientDisabled: the client was already disabled before this attempt.
	ClientDisabled Result = 3
)

// Wire returns the token written on the wire for r.
func (r Result) Wire() string {
	return strconv.Itoa(int(r))
}

func (r Result) String() string {
	switch r {
	case AuthSuccess:
		return "SUCCESS"
	case AuthRetry:
		return "RETRY"
	case AuthFail:
		return "FAIL"
	case ClientDisabled:
		return "CLIENT_DISABLED"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ParseResult maps a received token back to a Result.
func ParseResult(token string) (Result, error) {
	switch strings.TrimSpace(token) {
	case "0":
		return AuthSuccess, nil
	case "1":
		return AuthRetry, nil
	case "2":
		return AuthFail, nil
	case "3":
		return ClientDisabled, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized result token %q", common.ErrInvalidArgument, token)
	}
}

// FormatRequest renders the request line for the given client ID and
// encrypted password, without the trailing newline.
func FormatRequest(clientID, encryptedPassword string) string {
	return clientID + requestSeparator + encryptedPassword
}

// ParseRequest splits a request line into client ID and encrypted password.
// The line may carry surrounding whitespace and the trailing newline.
func ParseRequest(line string) (clientID, encryptedPassword string, err error) {
	parts := strings.SplitN(strings.TrimSpace(line), requestSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed request line", common.ErrInvalidArgument)
	}
	return parts[0], parts[1], nil
}
