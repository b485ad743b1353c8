// Package hotp generates HMAC-based one-time passwords following the
// dynamic-truncation procedure of RFC 4226.
//
// One deviation from the RFC is load-bearing: the counter is fed to
// HMAC-SHA1 as its decimal ASCII rendering, not as the 8-byte big-endian
// value the RFC mandates. Every peer store in this system hashes the
// counter the same way, so changing it here would break authentication
// against existing records.
package hotp

import (
	"crypto/hmac"
	"crypto/sha1"
	"fmt"
	"strconv"
)

// Generate computes the one-time password for the given shared secret and
// counter. The result is exactly digits characters long, zero-padded on
// the left. It is a pure function: no state, no I/O.
func Generate(secret string, counter uint64, digits int) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(strconv.FormatUint(counter, 10)))
	sum := mac.Sum(nil)

	// dynamic truncation: the low nibble of the last byte selects a
	// 4-byte window, read big-endian with the sign bit masked off
	offset := sum[len(sum)-1] & 0x0f
	dbc := (uint64(sum[offset])<<24 |
		uint64(sum[offset+1])<<16 |
		uint64(sum[offset+2])<<8 |
		uint64(sum[offset+3])) & 0x7fffffff

	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, dbc%mod)
}
