// Package verifier compares caller-supplied passcodes and secret phrases against
// stored commitments without ever retaining the plaintext.
package verifier

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/sha3"
)

// CommitmentSize is the length in bytes of a Keccak-256 digest
const CommitmentSize = 32

// ErrInvalidCommitment is returned when a commitment cannot be decoded
var ErrInvalidCommitment = errors.New("invalid commitment")

// Commitment is a one-way digest of a normalized secret
type Commitment [CommitmentSize]byte

// Normalize canonicalizes human-entered text: surrounding whitespace is trimmed,
// inner whitespace runs collapse to a single space and the result is case-folded.
func Normalize(s string) string {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	return strings.ToLower(strings.Join(fields, " "))
}

// Commit returns the commitment of the normalized form of s.
// Keccak-256 keeps commitments compatible with keccak256(abi.encodePacked(string)).
func Commit(s string) Commitment {
	var c Commitment
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(Normalize(s)))
	copy(c[:], h.Sum(nil))
	return c
}

// Matches reports whether attempt normalizes and hashes to commitment.
// The comparison runs in constant time.
func Matches(attempt string, commitment Commitment) bool {
	if commitment.IsZero() {
		return false
	}
	got := Commit(attempt)
	return subtle.ConstantTimeCompare(got[:], commitment[:]) == 1
}

// Equal compares two commitments in constant time
func Equal(a, b Commitment) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// ParseCommitment decodes a hex commitment, with or without a 0x prefix
func ParseCommitment(s string) (Commitment, error) {
	var c Commitment
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	if len(raw) != CommitmentSize {
		return c, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidCommitment, CommitmentSize, len(raw))
	}
	copy(c[:], raw)
	return c, nil
}

// IsZero reports whether the commitment is unset
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

// String returns the 0x-prefixed hex form
func (c Commitment) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

// MarshalText implements encoding.TextMarshaler
func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Commitment) UnmarshalText(text []byte) error {
	parsed, err := ParseCommitment(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
