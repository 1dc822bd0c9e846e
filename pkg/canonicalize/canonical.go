// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 digests over it. Every integrity chain and
// signature in Clasper agrees on bytes through this package.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashPrefix is prepended to hex digests wherever hashes travel on the wire.
const HashPrefix = "sha256:"

// maxSafeInteger is the largest integer exactly representable in an IEEE-754
// double. Larger integers would lose precision under RFC 8785 number
// serialization, so they are forbidden in hashable payloads.
const maxSafeInteger = 1 << 53

// Canonical returns the RFC 8785 canonical JSON representation of v.
//
// Map keys are sorted lexicographically by UTF-16 code units at every depth,
// HTML escaping is disabled, and numbers use shortest-form ES6 formatting.
// Integers outside ±2^53 are rejected rather than silently rounded.
func Canonical(v any) ([]byte, error) {
	intermediate, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	return CanonicalRaw(intermediate)
}

// CanonicalRaw canonicalizes raw JSON bytes. The input must be a single
// well-formed JSON value.
func CanonicalRaw(raw []byte) ([]byte, error) {
	if err := checkPrecision(raw); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return out, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashJSON returns the hex SHA-256 digest of the canonical form of v.
func HashJSON(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// HashJSONRaw returns the hex SHA-256 digest of the canonical form of raw
// JSON bytes.
func HashJSONRaw(raw []byte) (string, error) {
	b, err := CanonicalRaw(raw)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// FormatHash prefixes a hex digest for wire transport ("sha256:<hex>").
func FormatHash(hexDigest string) string {
	return HashPrefix + hexDigest
}

// PrefixedHashJSON is FormatHash(HashJSON(v)).
func PrefixedHashJSON(v any) (string, error) {
	h, err := HashJSON(v)
	if err != nil {
		return "", err
	}
	return FormatHash(h), nil
}

// marshalNoEscape marshals without HTML escaping and without the trailing
// newline json.Encoder appends.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// checkPrecision walks raw JSON and rejects numbers whose integral value
// exceeds ±2^53 or that are not finite decimals. Two parties hashing the
// same payload must never disagree because one of them rounded.
func checkPrecision(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("canonicalize: invalid JSON: %w", err)
		}
		num, ok := tok.(json.Number)
		if !ok {
			continue
		}
		if err := checkNumber(num); err != nil {
			return err
		}
	}
}

func checkNumber(num json.Number) error {
	s := num.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := num.Int64(); err == nil {
			if i > maxSafeInteger || i < -maxSafeInteger {
				return fmt.Errorf("canonicalize: integer %s exceeds 2^53 precision bound", s)
			}
			return nil
		}
		return fmt.Errorf("canonicalize: integer %s exceeds 2^53 precision bound", s)
	}
	f, err := num.Float64()
	if err != nil {
		return fmt.Errorf("canonicalize: unparseable number %s", s)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("canonicalize: non-finite number %s", s)
	}
	if abs := math.Abs(f); abs >= maxSafeInteger {
		return fmt.Errorf("canonicalize: number %s exceeds 2^53 precision bound", s)
	}
	return nil
}
