package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// numericRun collapses runs of digits so that two occurrences of the
// same error differing only in an id, count, or timestamp embedded in
// the message still normalize to the same fingerprint.
var numericRun = regexp.MustCompile(`\d+`)

// normalizeMessage lowercases and strips variable numeric content from
// an error message before fingerprinting, per spec §4.6's "hash of
// normalized message".
func normalizeMessage(message string) string {
	lower := strings.ToLower(strings.TrimSpace(message))
	return numericRun.ReplaceAllString(lower, "#")
}

// Fingerprint computes the deduplication key for an operational error:
// hash(normalized message, master code, endpoint).
func Fingerprint(message string, master MasterCode, endpoint string) string {
	h := sha256.New()
	h.Write([]byte(normalizeMessage(message)))
	h.Write([]byte{0})
	h.Write([]byte(master))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	return hex.EncodeToString(h.Sum(nil))
}
