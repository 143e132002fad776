package config

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// fingerprintPrefix tags digests so the algorithm is visible in reports and metrics.
const fingerprintPrefix = "blake3:"

// Fingerprint returns the BLAKE3 digest of raw config bytes. Two runs are only
// comparable when their fingerprints match.
func Fingerprint(data []byte) string {
	hash := blake3.Sum256(data)
	return fingerprintPrefix + hex.EncodeToString(hash[:])
}

// ShortFingerprint trims a fingerprint to its first 12 hex characters.
func ShortFingerprint(fp string) string {
	const n = len(fingerprintPrefix) + 12
	if len(fp) <= n {
		return fp
	}
	return fp[:n]
}
