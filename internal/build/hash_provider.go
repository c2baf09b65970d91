// Package build coordinates entry compilation for the extension dev session.
//
// It owns the content hasher that suppresses no-op rebuilds, the dependency
// map that ties source files to entries, the single-slot task serializers
// that bound rebuild latency, and the orchestrator that drives full builds
// and per-entry rebuilds.
package build

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// fingerprintLength is the number of hex characters kept from the digest.
const fingerprintLength = 12

// Fingerprint returns a stable digest of content: SHA-256, hex encoded and
// truncated for storage.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}

// HashProvider holds the last seen fingerprint for every processed path and
// reports whether new content differs from it.
type HashProvider struct {
	// hashes maps absolute file path to last seen fingerprint
	hashes map[string]string
	// mu protects concurrent access to hashes
	mu sync.Mutex
}

// NewHashProvider creates an empty hash table.
func NewHashProvider() *HashProvider {
	return &HashProvider{hashes: make(map[string]string)}
}

// HasChanged reports whether content differs from the fingerprint recorded
// for path. The table is only updated when a change is detected.
func (hp *HashProvider) HasChanged(path string, content []byte) bool {
	digest := Fingerprint(content)

	hp.mu.Lock()
	defer hp.mu.Unlock()

	if prev, ok := hp.hashes[path]; ok && prev == digest {
		return false
	}
	hp.hashes[path] = digest
	return true
}

// Get returns the recorded fingerprint for path.
func (hp *HashProvider) Get(path string) (string, bool) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	digest, ok := hp.hashes[path]
	return digest, ok
}

// Len returns the number of tracked paths.
func (hp *HashProvider) Len() int {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	return len(hp.hashes)
}
