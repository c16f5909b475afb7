package crypto

import (
	"crypto/sha1" //nolint:gosec // PBKDF2-HMAC-SHA1 is the wire-compatible KDF this format commits to.
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// KDFIterations is the fixed PBKDF2 iteration count. Changing it would make
// previously written vaults undecryptable, so it is not configurable.
const KDFIterations = 100000

// KeySize is the derived AES key length in bytes (AES-128).
const KeySize = 16

// SaltSize is the length of the random salt stored in every encrypted frame header.
const SaltSize = 16

// DeriveKey runs PBKDF2-HMAC-SHA1 over the passphrase with the given salt,
// producing the AES-128 key used to seal and open chunk frames.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, KDFIterations, KeySize, sha1.New)
}

// KeyCache memoizes derived keys by salt so that repeated lookups of the
// same salt don't each pay the 100,000-round PBKDF2 cost again. Encrypt
// mints a fresh salt for every frame it writes, so each new chunk or
// manifest record costs one derivation; the cache saves work only where the
// same salt is looked up again.
//
// Entries are immutable once inserted: a given salt always derives to the
// same key for a given passphrase, so there is nothing to invalidate.
type KeyCache struct {
	passphrase string

	mu      sync.RWMutex
	entries map[string][]byte // hex(salt) -> derived key
}

// NewKeyCache creates a cache bound to a single passphrase. A process only
// ever holds one passphrase at a time (entered once at startup), so the
// cache does not need to key on passphrase as well as salt.
func NewKeyCache(passphrase string) *KeyCache {
	return &KeyCache{
		passphrase: passphrase,
		entries:    make(map[string][]byte),
	}
}

// Get returns the AES key for salt, deriving and caching it on first use.
func (c *KeyCache) Get(salt []byte) []byte {
	k := hex.EncodeToString(salt)

	c.mu.RLock()
	if key, ok := c.entries[k]; ok {
		c.mu.RUnlock()
		return key
	}
	c.mu.RUnlock()

	key := DeriveKey(c.passphrase, salt)

	c.mu.Lock()
	c.entries[k] = key
	c.mu.Unlock()

	return key
}

// Len returns the number of distinct salts currently cached. Exposed for
// metrics and tests.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
