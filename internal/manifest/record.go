// Package manifest implements the encode/decode and replay logic for the
// append-only `.files` log: the authoritative record of which chunk a path
// last pointed to, and of paths that have since been deleted.
package manifest

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// LogName is the fixed filename of the manifest log on the remote.
const LogName = ".files"

// ChunkIDSize is the width, in bytes, of a chunk identifier.
const ChunkIDSize = 16

// HashSize is the width, in bytes, of a content hash (SHA-256).
const HashSize = 32

// ChunkID identifies a chunk blob on the remote. Its hex encoding is also
// the chunk's filename.
type ChunkID [ChunkIDSize]byte

// Hex returns the lowercase hex encoding used as the chunk's remote filename.
func (c ChunkID) Hex() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether c is the all-zero chunk ID used in tombstones.
func (c ChunkID) IsZero() bool {
	return c == ChunkID{}
}

// ParseChunkID decodes a hex chunk ID filename back into a ChunkID.
func ParseChunkID(hexStr string) (ChunkID, error) {
	var c ChunkID
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return c, fmt.Errorf("manifest: invalid chunk id %q: %w", hexStr, err)
	}
	if len(b) != ChunkIDSize {
		return c, fmt.Errorf("manifest: chunk id %q has wrong length %d", hexStr, len(b))
	}
	copy(c[:], b)
	return c, nil
}

// Hash is a SHA-256 content digest.
type Hash [HashSize]byte

// IsZero reports whether h is the all-zero hash used in tombstones.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Entry is the logical content of one manifest record: everything needed
// to locate, verify, and restore one path.
type Entry struct {
	Path    string
	ChunkID ChunkID
	MtimeNs uint64
	Size    int64
	Hash    Hash
}

// IsTombstone reports whether e marks Path as deleted. By construction a
// tombstone carries a zero chunk ID and a zero hash; MtimeNs/Size are
// meaningless for a tombstone and are conventionally left at zero too.
func (e Entry) IsTombstone() bool {
	return e.ChunkID.IsZero() && e.Hash.IsZero()
}

// Tombstone builds the entry that marks path as deleted.
func Tombstone(path string) Entry {
	return Entry{Path: path}
}

// ErrTruncatedRecord is returned by DecodeRecord when the remaining bytes
// in the log are fewer than a complete record requires. This is expected
// at the tail of a log written by a session that was interrupted mid-append
// and is not treated as fatal by ReplayLog.
var ErrTruncatedRecord = errors.New("manifest: truncated trailing record")
