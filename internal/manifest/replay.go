package manifest

import (
	"errors"
	"io"

	"github.com/coldvault/coldvault/internal/crypto"
)

// ReplayLog folds every record in r into the two maps the sync engine
// needs: the last-write-wins view of path -> entry (with tombstones
// deleting), and an index from content hash to chunk id used to detect
// duplicate or renamed content.
//
// distantChunks is the set of chunk filenames (hex-encoded chunk ids)
// actually present on the remote; a hash is only indexed if its chunk
// still exists there, since a record pointing at a chunk that orphan GC
// already removed cannot be reused for dedup. The hash index is retained
// for tombstoned paths, as a later record on some other path may still
// want to reuse that chunk.
//
// A truncated trailing record — the tail of a log written by a session
// that was interrupted mid-append — is reported via the truncated return
// value rather than as an error; replay of everything before it still
// succeeds.
func ReplayLog(r io.Reader, keys *crypto.KeyCache, distantChunks map[string]bool) (files map[string]Entry, hashes map[Hash]ChunkID, truncated bool, err error) {
	files = make(map[string]Entry)
	hashes = make(map[Hash]ChunkID)

	for {
		e, decodeErr := DecodeRecord(r, keys)
		if decodeErr != nil {
			if errors.Is(decodeErr, io.EOF) {
				return files, hashes, false, nil
			}
			if errors.Is(decodeErr, ErrTruncatedRecord) {
				return files, hashes, true, nil
			}
			return nil, nil, false, decodeErr
		}

		if e.IsTombstone() {
			delete(files, e.Path)
			continue
		}

		files[e.Path] = e
		if distantChunks[e.ChunkID.Hex()] {
			hashes[e.Hash] = e.ChunkID
		}
	}
}
