package engine

import (
	"crypto/sha256"
	"io"
	"os"
	"sync"

	"github.com/coldvault/coldvault/internal/manifest"
)

// Decision is the outcome of classifying one local file against the
// replayed remote manifest state, implementing the six-way split spec'd
// for backup: directory, missing, unhashable, unmodified,
// duplicate-or-rename, and new content.
type Decision int

const (
	// DecisionDirectory marks a path that is a directory; ignored.
	DecisionDirectory Decision = iota
	// DecisionMissing marks a file that vanished between enumeration and
	// stat time.
	DecisionMissing
	// DecisionUnhashable marks a file whose content could not be read to
	// compute a hash (permission error, special file).
	DecisionUnhashable
	// DecisionUnmodified marks a file already accounted for by the
	// remote entry's stored mtime and size; no upload needed.
	DecisionUnmodified
	// DecisionDuplicate marks a file whose content hash matches a chunk
	// already present on the remote — a rename or a content duplicate.
	// No upload needed, only a new manifest record binding the path.
	DecisionDuplicate
	// DecisionNew marks content not seen before; it must be uploaded
	// under a freshly allocated chunk id.
	DecisionNew
)

func (d Decision) String() string {
	switch d {
	case DecisionDirectory:
		return "directory"
	case DecisionMissing:
		return "missing"
	case DecisionUnhashable:
		return "unhashable"
	case DecisionUnmodified:
		return "unmodified"
	case DecisionDuplicate:
		return "duplicate"
	case DecisionNew:
		return "new"
	default:
		return "unknown"
	}
}

// Classification is the full result of classifying one local file.
type Classification struct {
	Decision Decision
	ChunkID  manifest.ChunkID // set for Unmodified and Duplicate
	Hash     manifest.Hash    // set once computed, for Duplicate and New
	MtimeNs  uint64
	Size     int64
}

// classifyStat performs the cheap, content-free half of classification.
// It can decide Directory or Unmodified without reading file bytes; any
// other case requires hashing, which the caller does separately.
func classifyStat(relPath string, info os.FileInfo, distantFiles map[string]manifest.Entry) (Classification, bool) {
	if info.IsDir() {
		return Classification{Decision: DecisionDirectory}, true
	}

	mtimeNs := uint64(info.ModTime().UnixNano())
	size := info.Size()

	if prior, ok := distantFiles[relPath]; ok {
		// stored mtime >= current mtime, not ==: preserved verbatim per
		// the unmodified-check open question. A content-reused record's
		// stored mtime is the referencing file's mtime at the moment
		// that backup ran, so this also covers the rename/dedup case on
		// a later unchanged pass.
		if prior.MtimeNs >= mtimeNs && prior.Size == size {
			return Classification{
				Decision: DecisionUnmodified,
				ChunkID:  prior.ChunkID,
				MtimeNs:  mtimeNs,
				Size:     size,
			}, true
		}
	}

	return Classification{MtimeNs: mtimeNs, Size: size}, false
}

// hashFile computes the SHA-256 of the file at absPath.
func hashFile(absPath string) (manifest.Hash, int64, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return manifest.Hash{}, 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return manifest.Hash{}, 0, err
	}

	var hash manifest.Hash
	copy(hash[:], h.Sum(nil))
	return hash, n, nil
}

// classify runs the complete classification for one local file. It
// hashes content only when classifyStat could not already decide
// Unmodified, and treats any open/read failure during hashing as
// DecisionUnhashable (permission error or special file) rather than an
// aborting error — a soft, per-file skip.
//
// distantHashes is read under hashesMu, since the backup path inserts
// into it concurrently as new uploads complete (see recordDistantHash):
// a second file with identical content later in the same session must
// be detected as a duplicate of the chunk the first upload just
// published, per spec.md §4.8/§9's "distant_hashes" mutex-guarded shared
// map. hashesMu may be nil for single-threaded callers (tests), in which
// case the map is read without locking.
func classify(relPath, absPath string, info os.FileInfo, distantFiles map[string]manifest.Entry, distantHashes map[manifest.Hash]manifest.ChunkID, hashesMu *sync.Mutex) Classification {
	if c, done := classifyStat(relPath, info, distantFiles); done {
		return c
	}

	hash, size, err := hashFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Classification{Decision: DecisionMissing}
		}
		return Classification{Decision: DecisionUnhashable}
	}

	mtimeNs := uint64(info.ModTime().UnixNano())

	chunkID, ok := lookupDistantHash(distantHashes, hashesMu, hash)
	if ok {
		return Classification{
			Decision: DecisionDuplicate,
			ChunkID:  chunkID,
			Hash:     hash,
			MtimeNs:  mtimeNs,
			Size:     size,
		}
	}

	return Classification{
		Decision: DecisionNew,
		Hash:     hash,
		MtimeNs:  mtimeNs,
		Size:     size,
	}
}

// lookupDistantHash reads distantHashes[hash], locking hashesMu first if
// it is non-nil.
func lookupDistantHash(distantHashes map[manifest.Hash]manifest.ChunkID, hashesMu *sync.Mutex, hash manifest.Hash) (manifest.ChunkID, bool) {
	if hashesMu != nil {
		hashesMu.Lock()
		defer hashesMu.Unlock()
	}
	chunkID, ok := distantHashes[hash]
	return chunkID, ok
}

// recordDistantHash inserts hash -> chunkID into distantHashes, locking
// hashesMu first if it is non-nil. Called after a DecisionNew upload
// durably publishes its chunk, so that a later file in the same backup
// session with identical content is classified as a duplicate of it
// instead of uploading a second copy.
func recordDistantHash(distantHashes map[manifest.Hash]manifest.ChunkID, hashesMu *sync.Mutex, hash manifest.Hash, chunkID manifest.ChunkID) {
	if hashesMu != nil {
		hashesMu.Lock()
		defer hashesMu.Unlock()
	}
	distantHashes[hash] = chunkID
}
