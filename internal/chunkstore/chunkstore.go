// Package chunkstore implements the content-addressed blob store the sync
// engine uploads chunks to and downloads chunks from: atomic
// temp-then-rename publish, startup cleanup of debris from an interrupted
// session, and end-of-backup orphan collection.
package chunkstore

import (
	"fmt"
	"io"
	"strings"

	"github.com/coldvault/coldvault/internal/manifest"
	"github.com/coldvault/coldvault/internal/transport"
)

// fsyncer is implemented by transports that can durably flush a
// just-written file. Only the local adapter does; there is no fsync verb
// in transport.Transport itself because most SFTP servers don't expose
// one, so Publish degrades to a no-op sync on those.
type fsyncer interface {
	Fsync(name string) error
}

// Publish writes data to a temporary name and renames it into place only
// once the write has fully succeeded, so a reader never observes a
// partially written chunk and a crash mid-write leaves only `.tmp` debris
// behind, never a corrupt final name.
//
// When durable is true and the transport supports it, the temporary file
// is fsynced before the rename. This closes (but does not eliminate — the
// rename itself is not synced) the window in which a manifest record
// could end up referencing a chunk whose write never reached disk.
func Publish(tr transport.Transport, id manifest.ChunkID, data io.Reader, durable bool) error {
	tmpName := id.Hex() + ".tmp"

	w, err := tr.OpenWrite(tmpName)
	if err != nil {
		return fmt.Errorf("chunkstore: open %s: %w", tmpName, err)
	}
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return fmt.Errorf("chunkstore: write %s: %w", tmpName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("chunkstore: close %s: %w", tmpName, err)
	}

	if durable {
		if fs, ok := tr.(fsyncer); ok {
			if err := fs.Fsync(tmpName); err != nil {
				return fmt.Errorf("chunkstore: fsync %s: %w", tmpName, err)
			}
		}
	}

	if err := tr.Rename(tmpName, id.Hex()); err != nil {
		return fmt.Errorf("chunkstore: publish %s: %w", id.Hex(), err)
	}
	return nil
}

// Fetch opens a published chunk for streaming read.
func Fetch(tr transport.Transport, id manifest.ChunkID) (io.ReadCloser, error) {
	r, err := tr.OpenRead(id.Hex())
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open %s: %w", id.Hex(), err)
	}
	return r, nil
}

// List enumerates the chunk blobs currently present: every directory
// entry whose name contains no '.' (the manifest log and any `.tmp`
// debris are excluded by construction).
func List(tr transport.Transport) ([]string, error) {
	names, err := tr.ListDir()
	if err != nil {
		return nil, fmt.Errorf("chunkstore: list: %w", err)
	}
	chunks := make([]string, 0, len(names))
	for _, n := range names {
		if !strings.Contains(n, ".") {
			chunks = append(chunks, n)
		}
	}
	return chunks, nil
}

// SweepTemp removes every `*.tmp` file left behind by a session that was
// interrupted before it could rename a chunk into place. It must run
// before any upload in the current session begins, since a `.tmp` file's
// content cannot be trusted.
func SweepTemp(tr transport.Transport) error {
	names, err := tr.ListDir()
	if err != nil {
		return fmt.Errorf("chunkstore: list for sweep: %w", err)
	}
	for _, n := range names {
		if strings.HasSuffix(n, ".tmp") {
			if err := tr.Remove(n); err != nil {
				return fmt.Errorf("chunkstore: remove stale temp %s: %w", n, err)
			}
		}
	}
	return nil
}

// CollectOrphans removes every published chunk not present in required
// and returns the names removed. It must run only after every upload in
// the current session has joined, since required is not complete until
// then.
func CollectOrphans(tr transport.Transport, required map[string]bool) ([]string, error) {
	present, err := List(tr)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, name := range present {
		if required[name] {
			continue
		}
		if err := tr.Remove(name); err != nil {
			return removed, fmt.Errorf("chunkstore: remove orphan %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}
