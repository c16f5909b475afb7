// Package transport defines the narrow capability interface the sync
// engine needs of a destination — local filesystem or remote SFTP server —
// and nothing more.
package transport

import "io"

// WriteCloser is a plain, non-seekable byte sink: the crypto pipeline's block layout
// does not require seeking to write (each block is appended in order), but
// SFTP and local file handles both naturally satisfy io.WriteCloser, which
// is all callers need.
type WriteCloser = io.WriteCloser

// Transport is the complete set of remote operations the chunk store and
// sync engine require of a destination. Both the local-filesystem and
// SFTP adapters implement it identically from the engine's point of view.
type Transport interface {
	// Chdir changes the transport's working directory, creating it first
	// if it does not already exist.
	Chdir(path string) error

	// IsDir reports whether name exists and is a directory.
	IsDir(name string) bool

	// IsFile reports whether name exists and is a regular file.
	IsFile(name string) bool

	// ListDir lists the names present in the current working directory.
	ListDir() ([]string, error)

	// OpenRead opens name for streaming reads.
	OpenRead(name string) (io.ReadCloser, error)

	// OpenWrite creates or truncates name for streaming writes.
	OpenWrite(name string) (WriteCloser, error)

	// OpenAppend opens name for append, creating it if it does not exist.
	OpenAppend(name string) (io.WriteCloser, error)

	// Rename atomically renames oldName to newName within the current
	// directory.
	Rename(oldName, newName string) error

	// Remove deletes name.
	Remove(name string) error

	// GetToBuffer reads the entirety of name into memory. Used for the
	// manifest log, which is always small enough to buffer.
	GetToBuffer(name string) ([]byte, error)

	// Close releases any underlying connection.
	Close() error
}
