// Package local implements the transport.Transport interface directly
// over the host filesystem, used whenever a backup source or destination
// does not parse as a remote address.
package local

import (
	"io"
	"os"
	"path/filepath"

	"github.com/coldvault/coldvault/internal/transport"
)

// Transport is a transport.Transport backed by os/io-fs calls rooted at a
// single working directory.
type Transport struct {
	root string
}

// New creates a local transport with no working directory set. Chdir must
// be called before any other method.
func New() *Transport {
	return &Transport{}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Chdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	t.root = abs
	return nil
}

func (t *Transport) resolve(name string) string {
	return filepath.Join(t.root, name)
}

func (t *Transport) IsDir(name string) bool {
	info, err := os.Stat(t.resolve(name))
	return err == nil && info.IsDir()
}

func (t *Transport) IsFile(name string) bool {
	info, err := os.Stat(t.resolve(name))
	return err == nil && info.Mode().IsRegular()
}

func (t *Transport) ListDir() ([]string, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (t *Transport) OpenRead(name string) (io.ReadCloser, error) {
	return os.Open(t.resolve(name))
}

func (t *Transport) OpenWrite(name string) (transport.WriteCloser, error) {
	return os.OpenFile(t.resolve(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (t *Transport) OpenAppend(name string) (io.WriteCloser, error) {
	return os.OpenFile(t.resolve(name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

func (t *Transport) Rename(oldName, newName string) error {
	return os.Rename(t.resolve(oldName), t.resolve(newName))
}

func (t *Transport) Remove(name string) error {
	return os.Remove(t.resolve(name))
}

func (t *Transport) GetToBuffer(name string) ([]byte, error) {
	return os.ReadFile(t.resolve(name))
}

func (t *Transport) Close() error {
	return nil
}

// Fsync durably flushes a just-written file to disk. This is not part of
// transport.Transport — it is an optional extra the chunk store uses only
// on the local adapter, since there is no fsync verb in the shared
// capability interface and SFTP servers rarely expose one.
func (t *Transport) Fsync(name string) error {
	f, err := os.OpenFile(t.resolve(name), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
