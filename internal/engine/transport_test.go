package engine

import (
	"bytes"
	"io"

	"github.com/coldvault/coldvault/internal/transport"
)

// fakeTransport is a minimal in-memory transport.Transport, mirroring the
// one in internal/chunkstore's tests, used here to exercise a full
// backup/restore session without touching the filesystem or a network.
type fakeTransport struct {
	files map[string][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{files: make(map[string][]byte)}
}

var _ transport.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Chdir(string) error { return nil }
func (f *fakeTransport) IsDir(string) bool  { return false }
func (f *fakeTransport) IsFile(name string) bool {
	_, ok := f.files[name]
	return ok
}
func (f *fakeTransport) ListDir() ([]string, error) {
	names := make([]string, 0, len(f.files))
	for n := range f.files {
		names = append(names, n)
	}
	return names, nil
}
func (f *fakeTransport) OpenRead(name string) (io.ReadCloser, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeWriter struct {
	f    *fakeTransport
	name string
	buf  bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriter) Close() error {
	w.f.files[w.name] = w.buf.Bytes()
	return nil
}

func (f *fakeTransport) OpenWrite(name string) (transport.WriteCloser, error) {
	return &fakeWriter{f: f, name: name}, nil
}
func (f *fakeTransport) OpenAppend(name string) (io.WriteCloser, error) {
	return &fakeWriter{f: f, name: name, buf: *bytes.NewBuffer(f.files[name])}, nil
}
func (f *fakeTransport) Rename(oldName, newName string) error {
	data, ok := f.files[oldName]
	if !ok {
		return io.ErrUnexpectedEOF
	}
	delete(f.files, oldName)
	f.files[newName] = data
	return nil
}
func (f *fakeTransport) Remove(name string) error {
	if _, ok := f.files[name]; !ok {
		return io.ErrUnexpectedEOF
	}
	delete(f.files, name)
	return nil
}
func (f *fakeTransport) GetToBuffer(name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return data, nil
}
func (f *fakeTransport) Close() error { return nil }
