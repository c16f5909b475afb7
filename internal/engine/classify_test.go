package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldvault/coldvault/internal/manifest"
)

type fakeFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() os.FileMode  { return 0o644 }
func (f fakeFileInfo) ModTime() time.Time { return f.modTime }
func (f fakeFileInfo) IsDir() bool        { return f.dir }
func (f fakeFileInfo) Sys() interface{}   { return nil }

func TestClassifyDirectory(t *testing.T) {
	info := fakeFileInfo{name: "d", dir: true}
	c := classify("d", "/tmp/d", info, nil, nil, nil)
	if c.Decision != DecisionDirectory {
		t.Fatalf("expected DecisionDirectory, got %v", c.Decision)
	}
}

func TestClassifyUnmodifiedWhenStoredMtimeNotBefore(t *testing.T) {
	now := time.Unix(1000, 0)
	info := fakeFileInfo{name: "a.txt", size: 10, modTime: now}

	distantFiles := map[string]manifest.Entry{
		"a.txt": {Path: "a.txt", MtimeNs: uint64(now.UnixNano()), Size: 10},
	}
	c := classify("a.txt", "/tmp/a.txt", info, distantFiles, nil, nil)
	if c.Decision != DecisionUnmodified {
		t.Fatalf("expected DecisionUnmodified, got %v", c.Decision)
	}
}

func TestClassifyUnmodifiedWhenStoredMtimeStrictlyGreater(t *testing.T) {
	// The unmodified check is stored_mtime >= current_mtime, not ==:
	// a stored timestamp strictly ahead of the current one must still
	// count as unmodified, per spec.md's explicit instruction to
	// preserve this comparison direction verbatim.
	now := time.Unix(1000, 0)
	later := time.Unix(2000, 0)
	info := fakeFileInfo{name: "a.txt", size: 10, modTime: now}

	distantFiles := map[string]manifest.Entry{
		"a.txt": {Path: "a.txt", MtimeNs: uint64(later.UnixNano()), Size: 10},
	}
	c := classify("a.txt", "/tmp/a.txt", info, distantFiles, nil, nil)
	if c.Decision != DecisionUnmodified {
		t.Fatalf("expected DecisionUnmodified, got %v", c.Decision)
	}
}

func TestClassifyNewWhenSizeDiffers(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "a.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	distantFiles := map[string]manifest.Entry{
		"a.txt": {Path: "a.txt", MtimeNs: uint64(info.ModTime().UnixNano()), Size: 999},
	}
	c := classify("a.txt", path, info, distantFiles, nil, nil)
	if c.Decision != DecisionNew {
		t.Fatalf("expected DecisionNew, got %v", c.Decision)
	}
}

func TestClassifyDuplicateByHash(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "b.txt")
	if err := os.WriteFile(path, []byte("same content"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	hash, _, err := hashFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var existing manifest.ChunkID
	existing[0] = 0x42
	distantHashes := map[manifest.Hash]manifest.ChunkID{hash: existing}

	c := classify("b.txt", path, info, nil, distantHashes, nil)
	if c.Decision != DecisionDuplicate {
		t.Fatalf("expected DecisionDuplicate, got %v", c.Decision)
	}
	if c.ChunkID != existing {
		t.Fatalf("expected reused chunk id %x, got %x", existing, c.ChunkID)
	}
}

func TestClassifyNewContent(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "c.txt")
	if err := os.WriteFile(path, []byte("brand new content"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	c := classify("c.txt", path, info, nil, nil, nil)
	if c.Decision != DecisionNew {
		t.Fatalf("expected DecisionNew, got %v", c.Decision)
	}
	if c.Size != int64(len("brand new content")) {
		t.Fatalf("unexpected size %d", c.Size)
	}
}

func TestClassifyMissingOnVanishedFile(t *testing.T) {
	info := fakeFileInfo{name: "gone.txt", size: 5, modTime: time.Now()}
	c := classify("gone.txt", "/nonexistent/path/gone.txt", info, nil, nil, nil)
	if c.Decision != DecisionMissing {
		t.Fatalf("expected DecisionMissing for a vanished file, got %v", c.Decision)
	}
}
