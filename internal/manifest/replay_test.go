package manifest

import (
	"bytes"
	"testing"

	"github.com/coldvault/coldvault/internal/crypto"
)

func appendRecord(t *testing.T, buf *bytes.Buffer, e Entry, keys *crypto.KeyCache) {
	t.Helper()
	rec, err := EncodeRecord(e, keys)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	buf.Write(rec)
}

func TestReplayLogLastWriteWins(t *testing.T) {
	keys := crypto.NewKeyCache("pw")
	var log bytes.Buffer

	first := testEntry("a.txt")
	first.Size = 10
	appendRecord(t, &log, first, keys)

	second := testEntry("a.txt")
	second.Size = 20
	second.ChunkID[0] = 0xEE
	appendRecord(t, &log, second, keys)

	distantChunks := map[string]bool{second.ChunkID.Hex(): true}
	files, _, truncated, err := ReplayLog(bytes.NewReader(log.Bytes()), keys, distantChunks)
	if err != nil {
		t.Fatalf("ReplayLog: %v", err)
	}
	if truncated {
		t.Fatal("unexpected truncation")
	}
	got, ok := files["a.txt"]
	if !ok {
		t.Fatal("expected a.txt in replayed files")
	}
	if got.Size != 20 || got.ChunkID != second.ChunkID {
		t.Fatalf("last-write-wins violated: got %+v", got)
	}
}

func TestReplayLogTombstoneDeletes(t *testing.T) {
	keys := crypto.NewKeyCache("pw")
	var log bytes.Buffer

	appendRecord(t, &log, testEntry("a.txt"), keys)
	appendRecord(t, &log, Tombstone("a.txt"), keys)

	files, _, _, err := ReplayLog(bytes.NewReader(log.Bytes()), keys, nil)
	if err != nil {
		t.Fatalf("ReplayLog: %v", err)
	}
	if _, ok := files["a.txt"]; ok {
		t.Fatal("expected a.txt to be removed by tombstone")
	}
}

func TestReplayLogHashIndexRequiresLiveChunk(t *testing.T) {
	keys := crypto.NewKeyCache("pw")
	var log bytes.Buffer

	e := testEntry("a.txt")
	appendRecord(t, &log, e, keys)

	// Chunk not present on remote: must not be indexed for dedup.
	_, hashes, _, err := ReplayLog(bytes.NewReader(log.Bytes()), keys, map[string]bool{})
	if err != nil {
		t.Fatalf("ReplayLog: %v", err)
	}
	if _, ok := hashes[e.Hash]; ok {
		t.Fatal("hash indexed for a chunk absent from distantChunks")
	}

	// Chunk present: must be indexed, and must survive a later tombstone
	// on the path that introduced it.
	log.Reset()
	appendRecord(t, &log, e, keys)
	appendRecord(t, &log, Tombstone("a.txt"), keys)

	_, hashes, _, err = ReplayLog(bytes.NewReader(log.Bytes()), keys, map[string]bool{e.ChunkID.Hex(): true})
	if err != nil {
		t.Fatalf("ReplayLog: %v", err)
	}
	if got, ok := hashes[e.Hash]; !ok || got != e.ChunkID {
		t.Fatal("expected hash index to survive tombstone of the introducing path")
	}
}

func TestReplayLogToleratesTrailingTruncation(t *testing.T) {
	keys := crypto.NewKeyCache("pw")
	var log bytes.Buffer

	appendRecord(t, &log, testEntry("a.txt"), keys)
	good := log.Bytes()

	var withGarbage bytes.Buffer
	withGarbage.Write(good)

	partial, err := EncodeRecord(testEntry("b.txt"), keys)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	withGarbage.Write(partial[:len(partial)-3])

	files, _, truncated, err := ReplayLog(bytes.NewReader(withGarbage.Bytes()), keys, nil)
	if err != nil {
		t.Fatalf("ReplayLog should tolerate a truncated trailing record, got error: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncated=true")
	}
	if _, ok := files["a.txt"]; !ok {
		t.Fatal("expected a.txt from the well-formed leading record")
	}
	if _, ok := files["b.txt"]; ok {
		t.Fatal("did not expect b.txt from the truncated trailing record")
	}
}
