package manifest

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/coldvault/coldvault/internal/crypto"
)

// fieldsSize is the width of the fixed-layout fields preceding the
// variable-length path: chunk id + mtime + size + hash.
const fieldsSize = ChunkIDSize + 8 + 8 + HashSize

// EncodeRecord serializes e as a length-prefixed, DEFLATE-compressed,
// encrypted manifest record ready to append to a `.files` log.
func EncodeRecord(e Entry, keys *crypto.KeyCache) ([]byte, error) {
	plain := make([]byte, 0, fieldsSize+len(e.Path))
	plain = append(plain, e.ChunkID[:]...)

	var mtimeBuf, sizeBuf [8]byte
	binary.LittleEndian.PutUint64(mtimeBuf[:], e.MtimeNs)
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(e.Size))
	plain = append(plain, mtimeBuf[:]...)
	plain = append(plain, sizeBuf[:]...)
	plain = append(plain, e.Hash[:]...)
	plain = append(plain, []byte(e.Path)...)

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("manifest: new deflate writer: %w", err)
	}
	if _, err := fw.Write(plain); err != nil {
		return nil, fmt.Errorf("manifest: deflate record: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("manifest: close deflate writer: %w", err)
	}

	var frame bytes.Buffer
	if err := crypto.Encrypt(&frame, &compressed, keys); err != nil {
		return nil, fmt.Errorf("manifest: encrypt record: %w", err)
	}

	out := make([]byte, 4+frame.Len())
	binary.LittleEndian.PutUint32(out[:4], uint32(frame.Len()))
	copy(out[4:], frame.Bytes())
	return out, nil
}

// DecodeRecord reads one length-prefixed record from r and returns its
// decoded entry. It returns io.EOF when r is exhausted at a record
// boundary (a clean end of log), and ErrTruncatedRecord when fewer bytes
// remain than the length prefix promises (an interrupted append).
func DecodeRecord(r io.Reader, keys *crypto.KeyCache) (Entry, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return Entry{}, io.EOF
		}
		return Entry{}, ErrTruncatedRecord
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return Entry{}, ErrTruncatedRecord
	}

	var compressed bytes.Buffer
	if err := crypto.Decrypt(&compressed, bytes.NewReader(frame), keys); err != nil {
		return Entry{}, fmt.Errorf("manifest: decrypt record: %w", err)
	}

	fr := flate.NewReader(&compressed)
	defer fr.Close()
	var plain bytes.Buffer
	if _, err := io.Copy(&plain, fr); err != nil {
		return Entry{}, fmt.Errorf("manifest: inflate record: %w", err)
	}

	return decodeFields(plain.Bytes())
}

func decodeFields(b []byte) (Entry, error) {
	if len(b) < fieldsSize {
		return Entry{}, fmt.Errorf("manifest: record too short: %d bytes", len(b))
	}
	var e Entry
	copy(e.ChunkID[:], b[0:ChunkIDSize])
	off := ChunkIDSize
	e.MtimeNs = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	e.Size = int64(binary.LittleEndian.Uint64(b[off : off+8]))
	off += 8
	copy(e.Hash[:], b[off:off+HashSize])
	off += HashSize
	e.Path = string(b[off:])
	return e, nil
}
