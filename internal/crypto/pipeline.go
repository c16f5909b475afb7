package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// NonceSize is the width, in bytes, of both the per-frame base nonce stored
// in the header and the derived per-block nonce handed to GCM.
const NonceSize = 16

// headerSize is the fixed-size prefix written before the first sealed block:
// a random salt (used to derive the key) followed by a random base nonce
// (used to derive every block's nonce).
const headerSize = SaltSize + NonceSize

// Encrypt streams src through AES-128-GCM and writes a self-contained
// encrypted frame to dst: a header carrying a fresh salt and base nonce,
// followed by one sealed record per blockSize-sized chunk of plaintext.
//
// Sealing per block instead of the whole stream keeps memory use flat
// regardless of input size — crypto/cipher's AEAD has no incremental Seal,
// so a single tag over arbitrarily large input would require buffering the
// entire plaintext (or ciphertext, on the decrypt side) in memory first.
// Each block gets its own nonce, derived from the base nonce XORed with the
// block index, and the index is also bound in as additional data so blocks
// cannot be reordered or duplicated without detection. No block is marked
// as the last one, so a frame cut off exactly at a block boundary still
// decrypts without error, to the shorter plaintext.
func Encrypt(dst io.Writer, src io.Reader, keys *KeyCache) (err error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("crypto: generate salt: %w", err)
	}
	baseNonce := make([]byte, NonceSize)
	if _, err := rand.Read(baseNonce); err != nil {
		return fmt.Errorf("crypto: generate nonce: %w", err)
	}

	header := make([]byte, 0, headerSize)
	header = append(header, salt...)
	header = append(header, baseNonce...)
	if _, err := dst.Write(header); err != nil {
		return fmt.Errorf("crypto: write header: %w", err)
	}

	gcm, err := newGCM(keys.Get(salt))
	if err != nil {
		return err
	}

	pool := GetGlobalBufferPool()
	plain := pool.GetBlock()[:blockSize]
	sealedBuf := pool.GetBlock()
	defer pool.Put(plain)
	defer pool.Put(sealedBuf)

	var blockIndex uint64
	for {
		n, readErr := io.ReadFull(src, plain)
		if n > 0 {
			sealed := gcm.Seal(sealedBuf[:0], deriveBlockNonce(baseNonce, blockIndex), plain[:n], aadFor(blockIndex))
			if _, err := dst.Write(sealed); err != nil {
				return fmt.Errorf("crypto: write block %d: %w", blockIndex, err)
			}
			blockIndex++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("crypto: read plaintext: %w", readErr)
		}
	}

	return nil
}

// Decrypt reverses Encrypt: it reads the header from src, then opens each
// sealed block in turn and writes the recovered plaintext to dst. It
// returns a *CorruptionError if any block fails authentication.
func Decrypt(dst io.Writer, src io.Reader, keys *KeyCache) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return fmt.Errorf("crypto: read header: %w", err)
	}
	salt := header[:SaltSize]
	baseNonce := header[SaltSize:headerSize]

	gcm, err := newGCM(keys.Get(salt))
	if err != nil {
		return err
	}

	pool := GetGlobalBufferPool()
	sealed := pool.GetBlock()
	plainBuf := pool.GetBlock()[:blockSize]
	defer pool.Put(sealed)
	defer pool.Put(plainBuf)

	var blockIndex uint64
	for {
		n, readErr := io.ReadFull(src, sealed)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return fmt.Errorf("crypto: read block %d: %w", blockIndex, readErr)
		}
		if n == 0 {
			break
		}
		if n < gcm.Overhead() {
			return &CorruptionError{BlockIndex: blockIndex, Err: fmt.Errorf("truncated block: %d bytes", n)}
		}

		plain, err := gcm.Open(plainBuf[:0], deriveBlockNonce(baseNonce, blockIndex), sealed[:n], aadFor(blockIndex))
		if err != nil {
			return &CorruptionError{BlockIndex: blockIndex, Err: err}
		}
		if _, err := dst.Write(plain); err != nil {
			return fmt.Errorf("crypto: write plaintext block %d: %w", blockIndex, err)
		}
		blockIndex++

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: new GCM: %w", err)
	}
	return gcm, nil
}

// deriveBlockNonce derives the per-block nonce from the frame's base nonce
// by XORing in the block index as a big-endian counter occupying the low
// 8 bytes, so every block of a frame is sealed under a distinct nonce.
func deriveBlockNonce(baseNonce []byte, blockIndex uint64) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, baseNonce)
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], blockIndex)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] ^= counter[i]
	}
	return nonce
}

// aadFor returns the additional authenticated data bound into a block: its
// position within the frame. This stops an attacker from splicing blocks
// from one position into another, since the tag would then fail to verify
// against the AAD expected at that position.
func aadFor(blockIndex uint64) []byte {
	var aad [8]byte
	binary.BigEndian.PutUint64(aad[:], blockIndex)
	return aad[:]
}
