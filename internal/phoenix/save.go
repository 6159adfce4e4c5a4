package phoenix

import (
	"compress/gzip"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// SaveOptions control optional transformations applied while saving a
// downloaded file.
type SaveOptions struct {
	// Compress gzips the file on disk (".gz" suffix)
	Compress bool

	// Key enables encryption at rest (".lock" suffix). Must be a
	// 32-byte XChaCha20-Poly1305 key when set.
	Key []byte

	// Verify, when set, runs after the content is fully written and
	// flushed but before the temp file is renamed into place. A non-nil
	// error aborts the save and removes the temp file. Downloaders use
	// this to check content hashes before committing a file.
	Verify func() error
}

// FinalName returns the on-disk name for a file saved with the given
// options. Encryption applies before compression, so the suffixes stack
// as ".lock.gz".
func FinalName(name string, opts SaveOptions) string {
	if len(opts.Key) > 0 {
		name += ".lock"
	}
	if opts.Compress {
		name += ".gz"
	}
	return name
}

// lockMagic identifies the chunked encrypted file format.
var lockMagic = []byte("LOCHLOCK1")

// lockChunkSize is the plaintext chunk size for encrypted saves.
const lockChunkSize = 64 * 1024

// Save writes content to dst atomically: the data goes to a hidden temp
// file in the destination directory, is fsynced, chmodded 0644 and then
// renamed into place. Optional gzip compression and encryption at rest
// apply according to opts.
//
// The destination directory is created if missing. An existing dst is
// replaced.
func Save(dst string, content io.Reader, opts SaveOptions) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	var w io.Writer = tmp
	var closers []io.Closer

	if opts.Compress {
		gz := gzip.NewWriter(w)
		w = gz
		closers = append(closers, gz)
	}

	if len(opts.Key) > 0 {
		sw, err := newSealWriter(w, opts.Key)
		if err != nil {
			return cleanup(err)
		}
		w = sw
		closers = append(closers, sw)
	}

	if _, err := io.Copy(w, content); err != nil {
		return cleanup(fmt.Errorf("failed to write %s: %w", dst, err))
	}

	// Close innermost first so each layer flushes into the next
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			return cleanup(err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}

	if opts.Verify != nil {
		if err := opts.Verify(); err != nil {
			return cleanup(err)
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file to %s: %w", dst, err)
	}

	return nil
}

// sealWriter chunks plaintext and seals each chunk with
// XChaCha20-Poly1305. Each chunk is written as:
// uint32 length | nonce | ciphertext. The stream starts with lockMagic.
type sealWriter struct {
	dst  io.Writer
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		NonceSize() int
	}
	buf        []byte
	headerDone bool
}

func newSealWriter(dst io.Writer, key []byte) (*sealWriter, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("bad encryption key: %w", err)
	}
	return &sealWriter{dst: dst, aead: aead}, nil
}

func (s *sealWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := lockChunkSize - len(s.buf)
		if n > len(p) {
			n = len(p)
		}
		s.buf = append(s.buf, p[:n]...)
		written += n
		p = p[n:]

		if len(s.buf) == lockChunkSize {
			if err := s.flushChunk(s.buf); err != nil {
				return written, err
			}
			s.buf = s.buf[:0]
		}
	}
	return written, nil
}

// Close flushes the final partial chunk. An empty file still gets one
// empty sealed chunk so decryption can authenticate it.
func (s *sealWriter) Close() error {
	return s.flushChunk(s.buf)
}

func (s *sealWriter) flushChunk(plaintext []byte) error {
	if !s.headerDone {
		if _, err := s.dst.Write(lockMagic); err != nil {
			return err
		}
		s.headerDone = true
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	sealed := s.aead.Seal(nil, nonce, plaintext, nil)

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(sealed)))
	if _, err := s.dst.Write(length[:]); err != nil {
		return err
	}
	if _, err := s.dst.Write(nonce); err != nil {
		return err
	}
	if _, err := s.dst.Write(sealed); err != nil {
		return err
	}
	return nil
}

// Decrypt reads a ".lock" stream produced by Save and returns the
// plaintext. Used by recovery tooling and tests.
func Decrypt(r io.Reader, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("bad encryption key: %w", err)
	}

	magic := make([]byte, len(lockMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if string(magic) != string(lockMagic) {
		return nil, fmt.Errorf("not an encrypted lochness file")
	}

	var out []byte
	lengthBuf := make([]byte, 4)
	nonce := make([]byte, aead.NonceSize())
	for {
		if _, err := io.ReadFull(r, lengthBuf); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
		if _, err := io.ReadFull(r, nonce); err != nil {
			return nil, err
		}

		sealed := make([]byte, binary.BigEndian.Uint32(lengthBuf))
		if _, err := io.ReadFull(r, sealed); err != nil {
			return nil, err
		}

		plaintext, err := aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt chunk: %w", err)
		}
		out = append(out, plaintext...)
	}
}
