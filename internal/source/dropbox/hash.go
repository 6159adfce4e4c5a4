package dropbox

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// hashBlockSize is the block size of the Dropbox content hash: the file is
// split into 4 MiB blocks, each block is SHA-256 hashed, and the content
// hash is the SHA-256 of the concatenated block digests.
const hashBlockSize = 4 * 1024 * 1024

// ContentHasher computes the Dropbox content hash of a stream. It
// implements io.Writer so it can sit behind an io.TeeReader during
// download.
type ContentHasher struct {
	overall   hash.Hash
	block     hash.Hash
	blockFill int
}

// NewContentHasher creates a ContentHasher.
func NewContentHasher() *ContentHasher {
	return &ContentHasher{
		overall: sha256.New(),
		block:   sha256.New(),
	}
}

// Write feeds stream bytes into the hasher.
func (h *ContentHasher) Write(p []byte) (int, error) {
	written := len(p)
	for len(p) > 0 {
		space := hashBlockSize - h.blockFill
		n := len(p)
		if n > space {
			n = space
		}
		h.block.Write(p[:n])
		h.blockFill += n
		p = p[n:]

		if h.blockFill == hashBlockSize {
			h.overall.Write(h.block.Sum(nil))
			h.block.Reset()
			h.blockFill = 0
		}
	}
	return written, nil
}

// Sum returns the hex content hash of everything written so far.
// The hasher must not be written to after calling Sum.
func (h *ContentHasher) Sum() string {
	if h.blockFill > 0 {
		h.overall.Write(h.block.Sum(nil))
		h.block.Reset()
		h.blockFill = 0
	}
	return hex.EncodeToString(h.overall.Sum(nil))
}
