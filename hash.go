package p2psync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

// Hash is the content address of a chunk, a file, or a directory: a sha256 digest.
type Hash [sha256.Size]byte

// Zero is the zero value of a Hash.
var Zero Hash

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short is an abbreviated form of the hash for log messages.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

func (h Hash) IsZero() bool {
	return h == Zero
}

func (h *Hash) FromHex(s string) error {
	if len(s) != 2*sha256.Size {
		return errors.New("wrong length")
	}
	_, err := hex.Decode(h[:], []byte(s))
	return err
}

// HashFromBytes interprets b as a hash.
// It is an error for b to have the wrong length.
func HashFromBytes(b []byte) (Hash, error) {
	var out Hash
	if len(b) != sha256.Size {
		return out, errors.Errorf("hash has length %d, want %d", len(b), sha256.Size)
	}
	copy(out[:], b)
	return out, nil
}

func HashFromHex(s string) (Hash, error) {
	var out Hash
	err := out.FromHex(s)
	return out, err
}

// HashChunk computes the hash of a chunk's raw bytes.
func HashChunk(b []byte) Hash {
	return sha256.Sum256(b)
}

// HashFile computes a file's hash from its ordered chunk list:
// the hash of the concatenation of the chunk hashes.
func HashFile(chunks []Chunk) Hash {
	hasher := sha256.New()
	for _, c := range chunks {
		hasher.Write(c.Hash[:])
	}
	var out Hash
	hasher.Sum(out[:0])
	return out
}

// DirEntry is a (name, hash) pair contributing to a directory's hash.
type DirEntry struct {
	Name string
	Hash Hash
}

// HashDir computes a directory's hash from its entries.
// Entries are sorted by name before hashing,
// so the result does not depend on the order of the input.
// Each entry contributes its name, a NUL byte, and its hash.
func HashDir(entries []DirEntry) Hash {
	sorted := make([]DirEntry, len(entries))
	copy(sorted, entries)
	sortEntries(sorted)

	hasher := sha256.New()
	for _, e := range sorted {
		hasher.Write([]byte(e.Name))
		hasher.Write([]byte{0})
		hasher.Write(e.Hash[:])
	}
	var out Hash
	hasher.Sum(out[:0])
	return out
}
