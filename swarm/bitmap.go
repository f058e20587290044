package swarm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// bitmap records which chunks of a file are verified-complete.
type bitmap struct {
	n    int
	bits []byte
}

func newBitmap(n int) *bitmap {
	return &bitmap{n: n, bits: make([]byte, (n+7)/8)}
}

func (b *bitmap) set(i int) {
	b.bits[i/8] |= 1 << (i % 8)
}

func (b *bitmap) has(i int) bool {
	return b.bits[i/8]&(1<<(i%8)) != 0
}

func (b *bitmap) count() int {
	var c int
	for i := 0; i < b.n; i++ {
		if b.has(i) {
			c++
		}
	}
	return c
}

func (b *bitmap) full() bool {
	return b.count() == b.n
}

func (b *bitmap) marshal() []byte {
	buf := make([]byte, binary.MaxVarintLen64, binary.MaxVarintLen64+len(b.bits))
	k := binary.PutUvarint(buf, uint64(b.n))
	return append(buf[:k], b.bits...)
}

func unmarshalBitmap(buf []byte) (*bitmap, error) {
	n, k := binary.Uvarint(buf)
	if k <= 0 {
		return nil, errors.New("bad bitmap length")
	}
	buf = buf[k:]
	if uint64(len(buf)) != (n+7)/8 {
		return nil, errors.Errorf("bitmap for %d chunks has %d bytes", n, len(buf))
	}
	return &bitmap{n: int(n), bits: append([]byte(nil), buf...)}, nil
}
