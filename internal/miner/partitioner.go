// Package miner runs the parallel nonce search for one template at a time.
package miner

import (
	stderrors "errors"
	"fmt"
	"sync/atomic"
)

// MaxChunkBits keeps a lease inside one extra nonce.
const MaxChunkBits = 32

// MaxDomainBits keeps range ends representable in a uint64.
const MaxDomainBits = 63

// ErrDomainExhausted is returned by Lease once every chunk of the search
// domain has been handed out. The template must be refreshed.
var ErrDomainExhausted = stderrors.New("nonce domain exhausted")

// Range is the half-open nonce interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of nonces in the range.
func (r Range) Len() uint64 { return r.End - r.Start }

// Overlaps reports whether two ranges share a nonce.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Partitioner hands out disjoint chunks of a 2^domainBits nonce domain.
// Chunk k of a round starts at ((salt + k) mod chunks) * chunkSize, so
// rounds begin at a random place and then walk the domain without reuse.
type Partitioner struct {
	chunkBits uint
	chunks    uint64
	salt      uint64
	next      atomic.Uint64
}

// NewPartitioner creates a partitioner for one round.
func NewPartitioner(chunkBits, domainBits uint, salt uint64) (*Partitioner, error) {
	if chunkBits == 0 || chunkBits > MaxChunkBits {
		return nil, fmt.Errorf("chunk bits must be in [1, %d], got %d", MaxChunkBits, chunkBits)
	}
	if domainBits < chunkBits || domainBits > MaxDomainBits {
		return nil, fmt.Errorf("domain bits must be in [%d, %d], got %d", chunkBits, MaxDomainBits, domainBits)
	}

	chunks := uint64(1) << (domainBits - chunkBits)
	return &Partitioner{
		chunkBits: chunkBits,
		chunks:    chunks,
		salt:      salt % chunks,
	}, nil
}

// Lease returns the next unclaimed range. It never blocks.
func (p *Partitioner) Lease(_ int) (Range, error) {
	k := p.next.Add(1) - 1
	if k >= p.chunks {
		return Range{}, ErrDomainExhausted
	}

	idx := (p.salt + k) % p.chunks
	start := idx << p.chunkBits
	return Range{Start: start, End: start + uint64(1)<<p.chunkBits}, nil
}

// Issued returns how many ranges have been leased, capped at the domain size.
func (p *Partitioner) Issued() uint64 {
	return min(p.next.Load(), p.chunks)
}

// Chunks returns the number of ranges in the domain.
func (p *Partitioner) Chunks() uint64 { return p.chunks }
