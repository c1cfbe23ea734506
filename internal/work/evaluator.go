package work

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/bitcoin"
)

// Header is a serialized block header for one extra nonce. It is never
// mutated after construction, so any number of goroutines may evaluate it.
type Header struct {
	raw        [80]byte
	target     [32]byte
	extraNonce uint32
}

// ExtraNonce returns the extra nonce the header commits to.
func (h *Header) ExtraNonce() uint32 { return h.extraNonce }

// MerkleRoot returns the merkle root committed in the header.
func (h *Header) MerkleRoot() chainhash.Hash {
	var root chainhash.Hash
	copy(root[:], h.raw[36:68])
	return root
}

// Bytes returns a copy of the header with the given nonce.
func (h *Header) Bytes(nonce uint32) [80]byte {
	buf := h.raw
	binary.LittleEndian.PutUint32(buf[76:80], nonce)
	return buf
}

// Evaluate hashes the header with nonce and reports whether it meets the target.
func (h *Header) Evaluate(nonce uint32) (chainhash.Hash, bool) {
	buf := h.Bytes(nonce)
	hash := chainhash.DoubleHashH(buf[:])
	return hash, bitcoin.HashMeetsTarget(&hash, &h.target)
}

// Evaluator computes candidate hashes. Implementations must be safe for
// concurrent use and free of side effects.
type Evaluator interface {
	Evaluate(h *Header, nonce uint32) (chainhash.Hash, bool)
}

// SHA256d is the Bitcoin proof-of-work evaluator.
type SHA256d struct{}

// Evaluate implements Evaluator.
func (SHA256d) Evaluate(h *Header, nonce uint32) (chainhash.Hash, bool) {
	return h.Evaluate(nonce)
}

// Evaluate computes the hash of template t at search index n.
func Evaluate(t *Template, n uint64) (chainhash.Hash, bool) {
	extra, nonce := SplitNonce(n)
	return t.Header(extra).Evaluate(nonce)
}
