// Package bitcoin provides the Bitcoin protocol pieces the miner needs:
// coinbase and merkle construction, target arithmetic, and the transports
// (JSON-RPC and ZMQ) used to talk to Bitcoin Core.
package bitcoin

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ExtraNonceSize is the width of the extra nonce carried in the coinbase scriptSig.
const ExtraNonceSize = 4

// maxCoinbaseScriptSize is the consensus limit on the coinbase scriptSig.
const maxCoinbaseScriptSize = 100

// DefaultCoinbaseTag identifies blocks mined by this client.
var DefaultCoinbaseTag = []byte("/gominer/")

var (
	// bufferPool provides reusable byte buffers for coinbase and block serialization.
	bufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 512))
		},
	}

	// diff1Target is the difficulty 1 target, 0x00000000FFFF0000...0000.
	diff1Target = blockchain.CompactToBig(0x1d00ffff)
)

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	// keep full blocks out of the pool
	if buf.Cap() < 64*1024 {
		bufferPool.Put(buf)
	}
}

// CoinbaseParams describes the coinbase transaction of a block being mined.
type CoinbaseParams struct {
	Height int64
	Value  int64
	// PayoutScript is the output script paying the block reward.
	PayoutScript []byte
	// Tag is placed after the BIP 34 height push. Defaults to DefaultCoinbaseTag.
	Tag []byte
	// WitnessCommitment is the full BIP 141 commitment output script, if any.
	WitnessCommitment []byte
}

// BuildCoinbase creates a BIP 34 compliant coinbase transaction with the
// given extra nonce serialized little-endian at the end of the scriptSig.
func BuildCoinbase(params CoinbaseParams, extraNonce uint32) (*wire.MsgTx, error) {
	heightScript, err := txscript.NewScriptBuilder().AddInt64(params.Height).Script()
	if err != nil {
		return nil, fmt.Errorf("failed to create height script: %w", err)
	}

	tag := params.Tag
	if tag == nil {
		tag = DefaultCoinbaseTag
	}

	script := make([]byte, 0, len(heightScript)+len(tag)+ExtraNonceSize)
	script = append(script, heightScript...)
	script = append(script, tag...)
	script = binary.LittleEndian.AppendUint32(script, extraNonce)
	if len(script) > maxCoinbaseScriptSize {
		return nil, fmt.Errorf("coinbase script too long: %d bytes", len(script))
	}

	if len(params.PayoutScript) == 0 {
		return nil, fmt.Errorf("coinbase payout script is empty")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	in := &wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: wire.MaxPrevOutIndex,
		},
		SignatureScript: script,
		Sequence:        wire.MaxTxInSequenceNum,
	}
	if len(params.WitnessCommitment) > 0 {
		// BIP 141 witness reserved value
		in.Witness = wire.TxWitness{make([]byte, 32)}
	}
	tx.AddTxIn(in)

	tx.AddTxOut(&wire.TxOut{
		Value:    params.Value,
		PkScript: params.PayoutScript,
	})
	if len(params.WitnessCommitment) > 0 {
		tx.AddTxOut(&wire.TxOut{
			Value:    0,
			PkScript: params.WitnessCommitment,
		})
	}

	return tx, nil
}

// SerializeTx returns the network serialization of tx, including witness data.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := tx.Serialize(buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// hashPair is the merkle tree node hash of two children.
func hashPair(left, right *chainhash.Hash) chainhash.Hash {
	var concat [chainhash.HashSize * 2]byte
	copy(concat[:chainhash.HashSize], left[:])
	copy(concat[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(concat[:])
}

// CalculateMerkleRoot calculates the Bitcoin merkle root from a list of transaction hashes.
// For odd numbers of nodes, the last one is duplicated.
func CalculateMerkleRoot(txHashes []chainhash.Hash) chainhash.Hash {
	if len(txHashes) == 0 {
		return chainhash.Hash{}
	}

	level := append([]chainhash.Hash(nil), txHashes...)
	for len(level) > 1 {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(&left, &right))
		}
		level = next
	}

	return level[0]
}

// GetMerkleBranch calculates the merkle branch (authentication path) for a transaction.
func GetMerkleBranch(txHashes []chainhash.Hash, txIndex int) []chainhash.Hash {
	if len(txHashes) <= 1 || txIndex < 0 || txIndex >= len(txHashes) {
		return []chainhash.Hash{}
	}

	level := append([]chainhash.Hash(nil), txHashes...)
	index := txIndex

	var branch []chainhash.Hash
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling < len(level) {
			branch = append(branch, level[sibling])
		} else {
			branch = append(branch, level[index])
		}

		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(&left, &right))
		}
		level = next
		index /= 2
	}

	return branch
}

// CoinbaseMerkleBranch returns the branch for the coinbase slot of a block
// whose remaining transactions have the given txids. The branch does not
// depend on the coinbase itself, so it is computed once per template.
func CoinbaseMerkleBranch(txids []chainhash.Hash) []chainhash.Hash {
	all := make([]chainhash.Hash, 0, len(txids)+1)
	all = append(all, chainhash.Hash{})
	all = append(all, txids...)
	return GetMerkleBranch(all, 0)
}

// MerkleRootFromBranch folds a coinbase txid up a coinbase merkle branch.
func MerkleRootFromBranch(coinbase chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbase
	for i := range branch {
		root = hashPair(&root, &branch[i])
	}
	return root
}

// HashMeetsTarget reports whether hash, read as a little-endian 256-bit
// integer, is less than or equal to the big-endian target.
func HashMeetsTarget(hash *chainhash.Hash, target *[32]byte) bool {
	for i := range 32 {
		h := hash[31-i]
		if h < target[i] {
			return true
		}
		if h > target[i] {
			return false
		}
	}
	return true
}

// ParseBits parses the compact target as reported by getblocktemplate ("1d00ffff").
func ParseBits(bitsHex string) (uint32, error) {
	if len(bitsHex) != 8 {
		return 0, fmt.Errorf("invalid bits length: expected 8 characters, got %d", len(bitsHex))
	}
	bits, err := strconv.ParseUint(bitsHex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid bits %q: %w", bitsHex, err)
	}
	return uint32(bits), nil
}

// TargetFromBits expands a compact target into 32 big-endian bytes.
func TargetFromBits(bits uint32) ([32]byte, error) {
	return targetFromBig(blockchain.CompactToBig(bits))
}

// ParseTarget parses a hex target, left padding short values to 32 bytes.
func ParseTarget(targetHex string) ([32]byte, error) {
	var out [32]byte
	if len(targetHex) == 0 {
		return out, fmt.Errorf("target string cannot be empty")
	}
	if len(targetHex)%2 != 0 {
		return out, fmt.Errorf("target string must have even length, got %d", len(targetHex))
	}
	if len(targetHex) > 64 {
		return out, fmt.Errorf("target string too long: maximum 64 hex characters, got %d", len(targetHex))
	}

	raw, err := hex.DecodeString(targetHex)
	if err != nil {
		return out, fmt.Errorf("failed to decode hex target: %w", err)
	}
	copy(out[32-len(raw):], raw)
	return out, nil
}

func targetFromBig(n *big.Int) ([32]byte, error) {
	var out [32]byte
	if n.Sign() <= 0 {
		return out, fmt.Errorf("target must be positive")
	}
	if n.BitLen() > 256 {
		return out, fmt.Errorf("target exceeds 256 bits")
	}
	n.FillBytes(out[:])
	return out, nil
}

// TargetDifficulty returns the difficulty of a target relative to difficulty 1.
func TargetDifficulty(target [32]byte) float64 {
	t := new(big.Int).SetBytes(target[:])
	if t.Sign() == 0 {
		return 0
	}
	d, _ := new(big.Float).Quo(new(big.Float).SetInt(diff1Target), new(big.Float).SetInt(t)).Float64()
	return d
}
