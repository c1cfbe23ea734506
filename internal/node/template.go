package node

import (
	"bytes"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
)

// ParseTemplate converts a getblocktemplate result into a Template paying
// to payoutScript. The template expires at now plus the larger of the
// node's expires hint and refresh.
func ParseTemplate(res *btcjson.GetBlockTemplateResult, payoutScript []byte, refresh time.Duration, now time.Time) (*work.Template, error) {
	const op = "parse_template"

	if res == nil {
		return nil, errors.New(errors.ErrorTypeMalformed, op, "empty template")
	}
	if res.CoinbaseValue == nil {
		return nil, errors.New(errors.ErrorTypeMalformed, op, "template has no coinbasevalue")
	}

	prev, err := chainhash.NewHashFromStr(res.PreviousHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformed, op, "invalid previousblockhash").
			WithContext("previousblockhash", res.PreviousHash)
	}

	bits, err := bitcoin.ParseBits(res.Bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformed, op, "invalid bits").
			WithContext("bits", res.Bits)
	}

	var target [32]byte
	if res.Target != "" {
		target, err = bitcoin.ParseTarget(res.Target)
	} else {
		target, err = bitcoin.TargetFromBits(bits)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformed, op, "invalid target")
	}

	txs := make([]*wire.MsgTx, 0, len(res.Transactions))
	for i, raw := range res.Transactions {
		tx, err := decodeTx(raw.Data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMalformed, op, "invalid transaction").
				WithContext("index", i).
				WithContext("txid", raw.TxID)
		}
		txs = append(txs, tx)
	}

	var commitment []byte
	if res.DefaultWitnessCommitment != "" {
		commitment, err = hex.DecodeString(res.DefaultWitnessCommitment)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMalformed, op, "invalid default_witness_commitment")
		}
	}

	var expiresAt time.Time
	if lifetime := max(time.Duration(res.Expires)*time.Second, refresh); lifetime > 0 {
		expiresAt = now.Add(lifetime)
	}

	return work.New(work.Params{
		Height:            res.Height,
		Version:           res.Version,
		PrevBlock:         *prev,
		Bits:              bits,
		Target:            target,
		Timestamp:         time.Unix(res.CurTime, 0),
		CoinbaseValue:     *res.CoinbaseValue,
		PayoutScript:      payoutScript,
		WitnessCommitment: commitment,
		Transactions:      txs,
		WorkID:            res.WorkID,
		FetchedAt:         now,
		ExpiresAt:         expiresAt,
	})
}

func decodeTx(data string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
