package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeUtxoValue      tlv.Type = 0
	typeUtxoPkScript   tlv.Type = 1
	typeUtxoDescriptor tlv.Type = 2
	typeUtxoChain      tlv.Type = 3
	typeUtxoIndex      tlv.Type = 4
	typeUtxoHeight     tlv.Type = 5
	typeUtxoSpentBy    tlv.Type = 6

	typeTxRaw       tlv.Type = 0
	typeTxStatus    tlv.Type = 1
	typeTxReceived  tlv.Type = 2
	typeTxSent      tlv.Type = 3
	typeTxHeight    tlv.Type = 4
	typeTxTimestamp tlv.Type = 5
	typeTxFee       tlv.Type = 6
)

// outPointKey is the 36 byte hash || big-endian index key of an output.
func outPointKey(op wire.OutPoint) []byte {
	k := make([]byte, chainhash.HashSize+4)
	copy(k, op.Hash[:])
	binary.BigEndian.PutUint32(k[chainhash.HashSize:], op.Index)
	return k
}

func decodeOutPointKey(k []byte) (wire.OutPoint, error) {
	if len(k) != chainhash.HashSize+4 {
		return wire.OutPoint{}, fmt.Errorf("bad outpoint key length %d",
			len(k))
	}

	var op wire.OutPoint
	copy(op.Hash[:], k)
	op.Index = binary.BigEndian.Uint32(k[chainhash.HashSize:])

	return op, nil
}

func heightKey(height uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], height)
	return k[:]
}

// encodeTLV serializes records into a single TLV stream.
func encodeTLV(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeUtxo(u *Utxo) ([]byte, error) {
	var (
		value    = uint64(u.Value)
		pkScript = u.PkScript
		desc     = uint64(u.Script.Descriptor)
		chain    = uint8(u.Script.Chain)
		index    = u.Script.Index
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeUtxoValue, &value),
		tlv.MakePrimitiveRecord(typeUtxoPkScript, &pkScript),
		tlv.MakePrimitiveRecord(typeUtxoDescriptor, &desc),
		tlv.MakePrimitiveRecord(typeUtxoChain, &chain),
		tlv.MakePrimitiveRecord(typeUtxoIndex, &index),
	}

	height := u.Height.UnwrapOr(0)
	if u.Height.IsSome() {
		records = append(records, tlv.MakePrimitiveRecord(
			typeUtxoHeight, &height,
		))
	}

	var spentBy [32]byte
	u.SpentBy.WhenSome(func(h chainhash.Hash) {
		spentBy = h
		records = append(records, tlv.MakePrimitiveRecord(
			typeUtxoSpentBy, &spentBy,
		))
	})

	return encodeTLV(records...)
}

func decodeUtxo(op wire.OutPoint, data []byte) (Utxo, error) {
	var (
		value    uint64
		pkScript []byte
		desc     uint64
		chain    uint8
		index    uint32
		height   uint32
		spentBy  [32]byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeUtxoValue, &value),
		tlv.MakePrimitiveRecord(typeUtxoPkScript, &pkScript),
		tlv.MakePrimitiveRecord(typeUtxoDescriptor, &desc),
		tlv.MakePrimitiveRecord(typeUtxoChain, &chain),
		tlv.MakePrimitiveRecord(typeUtxoIndex, &index),
		tlv.MakePrimitiveRecord(typeUtxoHeight, &height),
		tlv.MakePrimitiveRecord(typeUtxoSpentBy, &spentBy),
	)
	if err != nil {
		return Utxo{}, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(data))
	if err != nil {
		return Utxo{}, fmt.Errorf("decode output %v: %w", op, err)
	}

	u := Utxo{
		OutPoint: op,
		Value:    btcutil.Amount(value),
		PkScript: pkScript,
		Script: ScriptRef{
			Descriptor: descriptor.ID(desc),
			Chain:      descriptor.Chain(chain),
			Index:      index,
		},
	}
	if _, ok := parsed[typeUtxoHeight]; ok {
		u.Height = fn.Some(height)
	}
	if _, ok := parsed[typeUtxoSpentBy]; ok {
		u.SpentBy = fn.Some(chainhash.Hash(spentBy))
	}

	return u, nil
}

func encodeTxRecord(r *TxRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Tx.Serialize(&buf); err != nil {
		return nil, err
	}

	var (
		raw      = buf.Bytes()
		status   = uint8(r.Status)
		received = uint64(r.Received)
		sent     = uint64(r.Sent)
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeTxRaw, &raw),
		tlv.MakePrimitiveRecord(typeTxStatus, &status),
		tlv.MakePrimitiveRecord(typeTxReceived, &received),
		tlv.MakePrimitiveRecord(typeTxSent, &sent),
	}

	height := r.Height.UnwrapOr(0)
	if r.Height.IsSome() {
		records = append(records, tlv.MakePrimitiveRecord(
			typeTxHeight, &height,
		))
	}

	timestamp := r.Timestamp.UnwrapOr(0)
	if r.Timestamp.IsSome() {
		records = append(records, tlv.MakePrimitiveRecord(
			typeTxTimestamp, &timestamp,
		))
	}

	fee := uint64(r.Fee.UnwrapOr(0))
	if r.Fee.IsSome() {
		records = append(records, tlv.MakePrimitiveRecord(
			typeTxFee, &fee,
		))
	}

	return encodeTLV(records...)
}

func decodeTxRecord(txid chainhash.Hash, data []byte) (TxRecord, error) {
	var (
		raw       []byte
		status    uint8
		received  uint64
		sent      uint64
		height    uint32
		timestamp uint64
		fee       uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeTxRaw, &raw),
		tlv.MakePrimitiveRecord(typeTxStatus, &status),
		tlv.MakePrimitiveRecord(typeTxReceived, &received),
		tlv.MakePrimitiveRecord(typeTxSent, &sent),
		tlv.MakePrimitiveRecord(typeTxHeight, &height),
		tlv.MakePrimitiveRecord(typeTxTimestamp, &timestamp),
		tlv.MakePrimitiveRecord(typeTxFee, &fee),
	)
	if err != nil {
		return TxRecord{}, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(data))
	if err != nil {
		return TxRecord{}, fmt.Errorf("decode tx %v: %w", txid, err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return TxRecord{}, fmt.Errorf("decode tx %v: %w", txid, err)
	}

	r := TxRecord{
		Txid:     txid,
		Tx:       tx,
		Status:   TxStatus(status),
		Received: btcutil.Amount(received),
		Sent:     btcutil.Amount(sent),
	}
	if _, ok := parsed[typeTxHeight]; ok {
		r.Height = fn.Some(height)
	}
	if _, ok := parsed[typeTxTimestamp]; ok {
		r.Timestamp = fn.Some(timestamp)
	}
	if _, ok := parsed[typeTxFee]; ok {
		r.Fee = fn.Some(btcutil.Amount(fee))
	}

	return r, nil
}
