package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/checksum0/go-electrum/electrum"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/headerfs"
	"github.com/stretchr/testify/mock"
)

var (
	_ ElectrumConn       = (*mockElectrumConn)(nil)
	_ FilterChainService = (*fakeChainService)(nil)
)

// mockElectrumConn is a mock implementation of an Electrum connection.
type mockElectrumConn struct {
	mock.Mock
}

func (m *mockElectrumConn) GetHistory(_ context.Context,
	scripthash string) ([]*electrum.GetMempoolResult, error) {

	args := m.Called(scripthash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*electrum.GetMempoolResult), args.Error(1)
}

func (m *mockElectrumConn) GetRawTransaction(_ context.Context,
	txHash string) (string, error) {

	args := m.Called(txHash)
	return args.String(0), args.Error(1)
}

func (m *mockElectrumConn) BroadcastTransaction(_ context.Context,
	rawTx string) (string, error) {

	args := m.Called(rawTx)
	return args.String(0), args.Error(1)
}

func (m *mockElectrumConn) GetBlockHeader(_ context.Context, height uint32,
	_ ...uint32) (*electrum.GetBlockHeaderResult, error) {

	args := m.Called(height)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*electrum.GetBlockHeaderResult), args.Error(1)
}

func (m *mockElectrumConn) GetBlockHeaders(_ context.Context, start,
	count uint32, _ ...uint32) (*electrum.GetBlockHeadersResult, error) {

	args := m.Called(start, count)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*electrum.GetBlockHeadersResult), args.Error(1)
}

func (m *mockElectrumConn) SubscribeHeaders(_ context.Context) (
	<-chan *electrum.SubscribeHeadersResult, error) {

	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(chan *electrum.SubscribeHeadersResult),
		args.Error(1)
}

// fakeChainService is an in-memory light client over a list of blocks whose
// filters are built the way a full node builds them.
type fakeChainService struct {
	mtx     sync.Mutex
	blocks  []*wire.MsgBlock
	sent    []*wire.MsgTx
	sendErr error
}

// newFakeChain creates a chain of n empty blocks.
func newFakeChain(n int) *fakeChainService {
	f := &fakeChainService{}
	for h := 0; h < n; h++ {
		f.setBlock(uint32(h), 0)
	}

	return f
}

// setBlock replaces or appends the block at height.
func (f *fakeChainService) setBlock(height uint32, branch byte,
	txs ...*wire.MsgTx) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	block := &wire.MsgBlock{
		Header:       testHeader(height, branch),
		Transactions: txs,
	}

	switch {
	case int(height) < len(f.blocks):
		f.blocks[height] = block
	case int(height) == len(f.blocks):
		f.blocks = append(f.blocks, block)
	default:
		panic("gap in fake chain")
	}
}

// truncate drops all blocks above height.
func (f *fakeChainService) truncate(height uint32) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.blocks = f.blocks[:height+1]
}

func (f *fakeChainService) byHash(hash chainhash.Hash) (uint32,
	*wire.MsgBlock, error) {

	for h, b := range f.blocks {
		if b.BlockHash() == hash {
			return uint32(h), b, nil
		}
	}

	return 0, nil, errors.New("unknown block")
}

func (f *fakeChainService) Start() error {
	return nil
}

func (f *fakeChainService) Stop() error {
	return nil
}

func (f *fakeChainService) BestBlock() (*headerfs.BlockStamp, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	tip := f.blocks[len(f.blocks)-1]
	return &headerfs.BlockStamp{
		Height: int32(len(f.blocks) - 1),
		Hash:   tip.BlockHash(),
	}, nil
}

func (f *fakeChainService) GetBlockHash(height int64) (*chainhash.Hash,
	error) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	if height < 0 || int(height) >= len(f.blocks) {
		return nil, fmt.Errorf("no block at height %d", height)
	}
	hash := f.blocks[height].BlockHash()

	return &hash, nil
}

func (f *fakeChainService) GetBlockHeader(
	hash *chainhash.Hash) (*wire.BlockHeader, error) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	_, b, err := f.byHash(*hash)
	if err != nil {
		return nil, err
	}
	header := b.Header

	return &header, nil
}

// GetCFilter builds the basic filter of the block, committing to the output
// scripts and the scripts of the spent outputs.
func (f *fakeChainService) GetCFilter(hash chainhash.Hash,
	_ wire.FilterType, _ ...neutrino.QueryOption) (*gcs.Filter, error) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	height, b, err := f.byHash(hash)
	if err != nil {
		return nil, err
	}

	outputs := make(map[wire.OutPoint][]byte)
	for _, prev := range f.blocks[:height] {
		for _, tx := range prev.Transactions {
			for i, out := range tx.TxOut {
				outputs[wire.OutPoint{
					Hash: tx.TxHash(), Index: uint32(i),
				}] = out.PkScript
			}
		}
	}

	var prevScripts [][]byte
	for _, tx := range b.Transactions {
		for _, in := range tx.TxIn {
			if script, ok := outputs[in.PreviousOutPoint]; ok {
				prevScripts = append(prevScripts, script)
			}
		}
	}

	return builder.BuildBasicFilter(b, prevScripts)
}

func (f *fakeChainService) GetBlock(hash chainhash.Hash,
	_ ...neutrino.QueryOption) (*btcutil.Block, error) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	_, b, err := f.byHash(hash)
	if err != nil {
		return nil, err
	}

	return btcutil.NewBlock(b), nil
}

func (f *fakeChainService) SendTransaction(tx *wire.MsgTx) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)

	return nil
}

// testHeader returns a distinct header for the given height and branch.
func testHeader(height uint32, branch byte) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    2,
		PrevBlock:  chainhash.Hash{branch, byte(height), byte(height >> 8)},
		MerkleRoot: chainhash.Hash{0xaa, branch},
		Timestamp:  time.Unix(1600000000+int64(height)*600, 0),
		Bits:       0x207fffff,
		Nonce:      height,
	}
}

// headerHex hex encodes a block header.
func headerHex(h wire.BlockHeader) string {
	var buf bytes.Buffer
	if err := h.Serialize(&buf); err != nil {
		panic(err)
	}

	return hex.EncodeToString(buf.Bytes())
}

// txHex hex encodes a transaction.
func txHex(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		panic(err)
	}

	return hex.EncodeToString(buf.Bytes())
}

// testTx returns a transaction paying value to script.
func testTx(seed byte, script []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{seed}},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, script))

	return tx
}
