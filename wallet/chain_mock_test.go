package wallet

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// fakeBackend is the backend name reported by fakeChain.
const fakeBackend = "fake"

type fakeBlock struct {
	header wire.BlockHeader
	txs    []*wire.MsgTx
}

// fakeChain is an in-memory chain with a mempool. Blocks can be
// disconnected to simulate reorganizations; their transactions go back to
// the mempool like they would on a real node.
type fakeChain struct {
	mtx sync.Mutex

	blocks  []fakeBlock
	mempool []*wire.MsgTx
	known   map[chainhash.Hash]*wire.MsgTx

	// salt changes the headers mined after a disconnect.
	salt uint32

	// failures is the number of upcoming queries that fail with failErr.
	failures int
	failErr  error

	broadcastErr error

	// gate, when set, holds ScriptsStatus calls until it is closed.
	// entered is signalled when a call starts waiting.
	gate    chan struct{}
	entered chan struct{}
}

var _ chain.Interface = (*fakeChain)(nil)

// newFakeChain returns a chain with empty blocks from genesis up to height.
func newFakeChain(height uint32) *fakeChain {
	c := &fakeChain{
		known: make(map[chainhash.Hash]*wire.MsgTx),
	}
	c.mineEmpty(int(height) + 1)

	return c
}

// mine appends a block holding txs and returns its height. Mempool entries
// confirmed or conflicted by the block are evicted.
func (c *fakeChain) mine(txs ...*wire.MsgTx) uint32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	height := uint32(len(c.blocks))

	var prev chainhash.Hash
	if height > 0 {
		prev = c.blocks[height-1].header.BlockHash()
	}

	c.blocks = append(c.blocks, fakeBlock{
		header: wire.BlockHeader{
			Version:   4,
			PrevBlock: prev,
			Timestamp: blockTime(height),
			Bits:      0x207fffff,
			Nonce:     c.salt,
		},
		txs: txs,
	})

	for _, tx := range txs {
		c.known[tx.TxHash()] = tx
	}
	c.evictConflicts(txs)

	return height
}

func (c *fakeChain) mineEmpty(n int) {
	for range n {
		c.mine()
	}
}

// blockTime is the timestamp of the block at height, regardless of fork.
func blockTime(height uint32) time.Time {
	return time.Unix(1_600_000_000+int64(height)*600, 0)
}

// disconnect removes the blocks from height up.
func (c *fakeChain) disconnect(height uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, b := range c.blocks[height:] {
		c.mempool = append(c.mempool, b.txs...)
	}
	c.blocks = c.blocks[:height]
	c.salt++
}

// send adds tx to the mempool, replacing mempool entries it conflicts with.
func (c *fakeChain) send(tx *wire.MsgTx) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.evictConflicts([]*wire.MsgTx{tx})
	c.mempool = append(c.mempool, tx)
	c.known[tx.TxHash()] = tx
}

// drop removes a transaction from the mempool.
func (c *fakeChain) drop(txid chainhash.Hash) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.mempool = slices.DeleteFunc(c.mempool, func(tx *wire.MsgTx) bool {
		return tx.TxHash() == txid
	})
}

// forget removes a transaction from the block holding it without touching
// any header, like a backend whose index lost it.
func (c *fakeChain) forget(txid chainhash.Hash) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for i := range c.blocks {
		c.blocks[i].txs = slices.DeleteFunc(c.blocks[i].txs,
			func(tx *wire.MsgTx) bool {
				return tx.TxHash() == txid
			},
		)
	}
}

func (c *fakeChain) evictConflicts(txs []*wire.MsgTx) {
	spent := make(map[wire.OutPoint]struct{})
	for _, tx := range txs {
		for _, in := range tx.TxIn {
			spent[in.PreviousOutPoint] = struct{}{}
		}
	}

	c.mempool = slices.DeleteFunc(c.mempool, func(tx *wire.MsgTx) bool {
		for _, in := range tx.TxIn {
			if _, ok := spent[in.PreviousOutPoint]; ok {
				return true
			}
		}
		return false
	})
}

// failNext makes the next n queries fail with err.
func (c *fakeChain) failNext(n int, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.failures, c.failErr = n, err
}

// hold makes ScriptsStatus block until the returned function is called.
func (c *fakeChain) hold() func() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.gate = make(chan struct{})
	c.entered = make(chan struct{}, 1)

	gate := c.gate
	return func() {
		close(gate)
	}
}

func (c *fakeChain) height() uint32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return uint32(len(c.blocks) - 1)
}

func (c *fakeChain) header(height uint32) *chain.BlockHeader {
	h := c.blocks[height].header
	return &chain.BlockHeader{
		Height: height,
		Hash:   h.BlockHash(),
		Header: h,
	}
}

func (c *fakeChain) fail() error {
	if c.failures == 0 {
		return nil
	}
	c.failures--

	return c.failErr
}

func (c *fakeChain) wait(ctx context.Context) error {
	c.mtx.Lock()
	gate, entered := c.gate, c.entered
	c.mtx.Unlock()

	if gate == nil {
		return nil
	}

	select {
	case entered <- struct{}{}:
	default:
	}

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// touched returns the scripts tx pays to or spends from.
func (c *fakeChain) touched(tx *wire.MsgTx) []string {
	var keys []string
	for _, out := range tx.TxOut {
		keys = append(keys, chain.ScriptKey(out.PkScript))
	}
	for _, in := range tx.TxIn {
		prev, ok := c.known[in.PreviousOutPoint.Hash]
		if !ok || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
			continue
		}
		out := prev.TxOut[in.PreviousOutPoint.Index]
		keys = append(keys, chain.ScriptKey(out.PkScript))
	}

	return keys
}

func (c *fakeChain) ScriptsStatus(ctx context.Context,
	scripts [][]byte) (map[string][]chain.SeenTx, error) {

	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.fail(); err != nil {
		return nil, err
	}

	result := make(map[string][]chain.SeenTx, len(scripts))
	for _, script := range scripts {
		result[chain.ScriptKey(script)] = []chain.SeenTx{}
	}

	record := func(tx *wire.MsgTx, height fn.Option[uint32]) {
		seen := chain.SeenTx{Txid: tx.TxHash(), Height: height}
		for _, key := range c.touched(tx) {
			history, ok := result[key]
			if !ok || slices.Contains(history, seen) {
				continue
			}
			result[key] = append(history, seen)
		}
	}

	for height, b := range c.blocks {
		for _, tx := range b.txs {
			record(tx, fn.Some(uint32(height)))
		}
	}
	for _, tx := range c.mempool {
		record(tx, fn.None[uint32]())
	}

	return result, nil
}

func (c *fakeChain) GetTransaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.fail(); err != nil {
		return nil, err
	}

	tx, ok := c.known[txid]
	if !ok {
		return nil, chain.ErrTxNotFound
	}

	return tx, nil
}

func (c *fakeChain) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	c.mtx.Lock()
	err := c.broadcastErr
	c.mtx.Unlock()

	if err != nil {
		return err
	}

	c.send(tx)

	return nil
}

func (c *fakeChain) Tip(context.Context) (ledger.Checkpoint, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.header(uint32(len(c.blocks) - 1)).Checkpoint(), nil
}

func (c *fakeChain) HeadersSince(_ context.Context,
	height uint32) ([]chain.BlockHeader, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	var headers []chain.BlockHeader
	for h := height; h < uint32(len(c.blocks)); h++ {
		headers = append(headers, *c.header(h))
	}

	return headers, nil
}

func (c *fakeChain) BlockHeader(_ context.Context,
	height uint32) (*chain.BlockHeader, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if height >= uint32(len(c.blocks)) {
		return nil, &chain.BackendError{
			Backend: fakeBackend,
			Op:      "blockheader",
			Err:     errors.New("height above tip"),
		}
	}

	return c.header(height), nil
}

func (c *fakeChain) BackEnd() string {
	return fakeBackend
}
