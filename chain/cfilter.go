package chain

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/headerfs"
	"github.com/lightninglabs/neutrino/pushtx"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// filterWindow is the number of filters fetched before the matched
	// blocks of the window are processed.
	filterWindow = 200

	// defaultFilterConcurrency is the number of filters fetched in
	// parallel.
	defaultFilterConcurrency = 16

	// DefaultMaxReorgDepth is the number of scanned block hashes kept to
	// detect a reorg. A deeper reorg restarts the scan from the start
	// height.
	DefaultMaxReorgDepth = 144
)

// FilterChainService is the subset of a neutrino.ChainService used by the
// compact filter backend.
type FilterChainService interface {
	Start() error
	Stop() error
	BestBlock() (*headerfs.BlockStamp, error)
	GetBlockHash(int64) (*chainhash.Hash, error)
	GetBlockHeader(*chainhash.Hash) (*wire.BlockHeader, error)
	GetCFilter(chainhash.Hash, wire.FilterType,
		...neutrino.QueryOption) (*gcs.Filter, error)
	GetBlock(chainhash.Hash, ...neutrino.QueryOption) (*btcutil.Block,
		error)
	SendTransaction(*wire.MsgTx) error
}

// A compile-time assertion to ensure the neutrino chain service can back a
// CFilterClient.
var _ FilterChainService = (*neutrino.ChainService)(nil)

// CFilterConfig configures a CFilterClient.
type CFilterConfig struct {
	// Chain is the light client the filters and blocks are fetched
	// from.
	Chain FilterChainService

	// StartHeight is the first block that can contain wallet
	// transactions, usually the wallet birthday.
	StartHeight uint32

	// Concurrency is the number of filters fetched in parallel.
	Concurrency int

	// TxCacheSize is the byte size of the transaction cache.
	TxCacheSize uint64

	// MaxReorgDepth is the number of block hashes remembered for reorg
	// detection.
	MaxReorgDepth uint32
}

// CFilterClient answers script queries by matching BIP 158 compact filters
// and scanning the matched blocks. It keeps the history of every script it
// was asked about and only scans new blocks on later calls. Scripts seen for
// the first time are scanned from the start height.
type CFilterClient struct {
	cfg     CFilterConfig
	txs     *txCache
	mempool *mempool

	// scanMtx serializes scans.
	scanMtx sync.Mutex

	// mtx guards the fields below.
	mtx sync.RWMutex

	// scanned is the last scanned height, -1 before the first scan.
	scanned int64

	// hashes holds the recent scanned block hashes by height.
	hashes map[uint32]chainhash.Hash

	// history maps a script key to its confirmed transactions.
	history map[string]map[chainhash.Hash]uint32

	// outpoints maps outputs paying a watched script to that script.
	outpoints map[wire.OutPoint]string

	// txHeights holds the height of every relevant confirmed tx.
	txHeights map[chainhash.Hash]uint32
}

// A compile-time assertion to ensure CFilterClient implements Interface.
var _ Interface = (*CFilterClient)(nil)

// blockMatch is the filter result for a single height.
type blockMatch struct {
	hash    chainhash.Hash
	matched bool
}

// NewCFilterClient creates a compact filter backend.
func NewCFilterClient(cfg CFilterConfig) *CFilterClient {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultFilterConcurrency
	}
	if cfg.MaxReorgDepth == 0 {
		cfg.MaxReorgDepth = DefaultMaxReorgDepth
	}

	c := &CFilterClient{
		cfg:     cfg,
		txs:     newTxCache(cfg.TxCacheSize),
		mempool: newMempool(),
		history: make(map[string]map[chainhash.Hash]uint32),
	}
	c.reset()

	return c
}

// Start starts the underlying light client.
func (c *CFilterClient) Start() error {
	return c.cfg.Chain.Start()
}

// Stop stops the underlying light client.
func (c *CFilterClient) Stop() error {
	return c.cfg.Chain.Stop()
}

// reset forgets everything scanned so far.
//
// NOTE: must be used with mtx held or before the client is shared.
func (c *CFilterClient) reset() {
	c.scanned = -1
	c.hashes = make(map[uint32]chainhash.Hash)
	c.outpoints = make(map[wire.OutPoint]string)
	c.txHeights = make(map[chainhash.Hash]uint32)
	for key := range c.history {
		c.history[key] = make(map[chainhash.Hash]uint32)
	}
}

// ScriptsStatus brings the scan up to the tip and returns the history of
// the given scripts, including the backend's own unconfirmed broadcasts.
func (c *CFilterClient) ScriptsStatus(ctx context.Context,
	scripts [][]byte) (map[string][]SeenTx, error) {

	c.scanMtx.Lock()
	defer c.scanMtx.Unlock()

	best, err := c.cfg.Chain.BestBlock()
	if err != nil {
		return nil, backendErr(NeutrinoBackend, "best_block", err)
	}
	tip := uint32(best.Height)

	if err := c.rollback(tip); err != nil {
		return nil, err
	}

	// Scan the already scanned range for scripts we see for the first
	// time.
	fresh := make(map[string]struct{})
	c.mtx.Lock()
	for _, script := range scripts {
		key := ScriptKey(script)
		if _, ok := c.history[key]; ok {
			continue
		}
		c.history[key] = make(map[chainhash.Hash]uint32)
		fresh[key] = struct{}{}
	}
	scanned := c.scanned
	c.mtx.Unlock()

	start := int64(c.cfg.StartHeight)
	if len(fresh) > 0 && scanned >= start {
		log.Debugf("Rescanning %d new scripts from height %d to %d",
			len(fresh), start, scanned)

		err := c.scanRange(
			ctx, uint32(start), uint32(scanned), fresh, false,
		)
		if err != nil {
			c.forget(fresh)
			return nil, err
		}
	}

	// Then advance all scripts to the tip.
	from := max(scanned+1, start)
	if from <= int64(tip) {
		c.mtx.RLock()
		all := make(map[string]struct{}, len(c.history))
		for key := range c.history {
			all[key] = struct{}{}
		}
		c.mtx.RUnlock()

		err := c.scanRange(ctx, uint32(from), tip, all, true)
		if err != nil {
			return nil, err
		}
	}

	return c.status(scripts), nil
}

// forget drops scripts whose first scan failed so the next call retries it.
func (c *CFilterClient) forget(keys map[string]struct{}) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for key := range keys {
		delete(c.history, key)
	}
	for op, key := range c.outpoints {
		if _, ok := keys[key]; ok {
			delete(c.outpoints, op)
		}
	}
}

// status assembles the history of the given scripts.
func (c *CFilterClient) status(scripts [][]byte) map[string][]SeenTx {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	result := make(map[string][]SeenTx, len(scripts))
	for _, script := range scripts {
		key := ScriptKey(script)

		seen := make([]SeenTx, 0, len(c.history[key]))
		for txid, height := range c.history[key] {
			seen = append(seen, SeenTx{
				Txid:   txid,
				Height: fn.Some(height),
			})
		}
		slices.SortFunc(seen, func(a, b SeenTx) int {
			return cmp.Compare(
				a.Height.UnwrapOr(0), b.Height.UnwrapOr(0),
			)
		})

		result[key] = seen
	}

	// Overlay the unconfirmed transactions we relayed ourselves.
	unconfirmed := make(map[wire.OutPoint]string)
	for _, tx := range c.mempool.all() {
		txid := tx.TxHash()
		touched := make(map[string]struct{})

		for _, in := range tx.TxIn {
			op := in.PreviousOutPoint
			if key, ok := c.outpoints[op]; ok {
				touched[key] = struct{}{}
			}
			if key, ok := unconfirmed[op]; ok {
				touched[key] = struct{}{}
			}
		}
		for i, out := range tx.TxOut {
			key := ScriptKey(out.PkScript)
			if _, ok := c.history[key]; !ok {
				continue
			}
			touched[key] = struct{}{}
			unconfirmed[wire.OutPoint{
				Hash: txid, Index: uint32(i),
			}] = key
		}

		for key := range touched {
			if _, ok := result[key]; !ok {
				continue
			}
			result[key] = append(result[key], SeenTx{Txid: txid})
		}
	}

	return result
}

// rollback disconnects scanned blocks that are no longer part of the best
// chain.
func (c *CFilterClient) rollback(tip uint32) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for c.scanned >= int64(c.cfg.StartHeight) {
		height := uint32(c.scanned)

		stored, ok := c.hashes[height]
		if !ok {
			log.Warnf("Reorg deeper than %d blocks, restarting "+
				"filter scan from height %d",
				c.cfg.MaxReorgDepth, c.cfg.StartHeight)

			c.reset()
			return nil
		}

		if height <= tip {
			hash, err := c.cfg.Chain.GetBlockHash(int64(height))
			if err != nil {
				return backendErr(
					NeutrinoBackend, "block_hash", err,
				)
			}
			if *hash == stored {
				return nil
			}
		}

		log.Infof("Block %v at height %d was disconnected", stored,
			height)

		c.disconnect(height)
	}

	return nil
}

// disconnect removes everything learned from the block at height.
//
// NOTE: must be used with mtx held.
func (c *CFilterClient) disconnect(height uint32) {
	removed := make(map[chainhash.Hash]struct{})
	for txid, h := range c.txHeights {
		if h == height {
			removed[txid] = struct{}{}
			delete(c.txHeights, txid)
		}
	}

	for _, txs := range c.history {
		for txid, h := range txs {
			if h == height {
				delete(txs, txid)
			}
		}
	}

	for op := range c.outpoints {
		if _, ok := removed[op.Hash]; ok {
			delete(c.outpoints, op)
		}
	}

	delete(c.hashes, height)
	c.scanned = int64(height) - 1
}

// scanRange matches the filters of the given heights against the watched
// scripts and processes the matched blocks in order. When advance is set the
// scan moves the scanned height forward.
func (c *CFilterClient) scanRange(ctx context.Context, from, to uint32,
	watch map[string]struct{}, advance bool) error {

	watchList := make([][]byte, 0, len(watch))
	for key := range watch {
		watchList = append(watchList, []byte(key))
	}

	for start := uint64(from); start <= uint64(to); start += filterWindow {
		end := min(uint64(to), start+filterWindow-1)

		matches, err := c.matchWindow(
			ctx, uint32(start), uint32(end), watchList,
		)
		if err != nil {
			return err
		}

		for i, m := range matches {
			height := uint32(start) + uint32(i)

			if m.matched {
				block, err := c.cfg.Chain.GetBlock(m.hash)
				if err != nil {
					return backendErr(
						NeutrinoBackend, "get_block",
						err,
					)
				}

				c.processBlock(height, block, watch)
			}

			if advance {
				c.advance(height, m.hash)
			}
		}
	}

	return nil
}

// matchWindow fetches the hashes and filters of a window of heights.
func (c *CFilterClient) matchWindow(ctx context.Context, from, to uint32,
	watchList [][]byte) ([]blockMatch, error) {

	matches := make([]blockMatch, to-from+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for height := from; height <= to; height++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			hash, err := c.cfg.Chain.GetBlockHash(int64(height))
			if err != nil {
				return backendErr(
					NeutrinoBackend, "block_hash", err,
				)
			}
			matches[height-from].hash = *hash

			if len(watchList) == 0 {
				return nil
			}

			filter, err := c.cfg.Chain.GetCFilter(
				*hash, wire.GCSFilterRegular,
			)
			if err != nil {
				return backendErr(
					NeutrinoBackend, "get_cfilter", err,
				)
			}
			if filter.N() == 0 {
				return nil
			}

			key := builder.DeriveKey(hash)
			matched, err := filter.MatchAny(key, watchList)
			if err != nil {
				return backendErr(
					NeutrinoBackend, "match_filter", err,
				)
			}
			matches[height-from].matched = matched

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return matches, nil
}

// processBlock records the transactions of a block touching the watched
// scripts. Filters have false positives, so blocks without a real match add
// nothing.
func (c *CFilterClient) processBlock(height uint32, block *btcutil.Block,
	watch map[string]struct{}) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	var relevant []*wire.MsgTx
	for _, tx := range block.Transactions() {
		msgTx := tx.MsgTx()
		txid := *tx.Hash()
		touched := false

		for _, in := range msgTx.TxIn {
			key, ok := c.outpoints[in.PreviousOutPoint]
			if !ok {
				continue
			}
			txs, ok := c.history[key]
			if !ok {
				continue
			}
			txs[txid] = height
			touched = true
		}

		for i, out := range msgTx.TxOut {
			key := ScriptKey(out.PkScript)
			if _, ok := watch[key]; !ok {
				continue
			}
			c.history[key][txid] = height
			c.outpoints[wire.OutPoint{
				Hash: txid, Index: uint32(i),
			}] = key
			touched = true
		}

		if touched {
			c.txHeights[txid] = height
			c.txs.put(msgTx)
			relevant = append(relevant, msgTx)
		}
	}

	log.Debugf("Block %v at height %d has %d relevant transactions",
		block.Hash(), height, len(relevant))

	c.mempool.clean(relevant)
}

// advance moves the scanned height to height.
func (c *CFilterClient) advance(height uint32, hash chainhash.Hash) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.scanned = int64(height)
	c.hashes[height] = hash

	if height >= c.cfg.MaxReorgDepth {
		delete(c.hashes, height-c.cfg.MaxReorgDepth)
	}
}

// GetTransaction returns a transaction the backend has seen while scanning
// or relayed itself. Other transactions cannot be looked up by a light
// client and are reported with ErrTxNotFound.
func (c *CFilterClient) GetTransaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	if tx, ok := c.txs.get(txid); ok {
		return tx, nil
	}
	if tx, ok := c.mempool.get(txid); ok {
		return tx, nil
	}

	c.mtx.RLock()
	height, ok := c.txHeights[txid]
	c.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)
	}

	hash, err := c.cfg.Chain.GetBlockHash(int64(height))
	if err != nil {
		return nil, backendErr(NeutrinoBackend, "block_hash", err)
	}
	block, err := c.cfg.Chain.GetBlock(*hash)
	if err != nil {
		return nil, backendErr(NeutrinoBackend, "get_block", err)
	}

	for _, tx := range block.Transactions() {
		if *tx.Hash() == txid {
			c.txs.put(tx.MsgTx())
			return tx.MsgTx(), nil
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)
}

// Broadcast relays the transaction to the connected peers and keeps it as
// unconfirmed until it is mined.
func (c *CFilterClient) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	err := c.cfg.Chain.SendTransaction(tx)

	var rejected *pushtx.BroadcastError
	switch {
	case errors.As(err, &rejected):
		if rejected.Code == pushtx.Mempool ||
			rejected.Code == pushtx.Confirmed {

			break
		}

		return &BroadcastError{
			Txid:   tx.TxHash(),
			Reason: rejected.Reason,
		}

	case err != nil:
		return backendErr(NeutrinoBackend, "broadcast", err)
	}

	c.mempool.add(tx)
	c.txs.put(tx)

	return nil
}

// Tip returns the best block of the light client.
func (c *CFilterClient) Tip(_ context.Context) (ledger.Checkpoint, error) {
	best, err := c.cfg.Chain.BestBlock()
	if err != nil {
		return ledger.Checkpoint{}, backendErr(
			NeutrinoBackend, "best_block", err,
		)
	}

	return ledger.Checkpoint{
		Height: uint32(best.Height),
		Hash:   best.Hash,
	}, nil
}

// BlockHeader returns the header at height from the header store.
func (c *CFilterClient) BlockHeader(_ context.Context,
	height uint32) (*BlockHeader, error) {

	hash, err := c.cfg.Chain.GetBlockHash(int64(height))
	if err != nil {
		return nil, backendErr(NeutrinoBackend, "block_hash", err)
	}

	header, err := c.cfg.Chain.GetBlockHeader(hash)
	if err != nil {
		return nil, backendErr(NeutrinoBackend, "block_header", err)
	}

	return &BlockHeader{Height: height, Hash: *hash, Header: *header}, nil
}

// HeadersSince returns the headers from height to the tip.
func (c *CFilterClient) HeadersSince(ctx context.Context,
	height uint32) ([]BlockHeader, error) {

	tip, err := c.Tip(ctx)
	if err != nil {
		return nil, err
	}

	last, ok := clampHeaderRange(height, tip.Height)
	if !ok {
		return nil, nil
	}

	headers := make([]BlockHeader, 0, last-height+1)
	for h := height; h <= last; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		header, err := c.BlockHeader(ctx, h)
		if err != nil {
			return nil, err
		}
		headers = append(headers, *header)
	}

	return headers, nil
}

// BackEnd returns the name of the driver.
func (c *CFilterClient) BackEnd() string {
	return NeutrinoBackend
}
