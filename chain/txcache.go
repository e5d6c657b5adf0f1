package chain

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

// DefaultTxCacheSize is the default byte capacity of the transaction cache.
const DefaultTxCacheSize = 16 * 1024 * 1024

// cachedTx wraps a transaction so that it can live in an LRU cache sized in
// serialized bytes.
type cachedTx struct {
	*wire.MsgTx
}

// Size returns the serialized size of the transaction.
func (c *cachedTx) Size() (uint64, error) {
	return uint64(c.SerializeSize()), nil
}

// txCache is a byte bounded LRU cache of raw transactions. Transactions are
// immutable, so entries never need invalidation.
type txCache struct {
	c *lru.Cache[chainhash.Hash, *cachedTx]
}

func newTxCache(capacity uint64) *txCache {
	if capacity == 0 {
		capacity = DefaultTxCacheSize
	}

	return &txCache{
		c: lru.NewCache[chainhash.Hash, *cachedTx](capacity),
	}
}

func (t *txCache) get(txid chainhash.Hash) (*wire.MsgTx, bool) {
	entry, err := t.c.Get(txid)
	switch {
	case errors.Is(err, cache.ErrElementNotFound):
		return nil, false

	case err != nil:
		log.Debugf("Tx cache lookup of %v failed: %v", txid, err)
		return nil, false
	}

	return entry.MsgTx, true
}

func (t *txCache) put(tx *wire.MsgTx) {
	if _, err := t.c.Put(tx.TxHash(), &cachedTx{tx}); err != nil {
		log.Debugf("Unable to cache tx %v: %v", tx.TxHash(), err)
	}
}
