package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/checksum0/go-electrum/electrum"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultElectrumTimeout bounds a single Electrum request.
	defaultElectrumTimeout = 30 * time.Second

	// defaultElectrumConcurrency is the number of script histories
	// requested in parallel.
	defaultElectrumConcurrency = 10

	// defaultElectrumTipRefresh is how long the header subscription may
	// stay quiet before it is renewed.
	defaultElectrumTipRefresh = 15 * time.Minute

	// headerHexLen is the length of a hex encoded block header.
	headerHexLen = wire.MaxBlockHeaderPayload * 2
)

// ElectrumConn is the subset of the go-electrum client used by
// ElectrumClient.
type ElectrumConn interface {
	GetHistory(ctx context.Context,
		scripthash string) ([]*electrum.GetMempoolResult, error)

	GetRawTransaction(ctx context.Context, txHash string) (string, error)

	BroadcastTransaction(ctx context.Context,
		rawTx string) (string, error)

	GetBlockHeader(ctx context.Context, height uint32,
		checkpointHeight ...uint32) (*electrum.GetBlockHeaderResult,
		error)

	GetBlockHeaders(ctx context.Context, startHeight, count uint32,
		checkpointHeight ...uint32) (*electrum.GetBlockHeadersResult,
		error)

	SubscribeHeaders(ctx context.Context) (
		<-chan *electrum.SubscribeHeadersResult, error)
}

// A compile-time assertion to ensure the go-electrum client satisfies
// ElectrumConn.
var _ ElectrumConn = (*electrum.Client)(nil)

// ElectrumConfig configures an ElectrumClient.
type ElectrumConfig struct {
	// Conn is the connected Electrum client.
	Conn ElectrumConn

	// RequestTimeout bounds every request.
	RequestTimeout time.Duration

	// Concurrency is the number of parallel script queries.
	Concurrency int

	// TxCacheSize is the byte size of the transaction cache.
	TxCacheSize uint64

	// TipRefresh is how long the header subscription may go without a
	// notification before it is renewed. A renewal answers with the
	// current tip.
	TipRefresh time.Duration
}

// ElectrumClient is a query based backend talking to an Electrum server.
type ElectrumClient struct {
	cfg ElectrumConfig

	txs *txCache

	tipMtx sync.RWMutex
	tip    fn.Option[ledger.Checkpoint]
	tipErr error

	startOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// A compile-time assertion to ensure ElectrumClient implements Interface.
var _ Interface = (*ElectrumClient)(nil)

// NewElectrumClient creates an Electrum backend.
func NewElectrumClient(cfg ElectrumConfig) *ElectrumClient {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultElectrumTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultElectrumConcurrency
	}
	if cfg.TipRefresh == 0 {
		cfg.TipRefresh = defaultElectrumTipRefresh
	}

	return &ElectrumClient{
		cfg:  cfg,
		txs:  newTxCache(cfg.TxCacheSize),
		quit: make(chan struct{}),
	}
}

// Start subscribes to header notifications so that Tip can be answered
// locally. The first notification carries the current tip.
func (c *ElectrumClient) Start(ctx context.Context) error {
	var startErr error
	c.startOnce.Do(func() {
		headers, err := c.subscribeHeaders()
		if err != nil {
			startErr = err
			return
		}

		select {
		case first := <-headers:
			if err := c.handleTip(first); err != nil {
				startErr = err
				return
			}

		case <-ctx.Done():
			startErr = ctx.Err()
			return
		}

		c.wg.Add(1)
		go c.tipHandler(headers)
	})

	return startErr
}

// Stop stops tracking the tip.
func (c *ElectrumClient) Stop() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	c.wg.Wait()
}

// subscribeHeaders issues blockchain.headers.subscribe. The notifications
// outlive the request, so only the request itself is bounded.
func (c *ElectrumClient) subscribeHeaders() (
	<-chan *electrum.SubscribeHeadersResult, error) {

	ctx, cancel := context.WithTimeout(
		context.Background(), c.cfg.RequestTimeout,
	)
	defer cancel()

	headers, err := c.cfg.Conn.SubscribeHeaders(ctx)
	if err != nil {
		return nil, backendErr(ElectrumBackend, "subscribe", err)
	}

	return headers, nil
}

// tipHandler applies header notifications. go-electrum stops delivering
// them without closing the channel once its connection fails, so a
// subscription that stays quiet for TipRefresh is renewed. Until a renewal
// succeeds Tip reports the failure instead of the last tip.
func (c *ElectrumClient) tipHandler(
	headers <-chan *electrum.SubscribeHeadersResult) {

	defer c.wg.Done()

	refresh := time.NewTimer(c.cfg.TipRefresh)
	defer refresh.Stop()

	for {
		select {
		case header, ok := <-headers:
			if !ok {
				log.Warnf("Electrum header subscription closed")
				headers = nil
				refresh.Reset(0)
				continue
			}
			if err := c.handleTip(header); err != nil {
				log.Errorf("Unable to handle Electrum tip: %v",
					err)
			}
			refresh.Reset(c.cfg.TipRefresh)

		case <-refresh.C:
			next, err := c.subscribeHeaders()
			if err != nil {
				log.Warnf("Unable to renew Electrum header "+
					"subscription: %v", err)

				c.tipMtx.Lock()
				c.tipErr = err
				c.tipMtx.Unlock()

				refresh.Reset(c.cfg.TipRefresh)
				continue
			}

			log.Debugf("Renewed Electrum header subscription")
			headers = next
			refresh.Reset(c.cfg.TipRefresh)

		case <-c.quit:
			return
		}
	}
}

func (c *ElectrumClient) handleTip(h *electrum.SubscribeHeadersResult) error {
	if h == nil || h.Height < 0 {
		return &BackendError{
			Backend: ElectrumBackend,
			Op:      "tip",
			Err:     errors.New("invalid tip notification"),
		}
	}

	header, err := decodeHeader(h.Hex)
	if err != nil {
		return backendErr(ElectrumBackend, "tip", err)
	}

	cp := ledger.Checkpoint{
		Height: uint32(h.Height),
		Hash:   header.BlockHash(),
	}

	c.tipMtx.Lock()
	c.tip = fn.Some(cp)
	c.tipErr = nil
	c.tipMtx.Unlock()

	log.Debugf("Electrum tip now %v", cp)

	return nil
}

// ScriptsStatus queries the history of every script, running up to
// Concurrency requests at once.
func (c *ElectrumClient) ScriptsStatus(ctx context.Context,
	scripts [][]byte) (map[string][]SeenTx, error) {

	var (
		mtx    sync.Mutex
		result = make(map[string][]SeenTx, len(scripts))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, script := range scripts {
		g.Go(func() error {
			seen, err := c.scriptHistory(gctx, script)
			if err != nil {
				return err
			}

			mtx.Lock()
			result[ScriptKey(script)] = seen
			mtx.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

func (c *ElectrumClient) scriptHistory(ctx context.Context,
	script []byte) ([]SeenTx, error) {

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	history, err := c.cfg.Conn.GetHistory(ctx, ElectrumScriptHash(script))
	if err != nil {
		return nil, backendErr(ElectrumBackend, "get_history", err)
	}

	seen := make([]SeenTx, 0, len(history))
	for _, item := range history {
		txid, err := chainhash.NewHashFromStr(item.Hash)
		if err != nil {
			return nil, backendErr(ElectrumBackend, "get_history",
				err)
		}

		// Electrum reports 0 for unconfirmed and -1 for unconfirmed
		// with unconfirmed parents.
		height := fn.None[uint32]()
		if item.Height > 0 {
			height = fn.Some(uint32(item.Height))
		}

		seen = append(seen, SeenTx{Txid: *txid, Height: height})
	}

	return seen, nil
}

// GetTransaction returns the transaction with the given id.
func (c *ElectrumClient) GetTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	if tx, ok := c.txs.get(txid); ok {
		return tx, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	raw, err := c.cfg.Conn.GetRawTransaction(ctx, txid.String())
	if err != nil {
		// The only reply error for a well formed txid is an unknown
		// transaction.
		if isElectrumReply(err) {
			return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)
		}
		return nil, backendErr(ElectrumBackend, "get_transaction", err)
	}

	tx, err := decodeTx(raw)
	if err != nil {
		return nil, backendErr(ElectrumBackend, "get_transaction", err)
	}
	if tx.TxHash() != txid {
		return nil, &BackendError{
			Backend: ElectrumBackend,
			Op:      "get_transaction",
			Err: fmt.Errorf("server returned %v for %v",
				tx.TxHash(), txid),
		}
	}

	c.txs.put(tx)

	return tx, nil
}

// Broadcast relays tx through the server.
func (c *ElectrumClient) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.cfg.Conn.BroadcastTransaction(
		ctx, hex.EncodeToString(buf.Bytes()),
	)
	if err != nil {
		// The server answers with an RPC error for consensus or
		// policy rejections.
		if isElectrumReply(err) {
			return &BroadcastError{
				Txid:   tx.TxHash(),
				Reason: err.Error(),
			}
		}

		return backendErr(ElectrumBackend, "broadcast", err)
	}

	c.txs.put(tx)

	return nil
}

// Tip returns the last tip announced by the server, or the error that keeps
// the header subscription from being renewed.
func (c *ElectrumClient) Tip(_ context.Context) (ledger.Checkpoint, error) {
	c.tipMtx.RLock()
	defer c.tipMtx.RUnlock()

	if c.tipErr != nil {
		return ledger.Checkpoint{}, c.tipErr
	}

	return c.tip.UnwrapOrErr(ErrNotStarted)
}

// BlockHeader returns the header at height.
func (c *ElectrumClient) BlockHeader(ctx context.Context,
	height uint32) (*BlockHeader, error) {

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	res, err := c.cfg.Conn.GetBlockHeader(ctx, height)
	if err != nil {
		return nil, backendErr(ElectrumBackend, "block_header", err)
	}

	header, err := decodeHeader(res.Header)
	if err != nil {
		return nil, backendErr(ElectrumBackend, "block_header", err)
	}

	return &BlockHeader{
		Height: height,
		Hash:   header.BlockHash(),
		Header: *header,
	}, nil
}

// HeadersSince fetches the headers from height to the tip in one batched
// request.
func (c *ElectrumClient) HeadersSince(ctx context.Context,
	height uint32) ([]BlockHeader, error) {

	tip, err := c.Tip(ctx)
	if err != nil {
		return nil, err
	}

	last, ok := clampHeaderRange(height, tip.Height)
	if !ok {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	res, err := c.cfg.Conn.GetBlockHeaders(ctx, height, last-height+1)
	if err != nil {
		return nil, backendErr(ElectrumBackend, "block_headers", err)
	}

	if len(res.Headers)%headerHexLen != 0 {
		return nil, &BackendError{
			Backend: ElectrumBackend,
			Op:      "block_headers",
			Err: fmt.Errorf("header blob of %d chars",
				len(res.Headers)),
		}
	}

	n := len(res.Headers) / headerHexLen
	headers := make([]BlockHeader, 0, n)
	for i := 0; i < n; i++ {
		raw := res.Headers[i*headerHexLen : (i+1)*headerHexLen]
		header, err := decodeHeader(raw)
		if err != nil {
			return nil, backendErr(ElectrumBackend,
				"block_headers", err)
		}

		headers = append(headers, BlockHeader{
			Height: height + uint32(i),
			Hash:   header.BlockHash(),
			Header: *header,
		})
	}

	return headers, nil
}

// BackEnd returns the name of the driver.
func (c *ElectrumClient) BackEnd() string {
	return ElectrumBackend
}

// ElectrumScriptHash returns the Electrum script hash of a script: the
// sha256 of the script in reversed byte order, hex encoded.
func ElectrumScriptHash(script []byte) string {
	h := sha256.Sum256(script)
	for i, j := 0, len(h)-1; i < j; i, j = i+1, j-1 {
		h[i], h[j] = h[j], h[i]
	}

	return hex.EncodeToString(h[:])
}

// isElectrumLocal reports whether err was raised on this side of the
// connection: a failed write, a shut down client, an expired request or a
// result that did not decode.
func isElectrumLocal(err error) bool {
	var (
		netErr    net.Error
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, electrum.ErrServerShutdown),
		errors.Is(err, electrum.ErrTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.As(err, &netErr),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr):

		return true
	}

	return false
}

// isElectrumReply reports whether err is an error reply from the server.
// go-electrum does not export its reply error type, so a reply is any error
// that is not local.
func isElectrumReply(err error) bool {
	return err != nil && !isElectrumLocal(err)
}

func decodeHeader(s string) (*wire.BlockHeader, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	return &header, nil
}

func decodeTx(s string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	return tx, nil
}
