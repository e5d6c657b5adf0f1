package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/ledger"
	jsoniter "github.com/json-iterator/go"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// defaultEsploraTimeout bounds a single HTTP request.
	defaultEsploraTimeout = 30 * time.Second

	// defaultEsploraConcurrency is the number of parallel requests.
	defaultEsploraConcurrency = 4

	// defaultEsploraRate is the default request rate per second.
	defaultEsploraRate = 10

	// esploraChainPageSize is the number of confirmed transactions an
	// Esplora server returns per history page.
	esploraChainPageSize = 25

	// maxResponseSize bounds the body read from the server.
	maxResponseSize = 32 * 1024 * 1024
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EsploraConfig configures an EsploraClient.
type EsploraConfig struct {
	// URL is the API root, e.g. https://blockstream.info/api.
	URL string

	// HTTPClient performs the requests. http.DefaultClient is used when
	// nil.
	HTTPClient *http.Client

	// RequestsPerSecond and Burst configure the client side rate limit.
	RequestsPerSecond float64
	Burst             int

	// Concurrency is the number of parallel script queries.
	Concurrency int

	// TxCacheSize is the byte size of the transaction cache.
	TxCacheSize uint64
}

// EsploraClient is a polling backend talking to an Esplora REST API.
type EsploraClient struct {
	cfg     EsploraConfig
	base    string
	limiter *rate.Limiter
	txs     *txCache
}

// A compile-time assertion to ensure EsploraClient implements Interface.
var _ Interface = (*EsploraClient)(nil)

// esploraTx is the subset of an Esplora transaction object we use.
type esploraTx struct {
	Txid   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint32 `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   uint64 `json:"block_time"`
	} `json:"status"`
}

// NewEsploraClient creates an Esplora backend.
func NewEsploraClient(cfg EsploraConfig) *EsploraClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultEsploraTimeout}
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultEsploraRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultEsploraConcurrency
	}

	return &EsploraClient{
		cfg:  cfg,
		base: strings.TrimSuffix(cfg.URL, "/"),
		limiter: rate.NewLimiter(
			rate.Limit(cfg.RequestsPerSecond), cfg.Burst,
		),
		txs: newTxCache(cfg.TxCacheSize),
	}
}

// do performs a rate limited request and returns the status code and body.
func (c *EsploraClient) do(ctx context.Context, method, path string,
	body io.Reader) (int, []byte, error) {

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, err
	}

	log.Tracef("Esplora %s %s -> %d (%d bytes)", method, path,
		resp.StatusCode, len(data))

	return resp.StatusCode, data, nil
}

// get performs a GET request that must succeed with 200.
func (c *EsploraClient) get(ctx context.Context, op, path string) ([]byte,
	error) {

	status, data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, backendErr(EsploraBackend, op, err)
	}
	if status != http.StatusOK {
		return nil, &BackendError{
			Backend: EsploraBackend,
			Op:      op,
			Err: fmt.Errorf("status %d: %s", status,
				strings.TrimSpace(string(data))),
		}
	}

	return data, nil
}

// ScriptsStatus fetches the full history of every script.
func (c *EsploraClient) ScriptsStatus(ctx context.Context,
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

// scriptHistory walks the paginated history of a script. The first page
// holds the mempool transactions and the newest confirmed ones, later pages
// continue after the last confirmed txid seen.
func (c *EsploraClient) scriptHistory(ctx context.Context,
	script []byte) ([]SeenTx, error) {

	var (
		seen = make([]SeenTx, 0)
		path = fmt.Sprintf("/scripthash/%s/txs", esploraScriptHash(script))
		dups = make(map[chainhash.Hash]struct{})
	)

	for {
		data, err := c.get(ctx, "script_history", path)
		if err != nil {
			return nil, err
		}

		var page []esploraTx
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, backendErr(EsploraBackend, "script_history",
				err)
		}

		var (
			confirmed int
			last      string
		)
		for _, etx := range page {
			txid, err := chainhash.NewHashFromStr(etx.Txid)
			if err != nil {
				return nil, backendErr(EsploraBackend,
					"script_history", err)
			}
			if _, ok := dups[*txid]; ok {
				continue
			}
			dups[*txid] = struct{}{}

			height := fn.None[uint32]()
			if etx.Status.Confirmed {
				height = fn.Some(etx.Status.BlockHeight)
				confirmed++
				last = etx.Txid
			}

			seen = append(seen, SeenTx{Txid: *txid, Height: height})
		}

		if confirmed < esploraChainPageSize || last == "" {
			return seen, nil
		}

		path = fmt.Sprintf("/scripthash/%s/txs/chain/%s",
			esploraScriptHash(script), last)
	}
}

// GetTransaction returns the transaction with the given id.
func (c *EsploraClient) GetTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	if tx, ok := c.txs.get(txid); ok {
		return tx, nil
	}

	status, data, err := c.do(
		ctx, http.MethodGet, fmt.Sprintf("/tx/%v/hex", txid), nil,
	)
	switch {
	case err != nil:
		return nil, backendErr(EsploraBackend, "get_transaction", err)

	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)

	case status != http.StatusOK:
		return nil, &BackendError{
			Backend: EsploraBackend,
			Op:      "get_transaction",
			Err:     fmt.Errorf("status %d", status),
		}
	}

	tx, err := decodeTx(string(data))
	if err != nil {
		return nil, backendErr(EsploraBackend, "get_transaction", err)
	}
	if tx.TxHash() != txid {
		return nil, &BackendError{
			Backend: EsploraBackend,
			Op:      "get_transaction",
			Err: fmt.Errorf("server returned %v for %v",
				tx.TxHash(), txid),
		}
	}

	c.txs.put(tx)

	return tx, nil
}

// Broadcast posts the raw transaction. A 400 response is a rejection by the
// node behind the API.
func (c *EsploraClient) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}

	status, data, err := c.do(
		ctx, http.MethodPost, "/tx",
		strings.NewReader(hex.EncodeToString(buf.Bytes())),
	)
	switch {
	case err != nil:
		return backendErr(EsploraBackend, "broadcast", err)

	case status == http.StatusBadRequest:
		return &BroadcastError{
			Txid:   tx.TxHash(),
			Reason: strings.TrimSpace(string(data)),
		}

	case status != http.StatusOK:
		return &BackendError{
			Backend: EsploraBackend,
			Op:      "broadcast",
			Err:     fmt.Errorf("status %d", status),
		}
	}

	c.txs.put(tx)

	return nil
}

// Tip returns the current best block. The height is resolved to a hash
// through the height index so both values describe the same block.
func (c *EsploraClient) Tip(ctx context.Context) (ledger.Checkpoint, error) {
	data, err := c.get(ctx, "tip", "/blocks/tip/height")
	if err != nil {
		return ledger.Checkpoint{}, err
	}

	height, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10,
		32)
	if err != nil {
		return ledger.Checkpoint{}, backendErr(EsploraBackend, "tip", err)
	}

	hash, err := c.blockHash(ctx, uint32(height))
	if err != nil {
		return ledger.Checkpoint{}, err
	}

	return ledger.Checkpoint{Height: uint32(height), Hash: *hash}, nil
}

func (c *EsploraClient) blockHash(ctx context.Context,
	height uint32) (*chainhash.Hash, error) {

	data, err := c.get(
		ctx, "block_hash", fmt.Sprintf("/block-height/%d", height),
	)
	if err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, backendErr(EsploraBackend, "block_hash", err)
	}

	return hash, nil
}

// BlockHeader returns the header at height.
func (c *EsploraClient) BlockHeader(ctx context.Context,
	height uint32) (*BlockHeader, error) {

	hash, err := c.blockHash(ctx, height)
	if err != nil {
		return nil, err
	}

	data, err := c.get(
		ctx, "block_header", fmt.Sprintf("/block/%v/header", hash),
	)
	if err != nil {
		return nil, err
	}

	header, err := decodeHeader(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, backendErr(EsploraBackend, "block_header", err)
	}
	if header.BlockHash() != *hash {
		return nil, &BackendError{
			Backend: EsploraBackend,
			Op:      "block_header",
			Err:     fmt.Errorf("header does not hash to %v", hash),
		}
	}

	return &BlockHeader{Height: height, Hash: *hash, Header: *header}, nil
}

// HeadersSince fetches the headers from height to the tip. Esplora has no
// range endpoint, so the headers are fetched one by one in parallel.
func (c *EsploraClient) HeadersSince(ctx context.Context,
	height uint32) ([]BlockHeader, error) {

	tip, err := c.Tip(ctx)
	if err != nil {
		return nil, err
	}

	last, ok := clampHeaderRange(height, tip.Height)
	if !ok {
		return nil, nil
	}

	headers := make([]BlockHeader, last-height+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for h := height; h <= last; h++ {
		g.Go(func() error {
			header, err := c.BlockHeader(gctx, h)
			if err != nil {
				return err
			}
			headers[h-height] = *header

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return headers, nil
}

// BackEnd returns the name of the driver.
func (c *EsploraClient) BackEnd() string {
	return EsploraBackend
}

// esploraScriptHash is the sha256 of the script in reversed byte order, the
// same form Electrum uses.
func esploraScriptHash(script []byte) string {
	return ElectrumScriptHash(script)
}
