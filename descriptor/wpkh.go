package descriptor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/descwallet/pkg/unit"
)

// wpkhKeyName is the policy name of the single key of a WPKH descriptor.
const wpkhKeyName = "key"

// WPKH is a ranged single-key pay-to-witness-pubkey-hash descriptor rooted at
// an account level extended public key. Scripts are derived at
// <xpub>/<chain>/<index>.
type WPKH struct {
	xpub   *hdkeychain.ExtendedKey
	params *chaincfg.Params

	id ID

	branchMtx sync.Mutex
	branches  map[Chain]*hdkeychain.ExtendedKey
}

// A compile-time assertion to ensure WPKH implements Descriptor.
var _ Descriptor = (*WPKH)(nil)

// NewWPKH creates a WPKH descriptor for the given extended key.
func NewWPKH(xpub *hdkeychain.ExtendedKey,
	params *chaincfg.Params) (*WPKH, error) {

	if xpub.IsPrivate() {
		neutered, err := xpub.Neuter()
		if err != nil {
			return nil, err
		}
		xpub = neutered
	}

	d := &WPKH{
		xpub:     xpub,
		params:   params,
		branches: make(map[Chain]*hdkeychain.ExtendedKey),
	}
	d.id = NewID(d.String())

	return d, nil
}

// ParseWPKH parses the textual form `wpkh(<xpub>/<0;1>/*)`. The forms
// `wpkh(<xpub>/*)` and `wpkh(<xpub>)` are accepted as shorthands.
func ParseWPKH(desc string, params *chaincfg.Params) (*WPKH, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(desc), "wpkh(")
	if !ok || !strings.HasSuffix(body, ")") {
		return nil, fmt.Errorf("%w: not a wpkh descriptor: %q",
			ErrUnsupportedPolicy, desc)
	}
	body = strings.TrimSuffix(body, ")")

	// Drop an optional checksum, then the range suffixes.
	body, _, _ = strings.Cut(body, "#")
	body = strings.TrimSuffix(body, "/*")
	body = strings.TrimSuffix(body, "/<0;1>")

	xpub, err := hdkeychain.NewKeyFromString(body)
	if err != nil {
		return nil, fmt.Errorf("invalid extended key: %w", err)
	}
	if !xpub.IsForNet(params) {
		return nil, fmt.Errorf("extended key is not for %s", params.Name)
	}

	return NewWPKH(xpub, params)
}

// ID returns the stable identifier of the descriptor.
func (d *WPKH) ID() ID {
	return d.id
}

// String returns the canonical descriptor string.
func (d *WPKH) String() string {
	return fmt.Sprintf("wpkh(%s/<0;1>/*)", d.xpub.String())
}

// Policy returns the single-key policy.
func (d *WPKH) Policy() Policy {
	return Key{Name: wpkhKeyName}
}

// Derive returns the P2WPKH script at the given chain and index.
func (d *WPKH) Derive(chain Chain, index uint32) (*DerivedScript, error) {
	key, err := deriveChild(d.branch, chain, index)
	if err != nil {
		return nil, err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), d.params,
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &DerivedScript{
		PkScript: pkScript,
		Address:  addr,
		MaxSatisfactionWeight: unit.WeightUnit(
			txsizes.RedeemP2WPKHInputWitnessWeight,
		),
	}, nil
}

// branch returns the cached chain-level key.
func (d *WPKH) branch(chain Chain) (*hdkeychain.ExtendedKey, error) {
	d.branchMtx.Lock()
	defer d.branchMtx.Unlock()

	if key, ok := d.branches[chain]; ok {
		return key, nil
	}

	key, err := d.xpub.Derive(uint32(chain))
	if err != nil {
		return nil, err
	}
	d.branches[chain] = key

	return key, nil
}

// deriveChild derives index below the chain key returned by branch.
func deriveChild(branch func(Chain) (*hdkeychain.ExtendedKey, error),
	chain Chain, index uint32) (*hdkeychain.ExtendedKey, error) {

	if chain != External && chain != Internal {
		return nil, fmt.Errorf("unknown chain %d", chain)
	}
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: index %d on %v chain",
			ErrKeySpaceExhausted, index, chain)
	}

	branchKey, err := branch(chain)
	if err != nil {
		return nil, err
	}

	return branchKey.Derive(index)
}
