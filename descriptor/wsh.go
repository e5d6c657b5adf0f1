package descriptor

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/pkg/unit"
)

// WSH is a ranged pay-to-witness-script-hash descriptor whose witness script
// is compiled from a Policy. Every key named in the policy is an account
// level extended key and is derived at <xpub>/<chain>/<index>.
//
// Supported shapes are pk(K), multi(k,...), and conjunctions of exactly one
// pk or multi with any number of after, older and sha256 locks.
type WSH struct {
	policy Policy
	keys   map[string]*hdkeychain.ExtendedKey
	params *chaincfg.Params

	// order is the lexicographic order of key names used for String.
	order []string

	id ID

	branchMtx sync.Mutex
	branches  map[string]map[Chain]*hdkeychain.ExtendedKey
}

// A compile-time assertion to ensure WSH implements Descriptor.
var _ Descriptor = (*WSH)(nil)

// NewWSH creates a WSH descriptor. All keys referenced by the policy must be
// present in keys.
func NewWSH(policy Policy, keys map[string]*hdkeychain.ExtendedKey,
	params *chaincfg.Params) (*WSH, error) {

	if err := Validate(policy); err != nil {
		return nil, err
	}
	if _, err := splitConjunction(policy); err != nil {
		return nil, err
	}

	neutered := make(map[string]*hdkeychain.ExtendedKey, len(keys))
	for _, name := range keyNames(policy) {
		key, ok := keys[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingKey, name)
		}

		if key.IsPrivate() {
			var err error
			key, err = key.Neuter()
			if err != nil {
				return nil, err
			}
		}
		neutered[name] = key
	}

	order := make([]string, 0, len(neutered))
	for name := range neutered {
		order = append(order, name)
	}
	sort.Strings(order)

	d := &WSH{
		policy:   policy,
		keys:     neutered,
		params:   params,
		order:    order,
		branches: make(map[string]map[Chain]*hdkeychain.ExtendedKey),
	}
	d.id = NewID(d.String())

	return d, nil
}

// ID returns the stable identifier of the descriptor.
func (d *WSH) ID() ID {
	return d.id
}

// String returns the descriptor string: the policy followed by the key
// assignments.
func (d *WSH) String() string {
	keys := make([]string, 0, len(d.order))
	for _, name := range d.order {
		keys = append(keys, fmt.Sprintf("%s=%s/<0;1>/*", name,
			d.keys[name].String()))
	}

	return fmt.Sprintf("wsh(%s)[%s]", d.policy, strings.Join(keys, ","))
}

// Policy returns the spending policy.
func (d *WSH) Policy() Policy {
	return d.policy
}

// Derive compiles the witness script at the given chain and index.
func (d *WSH) Derive(chain Chain, index uint32) (*DerivedScript, error) {
	pubKeys := make(map[string]*btcec.PublicKey, len(d.keys))
	for name := range d.keys {
		branch := func(c Chain) (*hdkeychain.ExtendedKey, error) {
			return d.branch(name, c)
		}

		child, err := deriveChild(branch, chain, index)
		if err != nil {
			return nil, err
		}

		pubKeys[name], err = child.ECPubKey()
		if err != nil {
			return nil, err
		}
	}

	witnessScript, err := compileWitnessScript(d.policy, pubKeys)
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(
		scriptHash[:], d.params,
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	// The witness carries the item count, the satisfying stack and the
	// witness script itself.
	sat := satisfaction(d.policy)
	weight := wire.VarIntSerializeSize(uint64(sat.items+1)) + sat.size +
		wire.VarIntSerializeSize(uint64(len(witnessScript))) +
		len(witnessScript)

	return &DerivedScript{
		PkScript:              pkScript,
		WitnessScript:         witnessScript,
		Address:               addr,
		MaxSatisfactionWeight: unit.WeightUnit(weight),
	}, nil
}

func (d *WSH) branch(name string, chain Chain) (*hdkeychain.ExtendedKey,
	error) {

	d.branchMtx.Lock()
	defer d.branchMtx.Unlock()

	perKey, ok := d.branches[name]
	if !ok {
		perKey = make(map[Chain]*hdkeychain.ExtendedKey)
		d.branches[name] = perKey
	}
	if key, ok := perKey[chain]; ok {
		return key, nil
	}

	key, err := d.keys[name].Derive(uint32(chain))
	if err != nil {
		return nil, err
	}
	perKey[chain] = key

	return key, nil
}

// splitConjunction flattens nested ands and returns the lock fragments
// followed by the single signature fragment as the last element.
func splitConjunction(p Policy) ([]Policy, error) {
	var (
		locks []Policy
		sig   Policy
	)

	var walk func(Policy) error
	walk = func(p Policy) error {
		switch p := p.(type) {
		case Key, Multi:
			if sig != nil {
				return fmt.Errorf("%w: more than one signature "+
					"fragment", ErrUnsupportedPolicy)
			}
			sig = p

		case After, Older, Sha256:
			locks = append(locks, p)

		case Thresh:
			if p.K != len(p.Subs) {
				return fmt.Errorf("%w: %v is not a conjunction",
					ErrUnsupportedPolicy, p)
			}
			for _, sub := range p.Subs {
				if err := walk(sub); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("%w: %T", ErrUnsupportedPolicy, p)
		}

		return nil
	}
	if err := walk(p); err != nil {
		return nil, err
	}

	if sig == nil {
		return nil, fmt.Errorf("%w: no signature fragment",
			ErrUnsupportedPolicy)
	}

	return append(locks, sig), nil
}

// compileWitnessScript emits the lock fragments as VERIFY prefixes and ends
// with the signature check.
func compileWitnessScript(p Policy,
	pubKeys map[string]*btcec.PublicKey) ([]byte, error) {

	fragments, err := splitConjunction(p)
	if err != nil {
		return nil, err
	}

	b := txscript.NewScriptBuilder()
	for _, frag := range fragments {
		switch frag := frag.(type) {
		case After:
			b.AddInt64(int64(frag.Height))
			b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
			b.AddOp(txscript.OP_DROP)

		case Older:
			b.AddInt64(int64(frag.Blocks))
			b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
			b.AddOp(txscript.OP_DROP)

		case Sha256:
			b.AddOp(txscript.OP_SIZE)
			b.AddInt64(32)
			b.AddOp(txscript.OP_EQUALVERIFY)
			b.AddOp(txscript.OP_SHA256)
			b.AddData(frag.Hash[:])
			b.AddOp(txscript.OP_EQUALVERIFY)

		case Key:
			b.AddData(pubKeys[frag.Name].SerializeCompressed())
			b.AddOp(txscript.OP_CHECKSIG)

		case Multi:
			b.AddInt64(int64(frag.K))
			for _, name := range frag.Keys {
				b.AddData(pubKeys[name].SerializeCompressed())
			}
			b.AddInt64(int64(len(frag.Keys)))
			b.AddOp(txscript.OP_CHECKMULTISIG)
		}
	}

	return b.Script()
}
