package descriptor

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const (
	// sigElementSize is a DER signature with its sighash byte and the
	// length prefix of the witness element.
	sigElementSize = 1 + 73

	// pubKeyElementSize is a compressed public key with its length prefix.
	pubKeyElementSize = 1 + 33

	// preimageElementSize is a 32-byte preimage with its length prefix.
	preimageElementSize = 1 + 32

	// emptyElementSize is an empty witness element.
	emptyElementSize = 1
)

// Policy is a node of a spending policy tree. The set of implementations is
// closed: Key, Multi, After, Older, Sha256 and Thresh.
type Policy interface {
	fmt.Stringer

	// isPolicy is a marker method to prevent external implementations.
	isPolicy()
}

// Key requires a signature from the named key.
type Key struct {
	Name string
}

// Multi requires K signatures out of the named keys, spent through
// OP_CHECKMULTISIG.
type Multi struct {
	K    int
	Keys []string
}

// After requires the spending transaction's locktime to be at least Height.
type After struct {
	Height uint32
}

// Older requires the spent output to be at least Blocks blocks deep.
type Older struct {
	Blocks uint32
}

// Sha256 requires the preimage of Hash.
type Sha256 struct {
	Hash [32]byte
}

// Thresh requires K of its sub-policies to be satisfied.
type Thresh struct {
	K    int
	Subs []Policy
}

func (Key) isPolicy()    {}
func (Multi) isPolicy()  {}
func (After) isPolicy()  {}
func (Older) isPolicy()  {}
func (Sha256) isPolicy() {}
func (Thresh) isPolicy() {}

// And requires both a and b.
func And(a, b Policy) Policy {
	return Thresh{K: 2, Subs: []Policy{a, b}}
}

// Or requires either a or b.
func Or(a, b Policy) Policy {
	return Thresh{K: 1, Subs: []Policy{a, b}}
}

func (p Key) String() string {
	return fmt.Sprintf("pk(%s)", p.Name)
}

func (p Multi) String() string {
	return fmt.Sprintf("multi(%d,%s)", p.K, strings.Join(p.Keys, ","))
}

func (p After) String() string {
	return fmt.Sprintf("after(%d)", p.Height)
}

func (p Older) String() string {
	return fmt.Sprintf("older(%d)", p.Blocks)
}

func (p Sha256) String() string {
	return fmt.Sprintf("sha256(%s)", hex.EncodeToString(p.Hash[:]))
}

func (p Thresh) String() string {
	subs := make([]string, 0, len(p.Subs))
	for _, sub := range p.Subs {
		subs = append(subs, sub.String())
	}

	switch {
	case p.K == len(p.Subs) && p.K == 2:
		return fmt.Sprintf("and(%s)", strings.Join(subs, ","))
	case p.K == 1 && len(p.Subs) == 2:
		return fmt.Sprintf("or(%s)", strings.Join(subs, ","))
	}

	return fmt.Sprintf("thresh(%d,%s)", p.K, strings.Join(subs, ","))
}

// Validate checks the structural sanity of a policy tree.
func Validate(p Policy) error {
	switch p := p.(type) {
	case Key:
		if p.Name == "" {
			return fmt.Errorf("%w: empty key name",
				ErrUnsupportedPolicy)
		}

	case Multi:
		if p.K < 1 || p.K > len(p.Keys) || len(p.Keys) > 20 {
			return fmt.Errorf("%w: invalid multi(%d) over %d keys",
				ErrUnsupportedPolicy, p.K, len(p.Keys))
		}

	case After:
		if p.Height == 0 {
			return fmt.Errorf("%w: after(0)", ErrUnsupportedPolicy)
		}

	case Older:
		// Only block based relative locks are modeled, which BIP68
		// limits to 16 bits.
		if p.Blocks == 0 || p.Blocks > 0xffff {
			return fmt.Errorf("%w: older(%d)", ErrUnsupportedPolicy,
				p.Blocks)
		}

	case Sha256:

	case Thresh:
		if p.K < 1 || p.K > len(p.Subs) {
			return fmt.Errorf("%w: thresh(%d) over %d policies",
				ErrUnsupportedPolicy, p.K, len(p.Subs))
		}
		for _, sub := range p.Subs {
			if err := Validate(sub); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedPolicy, p)
	}

	return nil
}

// stackCost is the size and element count of a witness stack fragment.
type stackCost struct {
	size  int
	items int
}

func (s stackCost) add(o stackCost) stackCost {
	return stackCost{size: s.size + o.size, items: s.items + o.items}
}

// satisfaction returns the worst-case cost of satisfying p.
func satisfaction(p Policy) stackCost {
	switch p := p.(type) {
	case Key:
		return stackCost{size: sigElementSize, items: 1}

	case Multi:
		// The extra element is the dummy consumed by CHECKMULTISIG.
		return stackCost{
			size:  emptyElementSize + p.K*sigElementSize,
			items: 1 + p.K,
		}

	case Sha256:
		return stackCost{size: preimageElementSize, items: 1}

	case Thresh:
		return threshCost(p)
	}

	// Timelocks are checked against the transaction, not the stack.
	return stackCost{}
}

// dissatisfaction returns the cost of proving p unsatisfied.
func dissatisfaction(p Policy) stackCost {
	switch p := p.(type) {
	case Key:
		return stackCost{size: emptyElementSize, items: 1}

	case Multi:
		return stackCost{
			size:  (1 + p.K) * emptyElementSize,
			items: 1 + p.K,
		}

	case Sha256:
		// Any 32-byte value that is not the preimage.
		return stackCost{size: preimageElementSize, items: 1}

	case Thresh:
		var c stackCost
		for _, sub := range p.Subs {
			c = c.add(dissatisfaction(sub))
		}
		return c
	}

	return stackCost{}
}

// threshCost picks the K sub-policies whose satisfaction costs the most
// relative to their dissatisfaction and dissatisfies the rest, which yields
// the largest witness any valid spend can produce.
func threshCost(p Thresh) stackCost {
	type branch struct {
		sat, dsat stackCost
	}

	branches := make([]branch, len(p.Subs))
	for i, sub := range p.Subs {
		branches[i] = branch{
			sat:  satisfaction(sub),
			dsat: dissatisfaction(sub),
		}
	}

	sort.SliceStable(branches, func(i, j int) bool {
		di := branches[i].sat.size - branches[i].dsat.size
		dj := branches[j].sat.size - branches[j].dsat.size
		return di > dj
	})

	var c stackCost
	for i, b := range branches {
		if i < p.K {
			c = c.add(b.sat)
		} else {
			c = c.add(b.dsat)
		}
	}

	return c
}

// SatisfactionSize returns the worst-case number of witness bytes, excluding
// the item count and any witness script, needed to satisfy p.
func SatisfactionSize(p Policy) int {
	return satisfaction(p).size
}

// Timelocks describes the timelock requirements a policy places on a spend.
type Timelocks struct {
	// RelativeBlocks is the largest relative block lock found, zero if
	// none.
	RelativeBlocks uint32

	// AbsoluteHeight is the largest absolute height lock found, zero if
	// none.
	AbsoluteHeight uint32
}

// HasRelative reports whether a relative lock is required.
func (t Timelocks) HasRelative() bool {
	return t.RelativeBlocks > 0
}

// HasAbsolute reports whether an absolute lock is required.
func (t Timelocks) HasAbsolute() bool {
	return t.AbsoluteHeight > 0
}

// TimelocksOf collects the timelocks of p. Every branch is included, so for
// policies with alternatives the result is the strictest combination.
func TimelocksOf(p Policy) Timelocks {
	var t Timelocks

	switch p := p.(type) {
	case After:
		t.AbsoluteHeight = p.Height

	case Older:
		t.RelativeBlocks = p.Blocks

	case Thresh:
		for _, sub := range p.Subs {
			st := TimelocksOf(sub)
			t.RelativeBlocks = max(t.RelativeBlocks, st.RelativeBlocks)
			t.AbsoluteHeight = max(t.AbsoluteHeight, st.AbsoluteHeight)
		}
	}

	return t
}

// keyNames returns all key names referenced by p in first-seen order.
func keyNames(p Policy) []string {
	var (
		names []string
		seen  = make(map[string]struct{})
	)

	var walk func(Policy)
	walk = func(p Policy) {
		switch p := p.(type) {
		case Key:
			if _, ok := seen[p.Name]; !ok {
				seen[p.Name] = struct{}{}
				names = append(names, p.Name)
			}

		case Multi:
			for _, name := range p.Keys {
				walk(Key{Name: name})
			}

		case Thresh:
			for _, sub := range p.Subs {
				walk(sub)
			}
		}
	}
	walk(p)

	return names
}
