package ledger

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// checkInvariants validates a snapshot before it is committed.
func checkInvariants(s *Snapshot, scriptKnown func([]byte) bool) error {
	tipHeight, hasTip := uint32(0), false
	s.Tip().WhenSome(func(cp Checkpoint) {
		tipHeight, hasTip = cp.Height, true
	})

	for txid, rec := range s.txs {
		if rec.Txid != txid || rec.Tx.TxHash() != txid {
			return violationf("record %v holds transaction %v", txid,
				rec.Tx.TxHash())
		}

		for _, in := range rec.Tx.TxIn {
			u, ok := s.utxos[in.PreviousOutPoint]
			if ok && u.SpentBy != fn.Some(txid) {
				return violationf("transaction %v spends %v "+
					"which is not marked spent by it", txid,
					in.PreviousOutPoint)
			}
		}

		confirmed := rec.Status == StatusConfirmed
		if confirmed != rec.Height.IsSome() {
			return violationf("transaction %v is %v with height "+
				"set=%v", txid, rec.Status, rec.Height.IsSome())
		}

		if !confirmed {
			continue
		}

		height := rec.Height.UnwrapOr(0)
		if !hasTip || height > tipHeight {
			return violationf("transaction %v confirmed at %d "+
				"above checkpoint tip %d", txid, height,
				tipHeight)
		}
	}

	for op, u := range s.utxos {
		owner, ok := s.txs[op.Hash]
		if !ok {
			return violationf("output %v has no owning transaction",
				op)
		}
		if int(op.Index) >= len(owner.Tx.TxOut) {
			return violationf("output %v is out of range", op)
		}
		if u.Height != owner.Height {
			return violationf("output %v height differs from its "+
				"transaction", op)
		}
		if scriptKnown != nil && !scriptKnown(u.PkScript) {
			return violationf("output %v pays to untracked script "+
				"%x", op, u.PkScript)
		}

		var spendErr error
		u.SpentBy.WhenSome(func(spender chainhash.Hash) {
			rec, ok := s.txs[spender]
			if !ok {
				spendErr = violationf("output %v spent by "+
					"unknown transaction %v", op, spender)
				return
			}

			for _, in := range rec.Tx.TxIn {
				if in.PreviousOutPoint == op {
					return
				}
			}
			spendErr = violationf("transaction %v does not spend %v",
				spender, op)
		})
		if spendErr != nil {
			return spendErr
		}
	}

	return nil
}
