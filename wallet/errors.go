// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
)

var (
	// ErrReorgBeyondHorizon is returned when even the oldest retained
	// checkpoint is no longer part of the remote chain. The ledger cannot
	// be reconciled incrementally and needs a FullRescan.
	ErrReorgBeyondHorizon = errors.New("reorg deeper than the retained " +
		"checkpoints, full rescan required")

	// ErrSyncInProgress is returned by TrySync while another pass runs.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrDoubleSpend is returned when recording a transaction that
	// spends an output already spent by a confirmed transaction.
	ErrDoubleSpend = errors.New("output already spent by a confirmed " +
		"transaction")

	// ErrAutoSyncStarted is returned when an AutoSync is started twice.
	ErrAutoSyncStarted = errors.New("auto sync already started")
)
