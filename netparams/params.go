// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import "github.com/btcsuite/btcd/chaincfg"

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// ElectrumServer is a public TLS Electrum server, empty when the
	// network has no well known one.
	ElectrumServer string

	// EsploraURL is a public Esplora API root, empty when the network
	// has no well known one.
	EsploraURL string
}

// MainNetParams contains parameters specific to the main network
// (wire.MainNet).
var MainNetParams = Params{
	Params:         &chaincfg.MainNetParams,
	ElectrumServer: "electrum.blockstream.info:50002",
	EsploraURL:     "https://blockstream.info/api",
}

// TestNet3Params contains parameters specific to the test network (version
// 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:         &chaincfg.TestNet3Params,
	ElectrumServer: "electrum.blockstream.info:60002",
	EsploraURL:     "https://blockstream.info/testnet/api",
}

// TestNet4Params contains parameters specific to the test network (version
// 4).
var TestNet4Params = Params{
	Params:     &chaincfg.TestNet4Params,
	EsploraURL: "https://mempool.space/testnet4/api",
}

// SigNetParams contains parameters specific to the default signet.
var SigNetParams = Params{
	Params:     &chaincfg.SigNetParams,
	EsploraURL: "https://mempool.space/signet/api",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params: &chaincfg.RegressionNetParams,
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params: &chaincfg.SimNetParams,
}
