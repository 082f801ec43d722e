// Copyright 2026 The go-txrelay Authors
// This file is part of the go-txrelay library.
//
// The go-txrelay library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-txrelay library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-txrelay library. If not, see <http://www.gnu.org/licenses/>.

// Package types contains the data types passed across the relay boundary.
package types

import (
	"sync/atomic"

	"golang.org/x/crypto/sha3"

	"github.com/txrelay/go-txrelay/common"
)

// GenTxid is a transaction identifier of either flavor: a plain txid or a
// witness txid. The scheduler treats the hash as opaque and only preserves
// the flavor for the caller.
type GenTxid struct {
	isWtxid bool
	hash    common.Hash
}

// NewTxid wraps a plain transaction id.
func NewTxid(hash common.Hash) GenTxid {
	return GenTxid{isWtxid: false, hash: hash}
}

// NewWtxid wraps a witness transaction id.
func NewWtxid(hash common.Hash) GenTxid {
	return GenTxid{isWtxid: true, hash: hash}
}

// IsWtxid reports whether the identifier is of the witness flavor.
func (g GenTxid) IsWtxid() bool { return g.isWtxid }

// Hash returns the 32-byte identifier.
func (g GenTxid) Hash() common.Hash { return g.hash }

// String implements fmt.Stringer.
func (g GenTxid) String() string {
	if g.isWtxid {
		return "wtx " + g.hash.TerminalString()
	}
	return "tx " + g.hash.TerminalString()
}

// Transaction is an opaque raw transaction as gossiped between peers. The
// relay never interprets the payload; it only hashes it for identification.
// Both identifier flavors are derived here: the txid covers the body alone,
// the wtxid covers body plus witness data.
type Transaction struct {
	body    []byte
	witness []byte

	// caches
	hash  atomic.Pointer[common.Hash]
	whash atomic.Pointer[common.Hash]
}

// NewTransaction creates a transaction from a raw body and optional witness
// section. The slices are retained, not copied.
func NewTransaction(body, witness []byte) *Transaction {
	return &Transaction{body: body, witness: witness}
}

// Body returns the raw transaction body.
func (tx *Transaction) Body() []byte { return tx.body }

// Size returns the total wire size of the transaction.
func (tx *Transaction) Size() int { return len(tx.body) + len(tx.witness) }

// Hash returns the plain transaction id, computing and caching it on first
// use.
func (tx *Transaction) Hash() common.Hash {
	if h := tx.hash.Load(); h != nil {
		return *h
	}
	h := common.Hash(sha3.Sum256(tx.body))
	tx.hash.Store(&h)
	return h
}

// WitnessHash returns the witness transaction id. For transactions without
// witness data it equals Hash.
func (tx *Transaction) WitnessHash() common.Hash {
	if len(tx.witness) == 0 {
		return tx.Hash()
	}
	if h := tx.whash.Load(); h != nil {
		return *h
	}
	d := sha3.New256()
	d.Write(tx.body)
	d.Write(tx.witness)
	var h common.Hash
	d.Sum(h[:0])
	tx.whash.Store(&h)
	return h
}

// Wtxid returns the witness-flavor identifier of the transaction.
func (tx *Transaction) Wtxid() GenTxid {
	return NewWtxid(tx.WitnessHash())
}

// Txid returns the plain-flavor identifier of the transaction.
func (tx *Transaction) Txid() GenTxid {
	return NewTxid(tx.Hash())
}
