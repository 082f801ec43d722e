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

package txrequest

import (
	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/txrelay/go-txrelay/common"
)

// The tracker keeps three red-black trees over the same announcement rows.
// Keys are the rows themselves; each comparator projects the fields it
// orders on. Because the trees require a strict total order, byTxHash and
// byTime append a component (peer, sequence) that never influences any
// decision made by walking the index; it only separates rows the original
// orderings consider equal.
//
// Any mutation of a field a comparator reads must remove the row from all
// trees first and reinsert it afterwards.

var zeroHash common.Hash

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	switch {
	case !a && b:
		return -1
	case a && !b:
		return 1
	default:
		return 0
	}
}

// byPeerCmp orders rows by (peer, state == BEST, txhash). Unique: a peer has
// at most one row per txhash.
func byPeerCmp(a, b interface{}) int {
	x, y := a.(*announcement), b.(*announcement)
	if c := cmpUint64(x.peer, y.peer); c != 0 {
		return c
	}
	if c := cmpBool(x.state == stateCandidateBest, y.state == stateCandidateBest); c != 0 {
		return c
	}
	return x.txHash.Cmp(y.txHash)
}

// byTxHashCmp orders rows by (txhash, state, priority-if-READY), with peer
// as tie separator.
func byTxHashCmp(a, b interface{}) int {
	x, y := a.(*announcement), b.(*announcement)
	if c := x.txHash.Cmp(y.txHash); c != 0 {
		return c
	}
	if x.state != y.state {
		if x.state < y.state {
			return -1
		}
		return 1
	}
	if c := cmpUint64(x.readyPriority(), y.readyPriority()); c != 0 {
		return c
	}
	return cmpUint64(x.peer, y.peer)
}

// byTimeCmp orders rows by (time class, time), with sequence as tie
// separator.
func byTimeCmp(a, b interface{}) int {
	x, y := a.(*announcement), b.(*announcement)
	if c := x.timeClass() - y.timeClass(); c != 0 {
		return c
	}
	if x.time != y.time {
		if x.time < y.time {
			return -1
		}
		return 1
	}
	return cmpUint64(x.sequence, y.sequence)
}

// insert adds a row to all three trees.
func (t *Tracker) insert(a *announcement) {
	t.byPeer.Put(a, a)
	t.byTxHash.Put(a, a)
	t.byTime.Put(a, a)
}

// remove drops a row from all three trees.
func (t *Tracker) remove(a *announcement) {
	t.byPeer.Remove(a)
	t.byTxHash.Remove(a)
	t.byTime.Remove(a)
}

// peerRow looks up the row for (peer, txhash) among either the selected or
// unselected partition of the byPeer index.
func (t *Tracker) peerRow(peer uint64, selected bool, txhash common.Hash) *announcement {
	probe := &announcement{peer: peer, txHash: txhash}
	if selected {
		probe.state = stateCandidateBest
	}
	if v, ok := t.byPeer.Get(probe); ok {
		return v.(*announcement)
	}
	return nil
}

// firstPeerRow returns the first row with the given peer (in byPeer order),
// or nil.
func (t *Tracker) firstPeerRow(peer uint64) *announcement {
	node, ok := t.byPeer.Ceiling(&announcement{peer: peer, txHash: zeroHash})
	if !ok {
		return nil
	}
	if a := node.Key.(*announcement); a.peer == peer {
		return a
	}
	return nil
}

// groupFirst returns the first row of a txhash group in byTxHash order, or
// nil if the group is empty.
func (t *Tracker) groupFirst(txhash common.Hash) *announcement {
	node, ok := t.byTxHash.Ceiling(&announcement{txHash: txhash, state: stateCandidateDelayed})
	if !ok {
		return nil
	}
	if a := node.Key.(*announcement); a.txHash == txhash {
		return a
	}
	return nil
}

// groupLast returns the last row of a txhash group in byTxHash order, or nil
// if the group is empty. This row carries the authoritative per-txhash flags.
func (t *Tracker) groupLast(txhash common.Hash) *announcement {
	node, ok := t.byTxHash.Floor(&announcement{txHash: txhash, state: stateUpperBound})
	if !ok {
		return nil
	}
	if a := node.Key.(*announcement); a.txHash == txhash {
		return a
	}
	return nil
}

// txHashPred returns the predecessor of a row in byTxHash order, or nil.
func (t *Tracker) txHashPred(a *announcement) *announcement {
	node := t.byTxHash.GetNode(a)
	if node == nil {
		return nil
	}
	it := t.byTxHash.IteratorAt(node)
	if !it.Prev() {
		return nil
	}
	return it.Key().(*announcement)
}

// txHashSucc returns the successor of a row in byTxHash order, or nil.
func (t *Tracker) txHashSucc(a *announcement) *announcement {
	node := t.byTxHash.GetNode(a)
	if node == nil {
		return nil
	}
	it := t.byTxHash.IteratorAt(node)
	if !it.Next() {
		return nil
	}
	return it.Key().(*announcement)
}

// peerSucc returns the successor of a row in byPeer order, or nil.
func (t *Tracker) peerSucc(a *announcement) *announcement {
	node := t.byPeer.GetNode(a)
	if node == nil {
		return nil
	}
	it := t.byPeer.IteratorAt(node)
	if !it.Next() {
		return nil
	}
	return it.Key().(*announcement)
}

// newTree builds one index tree.
func newTree(cmp func(a, b interface{}) int) *redblacktree.Tree {
	return redblacktree.NewWith(cmp)
}
