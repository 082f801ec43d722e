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

// Package txrequest schedules transaction downloads from gossip peers.
//
// The tracker records which peers announced which transactions and decides,
// per transaction, which peer to request it from, and when. The rules it
// enforces:
//
//   - While a request for a txhash is in flight, no other peer is asked for
//     the same txhash. A failed or expired request frees it up again.
//   - The same transaction is never requested twice from the same peer,
//     unless the announcement was forgotten in between and re-announced.
//   - Announcements are forgotten when the announcing peer goes offline,
//     when the transaction arrives, or when no candidates remain that have
//     not been tried.
//   - A transaction is not requested from a peer before the reqtime the
//     caller attached to the announcement. This lets the caller delay
//     less-trusted peers so better ones get the first shot.
//   - Among viable candidates, preferred peers win over non-preferred ones,
//     a first-to-announce marker wins within each class, and a salted hash
//     of (txhash, peer) breaks remaining ties so that peers cannot bias
//     assignment in their favor.
//
// The tracker is not safe for concurrent use. Every method completes
// synchronously, there are no internal timers; time only advances when the
// caller passes a timestamp into GetRequestable.
package txrequest

import (
	"fmt"

	"github.com/emirpasic/gods/trees/redblacktree"
	"golang.org/x/exp/slices"

	"github.com/txrelay/go-txrelay/common/mclock"
	"github.com/txrelay/go-txrelay/core/types"
)

// peerInfo aggregates per-peer row counts.
type peerInfo struct {
	total     int // number of rows for this peer
	requested int // number of REQUESTED rows for this peer
}

// Tracker keeps track of transaction announcements and schedules requests.
//
// Rows live in three trees over the same set:
//
//	byPeer:   (peer, state == BEST, txhash), unique
//	byTxHash: (txhash, state, priority if READY)
//	byTime:   (time class, time)
//
// The state machine never searches; every decision reads the immediate
// neighbor of a row in byTxHash order, which the orderings above place
// exactly where the decision needs it.
type Tracker struct {
	computer priorityComputer

	// sequence counts announcements ever accepted; rows are handed out in
	// sequence order regardless of priority shuffling.
	sequence uint64

	byPeer   *redblacktree.Tree
	byTxHash *redblacktree.Tree
	byTime   *redblacktree.Tree

	peers map[uint64]*peerInfo
}

// New creates an empty tracker. With deterministic set, the priority salt is
// zeroed so that request assignment is reproducible; real nodes must use a
// random salt.
func New(deterministic bool) *Tracker {
	return &Tracker{
		computer: newPriorityComputer(deterministic),
		byPeer:   newTree(byPeerCmp),
		byTxHash: newTree(byTxHashCmp),
		byTime:   newTree(byTimeCmp),
		peers:    make(map[uint64]*peerInfo),
	}
}

// Size returns the total number of tracked announcements.
func (t *Tracker) Size() int {
	return t.byTxHash.Size()
}

// CountTracked returns the number of announcements from the given peer.
func (t *Tracker) CountTracked(peer uint64) int {
	if info, ok := t.peers[peer]; ok {
		return info.total
	}
	return 0
}

// CountInFlight returns the number of in-flight requests to the given peer.
func (t *Tracker) CountInFlight(peer uint64) int {
	if info, ok := t.peers[peer]; ok {
		return info.requested
	}
	return 0
}

// erase removes a row, keeping the peer counters and the per-txhash flags of
// the remaining group intact.
func (t *Tracker) erase(a *announcement) {
	info := t.peers[a.peer]
	if a.state == stateRequested {
		info.requested--
	}
	if info.total--; info.total == 0 {
		delete(t.peers, a.peer)
	}
	// The row may be the last of its txhash group, so its flags move to the
	// predecessor, which then becomes the new last.
	if pred := t.txHashPred(a); pred != nil && pred.txHash == a.txHash {
		pred.flags |= a.flags
	}
	t.remove(a)
}

// modify reindexes a row around a mutation, bracketing it with per-txhash
// flag propagation and peer counter maintenance.
func (t *Tracker) modify(a *announcement, mutate func(*announcement)) {
	info := t.peers[a.peer]
	if a.state == stateRequested {
		info.requested--
	}
	// The row may stop being the last of its group: push its flags down to
	// the predecessor first.
	if pred := t.txHashPred(a); pred != nil && pred.txHash == a.txHash {
		pred.flags |= a.flags
	}
	t.remove(a)
	mutate(a)
	t.insert(a)
	// The row may have become the last of its group: pull the accumulated
	// flags up from the predecessor.
	if pred := t.txHashPred(a); pred != nil && pred.txHash == a.txHash {
		a.flags |= pred.flags
	}
	if a.state == stateRequested {
		info.requested++
	}
}

// promoteCandidateNew turns a DELAYED row whose reqtime has passed into
// READY, and into BEST if it beats the current selection.
//
// The byTxHash order makes this a neighbor check: within one txhash group,
// DELAYED rows sort first, then the selected row (BEST or REQUESTED), then
// the READY rows by priority. A freshly readied row therefore lands behind
// the selected row iff one exists (directly behind it unless a better READY
// row sits in between), and its predecessor tells the whole story.
func (t *Tracker) promoteCandidateNew(a *announcement) {
	if a.state != stateCandidateDelayed {
		panic("txrequest: promoting non-delayed announcement")
	}
	t.modify(a, func(a *announcement) { a.state = stateCandidateReady })

	pred := t.txHashPred(a)
	switch {
	case pred == nil || pred.txHash != a.txHash || pred.state == stateCandidateDelayed:
		// No selected row exists for this txhash; this is the best one.
		t.modify(a, func(a *announcement) { a.state = stateCandidateBest })
	case pred.state == stateCandidateBest:
		if a.priority < pred.priority {
			// Beats the current best candidate: swap the two.
			t.modify(pred, func(p *announcement) { p.state = stateCandidateReady })
			t.modify(a, func(a *announcement) { a.state = stateCandidateBest })
		}
		// Otherwise the row stays READY behind the current best.
	}
	// A REQUESTED or better-priority READY predecessor keeps the row READY.
}

// changeAndReselect moves a row out of the selected set. If it was selected,
// the best remaining READY row of the txhash (its immediate successor in
// byTxHash order) takes over as BEST.
func (t *Tracker) changeAndReselect(a *announcement, state announceState) {
	if a.isSelected() {
		succ := t.txHashSucc(a)
		if succ != nil && succ.txHash == a.txHash && succ.state == stateCandidateReady {
			t.modify(succ, func(s *announcement) { s.state = stateCandidateBest })
		}
	}
	t.modify(a, func(a *announcement) { a.state = state })
	if a.isSelected() {
		panic("txrequest: reselect into a selected state")
	}
}

// makeCompleted finishes a row. If that leaves the txhash group with only
// COMPLETED rows, the whole group is deleted. Returns whether the row still
// exists afterwards.
func (t *Tracker) makeCompleted(a *announcement) bool {
	if a.state == stateCompleted {
		return true
	}
	pred, succ := t.txHashPred(a), t.txHashSucc(a)
	groupFirst := pred == nil || pred.txHash != a.txHash
	lastLive := succ == nil || succ.txHash != a.txHash || succ.state == stateCompleted
	if groupFirst && lastLive {
		// This row was the only non-COMPLETED one of its group. Drop the
		// group: completed rows exist only to block retrying live
		// candidates, and none remain.
		txhash := a.txHash
		for a != nil && a.txHash == txhash {
			next := t.txHashSucc(a)
			t.erase(a)
			a = next
		}
		return false
	}
	t.changeAndReselect(a, stateCompleted)
	return true
}

// setTimePoint makes the data structure consistent with the given time:
// expired requests complete, due candidates become READY/BEST, and - should
// the clock have run backwards - prematurely readied candidates return to
// DELAYED.
func (t *Tracker) setTimePoint(now mclock.AbsTime) {
	// Sweep forward from the oldest timestamps: due DELAYED rows promote,
	// expired REQUESTED rows complete. Both leave the waiting time class,
	// so the loop always makes progress.
	for !t.byTime.Empty() {
		a := t.byTime.Left().Key.(*announcement)
		if a.state == stateCandidateDelayed && a.time <= now {
			t.promoteCandidateNew(a)
		} else if a.state == stateRequested && a.time <= now {
			t.makeCompleted(a)
		} else {
			break
		}
	}
	// Sweep backward from the newest timestamps: a READY/BEST row with a
	// future reqtime means the clock ran backwards; demote it until the
	// index agrees with the present again.
	for !t.byTime.Empty() {
		a := t.byTime.Right().Key.(*announcement)
		if !a.isSelectable() || a.time <= now {
			break
		}
		t.changeAndReselect(a, stateCandidateDelayed)
	}
}

// ReceivedInv records that a peer announced a transaction. The announcement
// becomes requestable from reqtime on. It is ignored when a row for
// (peer, txhash) already exists in any state.
//
// preferred marks announcements from peers the node trusts more; they take
// precedence over all non-preferred announcements of the same txhash.
// overloaded marks peers that should not receive the first-to-announce
// bonus, typically because too many requests to them are already in flight.
func (t *Tracker) ReceivedInv(peer uint64, gtxid types.GenTxid, preferred, overloaded bool, reqtime mclock.AbsTime) {
	txhash := gtxid.Hash()
	if t.peerRow(peer, true, txhash) != nil || t.peerRow(peer, false, txhash) != nil {
		return
	}
	// Read the sticky flags off the last row of the group (if any) and
	// decide whether this announcement is the first eligible arrival of its
	// preference class.
	var flags txHashFlags
	if last := t.groupLast(txhash); last != nil {
		flags = last.flags
	}
	first := false
	if !overloaded {
		if preferred && flags&noMorePreferredFirst == 0 {
			first = true
			flags |= noMorePreferredFirst
		} else if !preferred && flags&noMoreNonPreferredFirst == 0 {
			first = true
			flags |= noMoreNonPreferredFirst
		}
	}
	a := &announcement{
		txHash:    txhash,
		time:      reqtime,
		peer:      peer,
		sequence:  t.sequence,
		priority:  t.computer.priority(txhash, peer, preferred, first),
		preferred: preferred,
		isWtxid:   gtxid.IsWtxid(),
		first:     first,
		state:     stateCandidateDelayed,
	}
	t.insert(a)
	t.sequence++
	info := t.peers[peer]
	if info == nil {
		info = new(peerInfo)
		t.peers[peer] = info
	}
	info.total++

	// Store the accumulated flags on whichever row is now last in the
	// group; that may be the new row itself.
	t.groupLast(txhash).flags |= flags
}

// DeletedPeer removes all rows of a peer. Rows of other peers that shared a
// txhash are reselected as needed; txhash groups left with only COMPLETED
// rows disappear.
func (t *Tracker) DeletedPeer(peer uint64) {
	// Snapshot the peer's rows first: completing a row reshuffles its group
	// and may cascade into group deletion.
	var rows []*announcement
	for a := t.firstPeerRow(peer); a != nil && a.peer == peer; a = t.peerSucc(a) {
		rows = append(rows, a)
	}
	for _, a := range rows {
		if t.makeCompleted(a) {
			t.erase(a)
		}
	}
}

// AlreadyHaveTx removes all rows of a txhash in whatever state. Use it when
// the transaction arrived (from anywhere) or stopped being interesting. The
// flavor of gtxid is ignored.
func (t *Tracker) AlreadyHaveTx(gtxid types.GenTxid) {
	txhash := gtxid.Hash()
	for a := t.groupFirst(txhash); a != nil; a = t.groupFirst(txhash) {
		t.erase(a)
	}
}

// ReceivedResponse completes the row for (peer, txhash), if one exists in a
// non-COMPLETED state. Call it when a transaction or a NOTFOUND arrives from
// a peer. Matching is on the txhash alone, either identifier flavor.
func (t *Tracker) ReceivedResponse(peer uint64, gtxid types.GenTxid) {
	a := t.peerRow(peer, false, gtxid.Hash())
	if a == nil {
		a = t.peerRow(peer, true, gtxid.Hash())
	}
	if a != nil {
		t.makeCompleted(a)
	}
}

// RequestedTx marks the row for (peer, txhash) as requested, expiring at
// exptime. It may only be called for pairs just returned by GetRequestable,
// with nothing but AlreadyHaveTx and other RequestedTx calls in between;
// anything else is a bug in the caller.
func (t *Tracker) RequestedTx(peer uint64, gtxid types.GenTxid, exptime mclock.AbsTime) {
	a := t.peerRow(peer, true, gtxid.Hash())
	if a == nil || a.state != stateCandidateBest {
		panic(fmt.Sprintf("txrequest: RequestedTx(%d, %s) without selectable announcement", peer, gtxid))
	}
	t.modify(a, func(a *announcement) {
		a.state = stateRequested
		a.time = exptime
	})
	// Once a request went out, no later announcement of either class may
	// claim the first marker for this txhash.
	t.groupLast(a.txHash).flags |= noMorePreferredFirst | noMoreNonPreferredFirst
}

// GetRequestable advances the tracker to now and returns the identifiers
// that should be requested from the given peer, in announcement order. The
// returned entries stay selected until the caller either confirms them with
// RequestedTx or moves on.
func (t *Tracker) GetRequestable(peer uint64, now mclock.AbsTime) []types.GenTxid {
	t.setTimePoint(now)

	// All BEST rows of the peer sit together in the selected partition of
	// the byPeer index.
	var selected []*announcement
	probe := &announcement{peer: peer, state: stateCandidateBest, txHash: zeroHash}
	if node, ok := t.byPeer.Ceiling(probe); ok {
		it := t.byPeer.IteratorAt(node)
		for {
			a := it.Key().(*announcement)
			if a.peer != peer || a.state != stateCandidateBest {
				break
			}
			selected = append(selected, a)
			if !it.Next() {
				break
			}
		}
	}
	slices.SortFunc(selected, func(a, b *announcement) int {
		return cmpUint64(a.sequence, b.sequence)
	})
	gtxids := make([]types.GenTxid, 0, len(selected))
	for _, a := range selected {
		gtxids = append(gtxids, a.gtxid())
	}
	return gtxids
}
