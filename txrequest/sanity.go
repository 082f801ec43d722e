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
	"fmt"
	"math"

	"github.com/txrelay/go-txrelay/common"
	"github.com/txrelay/go-txrelay/common/mclock"
)

func sanityf(format string, args ...interface{}) {
	panic("txrequest: sanity check failed: " + fmt.Sprintf(format, args...))
}

// groupStats recomputes everything SanityCheck wants to know about one
// txhash group.
type groupStats struct {
	delayed   int
	ready     int
	best      int
	requested int
	completed int

	bestPriority      uint64 // priority of the BEST row, if best == 1
	lowestReady       uint64 // lowest priority among READY rows
	anyPreferredFirst bool
	anyNonPrefFirst   bool
	orFlags           txHashFlags
	peers             map[uint64]int
}

// SanityCheck verifies the tracker's internal invariants and panics on the
// first violation. It walks every row, so it is meant for tests only.
func (t *Tracker) SanityCheck() {
	if n := t.byTxHash.Size(); t.byPeer.Size() != n || t.byTime.Size() != n {
		sanityf("index sizes diverged: peer=%d txhash=%d time=%d",
			t.byPeer.Size(), t.byTxHash.Size(), t.byTime.Size())
	}

	// Recompute the per-peer counters from scratch. This also catches
	// lingering zero-count entries in the peers map.
	peers := make(map[uint64]*peerInfo)
	groups := make(map[common.Hash]*groupStats)
	it := t.byTxHash.Iterator()
	for it.Next() {
		a := it.Key().(*announcement)
		info := peers[a.peer]
		if info == nil {
			info = new(peerInfo)
			peers[a.peer] = info
		}
		info.total++
		if a.state == stateRequested {
			info.requested++
		}

		g := groups[a.txHash]
		if g == nil {
			g = &groupStats{lowestReady: math.MaxUint64, peers: make(map[uint64]int)}
			groups[a.txHash] = g
		}
		switch a.state {
		case stateCandidateDelayed:
			g.delayed++
		case stateCandidateReady:
			g.ready++
			if a.priority < g.lowestReady {
				g.lowestReady = a.priority
			}
		case stateCandidateBest:
			g.best++
			g.bestPriority = a.priority
		case stateRequested:
			g.requested++
		case stateCompleted:
			g.completed++
		default:
			sanityf("row %s/%d in invalid state %d", a.txHash.TerminalString(), a.peer, a.state)
		}
		g.peers[a.peer]++
		g.anyPreferredFirst = g.anyPreferredFirst || (a.first && a.preferred)
		g.anyNonPrefFirst = g.anyNonPrefFirst || (a.first && !a.preferred)
		g.orFlags |= a.flags
	}
	if len(peers) != len(t.peers) {
		sanityf("peer table has %d entries, want %d", len(t.peers), len(peers))
	}
	for peer, want := range peers {
		got, ok := t.peers[peer]
		if !ok || *got != *want {
			sanityf("peer %d counters got %+v, want %+v", peer, got, want)
		}
	}

	for txhash, g := range groups {
		// A group of only COMPLETED rows should have been deleted.
		if g.delayed+g.ready+g.best+g.requested == 0 {
			sanityf("txhash %s has only completed rows", txhash.TerminalString())
		}
		// At most one selected row per txhash.
		if g.best+g.requested > 1 {
			sanityf("txhash %s has %d selected rows", txhash.TerminalString(), g.best+g.requested)
		}
		// READY rows require exactly one selected row.
		if g.ready > 0 && g.best+g.requested != 1 {
			sanityf("txhash %s has ready rows but %d selected", txhash.TerminalString(), g.best+g.requested)
		}
		// The BEST row must be at least as good as every READY row.
		if g.ready > 0 && g.best > 0 && g.bestPriority > g.lowestReady {
			sanityf("txhash %s best priority %d worse than ready %d",
				txhash.TerminalString(), g.bestPriority, g.lowestReady)
		}
		// One row per (peer, txhash).
		for peer, n := range g.peers {
			if n > 1 {
				sanityf("txhash %s has %d rows for peer %d", txhash.TerminalString(), n, peer)
			}
		}
		// The flags implied by history must all be present. More may be: a
		// REQUESTED row that completed or was deleted leaves its bits
		// behind.
		var expected txHashFlags
		if g.anyPreferredFirst || g.requested > 0 {
			expected |= noMorePreferredFirst
		}
		if g.anyNonPrefFirst || g.requested > 0 {
			expected |= noMoreNonPreferredFirst
		}
		if expected&^g.orFlags != 0 {
			sanityf("txhash %s flags %b missing expected %b", txhash.TerminalString(), g.orFlags, expected)
		}
		// The last row of the group carries the full OR.
		if last := t.groupLast(txhash); last == nil || last.flags != g.orFlags {
			sanityf("txhash %s last row flags diverged from group", txhash.TerminalString())
		}
	}
}

// TimeSanityCheck verifies that row states are coherent with the given time:
// after a sweep to now, no waiting row may be due and no live candidate may
// sit in the future. Panics on violation; tests only.
func (t *Tracker) TimeSanityCheck(now mclock.AbsTime) {
	it := t.byTime.Iterator()
	for it.Next() {
		a := it.Key().(*announcement)
		if a.isWaiting() && a.time <= now {
			sanityf("row %s/%d waiting but due since %v", a.txHash.TerminalString(), a.peer, a.time)
		}
		if a.isSelectable() && a.time > now {
			sanityf("row %s/%d selectable but not due until %v", a.txHash.TerminalString(), a.peer, a.time)
		}
	}
}
