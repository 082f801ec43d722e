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
	"github.com/txrelay/go-txrelay/common"
	"github.com/txrelay/go-txrelay/common/mclock"
	"github.com/txrelay/go-txrelay/core/types"
)

// announceState is the scheduling state of a single (peer, txhash) row.
//
// CANDIDATE is split into three substates (DELAYED, BEST, READY) so the
// selection logic can be driven entirely by index order. The byTxHash index
// sorts on the numeric values below, and the state machine relies on that
// exact order: for one txhash all DELAYED rows come first, then the single
// selected row (BEST or REQUESTED), then the READY rows by priority, then
// the COMPLETED ones.
type announceState uint8

const (
	// stateCandidateDelayed is a candidate whose reqtime is in the future.
	stateCandidateDelayed announceState = iota
	// stateCandidateBest is the best candidate for a txhash; it only exists
	// while no request for that txhash is in flight.
	stateCandidateBest
	// stateRequested is an in-flight request awaiting a response.
	stateRequested
	// stateCandidateReady is a candidate that is neither delayed nor best.
	stateCandidateReady
	// stateCompleted is a finished row, kept to prevent re-requesting.
	stateCompleted

	// stateUpperBound sorts after every valid state; used only in index
	// probes to address the end of a txhash group.
	stateUpperBound
)

// Flags accumulated per txhash. The authoritative value lives on the last
// row of the txhash group in byTxHash order; any other row may carry an
// arbitrary subset.
type txHashFlags uint8

const (
	// noMorePreferredFirst: new preferred announcements for this txhash can
	// no longer receive the first marker.
	noMorePreferredFirst txHashFlags = 1 << iota
	// noMoreNonPreferredFirst: ditto for non-preferred announcements.
	noMoreNonPreferredFirst
)

// announcement is one tracked (peer, txhash) row.
type announcement struct {
	txHash common.Hash
	// time is the reqtime while a candidate, the exptime while requested,
	// and meaningless once completed.
	time mclock.AbsTime
	peer uint64
	// sequence preserves announcement order across priority reshuffling.
	sequence uint64
	// priority is fixed at creation: it depends only on immutable fields.
	priority  uint64
	preferred bool
	isWtxid   bool
	first     bool
	state     announceState
	flags     txHashFlags
}

// isSelected reports whether the row is the single selected one for its
// txhash (best candidate or in-flight request).
func (a *announcement) isSelected() bool {
	return a.state == stateCandidateBest || a.state == stateRequested
}

// isWaiting reports whether the row waits for a timestamp to pass.
func (a *announcement) isWaiting() bool {
	return a.state == stateRequested || a.state == stateCandidateDelayed
}

// isSelectable reports whether the row could become the selected one if the
// current selection disappears.
func (a *announcement) isSelectable() bool {
	return a.state == stateCandidateReady || a.state == stateCandidateBest
}

// timeClass groups states that share a temporal role in the byTime index:
// rows waiting on a timestamp first, then finished rows, then live
// candidates.
func (a *announcement) timeClass() int {
	switch {
	case a.isWaiting():
		return 0
	case a.isSelectable():
		return 2
	default:
		return 1
	}
}

// readyPriority is the priority component of the byTxHash key: only READY
// rows sort by priority, everything else uses zero so state alone decides.
func (a *announcement) readyPriority() uint64 {
	if a.state == stateCandidateReady {
		return a.priority
	}
	return 0
}

// gtxid reconstructs the identifier the announcing peer used.
func (a *announcement) gtxid() types.GenTxid {
	if a.isWtxid {
		return types.NewWtxid(a.txHash)
	}
	return types.NewTxid(a.txHash)
}
