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
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/txrelay/go-txrelay/common"
	"github.com/txrelay/go-txrelay/common/mclock"
	"github.com/txrelay/go-txrelay/core/types"
)

var (
	hashT = common.HexToHash(strings.Repeat("11", 32))
	hashU = common.HexToHash(strings.Repeat("22", 32))
)

func txT() types.GenTxid { return types.NewTxid(hashT) }
func txU() types.GenTxid { return types.NewTxid(hashU) }

// checked wraps GetRequestable with invariant verification.
func checked(t *testing.T, tr *Tracker, peer uint64, now mclock.AbsTime) []types.GenTxid {
	t.Helper()
	out := tr.GetRequestable(peer, now)
	tr.SanityCheck()
	tr.TimeSanityCheck(now)
	return out
}

func wantHashes(t *testing.T, got []types.GenTxid, want ...common.Hash) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("requestable count mismatch: got %v, want %v", spew.Sdump(got), spew.Sdump(want))
	}
	for i, g := range got {
		if g.Hash() != want[i] {
			t.Fatalf("requestable[%d] = %s, want %s", i, g.Hash(), want[i])
		}
	}
}

// Two preferred peers race; the first announcer gets the first marker and
// wins the tie.
func TestFirstMarkerWinsTie(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)
	tr.ReceivedInv(2, txT(), true, false, 100)
	tr.SanityCheck()

	wantHashes(t, checked(t, tr, 1, 100), hashT)
	wantHashes(t, checked(t, tr, 2, 100))
}

// An overloaded announcer forfeits the first marker to the next arrival.
func TestOverloadedForfeitsFirst(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, true, 100)
	tr.ReceivedInv(2, txT(), true, false, 100)
	tr.SanityCheck()

	wantHashes(t, checked(t, tr, 2, 100), hashT)
	wantHashes(t, checked(t, tr, 1, 100))
}

// An expired request completes and the next candidate takes over.
func TestExpiryReselects(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)
	tr.ReceivedInv(2, txT(), true, false, 100)

	wantHashes(t, checked(t, tr, 1, 100), hashT)
	tr.RequestedTx(1, txT(), 200)
	tr.SanityCheck()
	if n := tr.CountInFlight(1); n != 1 {
		t.Fatalf("in-flight count = %d, want 1", n)
	}
	// Nothing for peer 2 while the request is outstanding.
	wantHashes(t, checked(t, tr, 2, 150))

	// At the expiry time, peer 1's request completes and peer 2 becomes the
	// best candidate.
	wantHashes(t, checked(t, tr, 2, 200), hashT)
	if n := tr.CountInFlight(1); n != 0 {
		t.Fatalf("in-flight count after expiry = %d, want 0", n)
	}
	// Peer 1's completed row lingers to block a retry.
	if n := tr.CountTracked(1); n != 1 {
		t.Fatalf("tracked count after expiry = %d, want 1", n)
	}
}

// Completing the only row of a txhash deletes the whole group.
func TestCompletedGroupDeleted(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)
	tr.ReceivedResponse(1, txT())
	tr.SanityCheck()
	if n := tr.Size(); n != 0 {
		t.Fatalf("tracker size = %d, want 0", n)
	}
	if n := tr.CountTracked(1); n != 0 {
		t.Fatalf("tracked count = %d, want 0", n)
	}
}

// A preferred announcement beats a non-preferred one regardless of hash
// order, even when the non-preferred one arrived earlier.
func TestPreferredBeatsNonPreferred(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), false, false, 0)
	tr.ReceivedInv(2, txT(), true, false, 0)
	tr.SanityCheck()

	wantHashes(t, checked(t, tr, 2, 0), hashT)
	wantHashes(t, checked(t, tr, 1, 0))
}

// Requestable entries come back in announcement order, not hash order.
func TestSequenceOrder(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txU(), true, false, 10)
	tr.ReceivedInv(1, txT(), true, false, 10)

	wantHashes(t, checked(t, tr, 1, 10), hashU, hashT)
}

// A second announcement for the same (peer, txhash) is a no-op, in every
// state of the first.
func TestDuplicateInvIgnored(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)
	tr.ReceivedInv(1, txT(), false, true, 500)
	tr.SanityCheck()
	if n := tr.CountTracked(1); n != 1 {
		t.Fatalf("tracked count = %d, want 1", n)
	}

	wantHashes(t, checked(t, tr, 1, 100), hashT)
	tr.RequestedTx(1, txT(), 200)
	tr.ReceivedInv(1, txT(), true, false, 100)
	tr.SanityCheck()
	if n := tr.CountInFlight(1); n != 1 {
		t.Fatalf("in-flight count = %d, want 1", n)
	}
}

// AlreadyHaveTx wipes every state unconditionally.
func TestAlreadyHaveTx(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)
	tr.ReceivedInv(2, txT(), false, false, 100)
	tr.ReceivedInv(3, txT(), true, false, 300)

	wantHashes(t, checked(t, tr, 1, 100), hashT)
	tr.RequestedTx(1, txT(), 200)

	tr.AlreadyHaveTx(types.NewWtxid(hashT))
	tr.SanityCheck()
	if n := tr.Size(); n != 0 {
		t.Fatalf("tracker size = %d, want 0", n)
	}
	// The txhash stays gone for all involved peers.
	wantHashes(t, checked(t, tr, 1, 400))
	wantHashes(t, checked(t, tr, 2, 400))
	wantHashes(t, checked(t, tr, 3, 400))
}

// Dropping a peer with an in-flight request reselects the transaction for
// the remaining announcers.
func TestDeletedPeerReselects(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)
	tr.ReceivedInv(2, txT(), true, false, 100)

	wantHashes(t, checked(t, tr, 1, 100), hashT)
	tr.RequestedTx(1, txT(), 1000)

	tr.DeletedPeer(1)
	tr.SanityCheck()
	if n := tr.CountTracked(1); n != 0 {
		t.Fatalf("tracked count for deleted peer = %d, want %d", n, 0)
	}
	wantHashes(t, checked(t, tr, 2, 100), hashT)
}

// Deleting a peer whose rows were group singletons empties the tracker, and
// deleting an unknown peer does nothing.
func TestDeletedPeerCleanup(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)
	tr.ReceivedInv(1, txU(), false, false, 100)
	tr.DeletedPeer(1)
	tr.SanityCheck()
	if n := tr.Size(); n != 0 {
		t.Fatalf("tracker size = %d, want 0", n)
	}
	tr.DeletedPeer(7)
	tr.SanityCheck()
}

// ReceivedResponse matches on the txhash alone, ignoring the identifier
// flavor of both the announcement and the response.
func TestResponseFlavorAgnostic(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, types.NewWtxid(hashT), true, false, 100)
	tr.ReceivedInv(2, txT(), true, false, 100)
	tr.ReceivedResponse(1, txT())
	tr.SanityCheck()

	// Peer 1's row completed; peer 2 still serves the txhash.
	wantHashes(t, checked(t, tr, 1, 100))
	wantHashes(t, checked(t, tr, 2, 100), hashT)

	// Unknown (peer, txhash) responses are silent no-ops.
	tr.ReceivedResponse(9, txU())
	tr.SanityCheck()
}

// The flavor of the announcement is preserved in the returned identifiers.
func TestFlavorPreserved(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, types.NewWtxid(hashT), true, false, 100)
	tr.ReceivedInv(1, txU(), true, false, 100)

	out := checked(t, tr, 1, 100)
	wantHashes(t, out, hashT, hashU)
	if !out[0].IsWtxid() || out[1].IsWtxid() {
		t.Fatalf("flavors not preserved: %v", out)
	}
}

// An announcement with reqtime == now is already eligible.
func TestReqtimeBoundary(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)

	wantHashes(t, checked(t, tr, 1, 99))
	wantHashes(t, checked(t, tr, 1, 100), hashT)
}

// When the clock runs backwards, readied candidates return to the delayed
// state until their reqtime passes again.
func TestClockBackwards(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)
	tr.ReceivedInv(2, txT(), true, false, 200)

	wantHashes(t, checked(t, tr, 1, 250), hashT)
	wantHashes(t, checked(t, tr, 1, 150), hashT)
	wantHashes(t, checked(t, tr, 1, 50))
	wantHashes(t, checked(t, tr, 1, 100), hashT)
}

// Once a request went out for a txhash, later announcements can no longer
// claim the first marker, so the salted hash decides among them.
func TestFirstExhaustedAfterRequest(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)
	wantHashes(t, checked(t, tr, 1, 100), hashT)
	tr.RequestedTx(1, txT(), 1000)

	tr.ReceivedInv(2, txT(), true, false, 100)
	tr.ReceivedInv(3, txT(), false, false, 100)
	tr.SanityCheck()
	it := tr.byTxHash.Iterator()
	for it.Next() {
		if a := it.Key().(*announcement); a.first && a.peer != 1 {
			t.Fatalf("peer %d received first marker after a request went out", a.peer)
		}
	}
}

// RequestedTx on anything but a just-returned best candidate is a caller
// bug and panics.
func TestRequestedTxMisusePanics(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)

	for _, tc := range []struct {
		name string
		call func()
	}{
		{"unknown pair", func() { tr.RequestedTx(2, txT(), 500) }},
		{"not yet best", func() { tr.RequestedTx(1, txT(), 500) }},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: no panic", tc.name)
				}
			}()
			tc.call()
		}()
	}
}

// A delayed announcement never surfaces before its reqtime even when the
// txhash has no other candidates.
func TestDelayedStaysHidden(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 1000)
	tr.ReceivedInv(2, txT(), true, false, 100)

	// Peer 2 is the only live candidate despite peer 1's first marker.
	wantHashes(t, checked(t, tr, 2, 500), hashT)
	wantHashes(t, checked(t, tr, 1, 500))

	// Once due, peer 1's first marker takes the selection back from the
	// not-yet-requested peer 2.
	wantHashes(t, checked(t, tr, 1, 1000), hashT)
	wantHashes(t, checked(t, tr, 2, 1000))
}

// Counters track rows and in-flight requests per peer.
func TestCounters(t *testing.T) {
	tr := New(true)
	tr.ReceivedInv(1, txT(), true, false, 100)
	tr.ReceivedInv(1, txU(), true, false, 100)
	tr.ReceivedInv(2, txT(), false, false, 100)

	if got, want := tr.CountTracked(1), 2; got != want {
		t.Fatalf("CountTracked(1) = %d, want %d", got, want)
	}
	if got, want := tr.CountTracked(2), 1; got != want {
		t.Fatalf("CountTracked(2) = %d, want %d", got, want)
	}
	if got, want := tr.Size(), 3; got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
	wantHashes(t, checked(t, tr, 1, 100), hashT, hashU)
	tr.RequestedTx(1, txT(), 200)
	tr.RequestedTx(1, txU(), 200)
	if got, want := tr.CountInFlight(1), 2; got != want {
		t.Fatalf("CountInFlight(1) = %d, want %d", got, want)
	}
	if got, want := tr.CountInFlight(2), 0; got != want {
		t.Fatalf("CountInFlight(2) = %d, want %d", got, want)
	}
}

// Randomized soak: throw arbitrary (but protocol-respecting) operation
// sequences at the tracker and verify every invariant after each step.
func TestRandomOperations(t *testing.T) {
	const (
		iterations = 5000
		peerCount  = 8
		hashCount  = 6
	)
	rng := rand.New(rand.NewSource(0x5eed))
	hashes := make([]common.Hash, hashCount)
	for i := range hashes {
		for j := range hashes[i] {
			hashes[i][j] = byte(rng.Intn(256))
		}
	}
	gtxid := func(i int) types.GenTxid {
		if i%2 == 0 {
			return types.NewTxid(hashes[i])
		}
		return types.NewWtxid(hashes[i])
	}

	tr := New(true)
	now := mclock.AbsTime(1 << 40)
	for i := 0; i < iterations; i++ {
		// Mostly forward, occasionally backward time movement.
		if rng.Intn(10) == 0 {
			now -= mclock.AbsTime(rng.Intn(int(5 * time.Second)))
		} else {
			now += mclock.AbsTime(rng.Intn(int(2 * time.Second)))
		}
		peer := uint64(1 + rng.Intn(peerCount))
		hash := rng.Intn(hashCount)

		switch rng.Intn(10) {
		case 0, 1, 2, 3:
			reqtime := now + mclock.AbsTime(rng.Intn(int(3*time.Second))) - mclock.AbsTime(1*time.Second)
			tr.ReceivedInv(peer, gtxid(hash), rng.Intn(2) == 0, rng.Intn(4) == 0, reqtime)
		case 4, 5, 6:
			for _, g := range tr.GetRequestable(peer, now) {
				tr.TimeSanityCheck(now)
				if rng.Intn(3) == 0 {
					tr.AlreadyHaveTx(g)
				} else {
					tr.RequestedTx(peer, g, now+mclock.AbsTime(60*time.Second))
				}
				tr.SanityCheck()
			}
		case 7:
			tr.ReceivedResponse(peer, gtxid(hash))
		case 8:
			tr.AlreadyHaveTx(gtxid(hash))
		case 9:
			tr.DeletedPeer(peer)
		}
		tr.SanityCheck()
	}
	// Drain: drop everything and verify emptiness.
	for p := uint64(1); p <= peerCount; p++ {
		tr.DeletedPeer(p)
		tr.SanityCheck()
	}
	if n := tr.Size(); n != 0 {
		t.Fatalf("tracker size after drain = %d, want 0", n)
	}
}
