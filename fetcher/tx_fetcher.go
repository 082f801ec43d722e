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

// Package fetcher drives transaction retrieval based on peer announcements.
//
// It wraps the txrequest tracker in a single event loop: announcements,
// deliveries and peer lifecycle events arrive over channels, and a periodic
// scheduling tick asks the tracker which transactions to request from which
// peer. Confining all tracker calls to the loop goroutine satisfies the
// tracker's single-threaded contract.
package fetcher

import (
	"errors"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/inconshreveable/log15"

	"github.com/txrelay/go-txrelay/common"
	"github.com/txrelay/go-txrelay/common/mclock"
	"github.com/txrelay/go-txrelay/core/types"
	"github.com/txrelay/go-txrelay/txrequest"
)

var log = log15.New("module", "fetcher")

var (
	// errTerminated is returned if the fetcher was stopped while an
	// operation was waiting to be accepted by the event loop.
	errTerminated = errors.New("fetcher terminated")

	// ErrUnderpriced may be returned by the pool callback for transactions
	// priced below the node's acceptance threshold. Their hashes are
	// remembered so re-announcements are not fetched again.
	ErrUnderpriced = errors.New("transaction underpriced")

	// ErrInvalidTx may be returned by the pool callback for transactions
	// failing stateless validation. Peers delivering them are dropped.
	ErrInvalidTx = errors.New("invalid transaction")
)

// underpricedSetSize bounds the set of remembered underpriced hashes to
// prevent memory exhaustion by malicious fee dribbling.
const underpricedSetSize = 4096

// Config tunes the request scheduling policy.
type Config struct {
	// NonPreferredDelay postpones requests to peers the caller did not mark
	// preferred, giving trusted peers the first shot at every transaction.
	NonPreferredDelay time.Duration

	// OverloadedDelay postpones requests for announcements from peers that
	// already have MaxInFlight requests outstanding.
	OverloadedDelay time.Duration

	// RequestTimeout is how long a request may stay unanswered before the
	// tracker gives up on it and tries the next candidate.
	RequestTimeout time.Duration

	// ScheduleInterval is the cadence of the request scheduling tick.
	ScheduleInterval time.Duration

	// MaxInFlight is the per-peer cap of outstanding requests above which a
	// peer counts as overloaded.
	MaxInFlight int

	// MaxAnnouncements is the per-peer cap of tracked announcements;
	// anything above is dropped on the floor.
	MaxAnnouncements int
}

// DefaultConfig is the scheduling policy of a well-connected relay node.
var DefaultConfig = Config{
	NonPreferredDelay: 2 * time.Second,
	OverloadedDelay:   2 * time.Second,
	RequestTimeout:    60 * time.Second,
	ScheduleInterval:  100 * time.Millisecond,
	MaxInFlight:       100,
	MaxAnnouncements:  5000,
}

// sanitize fills unset fields from DefaultConfig.
func (c Config) sanitize() Config {
	d := DefaultConfig
	if c.RequestTimeout > 0 {
		d.RequestTimeout = c.RequestTimeout
	}
	if c.ScheduleInterval > 0 {
		d.ScheduleInterval = c.ScheduleInterval
	}
	if c.NonPreferredDelay > 0 {
		d.NonPreferredDelay = c.NonPreferredDelay
	}
	if c.OverloadedDelay > 0 {
		d.OverloadedDelay = c.OverloadedDelay
	}
	if c.MaxInFlight > 0 {
		d.MaxInFlight = c.MaxInFlight
	}
	if c.MaxAnnouncements > 0 {
		d.MaxAnnouncements = c.MaxAnnouncements
	}
	return d
}

// txAnnounce is a batch of transaction identifiers announced by one peer.
type txAnnounce struct {
	peer   uint64
	gtxids []types.GenTxid
}

// txDelivery is a batch of transaction bodies (or NOTFOUND identifiers)
// received from one peer.
type txDelivery struct {
	peer     uint64
	txs      []*types.Transaction
	notfound []types.GenTxid
}

// peerOp is a peer joining (join=true) or leaving the relay set.
type peerOp struct {
	peer      uint64
	preferred bool
	join      bool
}

// TxFetcher schedules transaction downloads from announcing peers.
type TxFetcher struct {
	cfg   Config
	clock mclock.Clock

	notify  chan *txAnnounce
	deliver chan *txDelivery
	peerOps chan *peerOp
	quit    chan struct{}
	done    chan struct{}

	// Loop-owned state, never touched from outside.
	tracker     *txrequest.Tracker
	preferred   map[uint64]bool // active peers and their preference flag
	underpriced mapset.Set[common.Hash]

	// Callbacks into the surrounding node.
	hasTx    func(common.Hash) bool                  // whether the pool already has a transaction
	addTxs   func([]*types.Transaction) []error      // import delivered transactions into the pool
	fetchTxs func(peer uint64, gtxids []types.GenTxid) // send a getdata-equivalent to a peer
	dropPeer func(peer uint64)                       // disconnect a misbehaving peer

	// Hooks for tests.
	announceHook func(peer uint64, gtxids []types.GenTxid)
	requestHook  func(peer uint64, gtxids []types.GenTxid)
	dropHook     func(peer uint64)
}

// New creates a transaction fetcher. The deterministic flag is handed to the
// tracker's priority salt and must be false outside tests.
func New(cfg Config, clock mclock.Clock, deterministic bool,
	hasTx func(common.Hash) bool,
	addTxs func([]*types.Transaction) []error,
	fetchTxs func(peer uint64, gtxids []types.GenTxid),
	dropPeer func(peer uint64),
) *TxFetcher {
	if clock == nil {
		clock = mclock.System{}
	}
	return &TxFetcher{
		cfg:         cfg.sanitize(),
		clock:       clock,
		notify:      make(chan *txAnnounce),
		deliver:     make(chan *txDelivery),
		peerOps:     make(chan *peerOp),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		tracker:     txrequest.New(deterministic),
		preferred:   make(map[uint64]bool),
		underpriced: mapset.NewThreadUnsafeSet[common.Hash](),
		hasTx:       hasTx,
		addTxs:      addTxs,
		fetchTxs:    fetchTxs,
		dropPeer:    dropPeer,
	}
}

// Start boots up the event loop.
func (f *TxFetcher) Start() {
	go f.loop()
}

// Stop terminates the event loop, failing all pending operations.
func (f *TxFetcher) Stop() {
	close(f.quit)
	<-f.done
}

// AddPeer registers a peer as a valid source of transactions. Announcements
// from unregistered peers are ignored.
func (f *TxFetcher) AddPeer(peer uint64, preferred bool) error {
	return f.sendPeerOp(&peerOp{peer: peer, preferred: preferred, join: true})
}

// DropPeer removes a peer and all its announcements, reassigning in-flight
// transactions to other announcers.
func (f *TxFetcher) DropPeer(peer uint64) error {
	return f.sendPeerOp(&peerOp{peer: peer})
}

func (f *TxFetcher) sendPeerOp(op *peerOp) error {
	select {
	case f.peerOps <- op:
		return nil
	case <-f.quit:
		return errTerminated
	}
}

// Notify announces the availability of a batch of transactions at a peer.
func (f *TxFetcher) Notify(peer uint64, gtxids []types.GenTxid) error {
	txAnnounceInMeter.Mark(int64(len(gtxids)))
	select {
	case f.notify <- &txAnnounce{peer: peer, gtxids: gtxids}:
		return nil
	case <-f.quit:
		return errTerminated
	}
}

// Enqueue imports a batch of received transaction bodies from a peer.
func (f *TxFetcher) Enqueue(peer uint64, txs []*types.Transaction) error {
	txDeliveryInMeter.Mark(int64(len(txs)))
	select {
	case f.deliver <- &txDelivery{peer: peer, txs: txs}:
		return nil
	case <-f.quit:
		return errTerminated
	}
}

// NotFound reports that a peer answered a request with a NOTFOUND, freeing
// the transaction up for retrieval from other announcers.
func (f *TxFetcher) NotFound(peer uint64, gtxids []types.GenTxid) error {
	txNotFoundMeter.Mark(int64(len(gtxids)))
	select {
	case f.deliver <- &txDelivery{peer: peer, notfound: gtxids}:
		return nil
	case <-f.quit:
		return errTerminated
	}
}

func (f *TxFetcher) loop() {
	defer close(f.done)

	schedule := f.clock.After(f.cfg.ScheduleInterval)
	for {
		select {
		case ann := <-f.notify:
			f.handleAnnounce(ann)

		case del := <-f.deliver:
			f.handleDelivery(del)

		case op := <-f.peerOps:
			if op.join {
				f.preferred[op.peer] = op.preferred
			} else {
				delete(f.preferred, op.peer)
				f.tracker.DeletedPeer(op.peer)
				if f.dropHook != nil {
					f.dropHook(op.peer)
				}
			}

		case <-schedule:
			f.scheduleRequests()
			schedule = f.clock.After(f.cfg.ScheduleInterval)

		case <-f.quit:
			return
		}
	}
}

// handleAnnounce feeds a batch of announcements into the tracker, applying
// the per-peer cap and the underpriced filter, and computing each
// announcement's earliest request time.
func (f *TxFetcher) handleAnnounce(ann *txAnnounce) {
	preferred, ok := f.preferred[ann.peer]
	if !ok {
		log.Debug("Ignoring announcement from unknown peer", "peer", ann.peer)
		return
	}
	var (
		now      = f.clock.Now()
		tracked  = f.tracker.CountTracked(ann.peer)
		accepted []types.GenTxid
	)
	for _, gtxid := range ann.gtxids {
		if f.underpriced.Contains(gtxid.Hash()) {
			txAnnounceUnderpricedMeter.Mark(1)
			continue
		}
		if tracked >= f.cfg.MaxAnnouncements {
			txAnnounceDOSMeter.Mark(int64(len(ann.gtxids)))
			log.Warn("Peer exceeded announcement cap", "peer", ann.peer, "cap", f.cfg.MaxAnnouncements)
			break
		}
		overloaded := f.tracker.CountInFlight(ann.peer) >= f.cfg.MaxInFlight
		delay := time.Duration(0)
		if !preferred {
			delay += f.cfg.NonPreferredDelay
		}
		if overloaded {
			delay += f.cfg.OverloadedDelay
		}
		f.tracker.ReceivedInv(ann.peer, gtxid, preferred, overloaded, now.Add(delay))
		tracked++
		accepted = append(accepted, gtxid)
	}
	if f.announceHook != nil {
		f.announceHook(ann.peer, accepted)
	}
}

// scheduleRequests asks the tracker what to request from every active peer
// and sends the requests out.
func (f *TxFetcher) scheduleRequests() {
	now := f.clock.Now()
	for peer := range f.preferred {
		var request []types.GenTxid
		for _, gtxid := range f.tracker.GetRequestable(peer, now) {
			if f.hasTx(gtxid.Hash()) {
				f.tracker.AlreadyHaveTx(gtxid)
				txRequestSkipMeter.Mark(1)
				continue
			}
			f.tracker.RequestedTx(peer, gtxid, now.Add(f.cfg.RequestTimeout))
			request = append(request, gtxid)
		}
		if len(request) == 0 {
			continue
		}
		log.Debug("Requesting transactions", "peer", peer, "count", len(request))
		txRequestOutMeter.Mark(int64(len(request)))
		f.fetchTxs(peer, request)
		if f.requestHook != nil {
			f.requestHook(peer, request)
		}
	}
}

// handleDelivery imports delivered transactions into the pool and settles
// the corresponding tracker rows. Peers feeding transactions that fail
// stateless validation are dropped.
func (f *TxFetcher) handleDelivery(del *txDelivery) {
	for _, gtxid := range del.notfound {
		f.tracker.ReceivedResponse(del.peer, gtxid)
	}
	if len(del.txs) == 0 {
		return
	}
	var (
		drop bool
		errs = f.addTxs(del.txs)
	)
	for i, err := range errs {
		tx := del.txs[i]
		switch {
		case err == nil:
			// Accepted: the txhash is settled for everyone.
			f.tracker.AlreadyHaveTx(tx.Txid())
			f.tracker.AlreadyHaveTx(tx.Wtxid())
			txDeliveryDoneMeter.Mark(1)
			continue

		case errors.Is(err, ErrUnderpriced):
			for f.underpriced.Cardinality() >= underpricedSetSize {
				f.underpriced.Pop()
			}
			f.underpriced.Add(tx.Hash())
			f.underpriced.Add(tx.WitnessHash())
			txDeliveryUnderpricedMeter.Mark(1)

		case errors.Is(err, ErrInvalidTx):
			// Feeding garbage bodies is a protocol violation, not a fee
			// disagreement.
			drop = true
			txDeliveryInvalidMeter.Mark(1)
		}
		// Rejected: settle only this peer's rows so other announcers keep
		// their chance.
		f.tracker.ReceivedResponse(del.peer, tx.Txid())
		f.tracker.ReceivedResponse(del.peer, tx.Wtxid())
	}
	if drop {
		log.Warn("Dropping peer delivering invalid transactions", "peer", del.peer)
		delete(f.preferred, del.peer)
		f.tracker.DeletedPeer(del.peer)
		f.dropPeer(del.peer)
		if f.dropHook != nil {
			f.dropHook(del.peer)
		}
	}
}
