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
	crand "crypto/rand"
	"encoding/binary"

	"github.com/dchest/siphash"

	"github.com/txrelay/go-txrelay/common"
)

// priorityComputer computes the priority of a txhash/peer combination. Lower
// priorities are selected first. The embedded salt keeps remote peers from
// predicting (and thus biasing) request assignment.
//
// The layout of the returned value is:
//
//	bit 63:    0 for preferred announcements, 1 for non-preferred ones
//	bits 0-62: 0 if the announcement carries the first marker, otherwise a
//	           keyed hash of (txhash, peer)
//
// so all preferred announcements order before all non-preferred ones, and
// within each class the first marker wins, followed by salted-hash order.
type priorityComputer struct {
	k0, k1 uint64
}

// newPriorityComputer creates a computer with a random salt, or an all-zero
// salt when deterministic behavior is requested (tests).
func newPriorityComputer(deterministic bool) priorityComputer {
	if deterministic {
		return priorityComputer{}
	}
	var seed [16]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("txrequest: failed to read entropy: " + err.Error())
	}
	return priorityComputer{
		k0: binary.LittleEndian.Uint64(seed[0:8]),
		k1: binary.LittleEndian.Uint64(seed[8:16]),
	}
}

func (c priorityComputer) priority(txhash common.Hash, peer uint64, preferred, first bool) uint64 {
	var lowBits uint64
	if !first {
		var buf [common.HashLength + 8]byte
		copy(buf[:common.HashLength], txhash[:])
		binary.LittleEndian.PutUint64(buf[common.HashLength:], peer)
		lowBits = siphash.Hash(c.k0, c.k1, buf[:]) >> 1
	}
	if !preferred {
		lowBits |= uint64(1) << 63
	}
	return lowBits
}
