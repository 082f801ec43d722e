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

// Contains the metrics collected by the transaction fetcher.

package fetcher

import (
	"github.com/rcrowley/go-metrics"
)

var (
	txAnnounceInMeter          = metrics.NewRegisteredMeter("fetcher/tx/announces/in", nil)
	txAnnounceUnderpricedMeter = metrics.NewRegisteredMeter("fetcher/tx/announces/underpriced", nil)
	txAnnounceDOSMeter         = metrics.NewRegisteredMeter("fetcher/tx/announces/dos", nil)

	txRequestOutMeter  = metrics.NewRegisteredMeter("fetcher/tx/request/out", nil)
	txRequestSkipMeter = metrics.NewRegisteredMeter("fetcher/tx/request/skip", nil)

	txDeliveryInMeter          = metrics.NewRegisteredMeter("fetcher/tx/delivery/in", nil)
	txDeliveryDoneMeter        = metrics.NewRegisteredMeter("fetcher/tx/delivery/done", nil)
	txDeliveryUnderpricedMeter = metrics.NewRegisteredMeter("fetcher/tx/delivery/underpriced", nil)
	txDeliveryInvalidMeter     = metrics.NewRegisteredMeter("fetcher/tx/delivery/invalid", nil)

	txNotFoundMeter = metrics.NewRegisteredMeter("fetcher/tx/notfound", nil)
)
