/*
Robin MTA Tester - Programmable SMTP/LMTP server and scripted test client.
Copyright © 2024-2026 Robin MTA Tester contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package module

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/robin-mta/robin/framework/buffer"
)

// StatusCollector is passed by message sources that want intermediate
// reports about partial delivery failures.
type StatusCollector interface {
	// SetStatus sets the error associated with the recipient.
	//
	// rcptTo should match exactly the value passed to AddRcpt, regardless
	// of any rewriting the target did internally.
	//
	// It should not be called multiple times for the same rcptTo value, nor
	// after BodyNonAtomic returns.
	//
	// SetStatus is goroutine-safe.
	SetStatus(rcptTo string, err error)
}

// PartialDelivery is an optional interface that may be implemented by the
// object returned by DeliveryTarget.Start.
type PartialDelivery interface {
	// BodyNonAtomic is like Delivery.Body except that the target can reject
	// the body for only some of the recipients by setting statuses via the
	// passed collector.
	//
	// The LMTP endpoint and the queue prefer this interface to handle
	// partial failures correctly.
	BodyNonAtomic(ctx context.Context, c StatusCollector, header textproto.Header, body buffer.Buffer)
}
