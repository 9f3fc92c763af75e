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

// DeliveryTarget is a final destination for messages: a mailbox store, the
// relay queue, a downstream server or anything else that accepts a
// transaction.
type DeliveryTarget interface {
	// Start starts the delivery of a new message.
	//
	// The domain part of the MAIL FROM address is assumed to be U-labels
	// with NFC normalization and case-folding applied.
	Start(ctx context.Context, msgMeta *MsgMetadata, mailFrom string) (Delivery, error)
}

type Delivery interface {
	// AddRcpt adds the target address for the message.
	//
	// The domain part of the address is assumed to be U-labels with NFC
	// normalization and case-folding applied.
	//
	// The caller does no deduplication or case-folding, that is the
	// implementation's job if it cares. Duplicated recipients should be
	// silently ignored rather than rejected.
	//
	// The implementation should run as many checks as it can here and
	// reject recipients that cannot be used. MsgMetadata.BodyLength is
	// non-zero when the size is known up-front and can be used for quota
	// checks before Body.
	AddRcpt(ctx context.Context, rcptTo string) error

	// Body sets the header and body contents for the message. If it fails,
	// the message is assumed to be undeliverable to all recipients.
	//
	// Implementations should avoid persistent changes until Commit is
	// called. If that is impossible, Abort should roll them back.
	//
	// If Body cannot be implemented without per-recipient failures, the
	// delivery object should also implement PartialDelivery for use by
	// sources that can make sense of per-recipient statuses.
	Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error

	// Abort cancels the message delivery, undoing changes made to the
	// underlying storage where possible.
	Abort(ctx context.Context) error

	// Commit completes the message delivery.
	//
	// It should generally never fail, since failures here jeopardize
	// atomicity of the delivery when multiple targets are used.
	Commit(ctx context.Context) error
}
