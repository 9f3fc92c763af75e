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

// Check is the module interface for (meta-)data inspection at the various
// stages of an SMTP transaction. Checks are read-only apart from header
// prepending.
//
// Modules implementing this interface are registered with the "check."
// prefix in the name.
type Check interface {
	// CheckStateForMsg initializes the per-message state used while the
	// message makes its way through the transaction.
	//
	// The returned CheckState object must be hashable (usable as a map
	// key). The easiest way to achieve that is to return a pointer.
	CheckStateForMsg(ctx context.Context, msgMeta *MsgMetadata) (CheckState, error)
}

// EarlyCheck is an optional interface implemented by Check modules that can
// classify a connection before any SMTP session resources are allocated.
//
// The result is accept (nil) or reject (error) only, no quarantining or
// header prepending is possible at this point.
type EarlyCheck interface {
	CheckConnection(ctx context.Context, state *ConnState) error
}

type CheckState interface {
	// CheckConnection is executed once when the client starts a new
	// message. The result may be cached for the duration of the client
	// connection, so it is not guaranteed to run for every message.
	CheckConnection(ctx context.Context) CheckResult

	// CheckSender is executed once the sender information is received
	// (MAIL FROM).
	CheckSender(ctx context.Context, mailFrom string) CheckResult

	// CheckRcpt is executed for each recipient as its address is received
	// (RCPT TO).
	CheckRcpt(ctx context.Context, rcptTo string) CheckResult

	// CheckBody is executed once after the message body is received and
	// buffered in memory or on disk.
	//
	// The body is read-only and can be read without synchronization.
	CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) CheckResult

	// Close is called after the message processing ends, even if any of
	// the Check* functions returned an error.
	Close() error
}

type CheckResult struct {
	// Reason is the error reported to the message source if the check
	// decided the message should be rejected.
	Reason error

	// Reject specifies that the message should be rejected.
	Reject bool

	// Quarantine specifies that the message is considered possibly
	// malicious and should be diverted to the quarantine mailbox.
	//
	// The value is copied into MsgMetadata by the transaction processing.
	Quarantine bool

	// Discard specifies that the message should be accepted on the wire but
	// silently dropped without delivery.
	Discard bool

	// Header contains fields that should be prepended to the message
	// header after all checks pass.
	Header textproto.Header
}
