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
	"crypto/tls"
	"net"

	"github.com/emersion/go-smtp"
	"github.com/robin-mta/robin/framework/future"
)

// ConnState structure holds the state of the connection the message was
// received over.
type ConnState struct {
	// Hostname is the name sent in the HELO/EHLO/LHLO command.
	Hostname string

	// Protocol as reported in the Received header: SMTP, ESMTP, ESMTPS,
	// LMTP or their UTF8/A variants.
	Proto string

	// TLS is the connection TLS state, its HandshakeComplete is false for
	// plaintext connections.
	TLS tls.ConnectionState

	RemoteAddr net.Addr
	LocalAddr  net.Addr

	// RDNSName is the result of the rDNS lookup for RemoteAddr, resolved
	// asynchronously. The value is a string or nil if the lookup failed or
	// is disabled.
	RDNSName *future.Future

	// AuthUser is the username the client authenticated as, empty for
	// anonymous sessions. AuthPassword is kept for the Dovecot master
	// passthrough.
	AuthUser     string
	AuthPassword string
}

// MsgMetadata structure contains all information about the message that is
// not directly carried in the header or body.
//
// Message sources construct it, everything else only reads it, except for
// the DSN generation logic that uses a DeepCopy with certain fields
// replaced.
type MsgMetadata struct {
	// Unique identifier for this message, generated when it enters the
	// pipeline. Used everywhere in logs.
	ID string

	// SessionID identifies the client session the message was received in.
	// All envelopes accepted over one connection share it. Empty for
	// internally generated messages.
	SessionID string

	// Original message sender as specified in the MAIL FROM command.
	OriginalFrom string

	// SMTP extensions-related options from the MAIL FROM command.
	SMTPOpts smtp.MailOptions

	// Conn is the description of the connection the message was received
	// over. Nil for internally generated messages (DSNs).
	Conn *ConnState

	// OriginalRcpts maps the final (rewritten) recipient addresses back to
	// the ones specified by the client, so status reporting can use the
	// form the client knows about.
	OriginalRcpts map[string]string

	// Quarantine marks the message as known-bad: the processor chain asked
	// for it to be delivered to the quarantine mailbox instead of being
	// relayed or stored normally.
	Quarantine bool

	// DontTraceSender disables inclusion of the sender IP in the generated
	// Received header.
	DontTraceSender bool

	// Size of the message body, in bytes. Zero if unknown.
	BodyLength int
}

// DeepCopy creates a copy of the MsgMetadata structure, including all
// contained maps and the ConnState.
func (msgMeta *MsgMetadata) DeepCopy() *MsgMetadata {
	cpy := *msgMeta

	if msgMeta.Conn != nil {
		connCpy := *msgMeta.Conn
		cpy.Conn = &connCpy
	}

	cpy.OriginalRcpts = make(map[string]string, len(msgMeta.OriginalRcpts))
	for key, value := range msgMeta.OriginalRcpts {
		cpy.OriginalRcpts[key] = value
	}

	return &cpy
}
