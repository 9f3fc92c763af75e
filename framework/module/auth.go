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

import "errors"

// ErrUnknownCredentials should be returned by an auth provider if the
// supplied credentials are well-formed but not recognized (e.g. no such
// user, wrong password).
var ErrUnknownCredentials = errors.New("unknown credentials")

// PlainAuth is the interface implemented by modules providing authentication
// using username:password pairs.
//
// Modules implementing this interface are registered with the "auth." prefix
// in the name.
type PlainAuth interface {
	AuthPlain(username, password string) error
}

// HashedPasswordDB is an optional interface for auth providers that can
// expose the stored password verifier for mechanisms that cannot work with
// AuthPlain, such as DIGEST-MD5.
type HashedPasswordDB interface {
	// LookupPassword returns the plaintext password for the account if the
	// store keeps it recoverable, or ErrUnknownCredentials.
	LookupPassword(username string) (string, error)
}
