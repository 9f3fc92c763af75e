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

// Package limiters provides a set of wrappers that restrict the amount of
// resources consumed by the server.
package limiters

import "context"

// The L interface represents a blocking limiter with some upper bound of
// resource use. It blocks when the bound is exceeded until enough resources
// are freed.
type L interface {
	Take() bool
	TakeContext(context.Context) error
	Release()

	// Close frees any book-keeping resources used by the limiter.
	Close()
}
