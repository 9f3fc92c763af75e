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

// The buffer package provides temporary storage for message bodies that may
// be read multiple times by independent consumers.
package buffer

import (
	"io"
)

// Buffer is an immutable blob with multiple-reader access.
//
// Lifetime convention: the creator of the Buffer is responsible for calling
// Remove once the value is no longer needed. A Buffer passed to a function is
// not guaranteed to remain valid after the function returns; if the callee
// needs the contents later it must re-buffer them (copy the blob or use an
// implementation-specific trick such as hard-linking the backing file).
type Buffer interface {
	// Open creates a new Reader for the stored blob. Multiple concurrent
	// readers are allowed.
	Open() (io.ReadCloser, error)

	// Len reports the length of the stored blob in bytes. It is the amount
	// a fresh Reader will produce before io.EOF.
	Len() int

	// Remove discards the blob and releases the backing storage.
	//
	// Several Buffer values may share one backing store. Remove should then
	// be called exactly once as it invalidates all of them. Readers that
	// are already open stay usable, new ones cannot be created.
	Remove() error
}
