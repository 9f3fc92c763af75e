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

package buffer

import (
	"io"
	"sync"
	"sync/atomic"
)

// SharedBuffer reference-counts an underlying Buffer so independent
// consumers (transaction log, forwarding target, bot handlers) can each hold
// the message body without coordinating who removes it.
//
// The value returned by NewShared holds one reference. Each Ref() adds one,
// each Remove() drops one, and the underlying storage is discarded when the
// count reaches zero.
type SharedBuffer struct {
	inner Buffer
	refs  *int32
	once  *sync.Once
}

func NewShared(inner Buffer) *SharedBuffer {
	refs := int32(1)
	return &SharedBuffer{
		inner: inner,
		refs:  &refs,
		once:  new(sync.Once),
	}
}

// Ref returns a new handle sharing the same storage. It must be released
// with Remove like any other Buffer.
func (sb *SharedBuffer) Ref() *SharedBuffer {
	atomic.AddInt32(sb.refs, 1)
	return &SharedBuffer{inner: sb.inner, refs: sb.refs, once: sb.once}
}

func (sb *SharedBuffer) Open() (io.ReadCloser, error) {
	return sb.inner.Open()
}

func (sb *SharedBuffer) Len() int {
	return sb.inner.Len()
}

func (sb *SharedBuffer) Remove() error {
	if atomic.AddInt32(sb.refs, -1) > 0 {
		return nil
	}
	var err error
	sb.once.Do(func() {
		err = sb.inner.Remove()
	})
	return err
}
