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

// Package hotswap holds configuration snapshots that can be replaced at
// runtime without interrupting in-flight sessions.
package hotswap

import (
	"sync/atomic"
)

// Value is an atomically swappable pointer to an immutable snapshot.
//
// Sessions call Load once at the point where the snapshot matters and use
// the result for the rest of the transaction, so a concurrent Swap never
// changes semantics mid-way.
type Value[T any] struct {
	p atomic.Pointer[T]
}

func New[T any](v *T) *Value[T] {
	val := &Value[T]{}
	val.p.Store(v)
	return val
}

// Load returns the current snapshot. The returned value must be treated as
// read-only.
func (v *Value[T]) Load() *T {
	return v.p.Load()
}

// Swap installs the new snapshot and returns the previous one.
func (v *Value[T]) Swap(next *T) *T {
	return v.p.Swap(next)
}
