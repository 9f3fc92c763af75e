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
)

// Table is the interface implemented by modules that provide string-to-string
// mapping, used for scenario lookups and address rewriting.
//
// Modules implementing this interface are registered with the "table."
// prefix in the name.
type Table interface {
	Lookup(ctx context.Context, s string) (string, bool, error)
}

type MultiTable interface {
	LookupMulti(ctx context.Context, s string) ([]string, error)
}

// MutableTable is an optional interface for tables that can be modified at
// runtime.
type MutableTable interface {
	Table
	Keys() ([]string, error)
	RemoveKey(k string) error
	SetKey(k, v string) error
}
