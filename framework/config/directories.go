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

package config

var (
	// StateDirectory is the directory for data preserved between runs:
	// the delivery queue, stored message artifacts, local mailboxes.
	//
	// Value of this variable must not change after initialization in
	// cmd/robin/main.go.
	StateDirectory string

	// RuntimeDirectory is the directory for temporary data such as Unix
	// sockets. Preferred over os.TempDir which is world-readable on most
	// systems.
	//
	// Value of this variable must not change after initialization in
	// cmd/robin/main.go.
	RuntimeDirectory string

	// LibexecDirectory is where helper binaries (the LDA, notably) are
	// searched when configured with a relative path.
	//
	// Value of this variable must not change after initialization in
	// cmd/robin/main.go.
	LibexecDirectory string
)
