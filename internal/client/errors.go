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

package client

import (
	"errors"
	"fmt"
)

// ConfigError reports an unusable case or client configuration file.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return "client: " + e.Reason + ": " + e.Err.Error()
	}
	return "client: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IOError reports a network or file failure during the dialogue or
// external assertion lookup.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// AssertionError reports the first assertion rule that did not hold. Rule
// is the failed [filter, regex] pair, Group the group it belongs to (nil
// for session-level SMTP rules), Last the final transcript entry at the
// time of failure.
type AssertionError struct {
	Rule  MatchRule
	Group *Group
	Last  *Transaction

	// Scope names where the rule came from: "session" or "envelope N".
	Scope string
}

func (e *AssertionError) Error() string {
	where := e.Scope
	if where == "" {
		where = "session"
	}
	if e.Last != nil {
		return fmt.Sprintf("client: %s assertion [%s %q] not satisfied, last transaction: %s %q",
			where, e.Rule.Filter(), e.Rule.Pattern(), e.Last.Verb, e.Last.Response)
	}
	return fmt.Sprintf("client: %s assertion [%s %q] not satisfied", where, e.Rule.Filter(), e.Rule.Pattern())
}

// ExitCode maps an error returned by Run to the process exit code
// contract: 0 success, 1 assertion failure, 2 configuration error,
// 3 I/O failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var (
		assertErr *AssertionError
		cfgErr    *ConfigError
	)
	switch {
	case errors.As(err, &assertErr):
		return 1
	case errors.As(err, &cfgErr):
		return 2
	default:
		return 3
	}
}
