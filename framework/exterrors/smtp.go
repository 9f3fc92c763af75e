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

package exterrors

import (
	"fmt"
	"strconv"
	"strings"
)

// EnhancedCode is the machine-readable status code as defined in RFC 3463.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	parts := make([]string, 3)
	for i, num := range ec {
		parts[i] = strconv.Itoa(num)
	}
	return strings.Join(parts, ".")
}

// SMTPError is the error that is reported to the message source when the
// message cannot be accepted or relayed.
//
// It is also used internally whenever a remote server rejects one of our
// commands.
type SMTPError struct {
	// SMTP status code. 4xx is considered temporary, anything else
	// permanent.
	Code int
	// Enhanced status code (RFC 3463).
	EnhancedCode EnhancedCode
	// Text that is sent on the wire as part of the response.
	Message string

	// Name of the component that generated the error, included in logs but
	// not sent to the client.
	TargetName string

	// Short human-readable description of the problem, more specific than
	// Message. Included in logs but not sent to the client.
	Reason string

	// Underlying error, if any.
	Err error

	// Additional fields to include in the structured log output.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	// Not directly using se.Misc to avoid modifying it.
	fields := make(map[string]interface{}, len(se.Misc)+5)
	for k, v := range se.Misc {
		fields[k] = v
	}
	fields["smtp_code"] = se.Code
	fields["smtp_enchcode"] = se.EnhancedCode
	fields["smtp_msg"] = se.Message
	if se.TargetName != "" {
		fields["target"] = se.TargetName
	}
	if se.Reason != "" {
		fields["reason"] = se.Reason
	}
	return fields
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Message
}

func (se *SMTPError) FormatLog() string {
	return fmt.Sprintf("SMTP code: %d, ench. code: %v, msg: %s", se.Code, se.EnhancedCode, se.Message)
}

// SMTPCode returns the SMTP code to use for err, using temporaryCode if the
// error is temporary and permanentCode otherwise. The Temporary() convention
// is the same as for IsTemporaryOrUnspec: errors without a Temporary() method
// are assumed to be temporary.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is the same as SMTPCode but for enhanced status codes. The
// first element of temporaryEnch and permanentEnch is replaced with the
// matching class value (4 or 5).
func SMTPEnchCode(err error, baseEnch EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		return EnhancedCode{4, baseEnch[1], baseEnch[2]}
	}
	return EnhancedCode{5, baseEnch[1], baseEnch[2]}
}
