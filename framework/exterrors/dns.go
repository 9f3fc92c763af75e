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
	"net"
)

func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	var dnsErr *net.DNSError
	if ok := asErr(err, &dnsErr); !ok {
		// Return non-nil in case the caller will 'extend' it with its own
		// values.
		return "", map[string]interface{}{}
	}

	// Neither the server name nor the DNS name are usually useful, so
	// exclude them.
	return dnsErr.Err, map[string]interface{}{}
}

func asErr(err error, target interface{}) bool {
	if err == nil {
		return false
	}
	switch t := target.(type) {
	case **net.DNSError:
		for err != nil {
			if dnsErr, ok := err.(*net.DNSError); ok {
				*t = dnsErr
				return true
			}
			unwrap, ok := err.(unwrapper)
			if !ok {
				return false
			}
			err = unwrap.Unwrap()
		}
	}
	return false
}
