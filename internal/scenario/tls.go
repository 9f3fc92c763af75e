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

package scenario

import (
	"crypto/tls"
	"fmt"
	"strings"
)

var protocolVersions = map[string]uint16{
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,

	// Java-style names accepted for scenario file compatibility.
	"tlsv1":   tls.VersionTLS10,
	"tlsv1.1": tls.VersionTLS11,
	"tlsv1.2": tls.VersionTLS12,
	"tlsv1.3": tls.VersionTLS13,
}

// RestrictTLSConfig applies the STARTTLS entry's protocol/cipher lists to a
// copy of base. Returns base unchanged when the EHLO key carries no
// restriction.
func (t *Table) RestrictTLSConfig(ehlo string, base *tls.Config) (*tls.Config, error) {
	protocols, ciphers, ok := t.TLSRestriction(ehlo)
	if !ok {
		return base, nil
	}

	cfg := base.Clone()

	if len(protocols) != 0 {
		min, max := uint16(0), uint16(0)
		for _, name := range protocols {
			ver, ok := protocolVersions[strings.ToLower(name)]
			if !ok {
				return nil, fmt.Errorf("scenario: unknown TLS protocol: %q", name)
			}
			if min == 0 || ver < min {
				min = ver
			}
			if ver > max {
				max = ver
			}
		}
		cfg.MinVersion = min
		cfg.MaxVersion = max
	}

	if len(ciphers) != 0 {
		suites := make([]uint16, 0, len(ciphers))
		for _, name := range ciphers {
			id, err := cipherSuiteID(name)
			if err != nil {
				return nil, err
			}
			suites = append(suites, id)
		}
		// TLS 1.3 suites are not configurable in crypto/tls; the list only
		// constrains 1.2 and below.
		cfg.CipherSuites = suites
	}

	return cfg, nil
}

func cipherSuiteID(name string) (uint16, error) {
	for _, s := range tls.CipherSuites() {
		if s.Name == name {
			return s.ID, nil
		}
	}
	for _, s := range tls.InsecureCipherSuites() {
		if s.Name == name {
			return s.ID, nil
		}
	}
	return 0, fmt.Errorf("scenario: unknown cipher suite: %q", name)
}
