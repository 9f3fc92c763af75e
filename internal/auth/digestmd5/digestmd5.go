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

// Package digestmd5 implements the DIGEST-MD5 SASL mechanism (RFC 2831),
// server and client side, including subsequent authentication: a client
// holding a nonce from an earlier exchange in the same session may send the
// complete digest response right away with an advanced nonce count and skip
// the challenge round-trip.
//
// The mechanism is obsolete (RFC 6331) and exists here because the server
// is a test tool: mail software still ships DIGEST-MD5 code paths and needs
// an endpoint to exercise them against.
package digestmd5

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const MechName = "DIGEST-MD5"

func h(data string) []byte {
	sum := md5.Sum([]byte(data))
	return sum[:]
}

func kd(secret, data string) string {
	return hex.EncodeToString(h(secret + ":" + data))
}

// a1 computes H(H(user:realm:pass):nonce:cnonce[:authzid]) per RFC 2831
// section 2.1.2.1 (algorithm=md5-sess).
func a1(username, realm, password, nonce, cnonce, authzid string) string {
	base := h(username + ":" + realm + ":" + password)
	s := string(base) + ":" + nonce + ":" + cnonce
	if authzid != "" {
		s += ":" + authzid
	}
	return hex.EncodeToString(h(s))
}

func computeResponse(username, realm, password, nonce, cnonce, nc, qop, uri, authzid string, initial bool) string {
	a2 := ":" + uri
	if initial {
		a2 = "AUTHENTICATE" + a2
	}
	return kd(a1(username, realm, password, nonce, cnonce, authzid),
		nonce+":"+nc+":"+cnonce+":"+qop+":"+hex.EncodeToString(h(a2)))
}

func newNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// parseDirectives splits the comma-separated key=value list used by both
// the challenge and the response messages. Quoted values may contain commas.
func parseDirectives(blob []byte) (map[string]string, error) {
	res := map[string]string{}
	s := string(blob)
	for len(s) != 0 {
		eq := strings.IndexByte(s, '=')
		if eq == -1 {
			return nil, fmt.Errorf("digestmd5: malformed directive: %q", s)
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end == -1 {
				return nil, errors.New("digestmd5: unterminated quoted value")
			}
			value = s[1 : 1+end]
			s = s[end+2:]
			s = strings.TrimPrefix(s, ",")
		} else {
			end := strings.IndexByte(s, ',')
			if end == -1 {
				value = s
				s = ""
			} else {
				value = s[:end]
				s = s[end+1:]
			}
		}
		res[strings.ToLower(key)] = value
	}
	return res, nil
}

func formatDirectives(quoted map[string]string, plain map[string]string) []byte {
	keys := make([]string, 0, len(quoted)+len(plain))
	for k := range quoted {
		keys = append(keys, k)
	}
	for k := range plain {
		keys = append(keys, k)
	}
	// Deterministic order simplifies tests and protocol traces.
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := quoted[k]; ok {
			parts = append(parts, k+`="`+v+`"`)
		} else {
			parts = append(parts, k+"="+plain[k])
		}
	}
	return []byte(strings.Join(parts, ","))
}

func incrementNC(nc string) (string, error) {
	v, err := strconv.ParseUint(nc, 16, 32)
	if err != nil {
		return "", fmt.Errorf("digestmd5: bad nc value: %q", nc)
	}
	return fmt.Sprintf("%08x", v+1), nil
}
