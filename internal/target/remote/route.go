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

package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sort"
	"strconv"
	"strings"
)

// A route is the set of MX servers shared by one or more recipient domains.
//
// Two domains whose MX records form the same (priority, name) multiset end
// up with the same route hash and therefore share one connection and one
// SMTP transaction per delivery.

// CanonicalMX returns the canonical string form of an MX set:
// "pref:name|pref:name|..." sorted by preference, then by name. Names are
// lowercased with the trailing dot removed.
func CanonicalMX(records []*net.MX) string {
	pairs := make([]string, 0, len(records))
	for _, r := range records {
		name := strings.TrimSuffix(strings.ToLower(r.Host), ".")
		pairs = append(pairs, strconv.Itoa(int(r.Pref))+":"+name)
	}
	sort.Slice(pairs, func(i, j int) bool {
		pi, ni, _ := strings.Cut(pairs[i], ":")
		pj, nj, _ := strings.Cut(pairs[j], ":")
		a, _ := strconv.Atoi(pi)
		b, _ := strconv.Atoi(pj)
		if a != b {
			return a < b
		}
		return ni < nj
	})
	return strings.Join(pairs, "|")
}

// RouteHash returns the hex SHA-256 of the canonical MX set form.
func RouteHash(records []*net.MX) string {
	sum := sha256.Sum256([]byte(CanonicalMX(records)))
	return hex.EncodeToString(sum[:])
}
