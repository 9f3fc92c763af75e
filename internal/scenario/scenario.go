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

// Package scenario implements the scripted server behavior table.
//
// A scenario file maps an EHLO/HELO/LHLO argument to a set of per-verb
// response overrides. Sessions select the entry matching their greeting
// (falling back to the "*" wildcard) and consult it before emitting the
// default response for each verb. This is what makes the server
// programmable: a test declares "when greeted as reject.com, answer RCPT
// for ultron@reject.com with 501" instead of patching server code.
package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Wildcard is the scenario key matched when no entry exists for the
// session's EHLO domain.
const Wildcard = "*"

// Entry is one per-verb override as read from the scenario file.
type Entry struct {
	Verb     string `json:"verb"`
	Response string `json:"response,omitempty"`

	// Value is a regular expression matched against the command argument.
	// Only meaningful for RCPT (the recipient address); entries without it
	// match any argument.
	Value string `json:"value,omitempty"`

	// STARTTLS-only: restrict the TLS handshake offered after the 220
	// response to these protocol versions and cipher suites.
	Protocols []string `json:"protocols,omitempty"`
	Ciphers   []string `json:"ciphers,omitempty"`
}

// Response is a parsed SMTP response override.
type Response struct {
	Code int
	Text string
}

// Reject reports whether the override is an error response. Overrides with
// 2xx/3xx codes cannot replace the success text emitted by the protocol
// layer and are treated as "accept with default text".
func (r Response) Reject() bool {
	return r.Code >= 400
}

func (r Response) String() string {
	if r.Text == "" {
		return strconv.Itoa(r.Code)
	}
	return strconv.Itoa(r.Code) + " " + r.Text
}

// ParseResponse splits "501 Heart not found" into code and text.
func ParseResponse(s string) (Response, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Response{}, fmt.Errorf("scenario: empty response")
	}
	codeStr, text, _ := strings.Cut(s, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 200 || code > 599 {
		return Response{}, fmt.Errorf("scenario: malformed response code: %q", s)
	}
	return Response{Code: code, Text: strings.TrimSpace(text)}, nil
}

type entry struct {
	value    *regexp.Regexp
	response Response

	hasResponse bool

	protocols []string
	ciphers   []string
}

// Table is an immutable compiled scenario snapshot. Sessions capture the
// snapshot once at greeting time so a concurrent reload never changes
// behavior in the middle of a transaction.
type Table struct {
	entries map[string]map[string][]entry
}

// Empty returns a table with no overrides.
func Empty() *Table {
	return &Table{entries: map[string]map[string][]entry{}}
}

// Compile builds a Table from decoded scenario file contents.
func Compile(raw map[string][]Entry) (*Table, error) {
	t := Empty()
	for key, entries := range raw {
		key = strings.ToLower(key)
		verbs := map[string][]entry{}
		for _, e := range entries {
			verb := strings.ToUpper(strings.TrimSpace(e.Verb))
			if verb == "" {
				return nil, fmt.Errorf("scenario: entry without a verb under %q", key)
			}

			var compiled entry
			if e.Response != "" {
				resp, err := ParseResponse(e.Response)
				if err != nil {
					return nil, fmt.Errorf("scenario: %q/%s: %w", key, verb, err)
				}
				compiled.response = resp
				compiled.hasResponse = true
			}
			if e.Value != "" {
				re, err := regexp.Compile(e.Value)
				if err != nil {
					return nil, fmt.Errorf("scenario: %q/%s: bad value pattern: %w", key, verb, err)
				}
				compiled.value = re
			}
			compiled.protocols = e.Protocols
			compiled.ciphers = e.Ciphers

			verbs[verb] = append(verbs[verb], compiled)
		}
		t.entries[key] = verbs
	}
	return t, nil
}

// LoadFile reads and compiles a JSON scenario file.
func LoadFile(path string) (*Table, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string][]Entry
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("scenario: %s: %w", path, err)
	}
	return Compile(raw)
}

func (t *Table) forVerb(ehlo, verb string) []entry {
	ehlo = strings.ToLower(ehlo)
	if verbs, ok := t.entries[ehlo]; ok {
		if e, ok := verbs[verb]; ok {
			return e
		}
	}
	if verbs, ok := t.entries[Wildcard]; ok {
		return verbs[verb]
	}
	return nil
}

// Lookup returns the response override for the verb, if any. arg is the
// command argument matched against the entry's value pattern (the recipient
// address for RCPT); entries without a pattern match unconditionally.
//
// The session's own EHLO key shadows the wildcard entirely: if an entry set
// exists for the key, the wildcard set is not consulted for that verb.
func (t *Table) Lookup(ehlo, verb, arg string) (Response, bool) {
	verb = strings.ToUpper(verb)
	for _, e := range t.forVerb(ehlo, verb) {
		if e.value != nil && !e.value.MatchString(arg) {
			continue
		}
		if !e.hasResponse {
			continue
		}
		overridesApplied.WithLabelValues(verb).Inc()
		return e.response, true
	}
	return Response{}, false
}

// TLSRestriction returns the protocol/cipher restriction attached to the
// STARTTLS entry for the EHLO key, if any.
func (t *Table) TLSRestriction(ehlo string) (protocols, ciphers []string, ok bool) {
	for _, e := range t.forVerb(ehlo, "STARTTLS") {
		if len(e.protocols) == 0 && len(e.ciphers) == 0 {
			continue
		}
		return e.protocols, e.ciphers, true
	}
	return nil, nil, false
}
