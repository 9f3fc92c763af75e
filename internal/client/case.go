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

// Package client implements the scripted test client: a declarative case
// drives one SMTP or LMTP conversation, every exchanged command and
// response is recorded into a transcript, and regex assertion groups are
// evaluated against the transcript and against external artifacts
// (mailboxes, service logs) afterwards.
package client

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Route describes where and how to connect.
type Route struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`

	// Protocol is "smtp" (default) or "lmtp".
	Protocol string `json:"protocol,omitempty"`

	// TLS is "none" (default), "starttls" or "implicit".
	TLS string `json:"tls,omitempty"`

	// TLSServerName overrides the name verified against the server
	// certificate. Empty uses Hostname.
	TLSServerName string `json:"tls_server_name,omitempty"`

	// TLSSkipVerify disables certificate verification. Test-only knob.
	TLSSkipVerify bool `json:"tls_skip_verify,omitempty"`

	// EHLO is the name sent in EHLO/LHLO. Empty uses the client hostname.
	EHLO string `json:"ehlo,omitempty"`

	Auth *AuthSpec `json:"auth,omitempty"`
}

// AuthSpec selects the SASL mechanism used after the greeting.
type AuthSpec struct {
	// Mechanism is "plain" (default) or "login".
	Mechanism string `json:"mechanism,omitempty"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// PartSpec describes one MIME leaf of the built message.
type PartSpec struct {
	// Type is the Content-Type value, text/plain by default.
	Type string `json:"type,omitempty"`

	Content string `json:"content"`

	// Filename, when set, turns the part into an attachment.
	Filename string `json:"filename,omitempty"`

	// ContentID, when set, places the part at the multipart/related level.
	ContentID string `json:"content_id,omitempty"`

	// Encoding is the Content-Transfer-Encoding: 7bit, 8bit, base64 or
	// quoted-printable.
	Encoding string `json:"encoding,omitempty"`
}

// MimeSpec describes the message body. Raw and Parts are mutually
// exclusive; with neither set a minimal text/plain message is generated.
type MimeSpec struct {
	Headers map[string]string `json:"headers,omitempty"`
	Raw     string            `json:"raw,omitempty"`
	Parts   []PartSpec        `json:"parts,omitempty"`
}

// MatchRule is one [verb_filter, regex] pair. The verb filter is an exact
// verb name ("*" matches any); for external assertions it is the source
// tag instead.
type MatchRule [2]string

func (r MatchRule) Filter() string  { return r[0] }
func (r MatchRule) Pattern() string { return r[1] }

// Group is one assertion group. Delay is slept before the first
// evaluation, the group is then attempted Retry+1 times with Wait seconds
// between attempts. All rules must hold for the group to pass.
type Group struct {
	Delay int         `json:"delay,omitempty"`
	Wait  int         `json:"wait,omitempty"`
	Retry int         `json:"retry,omitempty"`
	Match []MatchRule `json:"match"`
}

// AssertionSet is the assertions section of a case or an envelope. SMTP
// rules run against the recorded transcript; MTA groups run against
// external sources resolved through the client configuration.
type AssertionSet struct {
	SMTP []MatchRule `json:"smtp,omitempty"`
	MTA  []Group     `json:"mta,omitempty"`
}

// UnmarshalJSON accepts the mta section either as a single group object
// or as a list of groups.
func (s *AssertionSet) UnmarshalJSON(b []byte) error {
	var raw struct {
		SMTP []MatchRule     `json:"smtp"`
		MTA  json.RawMessage `json:"mta"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.SMTP = raw.SMTP
	if len(raw.MTA) == 0 {
		return nil
	}
	if raw.MTA[0] == '[' {
		return json.Unmarshal(raw.MTA, &s.MTA)
	}
	var single Group
	if err := json.Unmarshal(raw.MTA, &single); err != nil {
		return err
	}
	s.MTA = []Group{single}
	return nil
}

// Envelope is one MAIL transaction of a multi-envelope case. Fields left
// empty inherit nothing, an envelope stands on its own.
type Envelope struct {
	Mail       string        `json:"mail"`
	Rcpt       []string      `json:"rcpt"`
	Mime       *MimeSpec     `json:"mime,omitempty"`
	Chunking   bool          `json:"chunking,omitempty"`
	Assertions *AssertionSet `json:"assertions,omitempty"`
}

// Case is a complete test case file.
type Case struct {
	Route *Route `json:"route"`

	// Mail/Rcpt/Mime/Chunking describe the single envelope of a simple
	// case. Envelopes lists additional transactions run in order after it.
	Mail      string     `json:"mail,omitempty"`
	Rcpt      []string   `json:"rcpt,omitempty"`
	Mime      *MimeSpec  `json:"mime,omitempty"`
	Chunking  bool       `json:"chunking,omitempty"`
	Envelopes []Envelope `json:"envelopes,omitempty"`

	Assertions *AssertionSet `json:"assertions,omitempty"`
}

// Config is the optional client configuration (-c flag): external source
// tags for MTA assertions and dialogue tuning.
type Config struct {
	// Sources maps an assertion tag to a file or directory path. A
	// directory matches if any regular file directly inside it matches.
	Sources map[string]string `json:"sources,omitempty"`

	// Hostname used in EHLO when the route does not set one.
	Hostname string `json:"hostname,omitempty"`

	// TimeoutSeconds bounds each command round-trip. 0 means 60.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// LoadCase reads and validates a case file. All failures are
// configuration errors.
func LoadCase(path string) (*Case, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: "cannot read case file", Err: err}
	}

	c := &Case{}
	dec := json.NewDecoder(strings.NewReader(string(blob)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, &ConfigError{Reason: "malformed case file", Err: err}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadConfig reads the client configuration file.
func LoadConfig(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: "cannot read client config", Err: err}
	}
	cfg := &Config{}
	if err := json.Unmarshal(blob, cfg); err != nil {
		return nil, &ConfigError{Reason: "malformed client config", Err: err}
	}
	return cfg, nil
}

// Validate checks internal consistency of the case, including that every
// assertion regex compiles.
func (c *Case) Validate() error {
	if c.Route == nil {
		return &ConfigError{Reason: "case has no route"}
	}
	if c.Route.Hostname == "" {
		return &ConfigError{Reason: "route has no hostname"}
	}
	if c.Route.Port <= 0 || c.Route.Port > 65535 {
		return &ConfigError{Reason: fmt.Sprintf("route port out of range: %d", c.Route.Port)}
	}
	switch c.Route.Protocol {
	case "", "smtp", "lmtp":
	default:
		return &ConfigError{Reason: "unknown protocol: " + c.Route.Protocol}
	}
	switch c.Route.TLS {
	case "", "none", "starttls", "implicit":
	default:
		return &ConfigError{Reason: "unknown tls mode: " + c.Route.TLS}
	}
	if c.Route.Auth != nil {
		switch c.Route.Auth.Mechanism {
		case "", "plain", "login":
		default:
			return &ConfigError{Reason: "unknown auth mechanism: " + c.Route.Auth.Mechanism}
		}
	}

	if c.Mail == "" && len(c.Envelopes) == 0 {
		return &ConfigError{Reason: "case has neither mail nor envelopes"}
	}
	if c.Mail != "" && len(c.Rcpt) == 0 {
		return &ConfigError{Reason: "case has mail but no rcpt"}
	}
	for i, env := range c.Envelopes {
		if env.Mail == "" {
			return &ConfigError{Reason: fmt.Sprintf("envelope %d has no mail", i)}
		}
		if len(env.Rcpt) == 0 {
			return &ConfigError{Reason: fmt.Sprintf("envelope %d has no rcpt", i)}
		}
		if err := validateMime(env.Mime); err != nil {
			return err
		}
		if err := validateAssertions(env.Assertions); err != nil {
			return err
		}
	}
	if err := validateMime(c.Mime); err != nil {
		return err
	}
	return validateAssertions(c.Assertions)
}

func validateMime(m *MimeSpec) error {
	if m == nil {
		return nil
	}
	if m.Raw != "" && len(m.Parts) != 0 {
		return &ConfigError{Reason: "mime has both raw and parts"}
	}
	for _, pt := range m.Parts {
		switch strings.ToLower(pt.Encoding) {
		case "", "7bit", "8bit", "base64", "quoted-printable":
		default:
			return &ConfigError{Reason: "unknown part encoding: " + pt.Encoding}
		}
	}
	return nil
}

func validateAssertions(set *AssertionSet) error {
	if set == nil {
		return nil
	}
	for _, rule := range set.SMTP {
		if err := validateRule(rule); err != nil {
			return err
		}
	}
	for _, g := range set.MTA {
		if len(g.Match) == 0 {
			return &ConfigError{Reason: "mta assertion group has no match rules"}
		}
		if g.Delay < 0 || g.Wait < 0 || g.Retry < 0 {
			return &ConfigError{Reason: "mta assertion group has negative timing"}
		}
		for _, rule := range g.Match {
			if err := validateRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRule(rule MatchRule) error {
	if rule.Filter() == "" {
		return &ConfigError{Reason: "assertion rule has empty filter"}
	}
	if _, err := regexp.Compile(rule.Pattern()); err != nil {
		return &ConfigError{Reason: "assertion regex does not compile", Err: err}
	}
	return nil
}
