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
	"testing"
)

func mustCompile(t *testing.T, raw map[string][]Entry) *Table {
	t.Helper()
	tbl, err := Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func TestLookup_RcptValueMatch(t *testing.T) {
	tbl := mustCompile(t, map[string][]Entry{
		"reject.com": {
			{Verb: "rcpt", Value: `ultron@reject\.com`, Response: "501 Heart not found"},
		},
	})

	resp, ok := tbl.Lookup("reject.com", "RCPT", "ultron@reject.com")
	if !ok {
		t.Fatal("expected an override")
	}
	if resp.Code != 501 || resp.Text != "Heart not found" {
		t.Fatalf("wrong override: %v", resp)
	}
	if !resp.Reject() {
		t.Fatal("501 should be a rejection")
	}

	if _, ok := tbl.Lookup("reject.com", "RCPT", "vision@reject.com"); ok {
		t.Fatal("unexpected override for non-matching recipient")
	}
	if _, ok := tbl.Lookup("other.com", "RCPT", "ultron@reject.com"); ok {
		t.Fatal("unexpected override for non-matching EHLO")
	}
}

func TestLookup_WildcardFallback(t *testing.T) {
	tbl := mustCompile(t, map[string][]Entry{
		"*": {
			{Verb: "mail", Response: "451 try again later"},
		},
		"special.example": {
			{Verb: "mail", Response: "550 no thanks"},
		},
	})

	resp, ok := tbl.Lookup("anything.example", "MAIL", "<s@x>")
	if !ok || resp.Code != 451 {
		t.Fatalf("wildcard not applied: %v %v", resp, ok)
	}

	resp, ok = tbl.Lookup("SPECIAL.example", "MAIL", "<s@x>")
	if !ok || resp.Code != 550 {
		t.Fatalf("exact key should shadow wildcard: %v %v", resp, ok)
	}
}

func TestLookup_AcceptOverride(t *testing.T) {
	tbl := mustCompile(t, map[string][]Entry{
		"ok.example": {
			{Verb: "data", Response: "250 queued as banana"},
		},
	})

	resp, ok := tbl.Lookup("ok.example", "DATA", "")
	if !ok {
		t.Fatal("expected an override")
	}
	if resp.Reject() {
		t.Fatal("250 must not be a rejection")
	}
}

func TestParseResponse(t *testing.T) {
	for _, tc := range []struct {
		in   string
		code int
		text string
		fail bool
	}{
		{"501 Heart not found", 501, "Heart not found", false},
		{"421", 421, "", false},
		{"  250 ok  ", 250, "ok", false},
		{"", 0, "", true},
		{"banana", 0, "", true},
		{"99 too low", 0, "", true},
	} {
		resp, err := ParseResponse(tc.in)
		if tc.fail {
			if err == nil {
				t.Errorf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if resp.Code != tc.code || resp.Text != tc.text {
			t.Errorf("%q: got %d %q", tc.in, resp.Code, resp.Text)
		}
	}
}

func TestRestrictTLSConfig(t *testing.T) {
	tbl := mustCompile(t, map[string][]Entry{
		"legacy.example": {
			{Verb: "starttls", Protocols: []string{"TLSv1.2"}, Ciphers: []string{"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"}},
		},
	})

	base := &tls.Config{}
	cfg, err := tbl.RestrictTLSConfig("legacy.example", base)
	if err != nil {
		t.Fatal(err)
	}
	if cfg == base {
		t.Fatal("restriction must not mutate the base config")
	}
	if cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS12 {
		t.Fatalf("wrong version bounds: %x..%x", cfg.MinVersion, cfg.MaxVersion)
	}
	if len(cfg.CipherSuites) != 1 || cfg.CipherSuites[0] != tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256 {
		t.Fatalf("wrong cipher suites: %v", cfg.CipherSuites)
	}

	cfg, err = tbl.RestrictTLSConfig("other.example", base)
	if err != nil {
		t.Fatal(err)
	}
	if cfg != base {
		t.Fatal("no restriction should return the base config")
	}

	if _, err := tbl.RestrictTLSConfig("legacy.example", &tls.Config{}); err != nil {
		t.Fatal(err)
	}
}
