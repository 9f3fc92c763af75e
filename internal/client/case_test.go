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
	"os"
	"path/filepath"
	"testing"
)

func writeCase(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "case.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCase(t *testing.T) {
	path := writeCase(t, `{
		"route": {
			"hostname": "mx.example.com",
			"port": 25,
			"tls": "starttls",
			"auth": {"mechanism": "login", "username": "u", "password": "p"}
		},
		"mail": "sender@example.org",
		"rcpt": ["rcpt@example.com"],
		"mime": {
			"headers": {"Subject": "probe"},
			"parts": [{"type": "text/plain", "content": "hello"}]
		},
		"assertions": {
			"smtp": [["MAIL", "^250"], ["DATA", "^250"]],
			"mta": {"delay": 1, "retry": 3, "wait": 2, "match": [["mailbox", "Subject: probe"]]}
		}
	}`)

	c, err := LoadCase(path)
	if err != nil {
		t.Fatal(err)
	}

	if c.Route.Hostname != "mx.example.com" || c.Route.Port != 25 {
		t.Error("Wrong route:", c.Route)
	}
	if c.Route.Auth.Mechanism != "login" {
		t.Error("Wrong auth mechanism:", c.Route.Auth)
	}
	if len(c.Assertions.SMTP) != 2 {
		t.Error("Wrong smtp assertion count:", c.Assertions.SMTP)
	}

	// Single-object mta section parses as one group.
	if len(c.Assertions.MTA) != 1 || c.Assertions.MTA[0].Retry != 3 {
		t.Error("Wrong mta groups:", c.Assertions.MTA)
	}
}

func TestLoadCase_MTAGroupList(t *testing.T) {
	path := writeCase(t, `{
		"route": {"hostname": "mx.example.com", "port": 25},
		"mail": "a@example.org",
		"rcpt": ["b@example.com"],
		"assertions": {
			"mta": [
				{"match": [["log", "queued"]]},
				{"delay": 5, "match": [["mailbox", "probe"]]}
			]
		}
	}`)

	c, err := LoadCase(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Assertions.MTA) != 2 || c.Assertions.MTA[1].Delay != 5 {
		t.Error("Wrong mta groups:", c.Assertions.MTA)
	}
}

func TestLoadCase_Errors(t *testing.T) {
	for _, test := range []struct {
		name     string
		contents string
	}{
		{"no route", `{"mail": "a@b.c", "rcpt": ["d@e.f"]}`},
		{"no hostname", `{"route": {"port": 25}, "mail": "a@b.c", "rcpt": ["d@e.f"]}`},
		{"bad port", `{"route": {"hostname": "h", "port": 123456}, "mail": "a@b.c", "rcpt": ["d@e.f"]}`},
		{"bad protocol", `{"route": {"hostname": "h", "port": 25, "protocol": "imap"}, "mail": "a@b.c", "rcpt": ["d@e.f"]}`},
		{"bad tls", `{"route": {"hostname": "h", "port": 25, "tls": "opportunistic"}, "mail": "a@b.c", "rcpt": ["d@e.f"]}`},
		{"no envelope", `{"route": {"hostname": "h", "port": 25}}`},
		{"mail without rcpt", `{"route": {"hostname": "h", "port": 25}, "mail": "a@b.c"}`},
		{"envelope without mail", `{"route": {"hostname": "h", "port": 25}, "envelopes": [{"rcpt": ["d@e.f"]}]}`},
		{"raw and parts", `{"route": {"hostname": "h", "port": 25}, "mail": "a@b.c", "rcpt": ["d@e.f"],
			"mime": {"raw": "x", "parts": [{"content": "y"}]}}`},
		{"bad encoding", `{"route": {"hostname": "h", "port": 25}, "mail": "a@b.c", "rcpt": ["d@e.f"],
			"mime": {"parts": [{"content": "y", "encoding": "uuencode"}]}}`},
		{"bad regex", `{"route": {"hostname": "h", "port": 25}, "mail": "a@b.c", "rcpt": ["d@e.f"],
			"assertions": {"smtp": [["MAIL", "^(250"]]}}`},
		{"empty filter", `{"route": {"hostname": "h", "port": 25}, "mail": "a@b.c", "rcpt": ["d@e.f"],
			"assertions": {"smtp": [["", "^250"]]}}`},
		{"unknown field", `{"route": {"hostname": "h", "port": 25}, "mail": "a@b.c", "rcpt": ["d@e.f"], "mial": "typo"}`},
		{"not json", `route = yes`},
	} {
		_, err := LoadCase(writeCase(t, test.contents))
		if err == nil {
			t.Errorf("%s: expected an error, got none", test.name)
			continue
		}
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: non-ConfigError returned: %v", test.name, err)
		}
		if ExitCode(err) != 2 {
			t.Errorf("%s: wrong exit code: %d", test.name, ExitCode(err))
		}
	}
}

func TestLoadCase_Missing(t *testing.T) {
	_, err := LoadCase(filepath.Join(t.TempDir(), "nope.json"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatal("Non-ConfigError returned:", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.json")
	if err := os.WriteFile(path, []byte(`{
		"hostname": "tester.example.org",
		"timeout_seconds": 30,
		"sources": {"mailbox": "/var/mail/robin", "log": "/var/log/robin.log"}
	}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hostname != "tester.example.org" || cfg.TimeoutSeconds != 30 {
		t.Error("Wrong config:", cfg)
	}
	if cfg.Sources["mailbox"] != "/var/mail/robin" {
		t.Error("Wrong sources:", cfg.Sources)
	}
}
