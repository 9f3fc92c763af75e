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
	"time"
)

var testTranscript = []Transaction{
	{Verb: "CONNECT", Response: "220 mx.example.com ESMTP ready"},
	{Verb: "EHLO", Response: "250 mx.example.com\nPIPELINING\n8BITMIME"},
	{Verb: "MAIL", Response: "250 2.0.0 OK"},
	{Verb: "RCPT", Response: "550 5.1.1 No such mailbox", Failed: true},
	{Verb: "RCPT", Response: "250 2.1.5 OK"},
	{Verb: "DATA", Response: "354 Start input"},
	{Verb: "DATA", Response: "250 2.0.0 Queued as A1B2"},
	{Verb: "QUIT", Response: "221 2.0.0 Bye"},
}

func TestCheckTranscript(t *testing.T) {
	rules := []MatchRule{
		{"MAIL", "^250"},
		{"RCPT", "^550 5\\.1\\.1"},
		{"RCPT", "^250"},
		{"DATA", "Queued as"},
		{"*", "^221"},
	}
	if err := checkTranscript(rules, testTranscript, "session"); err != nil {
		t.Fatal(err)
	}
}

func TestCheckTranscript_VerbFilter(t *testing.T) {
	// The regex matches a RCPT response, but the filter restricts the
	// search to MAIL entries.
	err := checkTranscript([]MatchRule{{"MAIL", "^550"}}, testTranscript, "session")
	if err == nil {
		t.Fatal("Expected an error, got none")
	}

	var assertErr *AssertionError
	if !errors.As(err, &assertErr) {
		t.Fatal("Non-AssertionError returned:", err)
	}
	if assertErr.Rule.Pattern() != "^550" {
		t.Error("Wrong failed rule:", assertErr.Rule)
	}
	if assertErr.Last == nil || assertErr.Last.Verb != "QUIT" {
		t.Error("Wrong last transaction:", assertErr.Last)
	}
}

func TestCheckTranscript_CaseInsensitiveVerb(t *testing.T) {
	if err := checkTranscript([]MatchRule{{"mail", "^250"}}, testTranscript, "session"); err != nil {
		t.Fatal(err)
	}
}

func TestCheckExternal_File(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "service.log")
	if err := os.WriteFile(logPath, []byte("queued message A1B2 for rcpt@example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	sources := map[string]string{"log": logPath}
	group := Group{Match: []MatchRule{{"log", "queued message A1B2"}}}
	if err := checkExternal(group, sources, testTranscript, "session"); err != nil {
		t.Fatal(err)
	}
}

func TestCheckExternal_Dir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "msg1.eml"), []byte("Subject: probe\n\nbody"), 0o600); err != nil {
		t.Fatal(err)
	}

	sources := map[string]string{"mailbox": dir}
	group := Group{Match: []MatchRule{{"mailbox", "Subject: probe"}}}
	if err := checkExternal(group, sources, nil, "session"); err != nil {
		t.Fatal(err)
	}
}

func TestCheckExternal_RetryUntilArtifactAppears(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "late.log")

	// The artifact shows up only while the group is waiting between
	// attempts.
	slept := []time.Duration{}
	sleep = func(d time.Duration) {
		slept = append(slept, d)
		if err := os.WriteFile(logPath, []byte("delivered\n"), 0o600); err != nil {
			t.Error(err)
		}
	}
	defer func() { sleep = time.Sleep }()

	sources := map[string]string{"log": logPath}
	group := Group{
		Wait:  1,
		Retry: 2,
		Match: []MatchRule{{"log", "delivered"}},
	}
	if err := checkExternal(group, sources, nil, "session"); err != nil {
		t.Fatal(err)
	}

	if len(slept) != 1 || slept[0] != time.Second {
		t.Error("Wrong sleep sequence:", slept)
	}
}

func TestCheckExternal_RetriesExhausted(t *testing.T) {
	slept := []time.Duration{}
	sleep = func(d time.Duration) { slept = append(slept, d) }
	defer func() { sleep = time.Sleep }()

	sources := map[string]string{"log": filepath.Join(t.TempDir(), "never.log")}
	group := Group{
		Delay: 2,
		Wait:  1,
		Retry: 2,
		Match: []MatchRule{{"log", "delivered"}},
	}
	err := checkExternal(group, sources, testTranscript, "envelope 1")
	if err == nil {
		t.Fatal("Expected an error, got none")
	}

	var assertErr *AssertionError
	if !errors.As(err, &assertErr) {
		t.Fatal("Non-AssertionError returned:", err)
	}
	if assertErr.Group == nil || assertErr.Group.Retry != 2 {
		t.Error("Failed group not carried:", assertErr.Group)
	}
	if assertErr.Scope != "envelope 1" {
		t.Error("Wrong scope:", assertErr.Scope)
	}

	// Initial delay plus a wait between each of the three attempts.
	want := []time.Duration{2 * time.Second, time.Second, time.Second}
	if len(slept) != len(want) {
		t.Fatal("Wrong sleep sequence:", slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatal("Wrong sleep sequence:", slept)
		}
	}
}

func TestCheckExternal_UnknownTag(t *testing.T) {
	group := Group{Match: []MatchRule{{"nosuch", "x"}}}
	err := checkExternal(group, nil, nil, "session")

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatal("Non-ConfigError returned:", err)
	}
	if ExitCode(err) != 2 {
		t.Error("Wrong exit code:", ExitCode(err))
	}
}
