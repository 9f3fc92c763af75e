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

package localfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/testutils"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	return &Store{
		instName: "localfile",
		log:      testutils.Logger(t, "localfile"),
		path:     t.TempDir(),
		ext:      "eml",
		now: func() time.Time {
			return time.Date(2026, time.March, 14, 15, 9, 26, 0, time.UTC)
		},
	}
}

func storeMsg(t *testing.T, s *Store, meta *module.MsgMetadata, rcpts []string, msg string) module.CheckResult {
	t.Helper()

	state, err := s.CheckStateForMsg(context.Background(), meta)
	if err != nil {
		t.Fatal(err)
	}
	defer state.Close()

	for _, rcpt := range rcpts {
		state.CheckRcpt(context.Background(), rcpt)
	}
	hdr, body := testutils.BodyFromStr(t, msg)
	return state.CheckBody(context.Background(), hdr, body)
}

func TestStore_ArtifactName(t *testing.T) {
	s := testStore(t)

	meta := &module.MsgMetadata{ID: "env1", SessionID: "sess1"}
	res := storeMsg(t, s, meta, []string{"to@example.org"}, "From: <a@example.org>\r\n\r\nhello\r\n")
	if res.Reject {
		t.Fatalf("store failed: %v", res.Reason)
	}

	blob, err := os.ReadFile(filepath.Join(s.path, "20260314.sess1.env1.eml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(blob), "From: <a@example.org>") {
		t.Fatal("header missing from artifact")
	}
	if !strings.Contains(string(blob), "hello") {
		t.Fatal("body missing from artifact")
	}

	// No leftover temporary files.
	entries, err := os.ReadDir(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("unexpected extra files in store: %d", len(entries))
	}
}

func TestStore_LocalMailboxCopies(t *testing.T) {
	s := testStore(t)
	s.localMailbox = true

	meta := &module.MsgMetadata{ID: "env2", SessionID: "sess2"}
	rcpts := []string{"one@example.org", "two@example.org"}
	res := storeMsg(t, s, meta, rcpts, "From: <a@example.org>\r\n\r\nhello\r\n")
	if res.Reject {
		t.Fatalf("store failed: %v", res.Reason)
	}

	for _, rcpt := range rcpts {
		path := filepath.Join(s.path, rcpt, "new", "20260314.sess2.env2.eml")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing mailbox copy for %s: %v", rcpt, err)
		}
	}
}

func TestStore_IOErrorIsTransient(t *testing.T) {
	s := testStore(t)
	s.path = filepath.Join(s.path, "missing", "\x00bad")

	meta := &module.MsgMetadata{ID: "env3", SessionID: "sess3"}
	res := storeMsg(t, s, meta, nil, "From: <a@example.org>\r\n\r\nhello\r\n")
	if !res.Reject {
		t.Fatal("expected rejection on store failure")
	}
}

func TestFilename(t *testing.T) {
	when := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	if got := Filename(when, "s", "e", "eml"); got != "20260102.s.e.eml" {
		t.Fatalf("got %q", got)
	}
	if got := Filename(when, "", "e", "eml"); got != "20260102.internal.e.eml" {
		t.Fatalf("got %q", got)
	}
}

func TestMailboxDir(t *testing.T) {
	if got := mailboxDir("a/b\\c:d@example.org"); got != "a_b_c_d@example.org" {
		t.Fatalf("got %q", got)
	}
}
