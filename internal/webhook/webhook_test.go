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

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/internal/testutils"
)

func testHook(t *testing.T, url string, verbs ...string) *Hook {
	if len(verbs) == 0 {
		verbs = []string{"mail", "rcpt", "data"}
	}
	verbSet := make(map[string]struct{}, len(verbs))
	for _, v := range verbs {
		verbSet[v] = struct{}{}
	}
	return &Hook{
		instName:        "webhook",
		url:             url,
		verbs:           verbSet,
		waitForResponse: true,
		ignoreErrors:    false,
		timeout:         5 * time.Second,
		client:          &http.Client{Timeout: 5 * time.Second},
		Log:             testutils.Logger(t, "webhook"),
	}
}

func testEvent(verb string) Event {
	return Event{
		Session: SessionInfo{ID: "sess-1", RemoteIP: "192.0.2.1", EHLO: "client.example"},
		Envelope: &EnvelopeInfo{
			ID:       "env-1",
			MailFrom: "sender@example.org",
			RcptTo:   []string{"rcpt@example.org"},
		},
		Verb: verb,
	}
}

func TestNotify_PostsEventJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("wrong method: %v", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("wrong content type: %v", ct)
		}
		blob, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(blob, &got); err != nil {
			t.Errorf("malformed event: %v", err)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := testHook(t, srv.URL)
	override, err := h.Notify(context.Background(), testEvent("mail"))
	if err != nil {
		t.Fatal(err)
	}
	if override != nil {
		t.Errorf("unexpected override: %+v", override)
	}

	if got.Verb != "mail" || got.Session.ID != "sess-1" {
		t.Errorf("wrong event posted: %+v", got)
	}
	if got.Envelope == nil || !reflect.DeepEqual(got.Envelope.RcptTo, []string{"rcpt@example.org"}) {
		t.Errorf("wrong envelope posted: %+v", got.Envelope)
	}
}

func TestNotify_UnsubscribedVerbSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an unsubscribed verb")
	}))
	defer srv.Close()

	h := testHook(t, srv.URL, "rcpt")
	override, err := h.Notify(context.Background(), testEvent("mail"))
	if err != nil || override != nil {
		t.Errorf("unexpected result: %+v, %v", override, err)
	}
}

func TestNotify_Override(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"smtpResponse": "550 5.7.1 Rejected by policy"}`))
	}))
	defer srv.Close()

	h := testHook(t, srv.URL)
	override, err := h.Notify(context.Background(), testEvent("rcpt"))
	if err != nil {
		t.Fatal(err)
	}
	if override == nil {
		t.Fatal("expected an override")
	}
	if !override.Reject() {
		t.Error("550 override should reject")
	}
	testutils.CheckSMTPErr(t, override.SMTPError(),
		550, exterrors.EnhancedCode{5, 7, 1}, "Rejected by policy")
}

func TestNotify_OverrideWithoutEnhancedCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"smtpResponse": "451 try again later"}`))
	}))
	defer srv.Close()

	h := testHook(t, srv.URL)
	override, err := h.Notify(context.Background(), testEvent("data"))
	if err != nil {
		t.Fatal(err)
	}
	if override == nil {
		t.Fatal("expected an override")
	}
	testutils.CheckSMTPErr(t, override.SMTPError(),
		451, exterrors.EnhancedCode{4, 0, 0}, "try again later")
}

func TestNotify_AcceptOverrideNotRejecting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"smtpResponse": "250 custom accept text"}`))
	}))
	defer srv.Close()

	h := testHook(t, srv.URL)
	override, err := h.Notify(context.Background(), testEvent("mail"))
	if err != nil {
		t.Fatal(err)
	}
	if override == nil {
		t.Fatal("expected an override")
	}
	if override.Reject() {
		t.Error("2xx override must not reject")
	}
}

func TestNotify_ErrorIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := testHook(t, srv.URL)
	h.ignoreErrors = true
	override, err := h.Notify(context.Background(), testEvent("mail"))
	if err != nil || override != nil {
		t.Errorf("ignored error should yield no result, got %+v, %v", override, err)
	}
}

func TestNotify_ErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := testHook(t, srv.URL)
	_, err := h.Notify(context.Background(), testEvent("mail"))
	testutils.CheckSMTPErr(t, err, 451, exterrors.EnhancedCode{4, 7, 0},
		"Internal error during policy check")
}

func TestNotify_FireAndForget(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		blob, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(blob, &ev); err == nil {
			received <- ev
		}
		w.Write([]byte(`{"smtpResponse": "550 5.7.1 too late"}`))
	}))
	defer srv.Close()

	h := testHook(t, srv.URL)
	h.waitForResponse = false

	override, err := h.Notify(context.Background(), testEvent("mail"))
	if err != nil {
		t.Fatal(err)
	}
	// Overrides require wait_for_response, the reply body is discarded.
	if override != nil {
		t.Errorf("fire-and-forget must not produce an override: %+v", override)
	}

	select {
	case ev := <-received:
		if ev.Verb != "mail" {
			t.Errorf("wrong event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Error("event never arrived")
	}
}

func TestParseSMTPResponse_Invalid(t *testing.T) {
	for _, input := range []string{"", "abc", "99 too low", "600 too high"} {
		if _, err := parseSMTPResponse(input); err == nil {
			t.Errorf("no error for %q", input)
		}
	}
}
