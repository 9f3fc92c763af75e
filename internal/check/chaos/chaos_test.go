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

package chaos

import (
	"context"
	"reflect"
	"testing"

	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/testutils"
)

func avReject() module.CheckResult {
	return module.CheckResult{
		Reject: true,
		Reason: &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "virus rejected",
			TargetName:   "check.clamav",
		},
	}
}

func runBody(t *testing.T, c module.Check, msg string) module.CheckResult {
	t.Helper()

	state, err := c.CheckStateForMsg(context.Background(), &module.MsgMetadata{ID: "test"})
	if err != nil {
		t.Fatal(err)
	}
	defer state.Close()

	hdr, body := testutils.BodyFromStr(t, msg)
	return state.CheckBody(context.Background(), hdr, body)
}

func TestWrap_ForcedReject(t *testing.T) {
	inner := &testutils.Check{}
	wrapped := Wrap(inner, "AVStorageProcessor", avReject())

	res := runBody(t, wrapped,
		"X-Robin-Chaos: LocalStorageClient; processor=AVStorageProcessor; return=false\r\n"+
			"From: <a@example.org>\r\n\r\nhello\r\n")

	if !res.Reject {
		t.Fatal("expected forced rejection")
	}
	smtpErr, ok := res.Reason.(*exterrors.SMTPError)
	if !ok || smtpErr.Code != 554 {
		t.Fatalf("wrong reason: %v", res.Reason)
	}
	if inner.BodyCalls != 0 {
		t.Fatalf("real processor was invoked %d times", inner.BodyCalls)
	}
}

func TestWrap_ForcedPass(t *testing.T) {
	inner := &testutils.Check{
		BodyRes: module.CheckResult{Reject: true, Reason: avReject().Reason},
	}
	wrapped := Wrap(inner, "AVStorageProcessor", avReject())

	res := runBody(t, wrapped,
		"X-Robin-Chaos: LocalStorageClient; processor=AVStorageProcessor; return=true\r\n"+
			"From: <a@example.org>\r\n\r\nhello\r\n")

	if res.Reject {
		t.Fatalf("forced pass still rejected: %v", res.Reason)
	}
	if inner.BodyCalls != 0 {
		t.Fatalf("real processor was invoked %d times", inner.BodyCalls)
	}
}

func TestWrap_OtherProcessorUnaffected(t *testing.T) {
	inner := &testutils.Check{}
	wrapped := Wrap(inner, "SpamStorageProcessor", avReject())

	res := runBody(t, wrapped,
		"X-Robin-Chaos: LocalStorageClient; processor=AVStorageProcessor; return=false\r\n"+
			"From: <a@example.org>\r\n\r\nhello\r\n")

	if res.Reject {
		t.Fatalf("directive for another processor applied: %v", res.Reason)
	}
	if inner.BodyCalls != 1 {
		t.Fatalf("real processor invoked %d times, want 1", inner.BodyCalls)
	}
}

func TestWrap_NoDirectives(t *testing.T) {
	inner := &testutils.Check{}
	wrapped := Wrap(inner, "AVStorageProcessor", avReject())

	res := runBody(t, wrapped, "From: <a@example.org>\r\n\r\nhello\r\n")

	if res.Reject {
		t.Fatalf("unexpected rejection: %v", res.Reason)
	}
	if inner.BodyCalls != 1 {
		t.Fatalf("real processor invoked %d times, want 1", inner.BodyCalls)
	}
}

func TestParse(t *testing.T) {
	check := func(value string, expected Directive, expectFail bool) {
		t.Helper()

		d, err := Parse(value)
		if err != nil {
			if !expectFail {
				t.Errorf("%q: unexpected error: %v", value, err)
			}
			return
		}
		if expectFail {
			t.Errorf("%q: expected error", value)
			return
		}
		if !reflect.DeepEqual(d, expected) {
			t.Errorf("%q: got %+v, want %+v", value, d, expected)
		}
	}

	check("LocalStorageClient; processor=AVStorageProcessor; return=false", Directive{
		Class: "LocalStorageClient",
		Params: map[string]string{
			"processor": "AVStorageProcessor",
			"return":    "false",
		},
	}, false)
	check("MailboxStorageProcessor; recipient=a@b.com; exitCode=75; message=try again later", Directive{
		Class: "MailboxStorageProcessor",
		Params: map[string]string{
			"recipient": "a@b.com",
			"exitCode":  "75",
			"message":   "try again later",
		},
	}, false)
	check("BareClass", Directive{Class: "BareClass", Params: map[string]string{}}, false)
	check("; processor=X", Directive{}, true)
	check("Class; noequals", Directive{}, true)
}

func TestMailboxFailures(t *testing.T) {
	dirs := []Directive{
		{Class: "LocalStorageClient", Params: map[string]string{"processor": "AVStorageProcessor", "return": "true"}},
		{Class: "MailboxStorageProcessor", Params: map[string]string{"recipient": "a@b.com", "exitCode": "75", "message": "try later"}},
		{Class: "MailboxStorageProcessor", Params: map[string]string{"recipient": "c@d.com"}},
	}

	fails := MailboxFailures(dirs)
	expected := []MailboxFailure{
		{Recipient: "a@b.com", ExitCode: 75, Message: "try later"},
		{Recipient: "c@d.com", ExitCode: 1},
	}
	if !reflect.DeepEqual(fails, expected) {
		t.Fatalf("got %+v, want %+v", fails, expected)
	}
}
