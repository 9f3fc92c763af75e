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
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/robin-mta/robin/internal/testutils"
)

func testAddr(t *testing.T) (string, int) {
	t.Helper()
	port := 20000 + rand.Intn(30000)
	return fmt.Sprintf("127.0.0.1:%d", port), port
}

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return &Runner{
		Log:      testutils.Logger(t, "client"),
		Hostname: "client.example.org",
	}
}

func countVerb(transcript []Transaction, verb string) int {
	n := 0
	for _, tr := range transcript {
		if tr.Verb == verb {
			n++
		}
	}
	return n
}

func TestRun_SimpleDelivery(t *testing.T) {
	addr, port := testAddr(t)
	be, srv := testutils.SMTPServer(t, addr)
	defer srv.Close()

	report, err := testRunner(t).Run(&Case{
		Route: &Route{Hostname: "127.0.0.1", Port: port},
		Mail:  "sender@example.org",
		Rcpt:  []string{"rcpt@example.com"},
		Mime: &MimeSpec{
			Raw: "From: <sender@example.org>\r\n\r\nhello\r\n",
		},
		Assertions: &AssertionSet{
			SMTP: []MatchRule{
				{"CONNECT", "^220"},
				{"MAIL", "^250"},
				{"RCPT", "^250"},
				{"DATA", "^250"},
				{"QUIT", "^221"},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(be.Messages) != 1 {
		t.Fatal("Expected a message, got", len(be.Messages))
	}
	msg := be.Messages[0]
	if msg.From != "sender@example.org" {
		t.Error("Wrong MAIL FROM:", msg.From)
	}
	if !strings.Contains(string(msg.Data), "hello") {
		t.Error("Wrong DATA payload:", string(msg.Data))
	}

	// DATA appears twice: the 354 go-ahead and the final 250.
	if countVerb(report.Transcript, "DATA") != 2 {
		t.Error("Wrong DATA transaction count in transcript:", report.Transcript)
	}
	if countVerb(report.Transcript, "EHLO") != 1 {
		t.Error("Wrong EHLO transaction count in transcript:", report.Transcript)
	}
}

func TestRun_GeneratedMessage(t *testing.T) {
	addr, port := testAddr(t)
	be, srv := testutils.SMTPServer(t, addr)
	defer srv.Close()

	_, err := testRunner(t).Run(&Case{
		Route: &Route{Hostname: "127.0.0.1", Port: port},
		Mail:  "sender@example.org",
		Rcpt:  []string{"rcpt@example.com"},
		Mime: &MimeSpec{
			Headers: map[string]string{"Subject": "probe"},
			Parts: []PartSpec{
				{Type: "text/plain; charset=utf-8", Content: "body text"},
				{Type: "application/octet-stream", Content: "blob", Filename: "a.bin", Encoding: "base64"},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(be.Messages) != 1 {
		t.Fatal("Expected a message, got", len(be.Messages))
	}
	data := string(be.Messages[0].Data)
	if !strings.Contains(data, "Subject: probe") {
		t.Error("Missing Subject in built message:", data)
	}
	if !strings.Contains(data, "multipart/mixed") {
		t.Error("Expected multipart/mixed message:", data)
	}
	// go-message canonicalizes the field name to Message-Id on the wire,
	// match it the way header lookup does.
	if !strings.Contains(strings.ToLower(data), "message-id:") || !strings.Contains(data, "Date:") {
		t.Error("Missing generated headers:", data)
	}
}

func TestRun_AssertionFailure(t *testing.T) {
	addr, port := testAddr(t)
	_, srv := testutils.SMTPServer(t, addr)
	defer srv.Close()

	report, err := testRunner(t).Run(&Case{
		Route: &Route{Hostname: "127.0.0.1", Port: port},
		Mail:  "sender@example.org",
		Rcpt:  []string{"rcpt@example.com"},
		Assertions: &AssertionSet{
			SMTP: []MatchRule{{"RCPT", "^550"}},
		},
	})
	if err == nil {
		t.Fatal("Expected an error, got none")
	}

	var assertErr *AssertionError
	if !errors.As(err, &assertErr) {
		t.Fatal("Non-AssertionError returned:", err)
	}
	if assertErr.Scope != "session" {
		t.Error("Wrong scope:", assertErr.Scope)
	}
	if assertErr.Last == nil || assertErr.Last.Verb != "QUIT" {
		t.Error("Wrong last transaction:", assertErr.Last)
	}
	if ExitCode(err) != 1 {
		t.Error("Wrong exit code:", ExitCode(err))
	}
	if report == nil || len(report.Transcript) == 0 {
		t.Error("Transcript missing from failed report")
	}
}

func TestRun_RcptRejected_SkipsData(t *testing.T) {
	addr, port := testAddr(t)
	be, srv := testutils.SMTPServer(t, addr)
	defer srv.Close()
	be.RcptErr = map[string]error{
		"rcpt@example.com": &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such mailbox",
		},
	}

	report, err := testRunner(t).Run(&Case{
		Route: &Route{Hostname: "127.0.0.1", Port: port},
		Mail:  "sender@example.org",
		Rcpt:  []string{"rcpt@example.com"},
		Assertions: &AssertionSet{
			SMTP: []MatchRule{
				{"RCPT", "^550 5\\.1\\.1 No such mailbox"},
				{"RSET", "^250"},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if countVerb(report.Transcript, "DATA") != 0 {
		t.Error("DATA sent despite no accepted recipients:", report.Transcript)
	}
	if len(be.Messages) != 0 {
		t.Error("Unexpected delivered message")
	}
}

func TestRun_Auth(t *testing.T) {
	addr, port := testAddr(t)
	be, srv := testutils.SMTPServer(t, addr)
	defer srv.Close()

	_, err := testRunner(t).Run(&Case{
		Route: &Route{
			Hostname: "127.0.0.1",
			Port:     port,
			Auth:     &AuthSpec{Username: "tester", Password: "secret"},
		},
		Mail: "sender@example.org",
		Rcpt: []string{"rcpt@example.com"},
		Assertions: &AssertionSet{
			SMTP: []MatchRule{{"AUTH", "^235"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(be.Messages) != 1 {
		t.Fatal("Expected a message, got", len(be.Messages))
	}
	if be.Messages[0].AuthUser != "tester" {
		t.Error("Wrong authenticated user:", be.Messages[0].AuthUser)
	}
}

func TestRun_AuthRejected_StopsDialogue(t *testing.T) {
	addr, port := testAddr(t)
	be, srv := testutils.SMTPServer(t, addr)
	defer srv.Close()
	be.AuthErr = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Hold the door",
	}

	report, err := testRunner(t).Run(&Case{
		Route: &Route{
			Hostname: "127.0.0.1",
			Port:     port,
			Auth:     &AuthSpec{Username: "tester", Password: "wrong"},
		},
		Mail: "sender@example.org",
		Rcpt: []string{"rcpt@example.com"},
		Assertions: &AssertionSet{
			SMTP: []MatchRule{{"AUTH", "^535 .*Hold the door"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if countVerb(report.Transcript, "MAIL") != 0 {
		t.Error("MAIL sent after failed AUTH:", report.Transcript)
	}
	if len(be.Messages) != 0 {
		t.Error("Unexpected delivered message")
	}
}

func TestRun_STARTTLS(t *testing.T) {
	addr, port := testAddr(t)
	_, be, srv := testutils.SMTPServerSTARTTLS(t, addr)
	defer srv.Close()

	report, err := testRunner(t).Run(&Case{
		Route: &Route{
			Hostname:      "127.0.0.1",
			Port:          port,
			TLS:           "starttls",
			TLSSkipVerify: true,
		},
		Mail: "sender@example.org",
		Rcpt: []string{"rcpt@example.com"},
		Assertions: &AssertionSet{
			SMTP: []MatchRule{{"STARTTLS", "^220"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(be.Messages) != 1 {
		t.Fatal("Expected a message, got", len(be.Messages))
	}
	// EHLO is repeated after the TLS upgrade.
	if countVerb(report.Transcript, "EHLO") != 2 {
		t.Error("Wrong EHLO transaction count:", report.Transcript)
	}
}

func TestRun_ImplicitTLS(t *testing.T) {
	addr, port := testAddr(t)
	_, be, srv := testutils.SMTPServerTLS(t, addr)
	defer srv.Close()

	_, err := testRunner(t).Run(&Case{
		Route: &Route{
			Hostname:      "127.0.0.1",
			Port:          port,
			TLS:           "implicit",
			TLSSkipVerify: true,
		},
		Mail: "sender@example.org",
		Rcpt: []string{"rcpt@example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(be.Messages) != 1 {
		t.Fatal("Expected a message, got", len(be.Messages))
	}
}

func TestRun_BDAT(t *testing.T) {
	addr, port := testAddr(t)
	be, srv := testutils.SMTPServer(t, addr)
	defer srv.Close()

	report, err := testRunner(t).Run(&Case{
		Route:    &Route{Hostname: "127.0.0.1", Port: port},
		Mail:     "sender@example.org",
		Rcpt:     []string{"rcpt@example.com"},
		Chunking: true,
		Mime: &MimeSpec{
			Raw: "From: <sender@example.org>\r\n\r\nchunked body\r\n",
		},
		Assertions: &AssertionSet{
			SMTP: []MatchRule{{"BDAT", "^250"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(be.Messages) != 1 {
		t.Fatal("Expected a message, got", len(be.Messages))
	}
	if !strings.Contains(string(be.Messages[0].Data), "chunked body") {
		t.Error("Wrong BDAT payload:", string(be.Messages[0].Data))
	}
	if countVerb(report.Transcript, "DATA") != 0 {
		t.Error("DATA used despite chunking:", report.Transcript)
	}
}

func TestRun_LMTP_PerRecipientReplies(t *testing.T) {
	addr, port := testAddr(t)
	be, srv := testutils.SMTPServer(t, addr, func(s *smtp.Server) {
		s.LMTP = true
	})
	defer srv.Close()
	be.LMTPDataErr = []error{
		nil,
		&smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 2, 2},
			Message:      "Over quota",
		},
	}

	report, err := testRunner(t).Run(&Case{
		Route: &Route{Hostname: "127.0.0.1", Port: port, Protocol: "lmtp"},
		Mail:  "sender@example.org",
		Rcpt:  []string{"ok@example.com", "full@example.com"},
		Assertions: &AssertionSet{
			SMTP: []MatchRule{
				{"LHLO", "^250"},
				{"DATA", "^250"},
				{"DATA", "^550 .*Over quota"},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The 354 plus one final reply per recipient.
	if countVerb(report.Transcript, "DATA") != 3 {
		t.Error("Wrong DATA transaction count:", report.Transcript)
	}
	if countVerb(report.Transcript, "LHLO") != 1 {
		t.Error("Wrong LHLO transaction count:", report.Transcript)
	}
}

func TestRun_MultipleEnvelopes(t *testing.T) {
	addr, port := testAddr(t)
	be, srv := testutils.SMTPServer(t, addr)
	defer srv.Close()
	be.RcptErr = map[string]error{
		"bad@example.com": &smtp.SMTPError{Code: 550, Message: "No"},
	}

	report, err := testRunner(t).Run(&Case{
		Route: &Route{Hostname: "127.0.0.1", Port: port},
		Envelopes: []Envelope{
			{
				Mail: "first@example.org",
				Rcpt: []string{"rcpt@example.com"},
				Assertions: &AssertionSet{
					SMTP: []MatchRule{{"DATA", "^250"}},
				},
			},
			{
				Mail: "second@example.org",
				Rcpt: []string{"bad@example.com"},
				Assertions: &AssertionSet{
					SMTP: []MatchRule{{"RCPT", "^550"}},
				},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(be.Messages) != 1 {
		t.Fatal("Expected one delivered message, got", len(be.Messages))
	}
	if be.Messages[0].From != "first@example.org" {
		t.Error("Wrong MAIL FROM:", be.Messages[0].From)
	}
	if countVerb(report.Transcript, "MAIL") != 2 {
		t.Error("Wrong MAIL transaction count:", report.Transcript)
	}
}

func TestRun_EnvelopeAssertionScoped(t *testing.T) {
	addr, port := testAddr(t)
	be, srv := testutils.SMTPServer(t, addr)
	defer srv.Close()

	// The second envelope asserts a rejection that only happened in the
	// first envelope's span, so it must fail.
	be.RcptErr = map[string]error{
		"bad@example.com": &smtp.SMTPError{Code: 550, Message: "No"},
	}

	_, err := testRunner(t).Run(&Case{
		Route: &Route{Hostname: "127.0.0.1", Port: port},
		Envelopes: []Envelope{
			{Mail: "first@example.org", Rcpt: []string{"bad@example.com"}},
			{
				Mail: "second@example.org",
				Rcpt: []string{"rcpt@example.com"},
				Assertions: &AssertionSet{
					SMTP: []MatchRule{{"RCPT", "^550"}},
				},
			},
		},
	})
	if err == nil {
		t.Fatal("Expected an error, got none")
	}

	var assertErr *AssertionError
	if !errors.As(err, &assertErr) {
		t.Fatal("Non-AssertionError returned:", err)
	}
	if assertErr.Scope != "envelope 2" {
		t.Error("Wrong scope:", assertErr.Scope)
	}
}

func TestRun_DialFailure(t *testing.T) {
	_, port := testAddr(t)

	_, err := testRunner(t).Run(&Case{
		Route: &Route{Hostname: "127.0.0.1", Port: port},
		Mail:  "sender@example.org",
		Rcpt:  []string{"rcpt@example.com"},
	})
	if err == nil {
		t.Fatal("Expected an error, got none")
	}

	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatal("Non-IOError returned:", err)
	}
	if ExitCode(err) != 3 {
		t.Error("Wrong exit code:", ExitCode(err))
	}
}

func TestExitCode(t *testing.T) {
	if code := ExitCode(nil); code != 0 {
		t.Error("Wrong exit code for nil:", code)
	}
	if code := ExitCode(&AssertionError{}); code != 1 {
		t.Error("Wrong exit code for assertion error:", code)
	}
	if code := ExitCode(&ConfigError{Reason: "x"}); code != 2 {
		t.Error("Wrong exit code for config error:", code)
	}
	if code := ExitCode(&IOError{Op: "dial", Err: errors.New("refused")}); code != 3 {
		t.Error("Wrong exit code for I/O error:", code)
	}
}
