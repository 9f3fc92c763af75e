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

package smtp

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	nettextproto "net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mockdns"

	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/check"
	"github.com/robin-mta/robin/internal/scenario"
	"github.com/robin-mta/robin/internal/testutils"
	"github.com/robin-mta/robin/internal/webhook"
)

var testPort string

const testMsg = "From: <sender@example.org>\r\n" +
	"Subject: Hello there!\r\n" +
	"\r\n" +
	"foobar\r\n"

func testEndpoint(t *testing.T, modName string, useAuth bool, tgt module.DeliveryTarget, checks []module.Check, cfg []config.Node) *Endpoint {
	t.Helper()

	mod, err := New(modName, []string{"tcp://127.0.0.1:" + testPort})
	if err != nil {
		t.Fatal(err)
	}
	endp := mod.(*Endpoint)

	endp.resolver = &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"mx.example.org.": {
				A: []string{"127.0.0.1"},
			},
			"1.0.0.127.in-addr.arpa.": {
				PTR: []string{"mx.example.org"},
			},
		},
	}
	endp.Log = testutils.Logger(t, modName)

	cfg = append(cfg,
		config.Node{
			Name: "hostname",
			Args: []string{"mx.example.com"},
		},
		config.Node{
			Name: "tls",
			Args: []string{"off"},
		},
	)

	if useAuth {
		cfg = append(cfg, config.Node{
			Name: "auth",
			Args: []string{"dummy"},
		})
	}

	err = endp.Init(config.NewMap(nil, config.Node{
		Children: cfg,
	}))
	if err != nil {
		t.Fatal(err)
	}

	if useAuth {
		endp.saslAuth.Log = testutils.Logger(t, modName+"/saslauth")
	}
	endp.target = tgt
	endp.checks = check.Group{Checks: checks}
	// Checks are assigned after Init, so the forced-result wrapping that
	// normally happens during config processing is repeated here.
	endp.wrapChaos()

	return endp
}

func testScenarios(t *testing.T, raw map[string][]scenario.Entry) *scenario.Scenarios {
	t.Helper()

	blob, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "scenario.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	mod, err := scenario.New("scenarios", "scenarios", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	scen := mod.(*scenario.Scenarios)
	err = scen.Init(config.NewMap(nil, config.Node{Children: []config.Node{
		{Name: "file", Args: []string{path}},
	}}))
	if err != nil {
		t.Fatal(err)
	}
	return scen
}

func testWebhook(t *testing.T, url string) *webhook.Hook {
	t.Helper()

	mod, err := webhook.New("webhook", "webhook", nil, []string{url})
	if err != nil {
		t.Fatal(err)
	}
	h := mod.(*webhook.Hook)
	err = h.Init(config.NewMap(nil, config.Node{Children: []config.Node{
		{Name: "wait_for_response"},
		{Name: "ignore_errors", Args: []string{"false"}},
	}}))
	if err != nil {
		t.Fatal(err)
	}
	h.Log = testutils.Logger(t, "webhook")
	return h
}

func submitMsg(t *testing.T, cl *smtp.Client, from string, rcpts []string, msg string) error {
	return submitMsgOpts(t, cl, from, rcpts, nil, msg)
}

func submitMsgOpts(t *testing.T, cl *smtp.Client, from string, rcpts []string, opts *smtp.MailOptions, msg string) error {
	t.Helper()

	// Error for this one is ignored because it fails if EHLO was already sent
	// and submitMsg can happen multiple times.
	_ = cl.Hello("mx.example.org")
	if err := cl.Mail(from, opts); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := cl.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	data, err := cl.Data()
	if err != nil {
		return err
	}
	if _, err := data.Write([]byte(msg)); err != nil {
		return err
	}

	return data.Close()
}

func TestSMTPDelivery(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "sender@example.org", []string{"rcpt1@example.com", "rcpt2@example.com"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	msgID := testutils.CheckMsgID(t, &msg, "sender@example.org", []string{"rcpt1@example.com", "rcpt2@example.com"}, "")

	receivedPrefix := `from mx.example.org (mx.example.org [127.0.0.1]) by mx.example.com (envelope-sender <sender@example.org>) with ESMTP id ` + msgID

	if !strings.HasPrefix(msg.Header.Get("Received"), receivedPrefix) {
		t.Error("Wrong Received contents:", msg.Header.Get("Received"))
	}

	if msg.MsgMeta.Conn.Proto != "ESMTP" {
		t.Error("Wrong SrcProto:", msg.MsgMeta.Conn.Proto)
	}

	rdnsName, _ := msg.MsgMeta.Conn.RDNSName.Get()
	if rdnsName, _ := rdnsName.(string); rdnsName != "mx.example.org" {
		t.Error("Wrong rDNS name:", rdnsName)
	}
}

func TestSMTPDelivery_rDNSError(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	defer endp.Close()

	endp.resolver.(*mockdns.Resolver).Zones["1.0.0.127.in-addr.arpa."] = mockdns.Zone{
		Err: &net.DNSError{
			Name:       "1.0.0.127.in-addr.arpa.",
			Server:     "127.0.0.1:53",
			Err:        "bad",
			IsNotFound: false,
		},
	}

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "sender@example.org", []string{"rcpt1@example.com"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	testutils.CheckMsgID(t, &msg, "sender@example.org", []string{"rcpt1@example.com"}, "")

	rdnsName, err := msg.MsgMeta.Conn.RDNSName.Get()
	if rdnsName != nil || err == nil {
		t.Errorf("Wrong rDNS result: %#+v (%v)", rdnsName, err)
	}
}

func TestSMTPDelivery_EarlyCheck_Fail(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	endp.earlyChecks = []module.EarlyCheck{&testutils.Check{
		EarlyErr: &exterrors.SMTPError{
			Code:    523,
			Message: "Hey",
		},
	}}
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = cl.Mail("sender@example.org", nil)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}

	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}

	if smtpErr.Code != 523 {
		t.Fatal("Wrong SMTP code:", smtpErr.Code)
	}
	if !strings.HasPrefix(smtpErr.Message, "Hey") {
		t.Fatal("Wrong SMTP message:", smtpErr.Message)
	}
}

func TestSMTPDelivery_CheckError(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, []module.Check{
		&testutils.Check{
			ConnRes: module.CheckResult{
				Reason: &exterrors.SMTPError{
					Code:    523,
					Message: "Hey",
				},
				Reject: true,
			},
		},
	}, nil)
	endp.deferServerReject = false
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = cl.Mail("sender@example.org", nil)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}

	if smtpErr.Code != 523 {
		t.Fatal("Wrong SMTP code:", smtpErr.Code)
	}
	if !strings.HasPrefix(smtpErr.Message, "Hey") {
		t.Fatal("Wrong SMTP message:", smtpErr.Message)
	}
}

func TestSMTPDelivery_CheckError_Deferred(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, []module.Check{
		&testutils.Check{
			ConnRes: module.CheckResult{
				Reason: &exterrors.SMTPError{
					Code:    523,
					Message: "Hey",
				},
				Reject: true,
			},
		},
	}, nil)
	endp.deferServerReject = true
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = cl.Mail("sender@example.org", nil)
	if err != nil {
		t.Fatal(err)
	}

	checkErr := func(err error) {
		if err == nil {
			t.Fatal("Expected an error, got none")
		}
		smtpErr, ok := err.(*smtp.SMTPError)
		if !ok {
			t.Error("Non-SMTPError returned")
			return
		}

		if smtpErr.Code != 523 {
			t.Error("Wrong SMTP code:", smtpErr.Code)
		}
		if !strings.HasPrefix(smtpErr.Message, "Hey") {
			t.Error("Wrong SMTP message:", smtpErr.Message)
		}
	}

	checkErr(cl.Rcpt("test1@example.org", nil))
	checkErr(cl.Rcpt("test1@example.org", nil))
	checkErr(cl.Rcpt("test2@example.org", nil))
}

func TestSMTPDelivery_Discard(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, []module.Check{
		&testutils.Check{
			BodyRes: module.CheckResult{Discard: true},
		},
	}, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	// The message is accepted on the wire but never reaches the target.
	err = submitMsg(t, cl, "sender@example.org", []string{"rcpt@example.com"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 0 {
		t.Fatal("Expected no messages, got", len(tgt.Messages))
	}
}

func TestSMTPDelivery_Quarantine(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, []module.Check{
		&testutils.Check{
			BodyRes: module.CheckResult{Quarantine: true},
		},
	}, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "sender@example.org", []string{"rcpt@example.com"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	if !tgt.Messages[0].MsgMeta.Quarantine {
		t.Error("Message not marked as quarantined")
	}
}

func TestSMTPDelivery_AbortData(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("test@example.com", nil); err != nil {
		t.Fatal(err)
	}
	data, err := cl.Data()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := data.Write([]byte(testMsg)); err != nil {
		t.Fatal(err)
	}

	// Then.. Suddenly, close the connection without sending the final dot.
	cl.Close()

	time.Sleep(250 * time.Millisecond)

	if len(tgt.Messages) != 0 {
		t.Fatal("Expected no messages, got", len(tgt.Messages))
	}
}

func TestSMTPDelivery_Reset(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("from-garbage@example.org", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("to-garbage@example.org", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Reset(); err != nil {
		t.Fatal(err)
	}

	// then submit the message as if nothing happened.

	err = submitMsg(t, cl, "sender@example.org", []string{"rcpt1@example.com"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	testutils.CheckMsgID(t, &msg, "sender@example.org", []string{"rcpt1@example.com"}, "")
}

func TestSMTPDelivery_SubmissionAuthRequire(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "submission", true, &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Mail("from-garbage@example.org", nil); err == nil {
		t.Fatal("Expected an error, got none")
	}
}

func TestSMTPDelivery_SubmissionAuthOK(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "submission", true, &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Auth(sasl.NewPlainClient("", "user", "password")); err != nil {
		t.Fatal(err)
	}

	if err := submitMsg(t, cl, "sender@example.org", []string{"rcpt@example.org"}, testMsg); err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	msgID := testutils.CheckMsgID(t, &msg, "sender@example.org", []string{"rcpt@example.org"}, "")

	if msg.MsgMeta.Conn.AuthUser != "user" {
		t.Error("Wrong AuthUser:", msg.MsgMeta.Conn.AuthUser)
	}

	receivedPrefix := `by mx.example.com (envelope-sender <sender@example.org>) with ESMTP id ` + msgID
	if !strings.HasPrefix(msg.Header.Get("Received"), receivedPrefix) {
		t.Error("Wrong Received contents:", msg.Header.Get("Received"))
	}

	if msg.Header.Get("Message-ID") == "" {
		t.Error("No submissionPrepare run")
	}
}

func TestScenarioReject_Rcpt(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	endp.scenarios = testScenarios(t, map[string][]scenario.Entry{
		"*": {
			{Verb: "RCPT", Value: "^unknown@", Response: "501 Heart not found"},
		},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}

	err = cl.Rcpt("unknown@example.com", nil)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}
	if smtpErr.Code != 501 {
		t.Error("Wrong SMTP code:", smtpErr.Code)
	}
	if !strings.HasPrefix(smtpErr.Message, "Heart not found") {
		t.Error("Wrong SMTP message:", smtpErr.Message)
	}

	// Recipients not matched by the value pattern are unaffected.
	if err := cl.Rcpt("known@example.com", nil); err != nil {
		t.Fatal(err)
	}
}

func TestScenarioAccept_Override(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	endp.scenarios = testScenarios(t, map[string][]scenario.Entry{
		"*": {
			{Verb: "RCPT", Response: "250 Anything goes"},
		},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := submitMsg(t, cl, "sender@example.org", []string{"rcpt@example.com"}, testMsg); err != nil {
		t.Fatal(err)
	}
	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
}

func TestWebhookOverride_WinsOverScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"smtpResponse": "452 4.5.3 Busy now"}`))
	}))
	defer srv.Close()

	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	endp.hook = testWebhook(t, srv.URL)
	endp.scenarios = testScenarios(t, map[string][]scenario.Entry{
		"*": {
			{Verb: "RCPT", Response: "501 Heart not found"},
		},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}

	err = cl.Rcpt("rcpt@example.com", nil)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}
	if smtpErr.Code != 452 {
		t.Error("Wrong SMTP code:", smtpErr.Code)
	}
	if !strings.HasPrefix(smtpErr.Message, "Busy now") {
		t.Error("Wrong SMTP message:", smtpErr.Message)
	}
}

func TestEnvelopeLimit(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, []config.Node{
		{Name: "envelope_limit", Args: []string{"1"}},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := submitMsg(t, cl, "sender@example.org", []string{"rcpt@example.com"}, testMsg); err != nil {
		t.Fatal(err)
	}

	err = cl.Mail("sender2@example.org", nil)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}
	if smtpErr.Code != 421 {
		t.Error("Wrong SMTP code:", smtpErr.Code)
	}
}

func TestErrorLimit(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, []config.Node{
		{Name: "error_limit", Args: []string{"2"}},
	})
	endp.scenarios = testScenarios(t, map[string][]scenario.Entry{
		"*": {
			{Verb: "RCPT", Response: "501 Heart not found"},
		},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}

	err = cl.Rcpt("rcpt1@example.com", nil)
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok || smtpErr.Code != 501 {
		t.Fatal("Expected 501 for the first failure, got", err)
	}

	// The second failure trips the limit and turns into the final 421.
	err = cl.Rcpt("rcpt2@example.com", nil)
	smtpErr, ok = err.(*smtp.SMTPError)
	if !ok || smtpErr.Code != 421 {
		t.Fatal("Expected 421 after the error limit, got", err)
	}
}

func TestCommandLimit(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, []config.Node{
		{Name: "command_limit", Args: []string{"2"}},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("rcpt1@example.com", nil); err != nil {
		t.Fatal(err)
	}

	err = cl.Rcpt("rcpt2@example.com", nil)
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok || smtpErr.Code != 421 {
		t.Fatal("Expected 421 after the command limit, got", err)
	}
}

func TestRoutingLoopDetected(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, []config.Node{
		{Name: "max_received", Args: []string{"3"}},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	loopedMsg := strings.Repeat("Received: from a.example (a.example [198.51.100.1]) by b.example\r\n", 4) + testMsg

	err = submitMsg(t, cl, "sender@example.org", []string{"rcpt@example.com"}, loopedMsg)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}
	if smtpErr.Code != 554 {
		t.Error("Wrong SMTP code:", smtpErr.Code)
	}
	if !strings.Contains(smtpErr.Message, "forwarding loop") {
		t.Error("Wrong SMTP message:", smtpErr.Message)
	}
}

func TestSMTPUTF8_SenderRejected(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	endp.deferServerReject = false
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	err = cl.Mail("ünicode@example.org", nil)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}
	if smtpErr.Code != 550 {
		t.Error("Wrong SMTP code:", smtpErr.Code)
	}
}

func TestXCLIENTPreamble(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, []config.Node{
		{Name: "xclient_trusted", Args: []string{"127.0.0.0/8"}},
	})
	defer endp.Close()

	conn, err := net.Dial("tcp", "127.0.0.1:"+testPort)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("XCLIENT NAME=spoof.example ADDR=203.0.113.5 HELO=spoofed.example\r\n")); err != nil {
		t.Fatal(err)
	}

	cl := smtp.NewClient(conn)
	defer cl.Close()

	if err := submitMsg(t, cl, "sender@example.org", []string{"rcpt@example.com"}, testMsg); err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]

	if msg.MsgMeta.Conn.Hostname != "spoofed.example" {
		t.Error("HELO override not applied:", msg.MsgMeta.Conn.Hostname)
	}
	tcpAddr, ok := msg.MsgMeta.Conn.RemoteAddr.(*net.TCPAddr)
	if !ok || tcpAddr.IP.String() != "203.0.113.5" {
		t.Error("ADDR override not applied:", msg.MsgMeta.Conn.RemoteAddr)
	}
	rdnsName, _ := msg.MsgMeta.Conn.RDNSName.Get()
	if rdnsName, _ := rdnsName.(string); rdnsName != "spoof.example" {
		t.Error("NAME override not applied:", rdnsName)
	}
}

func TestLMTP_PerRecipientStatus(t *testing.T) {
	tgt := testutils.Target{
		PartialBodyErr: map[string]error{
			"ok@example.com": nil,
			"fail@example.com": &exterrors.SMTPError{
				Code:    550,
				Message: "Whatever",
			},
		},
	}
	endp := testEndpoint(t, "lmtp", false, &tgt, nil, nil)
	defer endp.Close()

	conn, err := net.Dial("tcp", "127.0.0.1:"+testPort)
	if err != nil {
		t.Fatal(err)
	}
	cl := smtp.NewClientLMTP(conn)
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("ok@example.com", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("fail@example.com", nil); err != nil {
		t.Fatal(err)
	}

	statuses := map[string]*smtp.SMTPError{}
	w, err := cl.LMTPData(func(rcpt string, status *smtp.SMTPError) {
		statuses[rcpt] = status
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(testMsg)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if status := statuses["ok@example.com"]; status != nil {
		t.Error("Unexpected failure for ok rcpt:", status)
	}
	status := statuses["fail@example.com"]
	if status == nil {
		t.Fatal("Expected a failure for the second rcpt")
	}
	if status.Code != 550 {
		t.Error("Wrong SMTP code:", status.Code)
	}
}

const chaosMsg = "From: <sender@example.org>\r\n" +
	"Subject: Hello there!\r\n" +
	"X-Robin-Chaos: LocalStorageClient; processor=AVStorageProcessor; return=false\r\n" +
	"\r\n" +
	"foobar\r\n"

func TestChaosHeaders_ForcedReject(t *testing.T) {
	tgt := testutils.Target{}
	realCheck := &testutils.Check{
		ChaosName: "AVStorageProcessor",
		ChaosReject: module.CheckResult{
			Reject: true,
			Reason: &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "virus rejected",
			},
		},
	}
	endp := testEndpoint(t, "smtp", false, &tgt, []module.Check{realCheck}, []config.Node{
		{Name: "chaos_headers"},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "sender@example.org", []string{"rcpt@example.com"}, chaosMsg)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}
	if smtpErr.Code != 554 {
		t.Error("Wrong SMTP code:", smtpErr.Code)
	}
	if !strings.HasPrefix(smtpErr.Message, "virus rejected") {
		t.Error("Wrong SMTP message:", smtpErr.Message)
	}

	if realCheck.BodyCalls != 0 {
		t.Error("Real processor body ran despite the forced result")
	}
	if len(tgt.Messages) != 0 {
		t.Fatal("Expected no messages, got", len(tgt.Messages))
	}
}

func TestChaosHeaders_ForcedPass(t *testing.T) {
	tgt := testutils.Target{}
	realCheck := &testutils.Check{
		// The real verdict would reject; the header forces acceptance.
		BodyRes: module.CheckResult{
			Reject: true,
			Reason: &exterrors.SMTPError{Code: 554, Message: "virus rejected"},
		},
		ChaosName: "AVStorageProcessor",
		ChaosReject: module.CheckResult{
			Reject: true,
			Reason: &exterrors.SMTPError{Code: 554, Message: "virus rejected"},
		},
	}
	endp := testEndpoint(t, "smtp", false, &tgt, []module.Check{realCheck}, []config.Node{
		{Name: "chaos_headers"},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	passMsg := strings.Replace(chaosMsg, "return=false", "return=true", 1)
	if err := submitMsg(t, cl, "sender@example.org", []string{"rcpt@example.com"}, passMsg); err != nil {
		t.Fatal(err)
	}

	if realCheck.BodyCalls != 0 {
		t.Error("Real processor body ran despite the forced result")
	}
	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
}

func TestChaosHeaders_DisabledHeaderIgnored(t *testing.T) {
	tgt := testutils.Target{}
	realCheck := &testutils.Check{
		ChaosName: "AVStorageProcessor",
		ChaosReject: module.CheckResult{
			Reject: true,
			Reason: &exterrors.SMTPError{Code: 554, Message: "virus rejected"},
		},
	}
	endp := testEndpoint(t, "smtp", false, &tgt, []module.Check{realCheck}, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	// Without chaos_headers the directive is inert and the real processor
	// runs.
	if err := submitMsg(t, cl, "sender@example.org", []string{"rcpt@example.com"}, chaosMsg); err != nil {
		t.Fatal(err)
	}

	if realCheck.BodyCalls != 1 {
		t.Error("Real processor body did not run:", realCheck.BodyCalls)
	}
	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
}

func TestScenarioSTARTTLS_ProtocolRestricted(t *testing.T) {
	serverCfg, clientCfg := testutils.ServerTLSConfigs(t)

	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	endp.scenarios = testScenarios(t, map[string][]scenario.Entry{
		"legacy.example.org": {
			{Verb: "STARTTLS", Protocols: []string{"TLSv1.2"}},
		},
	})
	// The listener is plain, the handshake parameters come from the
	// per-session hook exactly as in the configured-TLS case.
	endp.serv.TLSConfig = endp.restrictedTLSConfig(serverCfg)
	defer endp.Close()

	conn, err := net.Dial("tcp", "127.0.0.1:"+testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	text := nettextproto.NewConn(conn)
	if _, _, err := text.ReadResponse(220); err != nil {
		t.Fatal(err)
	}
	if err := text.PrintfLine("EHLO legacy.example.org"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := text.ReadResponse(250); err != nil {
		t.Fatal(err)
	}
	if err := text.PrintfLine("STARTTLS"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := text.ReadResponse(220); err != nil {
		t.Fatal(err)
	}

	tlsConn := tls.Client(conn, clientCfg)
	if err := tlsConn.Handshake(); err != nil {
		t.Fatal(err)
	}
	defer tlsConn.Close()

	// The client offers up to TLS 1.3, the scenario entry caps the server
	// at 1.2.
	if ver := tlsConn.ConnectionState().Version; ver != tls.VersionTLS12 {
		t.Errorf("negotiated TLS version 0x%04x, want TLS 1.2", ver)
	}
}

func TestScenarioSTARTTLS_UnrestrictedEHLO(t *testing.T) {
	serverCfg, clientCfg := testutils.ServerTLSConfigs(t)

	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, nil)
	endp.scenarios = testScenarios(t, map[string][]scenario.Entry{
		"legacy.example.org": {
			{Verb: "STARTTLS", Protocols: []string{"TLSv1.2"}},
		},
	})
	endp.serv.TLSConfig = endp.restrictedTLSConfig(serverCfg)
	defer endp.Close()

	conn, err := net.Dial("tcp", "127.0.0.1:"+testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	text := nettextproto.NewConn(conn)
	if _, _, err := text.ReadResponse(220); err != nil {
		t.Fatal(err)
	}
	if err := text.PrintfLine("EHLO mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := text.ReadResponse(250); err != nil {
		t.Fatal(err)
	}
	if err := text.PrintfLine("STARTTLS"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := text.ReadResponse(220); err != nil {
		t.Fatal(err)
	}

	tlsConn := tls.Client(conn, clientCfg)
	if err := tlsConn.Handshake(); err != nil {
		t.Fatal(err)
	}
	defer tlsConn.Close()

	if ver := tlsConn.ConnectionState().Version; ver != tls.VersionTLS13 {
		t.Errorf("negotiated TLS version 0x%04x, want TLS 1.3", ver)
	}
}

func TestConnectionLimitNotOvershot(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", false, &tgt, nil, []config.Node{
		{Name: "max_connections", Args: []string{"3"}},
	})
	defer endp.Close()

	const attempts = 8
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		clients  [attempts]*smtp.Client
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			cl, err := smtp.Dial("127.0.0.1:" + testPort)
			if err != nil {
				return
			}
			clients[i] = cl
			if err := cl.Hello("mx.example.org"); err == nil {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	for _, cl := range clients {
		if cl != nil {
			cl.Close()
		}
	}

	if got := accepted.Load(); got > 3 {
		t.Errorf("%d connections admitted with max_connections 3", got)
	}
	if accepted.Load() == 0 {
		t.Error("No connection admitted at all")
	}
}

func TestMain(m *testing.M) {
	remoteSmtpPort := flag.String("test.smtpport", "random", "SMTP port to use for connections in tests")
	flag.Parse()

	if *remoteSmtpPort == "random" {
		rand.Seed(time.Now().UnixNano())
		*remoteSmtpPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	}

	testPort = *remoteSmtpPort
	os.Exit(m.Run())
}
