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

package bots

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	msgtextproto "github.com/emersion/go-message/textproto"

	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/testutils"
)

func TestParseSieveAddress(t *testing.T) {
	check := func(addr string, want *SieveAddress) {
		t.Helper()
		got, ok := ParseSieveAddress(addr)
		if want == nil {
			if ok {
				t.Errorf("%s: expected parse failure, got %+v", addr, got)
			}
			return
		}
		if !ok {
			t.Errorf("%s: unexpected parse failure", addr)
			return
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: want %+v, got %+v", addr, want, got)
		}
	}

	check("robot@bot.example", &SieveAddress{Base: "robot"})
	check("robot+tok123@bot.example", &SieveAddress{Base: "robot", Token: "tok123"})
	check("robot+alice+example.org@bot.example",
		&SieveAddress{Base: "robot", ReplyAddr: "alice@example.org"})
	check("robot+tok123+alice+example.org@bot.example",
		&SieveAddress{Base: "robot", Token: "tok123", ReplyAddr: "alice@example.org"})
	check("no-domain", nil)
	check("a+b+c+d+e@bot.example", nil)
}

func TestDefinitionGate(t *testing.T) {
	mustCIDR := func(s string) *net.IPNet {
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			t.Fatal(err)
		}
		return ipNet
	}

	open := Definition{}
	if !open.allows(nil, "") {
		t.Error("unrestricted definition should allow everything")
	}

	gated := Definition{
		AllowedIPs:    []*net.IPNet{mustCIDR("192.0.2.0/24")},
		AllowedTokens: []string{"secret"},
	}
	if !gated.allows(net.ParseIP("192.0.2.7"), "") {
		t.Error("allowed IP rejected")
	}
	if !gated.allows(net.ParseIP("198.51.100.1"), "secret") {
		t.Error("allowed token rejected")
	}
	if gated.allows(net.ParseIP("198.51.100.1"), "wrong") {
		t.Error("unknown peer with wrong token allowed")
	}
	if gated.allows(nil, "") {
		t.Error("unknown peer without token allowed")
	}
}

func testBots(t *testing.T, defs ...*Definition) *Bots {
	b := &Bots{
		name:     "bots",
		hostname: "robin.test",
		defs:     defs,
		Log:      testutils.Logger(t, "bots"),
	}
	b.start(16)
	return b
}

func testMeta(ip string) *module.MsgMetadata {
	meta := &module.MsgMetadata{ID: "msg-1", SessionID: "sess-1"}
	if ip != "" {
		meta.Conn = &module.ConnState{
			Hostname:   "client.example",
			RemoteAddr: &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345},
		}
	}
	return meta
}

func TestDispatch_SessionReport(t *testing.T) {
	dir := t.TempDir()
	b := testBots(t, &Definition{
		AddressPattern: "report*@bot.example",
		Bot:            "session",
	})
	b.reportDir = dir

	hdr := msgtextproto.Header{}
	hdr.Set("Subject", "probe run 1")

	scheduled := b.Dispatch(testMeta("192.0.2.7"), "sender@example.org",
		[]string{"someone@example.org", "report@bot.example"}, hdr)
	if scheduled != 1 {
		t.Fatalf("want 1 scheduled task, got %d", scheduled)
	}

	// Close drains the executor queue.
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	blob, err := os.ReadFile(filepath.Join(dir, "sess-1.msg-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	var report SessionReport
	if err := json.Unmarshal(blob, &report); err != nil {
		t.Fatal(err)
	}
	if report.MailFrom != "sender@example.org" {
		t.Errorf("wrong mailFrom: %v", report.MailFrom)
	}
	if report.RemoteIP != "192.0.2.7" {
		t.Errorf("wrong remoteIp: %v", report.RemoteIP)
	}
	if report.EHLO != "client.example" {
		t.Errorf("wrong ehlo: %v", report.EHLO)
	}
	if report.Subject != "probe run 1" {
		t.Errorf("wrong subject: %v", report.Subject)
	}
	if !reflect.DeepEqual(report.RcptTo, []string{"someone@example.org", "report@bot.example"}) {
		t.Errorf("wrong rcptTo: %v", report.RcptTo)
	}
}

func TestDispatch_TokenGate(t *testing.T) {
	dir := t.TempDir()
	b := testBots(t, &Definition{
		AddressPattern: "report*@bot.example",
		Bot:            "session",
		AllowedTokens:  []string{"secret"},
	})
	b.reportDir = dir
	defer b.Close()

	if n := b.Dispatch(testMeta(""), "sender@example.org",
		[]string{"report+wrong@bot.example"}, msgtextproto.Header{}); n != 0 {
		t.Errorf("wrong token scheduled %d tasks", n)
	}
	if n := b.Dispatch(testMeta(""), "sender@example.org",
		[]string{"report+secret@bot.example"}, msgtextproto.Header{}); n != 1 {
		t.Errorf("valid token scheduled %d tasks", n)
	}
}

func TestDispatch_IPGate(t *testing.T) {
	_, allowed, err := net.ParseCIDR("192.0.2.0/24")
	if err != nil {
		t.Fatal(err)
	}
	b := testBots(t, &Definition{
		AddressPattern: "report@bot.example",
		Bot:            "session",
		AllowedIPs:     []*net.IPNet{allowed},
	})
	b.reportDir = t.TempDir()
	defer b.Close()

	if n := b.Dispatch(testMeta("198.51.100.1"), "sender@example.org",
		[]string{"report@bot.example"}, msgtextproto.Header{}); n != 0 {
		t.Errorf("foreign IP scheduled %d tasks", n)
	}
	if n := b.Dispatch(testMeta("192.0.2.7"), "sender@example.org",
		[]string{"report@bot.example"}, msgtextproto.Header{}); n != 1 {
		t.Errorf("allowed IP scheduled %d tasks", n)
	}
}

func dispatchEmail(t *testing.T, rcpt string, hdr msgtextproto.Header) *testutils.Target {
	t.Helper()

	tgt := testutils.Target{}
	b := testBots(t, &Definition{
		AddressPattern: "robot*@bot.example",
		Bot:            "email",
	})
	b.reply = &tgt

	if n := b.Dispatch(testMeta("192.0.2.7"), "sender@example.org",
		[]string{rcpt}, hdr); n != 1 {
		t.Fatalf("want 1 scheduled task, got %d", n)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	return &tgt
}

func TestEmailReply_SieveAddress(t *testing.T) {
	tgt := dispatchEmail(t, "robot+alice+example.org@bot.example", msgtextproto.Header{})

	if len(tgt.Messages) != 1 {
		t.Fatalf("want 1 reply, got %d", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	if !reflect.DeepEqual(msg.RcptTo, []string{"alice@example.org"}) {
		t.Errorf("wrong reply recipient: %v", msg.RcptTo)
	}
	if msg.MailFrom != "robot+alice+example.org@bot.example" {
		t.Errorf("wrong reply sender: %v", msg.MailFrom)
	}
	if !strings.Contains(string(msg.Body), "automated reply from robin.test") {
		t.Errorf("unexpected reply body: %q", msg.Body)
	}
}

func TestEmailReply_HeaderFallback(t *testing.T) {
	hdr := msgtextproto.Header{}
	hdr.Set("From", "Bob <bob@example.org>")
	hdr.Set("Reply-To", "Replies <replies@example.org>")
	hdr.Set("Subject", "ping")
	hdr.Set("Message-ID", "<orig@example.org>")

	tgt := dispatchEmail(t, "robot@bot.example", hdr)

	if len(tgt.Messages) != 1 {
		t.Fatalf("want 1 reply, got %d", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	if !reflect.DeepEqual(msg.RcptTo, []string{"replies@example.org"}) {
		t.Errorf("Reply-To should win: %v", msg.RcptTo)
	}
	if got := msg.Header.Get("Subject"); got != "Re: ping" {
		t.Errorf("wrong reply subject: %v", got)
	}
	if got := msg.Header.Get("In-Reply-To"); got != "<orig@example.org>" {
		t.Errorf("wrong In-Reply-To: %v", got)
	}
}

func TestEmailReply_FromFallback(t *testing.T) {
	hdr := msgtextproto.Header{}
	hdr.Set("From", "Bob <bob@example.org>")

	tgt := dispatchEmail(t, "robot@bot.example", hdr)
	if len(tgt.Messages) != 1 {
		t.Fatalf("want 1 reply, got %d", len(tgt.Messages))
	}
	if !reflect.DeepEqual(tgt.Messages[0].RcptTo, []string{"bob@example.org"}) {
		t.Errorf("From should win without Reply-To: %v", tgt.Messages[0].RcptTo)
	}
}

func TestEmailReply_ReturnPathFallback(t *testing.T) {
	tgt := dispatchEmail(t, "robot@bot.example", msgtextproto.Header{})
	if len(tgt.Messages) != 1 {
		t.Fatalf("want 1 reply, got %d", len(tgt.Messages))
	}
	if !reflect.DeepEqual(tgt.Messages[0].RcptTo, []string{"sender@example.org"}) {
		t.Errorf("return path should be the last resort: %v", tgt.Messages[0].RcptTo)
	}
}

func TestDispatch_FirstMatchWins(t *testing.T) {
	dir := t.TempDir()
	b := testBots(t,
		&Definition{AddressPattern: "robot*@bot.example", Bot: "session"},
		&Definition{AddressPattern: "robot*@bot.example", Bot: "email"},
	)
	b.reportDir = dir

	if n := b.Dispatch(testMeta(""), "sender@example.org",
		[]string{"robot@bot.example"}, msgtextproto.Header{}); n != 1 {
		t.Fatalf("want 1 scheduled task, got %d", n)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	// The session bot ran, not the email bot.
	if _, err := os.Stat(filepath.Join(dir, "sess-1.msg-1.json")); err != nil {
		t.Errorf("session report missing: %v", err)
	}
}
