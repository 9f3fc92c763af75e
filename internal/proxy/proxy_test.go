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

package proxy

import (
	"flag"
	"math/rand"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/smtpconn/pool"
	"github.com/robin-mta/robin/internal/testutils"
)

var smtpPort string

func testProxy(t *testing.T, rules []*Rule) *Proxy {
	p := &Proxy{
		name:           "proxy",
		hostname:       "robin.test",
		rules:          rules,
		upstreams:      map[string]*Upstream{},
		connectTimeout: 5 * time.Second,
		Log:            testutils.Logger(t, "proxy"),
	}
	for _, r := range rules {
		p.upstreams[r.Upstream.Key()] = r.Upstream
	}
	p.pool = pool.New(pool.Config{
		New:                 p.dial,
		MaxKeys:             4,
		MaxConnsPerKey:      2,
		MaxConnLifetimeSec:  60,
		StaleKeyLifetimeSec: 300,
	})
	return p
}

func localUpstream() *Upstream {
	return &Upstream{
		Hosts:    []string{"127.0.0.1"},
		Port:     smtpPort,
		Protocol: "smtp",
		TLS:      "off",
	}
}

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatal(err)
	}
	return ipNet
}

func TestUpstreamKey(t *testing.T) {
	a := &Upstream{Hosts: []string{"mx1.example.org", "mx2.example.org"}, Port: "25", Protocol: "smtp", TLS: "off"}
	b := &Upstream{Hosts: []string{"mx2.example.org", "mx1.example.org"}, Port: "25", Protocol: "smtp", TLS: "off"}
	c := &Upstream{Hosts: []string{"mx1.example.org", "mx2.example.org"}, Port: "2525", Protocol: "smtp", TLS: "off"}
	d := &Upstream{Hosts: []string{"mx1.example.org", "mx2.example.org"}, Port: "25", Protocol: "smtp", TLS: "off", AuthUser: "u"}

	if a.Key() != b.Key() {
		t.Error("host order should not affect the destination key")
	}
	if a.Key() == c.Key() {
		t.Error("different ports should produce different keys")
	}
	if a.Key() == d.Key() {
		t.Error("different auth identities should produce different keys")
	}
}

func TestRuleMatching(t *testing.T) {
	up := &Upstream{Hosts: []string{"u"}}
	rules := []*Rule{
		{Direction: dirOutbound, Rcpt: "*@relay.example.org", Upstream: up},
		{Direction: dirBoth, ipNet: mustCIDR(t, "192.0.2.0/24"), Upstream: up},
		{Direction: dirBoth, EHLO: "*.lab.example", Upstream: up},
	}
	p := &Proxy{rules: rules}

	conn := func(ip string, ehlo, authUser string) *module.ConnState {
		return &module.ConnState{
			Hostname:   ehlo,
			RemoteAddr: &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345},
			AuthUser:   authUser,
		}
	}

	check := func(name string, meta *module.MsgMetadata, mailFrom string, rcpts []string, want int) {
		t.Helper()
		got := -1
		if r := p.match(meta, mailFrom, rcpts); r != nil {
			for i, cand := range rules {
				if cand == r {
					got = i
				}
			}
		}
		if got != want {
			t.Errorf("%s: matched rule %d, want %d", name, got, want)
		}
	}

	check("outbound rcpt",
		&module.MsgMetadata{Conn: conn("198.51.100.1", "host.example", "user")},
		"a@example.org", []string{"b@relay.example.org"}, 0)
	check("inbound same rcpt skips outbound rule",
		&module.MsgMetadata{Conn: conn("198.51.100.1", "host.example", "")},
		"a@example.org", []string{"b@relay.example.org"}, -1)
	check("ip match",
		&module.MsgMetadata{Conn: conn("192.0.2.7", "host.example", "")},
		"a@example.org", []string{"b@example.org"}, 1)
	check("ehlo match",
		&module.MsgMetadata{Conn: conn("198.51.100.1", "mx3.lab.example", "")},
		"a@example.org", []string{"b@example.org"}, 2)
	check("first match wins",
		&module.MsgMetadata{Conn: conn("192.0.2.7", "mx3.lab.example", "user")},
		"a@example.org", []string{"b@relay.example.org"}, 0)
	check("no conn info",
		&module.MsgMetadata{}, "a@example.org", []string{"b@example.org"}, -1)
}

func TestProxyDelivery(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()

	p := testProxy(t, []*Rule{
		{Direction: dirBoth, Upstream: localUpstream()},
	})

	testutils.DoTestDelivery(t, p, "sender@example.org", []string{"rcpt@example.org"})
	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.org"})

	// The pooled connection is closed together with the proxy.
	p.Close()
	testutils.CheckSMTPConnLeak(t, srv)
}

func TestProxyDelivery_ConnReuse(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()

	p := testProxy(t, []*Rule{
		{Direction: dirBoth, Upstream: localUpstream()},
	})
	defer p.Close()

	testutils.DoTestDelivery(t, p, "sender@example.org", []string{"rcpt1@example.org"})
	testutils.DoTestDelivery(t, p, "sender@example.org", []string{"rcpt2@example.org"})

	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt1@example.org"})
	be.CheckMsg(t, 1, "sender@example.org", []string{"rcpt2@example.org"})
	if be.SessionCounter != 1 {
		t.Errorf("expected one pooled upstream session, got %d", be.SessionCounter)
	}
}

func TestProxyFallback(t *testing.T) {
	fallback := testutils.Target{}
	p := testProxy(t, []*Rule{
		{Direction: dirBoth, Rcpt: "*@other.example", Upstream: localUpstream()},
	})
	defer p.Close()
	p.fallback = &fallback

	testutils.DoTestDelivery(t, p, "sender@example.org", []string{"rcpt@example.org"})
	testutils.CheckTestMessage(t, &fallback, 0, "sender@example.org", []string{"rcpt@example.org"})
}

func TestProxyNoRuleNoFallback(t *testing.T) {
	p := testProxy(t, []*Rule{
		{Direction: dirBoth, Rcpt: "*@other.example", Upstream: localUpstream()},
	})
	defer p.Close()

	_, err := testutils.DoTestDeliveryErr(t, p, "sender@example.org", []string{"rcpt@example.org"})
	testutils.CheckSMTPErr(t, err, 554, exterrors.EnhancedCode{5, 7, 1}, "No matching proxy rule")
}

func TestProxyUnreachable(t *testing.T) {
	p := testProxy(t, []*Rule{
		{Direction: dirBoth, Upstream: &Upstream{
			Hosts:    []string{"127.0.0.1"},
			Port:     "19", // nothing listens here
			Protocol: "smtp",
			TLS:      "off",
		}},
	})
	defer p.Close()
	p.connectTimeout = 500 * time.Millisecond

	_, err := testutils.DoTestDeliveryErr(t, p, "sender@example.org", []string{"rcpt@example.org"})
	testutils.CheckSMTPErr(t, err, 451, exterrors.EnhancedCode{4, 4, 1}, "Upstream server unreachable")
}

func TestMain(m *testing.M) {
	proxySmtpPort := flag.String("test.smtpport", "random", "(robin) SMTP port to use for connections in tests")
	flag.Parse()

	if *proxySmtpPort == "random" {
		rand.Seed(time.Now().UnixNano())
		*proxySmtpPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	}

	smtpPort = *proxySmtpPort
	os.Exit(m.Run())
}
