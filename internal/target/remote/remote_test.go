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

package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"math/rand"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/go-mtasts"

	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/testutils"
)

// The .invalid TLD is used here to make sure that if there is something
// wrong about DNS hooks and lookups go to the real Internet, they will not
// result in any useful data that can lead to outgoing connections being
// made.

func testTarget(t *testing.T, zones map[string]mockdns.Zone,
	mtastsGet func(context.Context, string) (*mtasts.Policy, error)) *Target {
	resolver := &mockdns.Resolver{Zones: zones}

	tgt := Target{
		name:        "remote",
		hostname:    "mx.example.com",
		minTLSLevel: TLSNone,
		resolver:    resolver,
		dialer:      resolver.DialContext,
		mtastsGet:   mtastsGet,
		Log:         testutils.Logger(t, "remote"),
	}
	if tgt.mtastsGet == nil {
		tgt.mtastsGet = func(context.Context, string) (*mtasts.Policy, error) {
			return nil, mtasts.ErrNoPolicy
		}
	}

	return &tgt
}

func TestRemoteDelivery(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
		},
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, nil)
	testutils.DoTestDelivery(t, tgt, "test@example.com", []string{"test@example.invalid"})

	be.CheckMsg(t, 0, "test@example.com", []string{"test@example.invalid"})
}

func TestRemoteDelivery_Fallback_A(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, nil)
	testutils.DoTestDelivery(t, tgt, "test@example.com", []string{"test@example.invalid"})

	be.CheckMsg(t, 0, "test@example.com", []string{"test@example.invalid"})
}

func TestRemoteDelivery_NullMX(t *testing.T) {
	// Hang the test if it actually connects somewhere.
	tarpit := testutils.FailOnConn(t, "127.0.0.1:"+smtpPort)
	defer tarpit.Close()

	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: ".", Pref: 0}},
		},
	}

	tgt := testTarget(t, zones, nil)
	_, err := testutils.DoTestDeliveryErr(t, tgt, "test@example.com", []string{"test@example.invalid"})
	testutils.CheckSMTPErr(t, err, 556, exterrors.EnhancedCode{5, 1, 10},
		"Domain does not accept email (null MX)")
}

func TestRemoteDelivery_RouteGrouping(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	// a.invalid and b.invalid share the same MX set (in different record
	// order), c.invalid does not.
	zones := map[string]mockdns.Zone{
		"a.invalid.": {
			MX: []net.MX{{Host: "mx1.invalid.", Pref: 10}, {Host: "mx2.invalid.", Pref: 20}},
		},
		"b.invalid.": {
			MX: []net.MX{{Host: "mx2.invalid.", Pref: 20}, {Host: "mx1.invalid.", Pref: 10}},
		},
		"mx1.invalid.": {
			A: []string{"127.0.0.1"},
		},
		"mx2.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, nil)
	testutils.DoTestDelivery(t, tgt, "test@example.com",
		[]string{"rcpt1@a.invalid", "rcpt2@b.invalid"})

	if be.SessionCounter != 1 {
		t.Errorf("expected one connection for the shared route, got %d", be.SessionCounter)
	}
	be.CheckMsg(t, 0, "test@example.com", []string{"rcpt1@a.invalid", "rcpt2@b.invalid"})
}

func TestRouteHash_Canonical(t *testing.T) {
	a := []*net.MX{{Host: "mx1", Pref: 10}, {Host: "mx2", Pref: 20}}
	b := []*net.MX{{Host: "MX2.", Pref: 20}, {Host: "mx1", Pref: 10}}
	c := []*net.MX{{Host: "mx3", Pref: 10}}

	if CanonicalMX(a) != "10:mx1|20:mx2" {
		t.Errorf("wrong canonical form: %q", CanonicalMX(a))
	}
	if RouteHash(a) != RouteHash(b) {
		t.Errorf("same MX multiset should share the route hash")
	}
	if RouteHash(a) == RouteHash(c) {
		t.Errorf("different MX sets should not share the route hash")
	}

	sum := sha256.Sum256([]byte("10:mx1|20:mx2"))
	if RouteHash(a) != hex.EncodeToString(sum[:]) {
		t.Errorf("route hash is not SHA-256 of the canonical form")
	}
}

func TestRemoteDelivery_MTASTS_EnforceFilter(t *testing.T) {
	// Hang the test if it actually connects somewhere: the only MX is not
	// allowed by the policy.
	tarpit := testutils.FailOnConn(t, "127.0.0.1:"+smtpPort)
	defer tarpit.Close()

	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
		},
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, func(ctx context.Context, domain string) (*mtasts.Policy, error) {
		return &mtasts.Policy{
			Mode: mtasts.ModeEnforce,
			MX:   []string{"mx4.example.invalid"}, // not mx.example.invalid!
		}, nil
	})

	_, err := testutils.DoTestDeliveryErr(t, tgt, "test@example.com", []string{"test@example.invalid"})
	if err == nil {
		t.Fatal("expected an error, got none")
	}
}

func TestRemoteDelivery_MTASTS_NoTLS(t *testing.T) {
	// Plaintext server, but the policy requires authenticated TLS.
	_, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
		},
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, func(ctx context.Context, domain string) (*mtasts.Policy, error) {
		return &mtasts.Policy{
			Mode: mtasts.ModeEnforce,
			MX:   []string{"mx.example.invalid"},
		}, nil
	})

	_, err := testutils.DoTestDeliveryErr(t, tgt, "test@example.com", []string{"test@example.invalid"})
	if err == nil {
		t.Fatal("expected an error, got none")
	}
}

func TestRemoteDelivery_MTASTS_Testing_Fallback(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
		},
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	// Testing-mode policy matching no MX must not prevent the delivery.
	tgt := testTarget(t, zones, func(ctx context.Context, domain string) (*mtasts.Policy, error) {
		return &mtasts.Policy{
			Mode: mtasts.ModeTesting,
			MX:   []string{"mx4.example.invalid"},
		}, nil
	})
	testutils.DoTestDelivery(t, tgt, "test@example.com", []string{"test@example.invalid"})

	be.CheckMsg(t, 0, "test@example.com", []string{"test@example.invalid"})
}

func TestRemoteDelivery_Quarantined(t *testing.T) {
	tarpit := testutils.FailOnConn(t, "127.0.0.1:"+smtpPort)
	defer tarpit.Close()

	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
		},
	}

	tgt := testTarget(t, zones, nil)
	delivery, err := tgt.Start(context.Background(), &module.MsgMetadata{ID: "test...", Quarantine: true}, "test@example.com")
	if err != nil {
		t.Fatal(err)
	}

	err = delivery.AddRcpt(context.Background(), "test@example.invalid")
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 7, 0},
		"Refusing to deliver a quarantined message")

	if err := delivery.Abort(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestMain(m *testing.M) {
	remoteSmtpPort := flag.String("test.smtpport", "random", "(robin) SMTP port to use for connections in tests")
	flag.Parse()

	if *remoteSmtpPort == "random" {
		rand.Seed(time.Now().UnixNano())
		*remoteSmtpPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	}

	smtpPort = *remoteSmtpPort
	os.Exit(m.Run())
}
