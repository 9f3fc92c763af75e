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

package digestmd5

import (
	"errors"
	"strings"
	"testing"
)

func testOpts(t *testing.T, cache *Cache, authed *[]string) ServerOpts {
	t.Helper()
	return ServerOpts{
		Realm:     "robin.test",
		Cache:     cache,
		PeerIdent: "127.0.0.1:12345",
		LookupPass: func(username string) (string, error) {
			if username == "tester" {
				return "secret", nil
			}
			return "", errors.New("no such user")
		},
		Success: func(username string) error {
			*authed = append(*authed, username)
			return nil
		},
	}
}

// runExchange drives a client-server pair to completion, returning the
// error of the first failing step.
func runExchange(t *testing.T, srv *server, cl *client) error {
	t.Helper()

	_, resp, err := cl.Start()
	if err != nil {
		return err
	}

	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		resp, err = cl.Next(challenge)
		if err != nil {
			return err
		}
	}
}

func TestExchange(t *testing.T) {
	var authed []string
	cache := NewCache()

	srv := NewServer(testOpts(t, cache, &authed))
	cl := NewClient("tester", "secret", "robin.test", &ClientState{})

	if err := runExchange(t, srv, cl); err != nil {
		t.Fatal(err)
	}
	if len(authed) != 1 || authed[0] != "tester" {
		t.Fatalf("success callback: %v", authed)
	}
}

func TestExchange_WrongPassword(t *testing.T) {
	var authed []string

	srv := NewServer(testOpts(t, NewCache(), &authed))
	cl := NewClient("tester", "wrong", "robin.test", &ClientState{})

	if err := runExchange(t, srv, cl); err == nil {
		t.Fatal("expected failure")
	}
	if len(authed) != 0 {
		t.Fatalf("success callback ran: %v", authed)
	}
}

func TestSubsequentAuth(t *testing.T) {
	var authed []string
	cache := NewCache()
	state := &ClientState{}

	if err := runExchange(t, NewServer(testOpts(t, cache, &authed)), NewClient("tester", "secret", "robin.test", state)); err != nil {
		t.Fatal(err)
	}

	firstNonce := state.Nonce
	if firstNonce == "" || state.NC != 1 {
		t.Fatalf("client state after first auth: %+v", state)
	}

	// Second AUTH in the same session: the client must send the complete
	// response as the initial message and the server must accept without
	// generating a challenge.
	srv := NewServer(testOpts(t, cache, &authed))
	cl := NewClient("tester", "secret", "robin.test", state)

	_, ir, err := cl.Start()
	if err != nil {
		t.Fatal(err)
	}
	if len(ir) == 0 {
		t.Fatal("no initial response on subsequent auth")
	}
	if !strings.Contains(string(ir), "nc=00000002") {
		t.Fatalf("nonce count did not advance: %s", ir)
	}
	if !strings.Contains(string(ir), `nonce="`+firstNonce+`"`) {
		t.Fatalf("nonce not preserved: %s", ir)
	}

	if err := runExchange(t, srv, cl); err != nil {
		t.Fatal(err)
	}
	if srv.nonce != "" {
		t.Fatal("server generated a challenge for subsequent auth")
	}
	if len(authed) != 2 {
		t.Fatalf("expected two successful auths, got %d", len(authed))
	}
	if state.Nonce != firstNonce {
		t.Fatal("nonce changed across subsequent auth")
	}
}

func TestSubsequentAuth_ReplayedNC(t *testing.T) {
	var authed []string
	cache := NewCache()
	state := &ClientState{}

	if err := runExchange(t, NewServer(testOpts(t, cache, &authed)), NewClient("tester", "secret", "robin.test", state)); err != nil {
		t.Fatal(err)
	}

	// Replaying nc=00000001 with the cached nonce must be rejected.
	state.NC = 0
	srv := NewServer(testOpts(t, cache, &authed))
	cl := NewClient("tester", "secret", "robin.test", state)
	if err := runExchange(t, srv, cl); err == nil {
		t.Fatal("expected replay rejection")
	}
}

func TestParseDirectives(t *testing.T) {
	dir, err := parseDirectives([]byte(`username="tester",realm="a,b",nc=00000001,qop=auth`))
	if err != nil {
		t.Fatal(err)
	}
	if dir["username"] != "tester" {
		t.Errorf("username: %q", dir["username"])
	}
	if dir["realm"] != "a,b" {
		t.Errorf("quoted comma: %q", dir["realm"])
	}
	if dir["nc"] != "00000001" || dir["qop"] != "auth" {
		t.Errorf("plain values: %v", dir)
	}
}
