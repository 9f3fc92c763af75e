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

package auth

import (
	"net"
	"testing"

	"github.com/emersion/go-sasl"

	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/auth/digestmd5"
	"github.com/robin-mta/robin/internal/testutils"
)

type plainDB struct {
	users map[string]string
	calls int
}

func (db *plainDB) AuthPlain(username, password string) error {
	db.calls++
	if db.users[username] != password {
		return module.ErrUnknownCredentials
	}
	return nil
}

func (db *plainDB) LookupPassword(username string) (string, error) {
	pass, ok := db.users[username]
	if !ok {
		return "", module.ErrUnknownCredentials
	}
	return pass, nil
}

type plainOnly struct{ inner *plainDB }

func (p plainOnly) AuthPlain(username, password string) error {
	return p.inner.AuthPlain(username, password)
}

func TestSASLAuth_FirstProviderWins(t *testing.T) {
	first := &plainDB{users: map[string]string{"tester": "secret"}}
	second := &plainDB{users: map[string]string{"tester": "secret"}}
	a := SASLAuth{
		Log:   testutils.Logger(t, "sasl"),
		Plain: []module.PlainAuth{plainOnly{first}, plainOnly{second}},
	}

	if err := a.AuthPlain("tester", "secret"); err != nil {
		t.Fatal(err)
	}
	if first.calls != 1 || second.calls != 0 {
		t.Fatalf("first provider must win: %d/%d", first.calls, second.calls)
	}

	if err := a.AuthPlain("tester", "wrong"); err == nil {
		t.Fatal("expected failure")
	}
	if second.calls == 0 {
		t.Fatal("second provider not consulted after first failed")
	}
}

func TestSASLAuth_Mechanisms(t *testing.T) {
	db := &plainDB{users: map[string]string{}}

	a := SASLAuth{Plain: []module.PlainAuth{plainOnly{db}}}
	mechs := a.SASLMechanisms()
	if len(mechs) != 2 || mechs[0] != sasl.Plain || mechs[1] != sasl.Login {
		t.Fatalf("unexpected mechanisms: %v", mechs)
	}

	a = SASLAuth{Plain: []module.PlainAuth{db}}
	found := false
	for _, m := range a.SASLMechanisms() {
		if m == digestmd5.MechName {
			found = true
		}
	}
	if !found {
		t.Fatal("DIGEST-MD5 not advertised despite password db provider")
	}
}

func TestSASLAuth_CreateSASLPlain(t *testing.T) {
	db := &plainDB{users: map[string]string{"tester": "secret"}}
	a := SASLAuth{
		Log:   testutils.Logger(t, "sasl"),
		Plain: []module.PlainAuth{plainOnly{db}},
	}

	var authed string
	srv := a.CreateSASL(sasl.Plain, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}, func(username string) error {
		authed = username
		return nil
	})

	_, done, err := srv.Next([]byte("\x00tester\x00secret"))
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected completion")
	}
	if authed != "tester" {
		t.Fatalf("success callback got %q", authed)
	}
}
