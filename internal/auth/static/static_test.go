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

package static

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/robin-mta/robin/framework/hotswap"
	"github.com/robin-mta/robin/framework/module"
)

func testAuth(t *testing.T, users ...User) *Auth {
	t.Helper()
	list := userList{users: map[string]User{}}
	for _, u := range users {
		list.users[u.Name] = u
	}
	return &Auth{list: hotswap.New(&list)}
}

func TestAuthPlain_Bcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	a := testAuth(t, User{Name: "tester", Secret: string(hash)})

	if err := a.AuthPlain("tester", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := a.AuthPlain("tester", "wrong"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if err := a.AuthPlain("nobody", "secret"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestAuthPlain_SHA256(t *testing.T) {
	digest := sha256.Sum256([]byte("secret"))
	a := testAuth(t, User{Name: "tester", Secret: hex.EncodeToString(digest[:]), Type: "sha256"})

	if err := a.AuthPlain("tester", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := a.AuthPlain("tester", "wrong"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
}

func TestLookupPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	a := testAuth(t,
		User{Name: "plain", Secret: "secret", Type: "plain"},
		User{Name: "hashed", Secret: string(hash)},
	)

	pass, err := a.LookupPassword("plain")
	if err != nil || pass != "secret" {
		t.Fatalf("plain secret: %q %v", pass, err)
	}
	if _, err := a.LookupPassword("hashed"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Fatalf("bcrypt secret must not be recoverable: %v", err)
	}
}
