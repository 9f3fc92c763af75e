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

// Package static implements the auth.static module: a fixed user list read
// from a JSON file or from inline configuration entries.
package static

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/hooks"
	"github.com/robin-mta/robin/framework/hotswap"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
)

const modName = "auth.static"

// User is one record of the user list file.
type User struct {
	Name   string   `json:"name"`
	Secret string   `json:"secret"`
	Emails []string `json:"emails,omitempty"`

	// Type names the secret verification scheme: bcrypt (default when the
	// secret looks like a bcrypt hash), sha256 (hex digest) or plain.
	Type string `json:"type,omitempty"`
}

type userList struct {
	users map[string]User
}

type Auth struct {
	instName string
	path     string
	log      log.Logger

	list *hotswap.Value[userList]
}

func New(_, instName string, _, _ []string) (module.Module, error) {
	return &Auth{
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

func (a *Auth) Init(cfg *config.Map) error {
	inline := map[string]User{}

	cfg.Bool("debug", true, false, &a.log.Debug)
	cfg.String("file", false, false, "", &a.path)
	cfg.Callback("user", func(_ *config.Map, node config.Node) error {
		if len(node.Args) < 2 {
			return config.NodeErr(node, "expected <name> <secret> [type]")
		}
		u := User{Name: node.Args[0], Secret: node.Args[1]}
		if len(node.Args) > 2 {
			u.Type = node.Args[2]
		}
		inline[u.Name] = u
		return nil
	})
	if _, err := cfg.Process(); err != nil {
		return err
	}

	list := userList{users: inline}
	if a.path != "" {
		fromFile, err := loadFile(a.path)
		if err != nil {
			return fmt.Errorf("%s: %w", modName, err)
		}
		for name, u := range fromFile.users {
			list.users[name] = u
		}
	}
	a.list = hotswap.New(&list)

	hooks.AddHook(hooks.EventReload, a.reload)

	return nil
}

func loadFile(path string) (userList, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return userList{}, err
	}
	var users []User
	if err := json.Unmarshal(blob, &users); err != nil {
		return userList{}, err
	}
	list := userList{users: make(map[string]User, len(users))}
	for _, u := range users {
		if u.Name == "" {
			return userList{}, fmt.Errorf("user record without a name")
		}
		list.users[u.Name] = u
	}
	return list, nil
}

func (a *Auth) reload() {
	if a.path == "" {
		return
	}
	list, err := loadFile(a.path)
	if err != nil {
		a.log.Error("user list reload failed, keeping the old list", err)
		return
	}
	a.list.Swap(&list)
	a.log.Msg("user list reloaded", "path", a.path, "users", len(list.users))
}

func verifySecret(u User, password string) error {
	typ := u.Type
	if typ == "" {
		if strings.HasPrefix(u.Secret, "$2a$") || strings.HasPrefix(u.Secret, "$2b$") || strings.HasPrefix(u.Secret, "$2y$") {
			typ = "bcrypt"
		} else {
			typ = "plain"
		}
	}

	switch typ {
	case "bcrypt":
		if err := bcrypt.CompareHashAndPassword([]byte(u.Secret), []byte(password)); err != nil {
			return module.ErrUnknownCredentials
		}
		return nil
	case "sha256":
		digest := sha256.Sum256([]byte(password))
		stored, err := hex.DecodeString(u.Secret)
		if err != nil {
			return fmt.Errorf("%s: malformed sha256 secret for %s", modName, u.Name)
		}
		if subtle.ConstantTimeCompare(digest[:], stored) != 1 {
			return module.ErrUnknownCredentials
		}
		return nil
	case "plain":
		if subtle.ConstantTimeCompare([]byte(u.Secret), []byte(password)) != 1 {
			return module.ErrUnknownCredentials
		}
		return nil
	default:
		return fmt.Errorf("%s: unknown secret type: %s", modName, typ)
	}
}

func (a *Auth) AuthPlain(username, password string) error {
	u, ok := a.list.Load().users[username]
	if !ok {
		return module.ErrUnknownCredentials
	}
	return verifySecret(u, password)
}

// LookupPassword implements module.HashedPasswordDB for DIGEST-MD5. Only
// plaintext secrets are recoverable.
func (a *Auth) LookupPassword(username string) (string, error) {
	u, ok := a.list.Load().users[username]
	if !ok {
		return "", module.ErrUnknownCredentials
	}
	if u.Type != "" && u.Type != "plain" {
		return "", module.ErrUnknownCredentials
	}
	if u.Type == "" && strings.HasPrefix(u.Secret, "$2") {
		return "", module.ErrUnknownCredentials
	}
	return u.Secret, nil
}

// Emails returns the email set associated with the account, used by the
// session bot report.
func (a *Auth) Emails(username string) []string {
	return a.list.Load().users[username].Emails
}

func (a *Auth) Name() string {
	return modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func init() {
	module.Register(modName, New)
}
