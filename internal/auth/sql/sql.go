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

// Package sql implements the auth.sql module: credentials verification
// against a relational database in the Dovecot passdb/userdb style.
//
// The password query returns the stored verifier for an account, by default
// a SHA-512-crypt string ($6$...). The user query reports account existence
// together with the usual (home, uid, gid, maildir) tuple.
package sql

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
)

const modName = "auth.sql"

type Auth struct {
	instName string
	log      log.Logger

	driver string
	dsn    string

	passQuery string
	userQuery string

	db *sql.DB
}

// UserInfo is the userdb tuple returned by the user existence query.
type UserInfo struct {
	Home    string
	UID     int
	GID     int
	Maildir string
}

func New(_, instName string, _, _ []string) (module.Module, error) {
	return &Auth{
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

func (a *Auth) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &a.log.Debug)
	cfg.String("driver", false, true, "", &a.driver)
	cfg.String("dsn", false, true, "", &a.dsn)
	cfg.String("pass_query", false, false,
		"SELECT password FROM users WHERE username = $1", &a.passQuery)
	cfg.String("user_query", false, false,
		"SELECT home, uid, gid, maildir FROM users WHERE username = $1", &a.userQuery)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	switch a.driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("%s: unsupported driver: %s", modName, a.driver)
	}

	db, err := sql.Open(a.driver, a.dsn)
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	a.db = db

	return nil
}

func (a *Auth) storedHash(username string) (string, error) {
	var hash string
	err := a.db.QueryRow(a.passQuery, username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", module.ErrUnknownCredentials
		}
		return "", exterrors.WithTemporary(fmt.Errorf("%s: %w", modName, err), true)
	}
	return hash, nil
}

func (a *Auth) AuthPlain(username, password string) (err error) {
	hash, err := a.storedHash(username)
	if err != nil {
		return err
	}
	if hash == "" || hash[0] == '!' {
		return module.ErrUnknownCredentials
	}

	// crypt.NewFromHash panics on an unknown hash function.
	defer func() {
		if rcvr := recover(); rcvr != nil {
			err = fmt.Errorf("%s: %v", modName, rcvr)
		}
	}()

	if err := crypt.NewFromHash(hash).Verify(hash, []byte(password)); err != nil {
		if errors.Is(err, crypt.ErrKeyMismatch) {
			return module.ErrUnknownCredentials
		}
		return err
	}
	return nil
}

// Lookup returns the userdb tuple for the account, reporting whether the
// account exists at all.
func (a *Auth) Lookup(username string) (UserInfo, bool, error) {
	var info UserInfo
	err := a.db.QueryRow(a.userQuery, username).Scan(&info.Home, &info.UID, &info.GID, &info.Maildir)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserInfo{}, false, nil
		}
		return UserInfo{}, false, exterrors.WithTemporary(fmt.Errorf("%s: %w", modName, err), true)
	}
	return info, true, nil
}

func (a *Auth) Close() error {
	return a.db.Close()
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
