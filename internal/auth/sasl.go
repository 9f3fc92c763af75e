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

// Package auth wires SASL mechanisms to the configured authentication
// providers.
//
// Providers are tried in configuration order and the first one that
// recognizes the credentials wins, so 'auth dovecot_sasl ... auth.sql ...
// auth.static' gives the socket backend precedence over the SQL lookup and
// the static list, matching the documented backend selection order.
package auth

import (
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"

	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/config/modconfig"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/auth/digestmd5"
)

var ErrUnsupportedMech = errors.New("unsupported SASL mechanism")

// SASLAuth creates sasl.Server instances whose verification callbacks go
// through the configured provider modules.
type SASLAuth struct {
	Log log.Logger

	Plain []module.PlainAuth

	// Nonce cache shared by all DIGEST-MD5 exchanges of this endpoint,
	// keyed by peer identity. Lazily created on first use.
	digestCache *digestmd5.Cache
}

// SASLMechanisms returns the mechanisms to advertise in the EHLO response.
//
// DIGEST-MD5 is offered only when at least one provider can hand out the
// stored password for digest computation.
func (s *SASLAuth) SASLMechanisms() []string {
	var mechs []string

	if len(s.Plain) != 0 {
		mechs = append(mechs, sasl.Plain, sasl.Login)
	}
	if s.passwordDBs() != nil {
		mechs = append(mechs, digestmd5.MechName)
	}

	return mechs
}

// AuthPlain runs the username:password pair through all providers.
func (s *SASLAuth) AuthPlain(username, password string) error {
	if len(s.Plain) == 0 {
		return ErrUnsupportedMech
	}

	var lastErr error
	for _, p := range s.Plain {
		lastErr = p.AuthPlain(username, password)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("no auth. provider accepted creds, last err: %w", lastErr)
}

func (s *SASLAuth) passwordDBs() []module.HashedPasswordDB {
	var dbs []module.HashedPasswordDB
	for _, p := range s.Plain {
		if db, ok := p.(module.HashedPasswordDB); ok {
			dbs = append(dbs, db)
		}
	}
	return dbs
}

// CreateSASL creates a sasl.Server for the given mechanism.
//
// successCb is called with the authenticated username. If it fails,
// authentication fails too.
func (s *SASLAuth) CreateSASL(mech string, remoteAddr net.Addr, successCb func(username string) error) sasl.Server {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errors.New("auth: invalid credentials")
			}
			if err := s.AuthPlain(username, password); err != nil {
				s.Log.Error("authentication failed", err, "username", username, "src_addr", remoteAddr)
				return errors.New("auth: invalid credentials")
			}
			return successCb(username)
		})
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			if err := s.AuthPlain(username, password); err != nil {
				s.Log.Error("authentication failed", err, "username", username, "src_addr", remoteAddr)
				return errors.New("auth: invalid credentials")
			}
			return successCb(username)
		})
	case digestmd5.MechName:
		dbs := s.passwordDBs()
		if dbs == nil {
			return FailingSASLServ{Err: ErrUnsupportedMech}
		}
		if s.digestCache == nil {
			s.digestCache = digestmd5.NewCache()
		}
		return digestmd5.NewServer(digestmd5.ServerOpts{
			Cache:      s.digestCache,
			PeerIdent:  remoteAddr.String(),
			LookupPass: s.lookupPassword(dbs),
			Success: func(username string) error {
				return successCb(username)
			},
			FailureLog: func(username string, err error) {
				s.Log.Error("authentication failed", err, "username", username, "src_addr", remoteAddr)
			},
		})
	}
	return FailingSASLServ{Err: ErrUnsupportedMech}
}

func (s *SASLAuth) lookupPassword(dbs []module.HashedPasswordDB) func(username string) (string, error) {
	return func(username string) (string, error) {
		var lastErr error
		for _, db := range dbs {
			pass, err := db.LookupPassword(username)
			if err != nil {
				lastErr = err
				continue
			}
			return pass, nil
		}
		return "", lastErr
	}
}

// AddProvider adds an authentication provider to the mapping by parsing the
// 'auth' configuration directive.
func (s *SASLAuth) AddProvider(m *config.Map, node config.Node) error {
	var provider module.PlainAuth
	if err := modconfig.ModuleFromNode("auth", node.Args, node, m.Globals, &provider); err != nil {
		return err
	}
	s.Plain = append(s.Plain, provider)
	return nil
}

type FailingSASLServ struct{ Err error }

func (s FailingSASLServ) Next([]byte) ([]byte, bool, error) {
	return nil, true, s.Err
}
