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
	"crypto/subtle"
	"errors"
	"sync"
)

// Cache keeps nonces of completed exchanges, keyed by peer identity, so the
// same client can reauthenticate without a new challenge (RFC 2831 section
// 2.2). Shared by all sessions of an endpoint.
type Cache struct {
	mu sync.Mutex
	m  map[string]*cacheEntry
}

type cacheEntry struct {
	username string
	nonce    string
	nextNC   string
}

func NewCache() *Cache {
	return &Cache{m: map[string]*cacheEntry{}}
}

func (c *Cache) lookup(peer string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[peer]
}

func (c *Cache) store(peer string, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[peer] = e
}

func (c *Cache) drop(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, peer)
}

type ServerOpts struct {
	// Realm announced in the challenge. Empty means the hostname is decided
	// by the caller; the mechanism itself works with any value the client
	// echoes back.
	Realm string

	// Cache enables subsequent authentication. Optional.
	Cache *Cache

	// PeerIdent is the cache key for this connection, usually the remote
	// address.
	PeerIdent string

	LookupPass func(username string) (string, error)
	Success    func(username string) error
	FailureLog func(username string, err error)
}

type server struct {
	opts ServerOpts

	nonce    string
	rspauth  []byte
	verified bool
}

// NewServer creates the server side of a DIGEST-MD5 exchange implementing
// the go-sasl Server interface.
func NewServer(opts ServerOpts) *server {
	return &server{opts: opts}
}

func (s *server) fail(username string, err error) ([]byte, bool, error) {
	if s.opts.FailureLog != nil {
		s.opts.FailureLog(username, err)
	}
	if s.opts.Cache != nil {
		s.opts.Cache.drop(s.opts.PeerIdent)
	}
	return nil, true, errors.New("digestmd5: invalid credentials")
}

func (s *server) Next(response []byte) ([]byte, bool, error) {
	if s.verified {
		// rspauth round-trip: the client replies with an empty message.
		if len(response) != 0 {
			return nil, true, errors.New("digestmd5: unexpected client response after verification")
		}
		return nil, true, nil
	}

	if len(response) == 0 {
		// No initial response: issue a fresh challenge.
		nonce, err := newNonce()
		if err != nil {
			return nil, true, err
		}
		s.nonce = nonce

		quoted := map[string]string{
			"nonce": nonce,
			"qop":   "auth",
		}
		if s.opts.Realm != "" {
			quoted["realm"] = s.opts.Realm
		}
		plain := map[string]string{
			"charset":   "utf-8",
			"algorithm": "md5-sess",
		}
		return formatDirectives(quoted, plain), false, nil
	}

	return s.verify(response)
}

func (s *server) verify(response []byte) ([]byte, bool, error) {
	dir, err := parseDirectives(response)
	if err != nil {
		return s.fail("", err)
	}

	username := dir["username"]
	nonce := dir["nonce"]
	nc := dir["nc"]
	cnonce := dir["cnonce"]
	uri := dir["digest-uri"]
	realm := dir["realm"]
	authzid := dir["authzid"]
	clientResp := dir["response"]
	qop := dir["qop"]
	if qop == "" {
		qop = "auth"
	}

	if username == "" || nonce == "" || nc == "" || cnonce == "" || clientResp == "" {
		return s.fail(username, errors.New("digestmd5: missing required directive"))
	}

	if s.nonce != "" {
		// Initial authentication: the nonce must be ours and nc must be 1.
		if nonce != s.nonce {
			return s.fail(username, errors.New("digestmd5: nonce mismatch"))
		}
		if nc != "00000001" {
			return s.fail(username, errors.New("digestmd5: unexpected nonce count"))
		}
	} else {
		// Subsequent authentication: no challenge was issued, the client
		// reused a cached nonce. Verify against the cache.
		if s.opts.Cache == nil {
			return s.fail(username, errors.New("digestmd5: unexpected initial response"))
		}
		entry := s.opts.Cache.lookup(s.opts.PeerIdent)
		if entry == nil || entry.username != username || entry.nonce != nonce {
			return s.fail(username, errors.New("digestmd5: no cached exchange for peer"))
		}
		if nc != entry.nextNC {
			return s.fail(username, errors.New("digestmd5: unexpected nonce count"))
		}
	}

	password, err := s.opts.LookupPass(username)
	if err != nil {
		return s.fail(username, err)
	}

	expected := computeResponse(username, realm, password, nonce, cnonce, nc, qop, uri, authzid, true)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(clientResp)) != 1 {
		return s.fail(username, errors.New("digestmd5: digest mismatch"))
	}

	if err := s.opts.Success(username); err != nil {
		return s.fail(username, err)
	}

	if s.opts.Cache != nil {
		nextNC, err := incrementNC(nc)
		if err != nil {
			return s.fail(username, err)
		}
		s.opts.Cache.store(s.opts.PeerIdent, &cacheEntry{
			username: username,
			nonce:    nonce,
			nextNC:   nextNC,
		})
	}

	rspauth := computeResponse(username, realm, password, nonce, cnonce, nc, qop, uri, authzid, false)
	s.verified = true
	return []byte("rspauth=" + rspauth), false, nil
}
