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
	"fmt"
	"strings"
)

// ClientState carries the nonce of a completed exchange between AUTH
// commands of one session, enabling subsequent authentication.
type ClientState struct {
	Nonce string
	Realm string
	NC    uint32
}

type client struct {
	username, password, host string

	state *ClientState

	cnonce  string
	rspauth string
	sent    bool

	started     bool
	initialResp []byte
}

// NewClient creates the client side of a DIGEST-MD5 exchange implementing
// the go-sasl Client interface. host names the service for the digest-uri.
//
// state may be nil; when it points to a ClientState filled by a previous
// exchange, the client sends the complete response as the AUTH initial
// response, reusing the stored nonce with an advanced nonce count.
func NewClient(username, password, host string, state *ClientState) *client {
	return &client{username: username, password: password, host: host, state: state}
}

func (c *client) uri() string {
	return "smtp/" + c.host
}

// Start is idempotent: the initial response is computed once and repeated
// calls return it as-is, without advancing the nonce count.
func (c *client) Start() (mech string, ir []byte, err error) {
	if c.started {
		return MechName, c.initialResp, nil
	}

	if c.state != nil && c.state.Nonce != "" {
		// Subsequent authentication: skip the challenge round-trip.
		resp, err := c.respond(c.state.Realm, c.state.Nonce)
		if err != nil {
			return "", nil, err
		}
		c.initialResp = resp
		c.sent = true
	}
	c.started = true
	return MechName, c.initialResp, nil
}

func (c *client) Next(challenge []byte) ([]byte, error) {
	if c.sent {
		return c.checkRspauth(challenge)
	}

	dir, err := parseDirectives(challenge)
	if err != nil {
		return nil, err
	}
	nonce := dir["nonce"]
	if nonce == "" {
		return nil, errors.New("digestmd5: challenge without a nonce")
	}
	if qop := dir["qop"]; qop != "" && !strings.Contains(qop, "auth") {
		return nil, fmt.Errorf("digestmd5: unsupported qop: %q", qop)
	}

	if c.state != nil {
		c.state.Nonce = nonce
		c.state.Realm = dir["realm"]
		c.state.NC = 0
	}

	resp, err := c.respondWith(dir["realm"], nonce, "00000001")
	if err != nil {
		return nil, err
	}
	if c.state != nil {
		c.state.NC = 1
	}
	c.sent = true
	return resp, nil
}

func (c *client) respond(realm, nonce string) ([]byte, error) {
	nc := fmt.Sprintf("%08x", c.state.NC+1)
	resp, err := c.respondWith(realm, nonce, nc)
	if err != nil {
		return nil, err
	}
	c.state.NC++
	return resp, nil
}

func (c *client) respondWith(realm, nonce, nc string) ([]byte, error) {
	cnonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	c.cnonce = cnonce

	response := computeResponse(c.username, realm, c.password, nonce, cnonce, nc, "auth", c.uri(), "", true)
	c.rspauth = computeResponse(c.username, realm, c.password, nonce, cnonce, nc, "auth", c.uri(), "", false)

	quoted := map[string]string{
		"username":   c.username,
		"nonce":      nonce,
		"cnonce":     cnonce,
		"digest-uri": c.uri(),
	}
	if realm != "" {
		quoted["realm"] = realm
	}
	plain := map[string]string{
		"nc":       nc,
		"qop":      "auth",
		"response": response,
		"charset":  "utf-8",
	}
	return formatDirectives(quoted, plain), nil
}

func (c *client) checkRspauth(challenge []byte) ([]byte, error) {
	dir, err := parseDirectives(challenge)
	if err != nil {
		return nil, err
	}
	rspauth := dir["rspauth"]
	if rspauth == "" {
		return nil, errors.New("digestmd5: missing rspauth in server response")
	}
	if subtle.ConstantTimeCompare([]byte(rspauth), []byte(c.rspauth)) != 1 {
		return nil, errors.New("digestmd5: server rspauth mismatch")
	}
	return []byte{}, nil
}
