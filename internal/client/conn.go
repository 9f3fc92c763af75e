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

package client

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/robin-mta/robin/framework/log"
)

// Transaction is one recorded exchange: the verb the client issued and
// the complete response line(s) the server sent back, success or not.
// Multi-line responses keep their lines joined with \n. The transcript of
// these triples is the sole input of the assertion engine.
type Transaction struct {
	Verb     string
	Response string
	Failed   bool
}

// conn runs the raw SMTP/LMTP dialogue. go-smtp's client discards the
// text of successful replies, which the assertion regexes need, so the
// exchange is driven over textproto directly.
type conn struct {
	lmtp    bool
	ehlo    string
	timeout time.Duration
	log     log.Logger

	netConn net.Conn
	text    *textproto.Conn
	caps    map[string]struct{}

	transcript []Transaction
}

func (c *conn) record(verb string, code int, msg string) *Transaction {
	tr := Transaction{
		Verb:     verb,
		Response: fmt.Sprintf("%d %s", code, msg),
		Failed:   code >= 400,
	}
	c.transcript = append(c.transcript, tr)
	c.log.DebugMsg("transaction", "verb", verb, "response", tr.Response, "failed", tr.Failed)
	return &c.transcript[len(c.transcript)-1]
}

func (c *conn) extendDeadline() error {
	timeout := c.timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return c.netConn.SetDeadline(time.Now().Add(timeout))
}

func (c *conn) readResponse(verb string) (*Transaction, error) {
	code, msg, err := c.text.ReadResponse(0)
	if err != nil {
		return nil, &IOError{Op: verb + " response", Err: err}
	}
	return c.record(verb, code, msg), nil
}

// roundtrip sends one command line and records its response.
func (c *conn) roundtrip(verb, line string) (*Transaction, error) {
	if err := c.extendDeadline(); err != nil {
		return nil, &IOError{Op: "set deadline", Err: err}
	}
	if err := c.text.PrintfLine("%s", line); err != nil {
		return nil, &IOError{Op: verb, Err: err}
	}
	return c.readResponse(verb)
}

// dial establishes the connection and reads the greeting, recorded under
// the CONNECT verb.
func dial(route *Route, ehlo string, timeout time.Duration, logger log.Logger) (*conn, error) {
	addr := net.JoinHostPort(route.Hostname, strconv.Itoa(route.Port))

	var (
		netConn net.Conn
		err     error
	)
	if route.TLS == "implicit" {
		netConn, err = tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", addr, tlsConfig(route))
	} else {
		netConn, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return nil, &IOError{Op: "dial " + addr, Err: err}
	}

	c := &conn{
		lmtp:    route.Protocol == "lmtp",
		ehlo:    ehlo,
		timeout: timeout,
		log:     logger,
		netConn: netConn,
		text:    textproto.NewConn(netConn),
		caps:    map[string]struct{}{},
	}

	if err := c.extendDeadline(); err != nil {
		c.netConn.Close()
		return nil, &IOError{Op: "set deadline", Err: err}
	}
	tr, err := c.readResponse("CONNECT")
	if err != nil {
		c.netConn.Close()
		return nil, err
	}
	if tr.Failed {
		// Server refused us at the door. The dialogue cannot continue but
		// the transcript stays usable for assertions.
		return c, nil
	}
	return c, nil
}

func tlsConfig(route *Route) *tls.Config {
	name := route.TLSServerName
	if name == "" {
		name = route.Hostname
	}
	return &tls.Config{
		ServerName:         name,
		InsecureSkipVerify: route.TLSSkipVerify,
	}
}

// hello sends EHLO or LHLO and parses the advertised capabilities.
func (c *conn) hello() (*Transaction, error) {
	verb := "EHLO"
	if c.lmtp {
		verb = "LHLO"
	}

	tr, err := c.roundtrip(verb, verb+" "+c.ehlo)
	if err != nil {
		return nil, err
	}
	if tr.Failed {
		return tr, nil
	}

	c.caps = map[string]struct{}{}
	lines := strings.Split(tr.Response, "\n")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		c.caps[strings.ToUpper(fields[0])] = struct{}{}
	}
	return tr, nil
}

func (c *conn) hasCap(name string) bool {
	_, ok := c.caps[name]
	return ok
}

// starttls upgrades the stream and repeats the greeting verb over TLS. A
// server rejection is recorded and left for the assertions to judge.
func (c *conn) starttls(route *Route) error {
	tr, err := c.roundtrip("STARTTLS", "STARTTLS")
	if err != nil {
		return err
	}
	if tr.Failed {
		return nil
	}

	tlsConn := tls.Client(c.netConn, tlsConfig(route))
	if err := tlsConn.Handshake(); err != nil {
		return &IOError{Op: "tls handshake", Err: err}
	}
	c.netConn = tlsConn
	c.text = textproto.NewConn(tlsConn)

	_, err = c.hello()
	return err
}

// auth runs the SASL exchange. Intermediate 334 challenges are not
// recorded, only the final response appears in the transcript under the
// AUTH verb.
func (c *conn) auth(spec *AuthSpec) error {
	var saslClient sasl.Client
	switch spec.Mechanism {
	case "", "plain":
		saslClient = sasl.NewPlainClient("", spec.Username, spec.Password)
	case "login":
		saslClient = sasl.NewLoginClient(spec.Username, spec.Password)
	default:
		return &ConfigError{Reason: "unknown auth mechanism: " + spec.Mechanism}
	}

	mech, ir, err := saslClient.Start()
	if err != nil {
		return &IOError{Op: "sasl start", Err: err}
	}

	line := "AUTH " + mech
	if ir != nil {
		if len(ir) == 0 {
			line += " ="
		} else {
			line += " " + base64.StdEncoding.EncodeToString(ir)
		}
	}

	for {
		if err := c.extendDeadline(); err != nil {
			return &IOError{Op: "set deadline", Err: err}
		}
		if err := c.text.PrintfLine("%s", line); err != nil {
			return &IOError{Op: "AUTH", Err: err}
		}
		code, msg, err := c.text.ReadResponse(0)
		if err != nil {
			return &IOError{Op: "AUTH response", Err: err}
		}
		if code != 334 {
			c.record("AUTH", code, msg)
			return nil
		}

		challenge, err := base64.StdEncoding.DecodeString(msg)
		if err != nil {
			return &IOError{Op: "AUTH challenge decode", Err: err}
		}
		resp, err := saslClient.Next(challenge)
		if err != nil {
			return &IOError{Op: "sasl next", Err: err}
		}
		line = base64.StdEncoding.EncodeToString(resp)
	}
}

func (c *conn) mail(from string) (*Transaction, error) {
	return c.roundtrip("MAIL", "MAIL FROM:<"+from+">")
}

func (c *conn) rcpt(to string) (*Transaction, error) {
	return c.roundtrip("RCPT", "RCPT TO:<"+to+">")
}

// data transfers the message via DATA. acceptedRcpts is the number of
// per-recipient final replies to read in LMTP mode, ignored for SMTP.
func (c *conn) data(body []byte, acceptedRcpts int) error {
	tr, err := c.roundtrip("DATA", "DATA")
	if err != nil {
		return err
	}
	if tr.Failed {
		return nil
	}

	if err := c.extendDeadline(); err != nil {
		return &IOError{Op: "set deadline", Err: err}
	}
	w := c.text.DotWriter()
	if _, err := w.Write(body); err != nil {
		w.Close()
		return &IOError{Op: "DATA body", Err: err}
	}
	if err := w.Close(); err != nil {
		return &IOError{Op: "DATA body", Err: err}
	}

	return c.dataReplies("DATA", acceptedRcpts)
}

// bdat transfers the message as a single terminal chunk. Servers without
// CHUNKING reject the verb, which is recorded like any other failure.
func (c *conn) bdat(body []byte, acceptedRcpts int) error {
	if err := c.extendDeadline(); err != nil {
		return &IOError{Op: "set deadline", Err: err}
	}
	w := c.text.W
	if _, err := fmt.Fprintf(w, "BDAT %d LAST\r\n", len(body)); err != nil {
		return &IOError{Op: "BDAT", Err: err}
	}
	if _, err := w.Write(body); err != nil {
		return &IOError{Op: "BDAT body", Err: err}
	}
	if err := w.Flush(); err != nil {
		return &IOError{Op: "BDAT body", Err: err}
	}

	return c.dataReplies("BDAT", acceptedRcpts)
}

func (c *conn) dataReplies(verb string, acceptedRcpts int) error {
	replies := 1
	if c.lmtp {
		replies = acceptedRcpts
	}
	for i := 0; i < replies; i++ {
		if _, err := c.readResponse(verb); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) rset() (*Transaction, error) {
	return c.roundtrip("RSET", "RSET")
}

// quit ends the dialogue. The 221 is recorded; transport errors at this
// point are ignored, the session is over either way.
func (c *conn) quit() {
	if _, err := c.roundtrip("QUIT", "QUIT"); err != nil {
		c.log.DebugMsg("quit failed", "reason", err.Error())
	}
	c.netConn.Close()
}

func (c *conn) close() {
	c.netConn.Close()
}
