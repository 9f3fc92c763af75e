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

package smtp

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/robin-mta/robin/framework/log"
)

// xclientData is the peer identity override carried by the XCLIENT
// preamble. Zero fields keep the real connection values.
type xclientData struct {
	Name string
	Helo string
	Addr net.Addr
}

// xclientListener accepts connections and, for peers inside the trusted
// ranges, consumes an optional "XCLIENT key=value ..." preamble line sent
// before the SMTP dialogue starts. The parsed identity is attached to the
// returned connection and replaces the observed peer identity for the
// session. Preambles from untrusted peers are not read at all, the bytes
// reach the SMTP parser and fail there.
type xclientListener struct {
	net.Listener
	trusted []*net.IPNet
	log     log.Logger
}

const xclientReadTimeout = 5 * time.Second

func (l *xclientListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	tcpAddr, ok := c.RemoteAddr().(*net.TCPAddr)
	if !ok || !l.isTrusted(tcpAddr.IP) {
		return c, nil
	}

	if err := c.SetReadDeadline(time.Now().Add(xclientReadTimeout)); err != nil {
		c.Close()
		return nil, err
	}

	br := bufio.NewReader(c)
	data, err := readXCLIENT(br)
	if err != nil {
		l.log.Error("malformed XCLIENT preamble", err, "src_ip", c.RemoteAddr())
		c.Close()
		return nil, err
	}

	if err := c.SetReadDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, err
	}

	return &xclientConn{Conn: c, r: br, data: data}, nil
}

func (l *xclientListener) isTrusted(ip net.IP) bool {
	for _, ipNet := range l.trusted {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// readXCLIENT peeks at the stream and consumes the preamble line if one is
// present. A trusted peer that speaks plain SMTP right away is passed
// through untouched.
func readXCLIENT(br *bufio.Reader) (*xclientData, error) {
	prefix, err := br.Peek(len("XCLIENT "))
	if err != nil || !strings.EqualFold(string(prefix), "XCLIENT ") {
		// Short or foreign preamble, let the SMTP parser deal with it.
		return nil, nil
	}

	line, err := br.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return parseXCLIENT(strings.TrimRight(line, "\r\n"))
}

func parseXCLIENT(line string) (*xclientData, error) {
	data := &xclientData{}
	var (
		addrIP   net.IP
		addrPort int
	)

	for _, kv := range strings.Fields(line)[1:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		value := parts[1]
		if strings.EqualFold(value, "[UNAVAILABLE]") || strings.EqualFold(value, "[TEMPUNAVAIL]") {
			continue
		}
		switch strings.ToUpper(parts[0]) {
		case "NAME":
			data.Name = value
		case "HELO":
			data.Helo = value
		case "ADDR":
			// Postfix prefixes IPv6 literals.
			addrIP = net.ParseIP(strings.TrimPrefix(value, "IPV6:"))
		case "PORT":
			port, err := strconv.Atoi(value)
			if err == nil {
				addrPort = port
			}
		}
	}

	if addrIP != nil {
		data.Addr = &net.TCPAddr{IP: addrIP, Port: addrPort}
	}

	return data, nil
}

type xclientConn struct {
	net.Conn
	r    *bufio.Reader
	data *xclientData
}

func (c *xclientConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// xclientInfo returns the preamble override attached to the connection, if
// any.
func xclientInfo(c net.Conn) *xclientData {
	if xc, ok := c.(*xclientConn); ok {
		return xc.data
	}
	return nil
}
