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

// Package proxy implements rule-based envelope pass-through to upstream
// servers.
//
// Rules are evaluated in configuration order and the first matching rule
// wins. A rule matches on the session direction, the client IP, the EHLO
// name and the envelope addresses. The matched envelope is replayed to the
// rule's upstream over a pooled connection; connections are keyed by the
// upstream destination tuple so envelopes hitting the same destination
// reuse the session.
//
// Envelopes matching no rule are handed to the fallback target, if one is
// configured.
//
// Interfaces implemented:
// - module.DeliveryTarget
package proxy

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"path"
	"runtime/trace"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"golang.org/x/net/idna"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/config/modconfig"
	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/smtpconn"
	"github.com/robin-mta/robin/internal/smtpconn/pool"
	"github.com/robin-mta/robin/internal/target"
)

const (
	dirBoth     = "both"
	dirInbound  = "inbound"
	dirOutbound = "outbound"
)

// Upstream describes where a rule sends its envelopes.
type Upstream struct {
	Hosts    []string
	Port     string
	Protocol string // smtp or lmtp
	TLS      string // off, starttls or tls
	AuthUser string
	authPass string

	tlsConfig *tls.Config
}

// Key returns the destination tuple hash used for connection pooling.
// Two upstreams with the same host set (in any order), port, protocol,
// TLS mode and authentication identity share pooled connections.
func (u *Upstream) Key() string {
	hosts := make([]string, len(u.Hosts))
	copy(hosts, u.Hosts)
	sort.Strings(hosts)

	h := sha256.New()
	h.Write([]byte(strings.Join(hosts, "|")))
	h.Write([]byte("\n" + u.Port + "\n" + u.Protocol + "\n" + u.TLS + "\n" + u.AuthUser))
	return hex.EncodeToString(h.Sum(nil))
}

// Rule is a single ordered matching entry. Zero-value patterns match
// anything.
type Rule struct {
	Direction string
	EHLO      string
	Mail      string
	Rcpt      string
	Upstream  *Upstream

	ipNet *net.IPNet
}

func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(value))
	return err == nil && ok
}

func (r *Rule) matches(direction string, ip net.IP, ehlo, mailFrom string, rcpts []string) bool {
	if r.Direction != dirBoth && r.Direction != direction {
		return false
	}
	if r.ipNet != nil && (ip == nil || !r.ipNet.Contains(ip)) {
		return false
	}
	if !matchPattern(r.EHLO, ehlo) {
		return false
	}
	if !matchPattern(r.Mail, mailFrom) {
		return false
	}
	if r.Rcpt != "" {
		anyRcpt := false
		for _, rcpt := range rcpts {
			if matchPattern(r.Rcpt, rcpt) {
				anyRcpt = true
				break
			}
		}
		if !anyRcpt {
			return false
		}
	}
	return true
}

type Proxy struct {
	name     string
	hostname string

	rules     []*Rule
	upstreams map[string]*Upstream

	pool     *pool.P
	fallback module.DeliveryTarget

	connectTimeout time.Duration
	permanentFail  bool

	Log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("proxy: inline arguments are not used")
	}
	return &Proxy{
		name:      instName,
		upstreams: map[string]*Upstream{},
		Log:       log.Logger{Name: "proxy"},
	}, nil
}

func (p *Proxy) Init(cfg *config.Map) error {
	var (
		maxIdle     int
		connMaxIdle time.Duration
		failureMode string
	)
	cfg.Bool("debug", true, false, &p.Log.Debug)
	cfg.String("hostname", true, true, "", &p.hostname)
	cfg.Int("max_idle_per_upstream", false, false, 4, &maxIdle)
	cfg.Duration("conn_max_idle", false, false, 90*time.Second, &connMaxIdle)
	cfg.Enum("failure_mode", false, false,
		[]string{"transient", "permanent"}, "transient", &failureMode)
	cfg.Duration("connect_timeout", false, false, 30*time.Second, &p.connectTimeout)
	cfg.Custom("fallback", false, false, nil, modconfig.DeliveryDirective, &p.fallback)
	cfg.Callback("rule", p.ruleDirective)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	var err error
	p.hostname, err = idna.ToASCII(p.hostname)
	if err != nil {
		return fmt.Errorf("proxy: cannot represent the hostname as an A-label name: %w", err)
	}

	p.permanentFail = failureMode == "permanent"

	p.pool = pool.New(pool.Config{
		New:                 p.dial,
		MaxKeys:             len(p.upstreams) + 1,
		MaxConnsPerKey:      maxIdle,
		MaxConnLifetimeSec:  int64(connMaxIdle / time.Second),
		StaleKeyLifetimeSec: int64(5 * time.Minute / time.Second),
	})

	return nil
}

func (p *Proxy) ruleDirective(m *config.Map, node config.Node) error {
	if len(node.Args) != 0 {
		return config.NodeErr(node, "rule directive takes no arguments")
	}

	r := Rule{}
	var ipPattern string
	childM := config.NewMap(m.Globals, node)
	childM.Enum("direction", false, false,
		[]string{dirBoth, dirInbound, dirOutbound}, dirBoth, &r.Direction)
	childM.String("ip", false, false, "", &ipPattern)
	childM.String("ehlo", false, false, "", &r.EHLO)
	childM.String("mail", false, false, "", &r.Mail)
	childM.String("rcpt", false, false, "", &r.Rcpt)
	childM.Custom("upstream", false, true, nil, upstreamDirective, &r.Upstream)
	if _, err := childM.Process(); err != nil {
		return err
	}

	if ipPattern != "" {
		if !strings.Contains(ipPattern, "/") {
			if strings.Contains(ipPattern, ":") {
				ipPattern += "/128"
			} else {
				ipPattern += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(ipPattern)
		if err != nil {
			return config.NodeErr(node, "invalid ip pattern: %v", err)
		}
		r.ipNet = ipNet
	}

	p.rules = append(p.rules, &r)
	p.upstreams[r.Upstream.Key()] = r.Upstream
	return nil
}

func upstreamDirective(m *config.Map, node config.Node) (interface{}, error) {
	u := Upstream{}
	var authArgs []string
	childM := config.NewMap(m.Globals, node)
	childM.StringList("hosts", false, true, nil, &u.Hosts)
	childM.String("port", false, false, "25", &u.Port)
	childM.Enum("protocol", false, false, []string{"smtp", "lmtp"}, "smtp", &u.Protocol)
	childM.Enum("tls", false, false, []string{"off", "starttls", "tls"}, "off", &u.TLS)
	childM.Custom("auth", false, false, func() (interface{}, error) {
		return []string(nil), nil
	}, func(_ *config.Map, node config.Node) (interface{}, error) {
		if len(node.Args) != 2 {
			return nil, config.NodeErr(node, "expected username and password")
		}
		return node.Args, nil
	}, &authArgs)
	childM.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, config.TLSClientBlock, &u.tlsConfig)
	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	if len(authArgs) == 2 {
		u.AuthUser = authArgs[0]
		u.authPass = authArgs[1]
	}

	return &u, nil
}

func (p *Proxy) Name() string {
	return "proxy"
}

func (p *Proxy) InstanceName() string {
	return p.name
}

func (p *Proxy) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

type proxyConn struct {
	c       *smtpconn.C
	lastUse time.Time
}

// Usable probes the pooled session with RSET so a server that dropped the
// connection while it sat idle is detected before the envelope is replayed
// into it.
func (pc *proxyConn) Usable() bool {
	if pc.c.Client() == nil {
		return false
	}
	return pc.c.Client().Reset() == nil
}

func (pc *proxyConn) LastUseAt() time.Time {
	return pc.lastUse
}

func (pc *proxyConn) Close() error {
	return pc.c.Close()
}

func (p *Proxy) dial(ctx context.Context, key string) (pool.Conn, error) {
	u := p.upstreams[key]
	if u == nil {
		return nil, fmt.Errorf("proxy: unknown upstream key %v", key)
	}

	var lastErr error
	for _, host := range u.Hosts {
		conn := smtpconn.New()
		conn.Log = p.Log
		conn.Hostname = p.hostname
		conn.ConnectTimeout = p.connectTimeout

		endp := config.Endpoint{Scheme: "tcp", Host: host, Port: u.Port}
		if u.TLS == "tls" {
			endp.Scheme = "tls"
		}

		var (
			didTLS bool
			err    error
		)
		if u.Protocol == "lmtp" {
			didTLS, err = conn.ConnectLMTP(ctx, endp, u.TLS == "starttls", u.tlsConfig)
		} else {
			didTLS, err = conn.Connect(ctx, endp, u.TLS == "starttls", u.tlsConfig)
		}
		if err != nil {
			if len(u.Hosts) != 1 {
				p.Log.Error("connect error", err, "upstream", net.JoinHostPort(host, u.Port))
			}
			lastErr = err
			continue
		}
		if u.TLS == "starttls" && !didTLS {
			conn.Close()
			lastErr = &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "TLS is required but unsupported by the upstream",
				TargetName:   "proxy",
			}
			continue
		}

		if u.AuthUser != "" {
			if err := conn.Client().Auth(sasl.NewPlainClient("", u.AuthUser, u.authPass)); err != nil {
				conn.Close()
				lastErr = err
				continue
			}
		}

		upstreamConnects.WithLabelValues(p.name).Inc()
		return &proxyConn{c: conn, lastUse: time.Now()}, nil
	}
	return nil, lastErr
}

// match picks the first rule matching the envelope, nil when none does.
func (p *Proxy) match(meta *module.MsgMetadata, mailFrom string, rcpts []string) *Rule {
	direction := dirInbound
	var (
		ip   net.IP
		ehlo string
	)
	if meta.Conn != nil {
		ehlo = meta.Conn.Hostname
		if tcpAddr, ok := meta.Conn.RemoteAddr.(*net.TCPAddr); ok {
			ip = tcpAddr.IP
		}
		// Submission clients authenticate, MX traffic does not.
		if meta.Conn.AuthUser != "" {
			direction = dirOutbound
		}
	}

	for _, r := range p.rules {
		if r.matches(direction, ip, ehlo, mailFrom, rcpts) {
			return r
		}
	}
	return nil
}

type delivery struct {
	p   *Proxy
	Log log.Logger

	msgMeta  *module.MsgMetadata
	mailFrom string
	rcpts    []string

	// Fallback sub-delivery, set when no rule matched the envelope.
	fb module.Delivery
}

func (p *Proxy) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	return &delivery{
		p:        p,
		Log:      target.DeliveryLogger(p.Log, msgMeta),
		msgMeta:  msgMeta,
		mailFrom: mailFrom,
	}, nil
}

func (d *delivery) AddRcpt(ctx context.Context, rcptTo string) error {
	d.rcpts = append(d.rcpts, rcptTo)
	return nil
}

func (d *delivery) wrapUnreachable(err error) error {
	code := 451
	enchCode := exterrors.EnhancedCode{4, 4, 1}
	if d.p.permanentFail {
		code = 554
		enchCode = exterrors.EnhancedCode{5, 4, 1}
	}
	return &exterrors.SMTPError{
		Code:         code,
		EnhancedCode: enchCode,
		Message:      "Upstream server unreachable",
		TargetName:   "proxy",
		Err:          err,
	}
}

func (d *delivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	defer trace.StartRegion(ctx, "proxy/Body").End()

	rule := d.p.match(d.msgMeta, d.mailFrom, d.rcpts)
	if rule == nil {
		return d.deliverFallback(ctx, header, body)
	}

	key := rule.Upstream.Key()
	connI, err := d.p.pool.Get(ctx, key)
	if err != nil {
		proxiedMsgs.WithLabelValues(d.p.name, "fail").Inc()
		return d.wrapUnreachable(err)
	}
	conn := connI.(*proxyConn)

	ok := false
	defer func() {
		if ok {
			conn.lastUse = time.Now()
			d.p.pool.Return(key, conn)
		} else {
			conn.Close()
		}
	}()

	if err := conn.c.Mail(ctx, d.mailFrom, d.msgMeta.SMTPOpts); err != nil {
		proxiedMsgs.WithLabelValues(d.p.name, "fail").Inc()
		return err
	}
	for _, rcpt := range d.rcpts {
		if err := conn.c.Rcpt(ctx, rcpt); err != nil {
			proxiedMsgs.WithLabelValues(d.p.name, "fail").Inc()
			return err
		}
	}

	bodyR, err := body.Open()
	if err != nil {
		proxiedMsgs.WithLabelValues(d.p.name, "fail").Inc()
		return exterrors.WithFields(err, map[string]interface{}{"target": "proxy"})
	}
	defer bodyR.Close()

	if err := conn.c.Data(ctx, header, bodyR); err != nil {
		proxiedMsgs.WithLabelValues(d.p.name, "fail").Inc()
		return err
	}

	ok = true
	proxiedMsgs.WithLabelValues(d.p.name, "ok").Inc()
	d.Log.DebugMsg("proxied", "upstream", conn.c.ServerName())
	return nil
}

func (d *delivery) deliverFallback(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	if d.p.fallback == nil {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "No matching proxy rule",
			TargetName:   "proxy",
		}
	}

	fb, err := d.p.fallback.Start(ctx, d.msgMeta, d.mailFrom)
	if err != nil {
		return err
	}
	for _, rcpt := range d.rcpts {
		if err := fb.AddRcpt(ctx, rcpt); err != nil {
			if err := fb.Abort(ctx); err != nil {
				d.Log.Error("fallback abort failed", err)
			}
			return err
		}
	}
	if err := fb.Body(ctx, header, body); err != nil {
		if err := fb.Abort(ctx); err != nil {
			d.Log.Error("fallback abort failed", err)
		}
		return err
	}

	d.fb = fb
	return nil
}

func (d *delivery) Abort(ctx context.Context) error {
	if d.fb != nil {
		return d.fb.Abort(ctx)
	}
	return nil
}

func (d *delivery) Commit(ctx context.Context) error {
	if d.fb != nil {
		return d.fb.Commit(ctx)
	}
	return nil
}

func init() {
	module.Register("proxy", New)
}
