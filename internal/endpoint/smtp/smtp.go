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

// Package smtp implements the programmable SMTP/LMTP server endpoints.
//
// An endpoint owns one or more listeners (plain, implicit TLS via the tls://
// address scheme, submission) and a go-smtp server whose sessions apply, in
// order: admission controls, webhook and scenario response overrides, the
// storage check chain, delivery to the configured target, and bot
// scheduling.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"golang.org/x/net/idna"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/config"
	modconfig "github.com/robin-mta/robin/framework/config/modconfig"
	"github.com/robin-mta/robin/framework/dns"
	"github.com/robin-mta/robin/framework/future"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/auth"
	"github.com/robin-mta/robin/internal/bots"
	"github.com/robin-mta/robin/internal/check"
	"github.com/robin-mta/robin/internal/check/chaos"
	"github.com/robin-mta/robin/internal/limits"
	"github.com/robin-mta/robin/internal/scenario"
	"github.com/robin-mta/robin/internal/webhook"
)

type Endpoint struct {
	hostname  string
	name      string
	addrs     []string
	serv      *smtp.Server
	listeners []net.Listener

	saslAuth auth.SASLAuth
	resolver dns.Resolver
	limits   *limits.Group

	scenarios *scenario.Scenarios
	hook      *webhook.Hook
	bots      *bots.Bots

	checks      check.Group
	earlyChecks []module.EarlyCheck
	target      module.DeliveryTarget

	buffer func(r io.Reader) (buffer.Buffer, error)

	authAlwaysRequired  bool
	chaosHeaders        bool
	submission          bool
	lmtp                bool
	deferServerReject   bool
	maxLoggedRcptErrors int
	maxReceived         int
	maxHeaderBytes      int

	errorLimit    int
	envelopeLimit int
	commandLimit  int

	blocklist      []*net.IPNet
	xclientTrusted []*net.IPNet
	maxConnections int
	activeConns    atomic.Int64
	tarpit         *tarpit

	// tlsSessions maps the raw network connection to its session so the
	// STARTTLS handshake can find the EHLO-keyed scenario restriction.
	tlsSessions sync.Map

	slowMinRate int64
	slowWindow  time.Duration

	listenersWg sync.WaitGroup

	Log log.Logger
}

func (endp *Endpoint) Name() string {
	return endp.name
}

func (endp *Endpoint) InstanceName() string {
	return endp.name
}

func New(modName string, addrs []string) (module.Module, error) {
	endp := &Endpoint{
		name:       modName,
		addrs:      addrs,
		submission: modName == "submission",
		lmtp:       modName == "lmtp",
		resolver:   dns.DefaultResolver(),
		buffer:     buffer.BufferInMemory,
		Log:        log.Logger{Name: modName},
	}
	endp.saslAuth.Log = log.Logger{Name: modName + "/sasl"}
	return endp, nil
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	endp.serv = smtp.NewServer(endp)
	endp.serv.ErrorLog = endp.Log
	endp.serv.LMTP = endp.lmtp
	endp.serv.EnableSMTPUTF8 = true
	if err := endp.setConfig(cfg); err != nil {
		return err
	}

	addresses := make([]config.Endpoint, 0, len(endp.addrs))
	for _, addr := range endp.addrs {
		saddr, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("%s: invalid address: %s", endp.name, addr)
		}
		addresses = append(addresses, saddr)
	}

	if err := endp.setupListeners(addresses); err != nil {
		for _, l := range endp.listeners {
			l.Close()
		}
		return err
	}

	allLocal := true
	for _, addr := range addresses {
		if addr.Scheme != "unix" && !strings.HasPrefix(addr.Host, "127.0.0.") {
			allLocal = false
		}
	}

	if endp.serv.AllowInsecureAuth && !allLocal {
		endp.Log.Println("authentication over unencrypted connections is allowed, this is insecure configuration and should be used only for testing!")
	}
	if endp.serv.TLSConfig == nil {
		if !allLocal {
			endp.Log.Println("TLS is disabled, this is insecure configuration and should be used only for testing!")
		}

		endp.serv.AllowInsecureAuth = true
	}

	return nil
}

func autoBufferMode(maxSize int, dir string) func(io.Reader) (buffer.Buffer, error) {
	return func(r io.Reader) (buffer.Buffer, error) {
		// First try to read up to N bytes.
		initial := make([]byte, maxSize)
		actualSize, err := io.ReadFull(r, initial)
		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				// The message is smaller than N, keep it in RAM.
				return buffer.MemoryBuffer{Slice: initial[:actualSize]}, nil
			}
			return nil, err
		}

		// The message is big. Dump what we got to the disk and continue
		// writing it there.
		return buffer.BufferInFile(
			io.MultiReader(bytes.NewReader(initial[:actualSize]), r),
			dir)
	}
}

func bufferModeDirective(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) < 1 {
		return nil, config.NodeErr(node, "at least one argument required")
	}
	switch node.Args[0] {
	case "ram":
		if len(node.Args) > 1 {
			return nil, config.NodeErr(node, "no additional arguments for 'ram' mode")
		}
		return buffer.BufferInMemory, nil
	case "fs":
		path := filepath.Join(config.StateDirectory, "buffer")
		switch len(node.Args) {
		case 2:
			path = node.Args[1]
			fallthrough
		case 1:
			return func(r io.Reader) (buffer.Buffer, error) {
				return buffer.BufferInFile(r, path)
			}, nil
		default:
			return nil, config.NodeErr(node, "too many arguments for 'fs' mode")
		}
	case "auto":
		path := filepath.Join(config.StateDirectory, "buffer")
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, err
		}

		maxSize := 1 * 1024 * 1024 // 1 MiB
		switch len(node.Args) {
		case 3:
			path = node.Args[2]
			fallthrough
		case 2:
			var err error
			maxSize, err = config.ParseDataSize(node.Args[1])
			if err != nil {
				return nil, config.NodeErr(node, "%v", err)
			}
			fallthrough
		case 1:
			return autoBufferMode(maxSize, path), nil
		default:
			return nil, config.NodeErr(node, "too many arguments for 'auto' mode")
		}
	default:
		return nil, config.NodeErr(node, "unknown buffer mode: %v", node.Args[0])
	}
}

func cidrListDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "at least one CIDR expected")
	}
	nets := make([]*net.IPNet, 0, len(node.Args))
	for _, arg := range node.Args {
		if !strings.Contains(arg, "/") {
			if strings.Contains(arg, ":") {
				arg += "/128"
			} else {
				arg += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(arg)
		if err != nil {
			return nil, config.NodeErr(node, "invalid CIDR: %v", err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func (endp *Endpoint) setConfig(cfg *config.Map) error {
	var (
		ioDebug           bool
		transactionsLimit int
		tarpitBase        time.Duration
		tarpitMax         time.Duration
	)

	cfg.Callback("auth", func(m *config.Map, node config.Node) error {
		return endp.saslAuth.AddProvider(m, node)
	})
	cfg.String("hostname", true, true, "", &endp.hostname)
	cfg.Duration("write_timeout", false, false, 1*time.Minute, &endp.serv.WriteTimeout)
	cfg.Duration("read_timeout", false, false, 10*time.Minute, &endp.serv.ReadTimeout)
	cfg.DataSize("max_message_size", false, false, 32*1024*1024, &endp.serv.MaxMessageBytes)
	cfg.Int("max_header_size", false, false, 1*1024*1024, &endp.maxHeaderBytes)
	cfg.Int("max_recipients", false, false, 20000, &endp.serv.MaxRecipients)
	cfg.Int("max_received", false, false, 50, &endp.maxReceived)
	cfg.Custom("buffer", false, false, func() (interface{}, error) {
		path := filepath.Join(config.StateDirectory, "buffer")
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, err
		}
		return autoBufferMode(1*1024*1024 /* 1 MiB */, path), nil
	}, bufferModeDirective, &endp.buffer)
	cfg.Custom("tls", true, true, nil, config.TLSDirective, &endp.serv.TLSConfig)
	cfg.Bool("insecure_auth", false, false, &endp.serv.AllowInsecureAuth)
	cfg.Bool("io_debug", false, false, &ioDebug)
	cfg.Bool("debug", true, false, &endp.Log.Debug)
	cfg.Bool("defer_sender_reject", false, true, &endp.deferServerReject)
	cfg.Bool("chaos_headers", false, false, &endp.chaosHeaders)
	cfg.Int("max_logged_rcpt_errors", false, false, 5, &endp.maxLoggedRcptErrors)
	cfg.Int("error_limit", false, false, 10, &endp.errorLimit)
	cfg.Int("envelope_limit", false, false, 0, &endp.envelopeLimit)
	cfg.Int("transactions_limit", false, false, 0, &transactionsLimit)
	cfg.Int("command_limit", false, false, 0, &endp.commandLimit)
	cfg.Int("max_connections", false, false, 0, &endp.maxConnections)
	cfg.Custom("blocklist", false, false, nil, cidrListDirective, &endp.blocklist)
	cfg.Custom("xclient_trusted", false, false, nil, cidrListDirective, &endp.xclientTrusted)
	cfg.Duration("tarpit_base", false, false, 0, &tarpitBase)
	cfg.Duration("tarpit_max", false, false, 30*time.Second, &tarpitMax)
	cfg.DataSize("min_transfer_rate", false, false, 0, &endp.slowMinRate)
	cfg.Duration("transfer_rate_window", false, false, 30*time.Second, &endp.slowWindow)
	cfg.Custom("limits", false, false, func() (interface{}, error) {
		return &limits.Group{}, nil
	}, func(cfg *config.Map, n config.Node) (interface{}, error) {
		var g *limits.Group
		if err := modconfig.GroupFromNode("limits", n.Args, n, cfg.Globals, &g); err != nil {
			return nil, err
		}
		return g, nil
	}, &endp.limits)
	cfg.Custom("scenarios", false, false, nil, func(cfg *config.Map, n config.Node) (interface{}, error) {
		var s *scenario.Scenarios
		if err := modconfig.GroupFromNode("scenarios", n.Args, n, cfg.Globals, &s); err != nil {
			return nil, err
		}
		return s, nil
	}, &endp.scenarios)
	cfg.Custom("webhook", false, false, nil, func(cfg *config.Map, n config.Node) (interface{}, error) {
		var h *webhook.Hook
		if err := modconfig.GroupFromNode("webhook", n.Args, n, cfg.Globals, &h); err != nil {
			return nil, err
		}
		return h, nil
	}, &endp.hook)
	cfg.Custom("bots", false, false, nil, func(cfg *config.Map, n config.Node) (interface{}, error) {
		var b *bots.Bots
		if err := modconfig.GroupFromNode("bots", n.Args, n, cfg.Globals, &b); err != nil {
			return nil, err
		}
		return b, nil
	}, &endp.bots)
	cfg.Callback("check", func(m *config.Map, node config.Node) error {
		for _, child := range node.Children {
			c, err := modconfig.MessageCheck(m.Globals, append([]string{child.Name}, child.Args...), child)
			if err != nil {
				return err
			}
			endp.checks.Checks = append(endp.checks.Checks, c)
			if early, ok := c.(module.EarlyCheck); ok {
				endp.earlyChecks = append(endp.earlyChecks, early)
			}
		}
		return nil
	})
	cfg.Custom("deliver_to", false, false, nil, modconfig.DeliveryDirective, &endp.target)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	// Deprecated alias. If both are set the smaller bound wins.
	if transactionsLimit != 0 && (endp.envelopeLimit == 0 || transactionsLimit < endp.envelopeLimit) {
		endp.envelopeLimit = transactionsLimit
	}

	if tarpitBase != 0 {
		endp.tarpit = newTarpit(tarpitBase, tarpitMax)
	}
	if endp.limits == nil {
		endp.limits = &limits.Group{}
	}

	endp.wrapChaos()
	if endp.serv.TLSConfig != nil {
		endp.serv.TLSConfig = endp.restrictedTLSConfig(endp.serv.TLSConfig)
	}

	// AUTH is advertised iff the session reports SASL mechanisms, so an
	// endpoint without providers simply does not offer it.
	if endp.submission {
		endp.authAlwaysRequired = true
		if len(endp.saslAuth.SASLMechanisms()) == 0 {
			return fmt.Errorf("%s: auth. provider must be set for submission endpoint", endp.name)
		}
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.3.
	var err error
	endp.serv.Domain, err = idna.ToASCII(endp.hostname)
	if err != nil {
		return fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", endp.name, err)
	}

	if ioDebug {
		endp.serv.Debug = endp.Log.DebugWriter()
		endp.Log.Println("I/O debugging is on! It may leak passwords in logs, be careful!")
	}

	return nil
}

// wrapChaos installs the forced-result decorator around every chaos-capable
// check. Done once at configuration time so the real processors carry no
// per-call branching.
func (endp *Endpoint) wrapChaos() {
	if !endp.chaosHeaders {
		return
	}
	for i, c := range endp.checks.Checks {
		ct, ok := c.(check.ChaosTarget)
		if !ok {
			continue
		}
		name, reject := ct.ChaosProcessor()
		if name == "" {
			continue
		}
		endp.checks.Checks[i] = chaos.Wrap(c, name, reject)
	}
}

// restrictedTLSConfig defers the effective TLS parameters to handshake time
// so a scenario STARTTLS entry can restrict protocols and ciphers for the
// EHLO identity the session presented. Connections without a session (the
// implicit TLS listeners) use base unchanged.
func (endp *Endpoint) restrictedTLSConfig(base *tls.Config) *tls.Config {
	wrapper := base.Clone()
	wrapper.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		v, ok := endp.tlsSessions.Load(hello.Conn)
		if !ok {
			return base, nil
		}
		s := v.(*Session)
		cfg, err := s.scenario().RestrictTLSConfig(s.ehlo(), base)
		if err != nil {
			s.log.Error("unusable STARTTLS restriction", err, "ehlo", s.ehlo())
			return base, nil
		}
		return cfg, nil
	}
	return wrapper
}

func (endp *Endpoint) setupListeners(addresses []config.Endpoint) error {
	for _, addr := range addresses {
		l, err := net.Listen(addr.Network(), addr.Address())
		if err != nil {
			return fmt.Errorf("%s: %w", endp.name, err)
		}
		endp.Log.Printf("listening on %v", addr)

		if addr.IsTLS() {
			if endp.serv.TLSConfig == nil {
				return fmt.Errorf("%s: can't bind on SMTPS endpoint without TLS configuration", endp.name)
			}
			l = tls.NewListener(l, endp.serv.TLSConfig)
		} else if len(endp.xclientTrusted) != 0 {
			// The preamble runs on the raw stream, it cannot be combined
			// with implicit TLS.
			l = &xclientListener{Listener: l, trusted: endp.xclientTrusted, log: endp.Log}
		}

		endp.listeners = append(endp.listeners, l)

		endp.listenersWg.Add(1)
		addr := addr
		go func() {
			if err := endp.serv.Serve(l); err != nil {
				endp.Log.Printf("failed to serve %s: %s", addr, err)
			}
			endp.listenersWg.Done()
		}()
	}

	return nil
}

// Accepting reports whether the endpoint listeners are still open. The
// health endpoint degrades when any endpoint stops accepting.
func (endp *Endpoint) Accepting() bool {
	for _, l := range endp.listeners {
		if l == nil {
			return false
		}
	}
	return len(endp.listeners) != 0
}

func (endp *Endpoint) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	if err := endp.admitConn(conn); err != nil {
		return nil, err
	}
	return endp.newSession(conn), nil
}

func (endp *Endpoint) newSession(conn *smtp.Conn) *Session {
	s := &Session{
		endp: endp,
		conn: conn,
		log:  endp.Log,
		connState: module.ConnState{
			RemoteAddr: conn.Conn().RemoteAddr(),
			LocalAddr:  conn.Conn().LocalAddr(),
		},
		sessionCtx: context.Background(),
	}
	s.sessionID = fmt.Sprintf("%08x", rand.Uint32())

	if endp.serv.LMTP {
		s.connState.Proto = "LMTP"
	} else if _, ok := conn.TLSConnectionState(); ok {
		s.connState.Proto = "ESMTPS"
	} else {
		s.connState.Proto = "ESMTP"
	}

	// The preamble rewrites the visible peer identity before go-smtp sees
	// any command.
	if xc := xclientInfo(conn.Conn()); xc != nil {
		if xc.Addr != nil {
			s.connState.RemoteAddr = xc.Addr
		}
		if xc.Helo != "" {
			s.heloOverride = xc.Helo
		}
		if xc.Name != "" {
			s.connState.RDNSName = future.New()
			s.connState.RDNSName.Set(xc.Name, nil)
		}
	}

	if endp.resolver != nil && s.connState.RDNSName == nil {
		rdnsCtx, cancelRDNS := context.WithCancel(s.sessionCtx)
		s.connState.RDNSName = future.New()
		s.cancelRDNS = cancelRDNS
		go s.fetchRDNSName(rdnsCtx)
	}

	s.rawConn = conn.Conn()
	endp.tlsSessions.Store(s.rawConn, s)

	// The session is created per EHLO, so the greeting gets its transcript
	// entry here.
	if endp.serv.LMTP {
		s.record("LHLO", nil)
	} else {
		s.record("EHLO", nil)
	}

	startedSessions.WithLabelValues(endp.name).Inc()
	return s
}

// admitConn applies the connection-level admission controls in order:
// blocklist, early checks (RBL), connection limit.
func (endp *Endpoint) admitConn(conn *smtp.Conn) error {
	var ip net.IP
	if tcpAddr, ok := conn.Conn().RemoteAddr().(*net.TCPAddr); ok {
		ip = tcpAddr.IP
	}

	for _, ipNet := range endp.blocklist {
		if ip != nil && ipNet.Contains(ip) {
			admissionRejects.WithLabelValues(endp.name, "blocklist").Inc()
			endp.Log.Msg("connection blocklisted", "src_ip", conn.Conn().RemoteAddr())
			return &smtp.SMTPError{
				Code:         554,
				EnhancedCode: smtp.EnhancedCode{5, 7, 1},
				Message:      "Access denied",
			}
		}
	}

	if len(endp.earlyChecks) != 0 {
		state := module.ConnState{
			RemoteAddr: conn.Conn().RemoteAddr(),
			LocalAddr:  conn.Conn().LocalAddr(),
		}
		for _, early := range endp.earlyChecks {
			if err := early.CheckConnection(context.TODO(), &state); err != nil {
				admissionRejects.WithLabelValues(endp.name, "early_check").Inc()
				return endp.wrapErr("", false, "EHLO", err)
			}
		}
	}

	// The slot is reserved with the same Add that counts the session so
	// concurrent accepts cannot overshoot the bound.
	if taken := endp.activeConns.Add(1); endp.maxConnections != 0 && taken > int64(endp.maxConnections) {
		endp.activeConns.Add(-1)
		admissionRejects.WithLabelValues(endp.name, "conn_limit").Inc()
		return &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 4, 5},
			Message:      "Too many connections, try again later",
		}
	}

	return nil
}

func (endp *Endpoint) Close() error {
	endp.serv.Close()
	endp.listenersWg.Wait()
	if endp.bots != nil {
		endp.bots.Close()
	}
	return nil
}

func init() {
	module.RegisterEndpoint("smtp", New)
	module.RegisterEndpoint("submission", New)
	module.RegisterEndpoint("lmtp", New)

	rand.Seed(time.Now().UnixNano())
}
