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

// Package remote implements the outbound delivery target that discovers
// servers using DNS MX records, applies the recipient domain MTA-STS policy
// and groups domains sharing one MX set into routes.
//
// Implemented interfaces:
// - module.DeliveryTarget
// - module.PartialDelivery
package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime/trace"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/go-mtasts"
	"golang.org/x/net/idna"

	"github.com/robin-mta/robin/framework/address"
	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/dns"
	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/future"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/smtpconn"
	"github.com/robin-mta/robin/internal/target"
)

type TLSLevel int

const (
	TLSNone TLSLevel = iota
	TLSEncrypted
	TLSAuthenticated
)

func (l TLSLevel) String() string {
	switch l {
	case TLSNone:
		return "none"
	case TLSEncrypted:
		return "encrypted"
	case TLSAuthenticated:
		return "authenticated"
	}
	return "???"
}

var smtpPort = "25"

func moduleError(err error) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"target": "remote",
	})
}

type Target struct {
	name        string
	hostname    string
	minTLSLevel TLSLevel
	tlsConfig   *tls.Config

	resolver dns.Resolver
	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)

	// Callback used to mock the mtasts.Cache in tests. Nil in real code,
	// mtastsCache is used then.
	mtastsGet func(ctx context.Context, domain string) (*mtasts.Policy, error)

	mtastsCache        mtasts.Cache
	stsCacheUpdateTick *time.Ticker
	stsCacheUpdateDone chan struct{}

	Log log.Logger
}

var _ module.DeliveryTarget = &Target{}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("remote: inline arguments are not used")
	}
	return &Target{
		name:               instName,
		resolver:           dns.DefaultResolver(),
		dialer:             (&net.Dialer{}).DialContext,
		Log:                log.Logger{Name: "remote"},
		stsCacheUpdateDone: make(chan struct{}),
	}, nil
}

func (rt *Target) Init(cfg *config.Map) error {
	var (
		minTLSLevel string
		mtastsDir   string
	)

	cfg.String("hostname", true, true, "", &rt.hostname)
	cfg.String("mtasts_cache", false, false, filepath.Join(config.StateDirectory, "mtasts-cache"), &mtastsDir)
	cfg.Bool("debug", true, false, &rt.Log.Debug)
	cfg.Enum("min_tls_level", false, false,
		[]string{"none", "encrypted", "authenticated"}, "encrypted", &minTLSLevel)
	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, config.TLSClientBlock, &rt.tlsConfig)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	switch minTLSLevel {
	case "none":
		rt.minTLSLevel = TLSNone
	case "encrypted":
		rt.minTLSLevel = TLSEncrypted
	case "authenticated":
		rt.minTLSLevel = TLSAuthenticated
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	var err error
	rt.hostname, err = idna.ToASCII(rt.hostname)
	if err != nil {
		return fmt.Errorf("remote: cannot represent the hostname as an A-label name: %w", err)
	}

	if err := os.MkdirAll(mtastsDir, os.ModePerm); err != nil {
		return err
	}
	rt.mtastsCache = *mtasts.NewFSCache(mtastsDir)
	rt.mtastsCache.Resolver = rt.resolver

	// MTA-STS policies typically have max_age around one day, so updating
	// them twice a day keeps them fresh most of the time.
	rt.stsCacheUpdateTick = time.NewTicker(12 * time.Hour)
	go rt.stsCacheUpdater()

	return nil
}

func (rt *Target) Close() error {
	if rt.stsCacheUpdateTick != nil {
		rt.stsCacheUpdateDone <- struct{}{}
		<-rt.stsCacheUpdateDone
	}
	return nil
}

func (rt *Target) Name() string {
	return "target.remote"
}

func (rt *Target) InstanceName() string {
	return rt.name
}

func (rt *Target) stsCacheUpdater() {
	// Always update the cache on start-up since we may have been down for
	// quite some time.
	rt.Log.Debugln("updating MTA-STS cache...")
	if err := rt.mtastsCache.Refresh(); err != nil {
		rt.Log.Msg("MTA-STS cache update error", "err", err)
	}
	rt.Log.Debugln("updating MTA-STS cache... done!")

	for {
		select {
		case <-rt.stsCacheUpdateTick.C:
			rt.Log.Debugln("updating MTA-STS cache...")
			if err := rt.mtastsCache.Refresh(); err != nil {
				rt.Log.Msg("MTA-STS cache update error", "err", err)
			}
			rt.Log.Debugln("updating MTA-STS cache... done!")
		case <-rt.stsCacheUpdateDone:
			rt.stsCacheUpdateDone <- struct{}{}
			return
		}
	}
}

// routeConn is one established connection serving all domains that share
// the same route hash.
type routeConn struct {
	*smtpconn.C

	hash    string
	domains []string

	// The MX the connection ended up being established to.
	connectedMX string

	tlsLevel TLSLevel

	// Set if any of the domains sharing the route has an enforced MTA-STS
	// policy.
	stsEnforced bool
}

type remoteDelivery struct {
	rt       *Target
	mailFrom string
	msgMeta  *module.MsgMetadata
	Log      log.Logger

	recipients []string

	// Keyed by the route hash, so domains sharing one MX set share one
	// connection and one transaction.
	connections map[string]*routeConn

	// MTA-STS policy lookups in flight or done, keyed by domain.
	policies map[string]*future.Future
}

func (rt *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	return &remoteDelivery{
		rt:          rt,
		mailFrom:    mailFrom,
		msgMeta:     msgMeta,
		Log:         target.DeliveryLogger(rt.Log, msgMeta),
		connections: map[string]*routeConn{},
		policies:    map[string]*future.Future{},
	}, nil
}

func (rd *remoteDelivery) AddRcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "remote/AddRcpt").End()

	if rd.msgMeta.Quarantine {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Refusing to deliver a quarantined message",
			TargetName:   "remote",
		}
	}

	_, domain, err := address.Split(to)
	if err != nil {
		return err
	}

	// <postmaster> is not meaningful for the remote target, it should be
	// handled by a rule before it gets here.
	if domain == "" {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "<postmaster> address is not supported",
			TargetName:   "remote",
		}
	}

	if strings.HasPrefix(domain, "[") {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "IP address literals are not supported",
			TargetName:   "remote",
		}
	}

	conn, err := rd.connectionForDomain(ctx, domain)
	if err != nil {
		return err
	}

	if err := conn.Rcpt(ctx, to); err != nil {
		return moduleError(err)
	}

	rd.recipients = append(rd.recipients, to)
	return nil
}

// stsPolicy returns the MTA-STS policy for the domain, starting the fetch
// asynchronously on first use. A nil policy (with nil error) means the
// domain publishes none.
func (rd *remoteDelivery) stsPolicy(ctx context.Context, domain string) (*mtasts.Policy, error) {
	fut, ok := rd.policies[domain]
	if !ok {
		fut = future.New()
		rd.policies[domain] = fut
		go func() {
			if rd.rt.mtastsGet != nil {
				fut.Set(rd.rt.mtastsGet(ctx, domain))
				return
			}
			fut.Set(rd.rt.mtastsCache.Get(ctx, domain))
		}()
	}

	polI, err := fut.GetContext(ctx)
	if err != nil {
		if errors.Is(err, mtasts.ErrNoPolicy) {
			return nil, nil
		}
		// Absent cached policy and the fetch failed: per RFC 8461 we
		// continue as if there was no policy, logging the error.
		rd.Log.Error("MTA-STS policy fetch error, ignoring", err, "domain", domain)
		return nil, nil
	}
	return polI.(*mtasts.Policy), nil
}

func (rd *remoteDelivery) connectionForDomain(ctx context.Context, domain string) (*smtpconn.C, error) {
	domain = strings.ToLower(domain)

	policy, err := rd.stsPolicy(ctx, domain)
	if err != nil {
		return nil, err
	}

	region := trace.StartRegion(ctx, "remote/LookupMX")
	records, err := rd.lookupMX(ctx, domain)
	region.End()
	if err != nil {
		return nil, err
	}

	records, err = filterByPolicy(domain, records, policy)
	if err != nil {
		return nil, err
	}
	stsEnforced := policy != nil && policy.Mode == mtasts.ModeEnforce

	hash := RouteHash(records)
	if c, ok := rd.connections[hash]; ok {
		// Domains sharing the route share the transaction, but the policy
		// of the joining domain still applies to the connection.
		if stsEnforced && c.tlsLevel != TLSAuthenticated {
			return nil, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "Route connection TLS is not authenticated but authentication is required by MTA-STS",
				TargetName:   "remote",
				Misc: map[string]interface{}{
					"domain": domain,
				},
			}
		}
		c.domains = append(c.domains, domain)
		c.stsEnforced = c.stsEnforced || stsEnforced
		rd.Log.DebugMsg("reusing route connection",
			"domain", domain, "route_hash", hash, "remote_server", c.connectedMX)
		return c.C, nil
	}

	conn := &routeConn{
		C:           smtpconn.New(),
		hash:        hash,
		domains:     []string{domain},
		stsEnforced: stsEnforced,
	}
	conn.Dialer = rd.rt.dialer
	conn.Log = rd.Log
	conn.Hostname = rd.rt.hostname
	conn.AddrInSMTPMsg = true

	var lastErr error
	region = trace.StartRegion(ctx, "remote/Connect+TLS")
	for _, record := range records {
		if record.Host == "." {
			region.End()
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept email (null MX)",
				TargetName:   "remote",
			}
		}

		if err := rd.attemptMX(ctx, conn, record.Host); err != nil {
			rd.Log.Error("cannot use MX", err, "remote_server", record.Host, "domain", domain)
			lastErr = err
			continue
		}
		break
	}
	region.End()

	// Still not connected? Bail out.
	if conn.Client() == nil {
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(lastErr, 451, 550),
			EnhancedCode: exterrors.SMTPEnchCode(lastErr, exterrors.EnhancedCode{0, 4, 0}),
			Message:      "No usable MXs, last err: " + lastErr.Error(),
			TargetName:   "remote",
			Err:          lastErr,
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	tlsLevelCnt.WithLabelValues(rd.rt.Name(), conn.tlsLevel.String()).Inc()
	if policy != nil {
		mxLevelCnt.WithLabelValues(rd.rt.Name(), "mtasts").Inc()
	} else {
		mxLevelCnt.WithLabelValues(rd.rt.Name(), "none").Inc()
	}

	if err := conn.Mail(ctx, rd.mailFrom, rd.msgMeta.SMTPOpts); err != nil {
		conn.Close()
		return nil, err
	}

	rd.connections[hash] = conn
	return conn.C, nil
}

// filterByPolicy removes MXs not matching the MTA-STS policy mx patterns.
//
// In enforce mode an empty result is an error. In testing mode failures are
// reported in logs only (RFC 8461 Section 5), so an empty result falls back
// to the unfiltered set.
func filterByPolicy(domain string, records []*net.MX, policy *mtasts.Policy) ([]*net.MX, error) {
	if policy == nil || policy.Mode == mtasts.ModeNone {
		return records, nil
	}

	matched := make([]*net.MX, 0, len(records))
	for _, r := range records {
		if policy.Match(strings.TrimSuffix(r.Host, ".")) || r.Host == "." {
			matched = append(matched, r)
		}
	}

	if len(matched) == 0 {
		if policy.Mode == mtasts.ModeEnforce {
			return nil, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Failed to establish the MX record authenticity (MTA-STS)",
				TargetName:   "remote",
				Misc: map[string]interface{}{
					"domain": domain,
				},
			}
		}
		return records, nil
	}
	return matched, nil
}

func isVerifyError(err error) bool {
	switch err.(type) {
	case x509.UnknownAuthorityError, x509.HostnameError,
		x509.ConstraintViolationError, x509.CertificateInvalidError:
		return true
	}
	return false
}

// attemptMX connects to the host, trying STARTTLS with PKIX verification
// first but falling back to unauthenticated TLS or plaintext as the policy
// permits.
func (rd *remoteDelivery) attemptMX(ctx context.Context, conn *routeConn, host string) error {
	tlsLevel := TLSAuthenticated
	var tlsCfg *tls.Config
	if rd.rt.tlsConfig != nil {
		tlsCfg = rd.rt.tlsConfig.Clone()
		tlsCfg.ServerName = host
	}

	rd.Log.DebugMsg("trying", "remote_server", host, "domains", conn.domains)

retry:
	didTLS, err := conn.Connect(ctx, config.Endpoint{
		Host: host,
		Port: smtpPort,
	}, tlsCfg != nil, tlsCfg)
	if err != nil {
		var tlsErr smtpconn.TLSError
		if !errors.As(err, &tlsErr) {
			return err
		}

		// Attempt TLS without authentication. It is still better than
		// plaintext, unless the policy tells otherwise below.
		//
		// The tlsLevel check prevents looping forever if the same
		// verify error happens with InsecureSkipVerify too.
		if isVerifyError(tlsErr.Err) && tlsLevel == TLSAuthenticated && !conn.stsEnforced {
			rd.Log.Error("TLS verify error, trying without authentication", tlsErr.Err,
				"remote_server", host)
			tlsCfg.InsecureSkipVerify = true
			tlsLevel = TLSEncrypted
			goto retry
		}

		if conn.stsEnforced {
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message: "Remote server TLS certificate is not trusted but " +
					"authentication is required by MTA-STS",
				TargetName: "remote",
				Err:        tlsErr.Err,
			}
		}

		rd.Log.Error("TLS error, trying plaintext", tlsErr.Err, "remote_server", host)
		tlsCfg = nil
		tlsLevel = TLSNone
		goto retry
	}
	if !didTLS {
		tlsLevel = TLSNone
	}

	if conn.stsEnforced && tlsLevel != TLSAuthenticated {
		conn.DirectClose()
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS is required by MTA-STS but unavailable",
			TargetName:   "remote",
		}
	}

	if rd.rt.minTLSLevel > tlsLevel {
		conn.DirectClose()
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS is not available or unauthenticated",
			TargetName:   "remote",
			Misc: map[string]interface{}{
				"tls_level": tlsLevel.String(),
			},
		}
	}

	conn.connectedMX = host
	conn.tlsLevel = tlsLevel
	return nil
}

func (rd *remoteDelivery) lookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	records, err := rd.rt.resolver.LookupMX(ctx, dns.FQDN(domain))
	if err != nil {
		reason, misc := exterrors.UnwrapDNSErr(err)
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "MX lookup error",
			TargetName:   "remote",
			Reason:       reason,
			Err:          err,
			Misc:         misc,
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	// Fall back to A/AAAA RRs when no MX records are present, as required
	// by RFC 5321 Section 5.1.
	if len(records) == 0 {
		records = append(records, &net.MX{
			Host: domain,
			Pref: 0,
		})
	}

	return records, nil
}

type multipleErrs struct {
	errs      map[string]error
	statusLck sync.Mutex
}

func (m *multipleErrs) Error() string {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	return fmt.Sprintf("Partial delivery failure, per-rcpt info: %+v", m.errs)
}

func (m *multipleErrs) Fields() map[string]interface{} {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()

	// If there are any temporary errors - the sender should retry to make
	// sure all recipients will get the message. However, since we can't
	// tell it which recipients got the message, this will generate
	// duplicates for them.
	//
	// We favor delivery with duplicates over incomplete delivery here.
	var (
		code     = 550
		enchCode = exterrors.EnhancedCode{5, 0, 0}
	)
	for _, err := range m.errs {
		if exterrors.IsTemporary(err) {
			code = 451
			enchCode = exterrors.EnhancedCode{4, 0, 0}
		}
	}

	return map[string]interface{}{
		"smtp_code":     code,
		"smtp_enchcode": enchCode,
		"smtp_msg":      "Partial delivery failure, additional attempts may result in duplicates",
		"target":        "remote",
		"errs":          m.errs,
	}
}

func (m *multipleErrs) SetStatus(rcptTo string, err error) {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	m.errs[rcptTo] = err
}

func (rd *remoteDelivery) Body(ctx context.Context, header textproto.Header, buffer buffer.Buffer) error {
	defer trace.StartRegion(ctx, "remote/Body").End()

	merr := multipleErrs{
		errs: make(map[string]error),
	}
	rd.BodyNonAtomic(ctx, &merr, header, buffer)

	for _, v := range merr.errs {
		if v != nil {
			if len(merr.errs) == 1 {
				return v
			}
			return &merr
		}
	}
	return nil
}

func (rd *remoteDelivery) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, b buffer.Buffer) {
	defer trace.StartRegion(ctx, "remote/BodyNonAtomic").End()

	if rd.msgMeta.Quarantine {
		for _, rcpt := range rd.recipients {
			c.SetStatus(rcpt, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Refusing to deliver quarantined message",
				TargetName:   "remote",
			})
		}
		return
	}

	var wg sync.WaitGroup

	for _, conn := range rd.connections {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()

			bodyR, err := b.Open()
			if err != nil {
				for _, rcpt := range conn.Rcpts() {
					c.SetStatus(rcpt, err)
				}
				return
			}
			defer bodyR.Close()

			err = conn.Data(ctx, header, bodyR)
			for _, rcpt := range conn.Rcpts() {
				c.SetStatus(rcpt, err)
			}
		}()
	}

	wg.Wait()
}

func (rd *remoteDelivery) Abort(ctx context.Context) error {
	return rd.Close()
}

func (rd *remoteDelivery) Commit(ctx context.Context) error {
	// It is not possible to implement it atomically, so users of
	// remoteDelivery have to take care of partial failures.
	return rd.Close()
}

func (rd *remoteDelivery) Close() error {
	for _, conn := range rd.connections {
		rd.Log.Debugf("disconnected from %s", conn.ServerName())
		conn.Close()
	}
	return nil
}

func init() {
	module.Register("target.remote", New)
}
