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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/robin-mta/robin/framework/address"
	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/dns"
	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/scenario"
	"github.com/robin-mta/robin/internal/target"
	"github.com/robin-mta/robin/internal/webhook"
)

func limitReader(r io.Reader, n int64, err error) *limitedReader {
	return &limitedReader{R: r, N: n, E: err, Enabled: true}
}

type limitedReader struct {
	R       io.Reader
	N       int64
	E       error
	Enabled bool
}

// same as io.LimitedReader.Read except returning the custom error and the option
// to be disabled
func (l *limitedReader) Read(p []byte) (n int, err error) {
	if !l.Enabled {
		return l.R.Read(p)
	}
	if l.N <= 0 {
		return 0, l.E
	}
	if int64(len(p)) > l.N {
		p = p[0:l.N]
	}
	n, err = l.R.Read(p)
	l.N -= int64(n)
	return
}

// Transaction is one entry of the session transcript: the command verb, the
// response line recorded for it and whether the response was an error.
type Transaction struct {
	Verb     string
	Response string
	Failed   bool
}

type Session struct {
	endp *Endpoint
	conn *smtp.Conn

	// sessionCtx is not used for cancellation or timeouts, only as the
	// parent for rDNS resolution.
	sessionCtx context.Context
	cancelRDNS func()
	connState  module.ConnState
	sessionID  string

	// rawConn keys the endpoint's session registry used by the STARTTLS
	// handshake hook.
	rawConn net.Conn

	// heloOverride is set by the XCLIENT preamble and shadows the
	// hostname go-smtp parsed from EHLO.
	heloOverride string

	// scen is the scenario snapshot captured on first use so a reload
	// never changes behavior mid-session.
	scen *scenario.Table

	envelopes        int
	commands         int
	errorCount       int
	dying            bool
	repeatedMailErrs int
	loggedRcptErrors int

	transcript []Transaction

	// Specific for the currently handled message. Mutex is used to prevent
	// Logout from accessing inconsistent state when it is called
	// asynchronously to any SMTP command.
	msgLock     sync.Mutex
	mailFrom    string
	opts        smtp.MailOptions
	rcpts       []string
	msgMeta     *module.MsgMetadata
	delivery    module.Delivery
	checkState  module.CheckState
	checkHeader textproto.Header
	discard     bool
	deliveryErr error

	log log.Logger
}

func (s *Session) ehlo() string {
	if s.heloOverride != "" {
		return s.heloOverride
	}
	return s.conn.Hostname()
}

func (s *Session) scenario() *scenario.Table {
	if s.scen == nil {
		if s.endp.scenarios != nil {
			s.scen = s.endp.scenarios.Snapshot()
		} else {
			s.scen = scenario.Empty()
		}
	}
	return s.scen
}

// record appends a transcript entry for the verb.
func (s *Session) record(verb string, err error) {
	entry := Transaction{Verb: verb}
	if err != nil {
		entry.Failed = true
		entry.Response = err.Error()
	} else {
		entry.Response = "250"
	}
	s.transcript = append(s.transcript, entry)
}

// Transcript returns a copy of the session transaction log.
func (s *Session) Transcript() []Transaction {
	out := make([]Transaction, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// beginCommand runs the per-command session bookkeeping: the command-flood
// bound and the terminal state entered once errorLimit is reached.
func (s *Session) beginCommand(verb string) error {
	s.commands++
	if s.dying {
		// The bye was already sent, drop the connection on the next
		// command instead of serving a wedged client forever.
		s.conn.Close()
		return tooManyErrors()
	}
	if s.endp.commandLimit != 0 && s.commands > s.endp.commandLimit {
		admissionRejects.WithLabelValues(s.endp.name, "command_flood").Inc()
		s.dying = true
		return &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many commands, closing transmission channel",
		}
	}
	return nil
}

func tooManyErrors() *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Too many errors, closing transmission channel",
	}
}

// fail wraps a command failure: the error counter advances, the tarpit
// penalizes the peer and the transcript records the outcome.
func (s *Session) fail(verb string, err error) error {
	s.record(verb, err)
	s.errorCount++
	if s.endp.tarpit != nil {
		if ip := s.remoteIP(); ip != nil {
			s.endp.tarpit.Delay(s.sessionCtx, ip)
		}
	}
	if s.endp.errorLimit != 0 && s.errorCount >= s.endp.errorLimit {
		s.dying = true
		s.log.Msg("error limit reached, closing session", "src_ip", s.connState.RemoteAddr, "errors", s.errorCount)
		return tooManyErrors()
	}
	return err
}

func (s *Session) ok(verb string) {
	s.record(verb, nil)
}

func (s *Session) remoteIP() net.IP {
	if tcpAddr, ok := s.connState.RemoteAddr.(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}

func (s *Session) event(verb, argument string) webhook.Event {
	ev := webhook.Event{
		Session: webhook.SessionInfo{
			ID:       s.sessionID,
			EHLO:     s.ehlo(),
			AuthUser: s.connState.AuthUser,
		},
		Verb:     verb,
		Argument: argument,
	}
	if ip := s.remoteIP(); ip != nil {
		ev.Session.RemoteIP = ip.String()
	}
	if _, ok := s.conn.TLSConnectionState(); ok {
		ev.Session.TLS = true
	}
	if s.msgMeta != nil {
		ev.Envelope = &webhook.EnvelopeInfo{
			ID:       s.msgMeta.ID,
			MailFrom: s.mailFrom,
			RcptTo:   s.rcpts,
		}
	}
	return ev
}

// override consults the webhook and the scenario table before the default
// response is emitted. A waited-for webhook reply with an smtpResponse wins
// over the scenario entry; a webhook accept-override suppresses the
// scenario entirely.
func (s *Session) override(ctx context.Context, verb, arg string) error {
	if s.endp.hook != nil {
		ov, err := s.endp.hook.Notify(ctx, s.event(verb, arg))
		if err != nil {
			return err
		}
		if ov != nil {
			if ov.Reject() {
				return ov.SMTPError()
			}
			return nil
		}
	}

	if resp, ok := s.scenario().Lookup(s.ehlo(), verb, arg); ok && resp.Reject() {
		return &exterrors.SMTPError{
			Code:         resp.Code,
			EnhancedCode: exterrors.EnhancedCode{resp.Code / 100, 0, 0},
			Message:      resp.Text,
			TargetName:   "scenario",
			Reason:       "scenario override",
		}
	}
	return nil
}

func (s *Session) AuthMechanisms() []string {
	return s.endp.saslAuth.SASLMechanisms()
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if err := s.beginCommand("AUTH"); err != nil {
		return nil, err
	}
	if err := s.override(context.TODO(), "AUTH", mech); err != nil {
		return nil, s.fail("AUTH", s.endp.wrapErr("", true, "AUTH", err))
	}

	srv := s.endp.saslAuth.CreateSASL(mech, s.connState.RemoteAddr, func(username string) error {
		s.connState.AuthUser = username
		s.ok("AUTH")
		return nil
	})
	return countingSASL{srv, s}, nil
}

type countingSASL struct {
	sasl.Server
	s *Session
}

func (c countingSASL) Next(response []byte) ([]byte, bool, error) {
	challenge, done, err := c.Server.Next(response)
	if err != nil {
		failedLogins.WithLabelValues(c.s.endp.name).Inc()
		c.s.record("AUTH", err)
		c.s.errorCount++
	}
	return challenge, done, err
}

func (s *Session) Reset() {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.delivery != nil {
		s.abort(s.sessionCtx)
	}
	s.endp.Log.DebugMsg("reset")
}

func (s *Session) releaseLimits() {
	domain := ""
	if s.mailFrom != "" {
		var err error
		_, domain, err = address.Split(s.mailFrom)
		if err != nil {
			return
		}
	}

	addr, ok := s.msgMeta.Conn.RemoteAddr.(*net.TCPAddr)
	if !ok {
		addr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
	}
	s.endp.limits.ReleaseMsg(addr.IP, domain)
}

func (s *Session) abort(ctx context.Context) {
	if err := s.delivery.Abort(ctx); err != nil {
		s.endp.Log.Error("delivery abort failed", err)
	}
	s.log.Msg("aborted", "msg_id", s.msgMeta.ID)
	abortedTransactions.WithLabelValues(s.endp.name).Inc()
	s.cleanTransaction()
}

func (s *Session) cleanTransaction() {
	s.releaseLimits()

	if s.checkState != nil {
		if err := s.checkState.Close(); err != nil {
			s.endp.Log.Error("check state close failed", err)
		}
	}

	s.mailFrom = ""
	s.opts = smtp.MailOptions{}
	s.rcpts = nil
	s.msgMeta = nil
	s.delivery = nil
	s.checkState = nil
	s.checkHeader = textproto.Header{}
	s.discard = false
	s.deliveryErr = nil
}

func (s *Session) startTransaction(ctx context.Context, from string, opts smtp.MailOptions) (string, error) {
	var err error
	s.connState.Hostname = s.ehlo()
	msgMeta := &module.MsgMetadata{
		Conn:      &s.connState,
		SMTPOpts:  opts,
		SessionID: s.sessionID,
	}
	msgMeta.ID, err = module.GenerateMsgID()
	if err != nil {
		return "", err
	}

	if s.connState.AuthUser != "" {
		s.log.Msg("incoming message",
			"src_host", msgMeta.Conn.Hostname,
			"src_ip", msgMeta.Conn.RemoteAddr.String(),
			"sender", from,
			"msg_id", msgMeta.ID,
			"username", s.connState.AuthUser,
		)
	} else {
		s.log.Msg("incoming message",
			"src_host", msgMeta.Conn.Hostname,
			"src_ip", msgMeta.Conn.RemoteAddr.String(),
			"sender", from,
			"msg_id", msgMeta.ID,
		)
	}

	// INTERNATIONALIZATION: Do not permit non-ASCII addresses unless SMTPUTF8 is
	// used.
	if !opts.UTF8 && !address.IsASCII(from) {
		return "", &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is required for non-ASCII senders",
		}
	}

	msgMeta.OriginalFrom = from

	domain := ""
	if from != "" {
		_, domain, err = address.Split(from)
		if err != nil {
			return "", err
		}
	}
	remoteIP, ok := msgMeta.Conn.RemoteAddr.(*net.TCPAddr)
	if !ok {
		remoteIP = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
	}
	if err := s.endp.limits.TakeMsg(context.Background(), remoteIP.IP, domain); err != nil {
		ratelimitDefers.WithLabelValues(s.endp.name).Inc()
		return "", err
	}

	release := func() {
		s.endp.limits.ReleaseMsg(remoteIP.IP, domain)
	}

	abort := func(err error) (string, error) {
		if s.checkState != nil {
			if closeErr := s.checkState.Close(); closeErr != nil {
				s.endp.Log.Error("check state close failed", closeErr)
			}
			s.checkState = nil
		}
		release()
		return msgMeta.ID, err
	}

	if len(s.endp.checks.Checks) != 0 {
		checkState, err := s.endp.checks.CheckStateForMsg(ctx, msgMeta)
		if err != nil {
			return abort(err)
		}
		s.checkState = checkState

		if err := s.applyCheck(msgMeta, s.checkState.CheckConnection(ctx)); err != nil {
			return abort(err)
		}
		if err := s.applyCheck(msgMeta, s.checkState.CheckSender(ctx, from)); err != nil {
			return abort(err)
		}
	}

	if s.endp.target != nil {
		delivery, err := s.endp.target.Start(ctx, msgMeta, from)
		if err != nil {
			return abort(err)
		}
		s.delivery = delivery
	}

	startedTransactions.WithLabelValues(s.endp.name).Inc()

	s.msgMeta = msgMeta
	s.mailFrom = from

	return msgMeta.ID, nil
}

// applyCheck folds one processor verdict into the transaction: Reject
// surfaces the reason, Discard accepts-but-drops, Quarantine flags the
// metadata and prepended header fields accumulate for the final message.
func (s *Session) applyCheck(msgMeta *module.MsgMetadata, res module.CheckResult) error {
	if res.Reject {
		if res.Reason != nil {
			return res.Reason
		}
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Message rejected due to local policy",
		}
	}
	if res.Discard {
		s.discard = true
	}
	if res.Quarantine {
		msgMeta.Quarantine = true
	}
	for f := res.Header.Fields(); f.Next(); {
		s.checkHeader.Add(f.Key(), f.Value())
	}
	return nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if err := s.beginCommand("MAIL"); err != nil {
		return err
	}
	if s.endp.authAlwaysRequired && s.connState.AuthUser == "" {
		return s.fail("MAIL", smtp.ErrAuthRequired)
	}

	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.endp.envelopeLimit != 0 && s.envelopes >= s.endp.envelopeLimit {
		s.dying = true
		return &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Envelope limit reached for this session",
		}
	}

	if err := s.override(context.TODO(), "MAIL", from); err != nil {
		return s.fail("MAIL", s.endp.wrapErr("", !opts.UTF8, "MAIL", err))
	}

	if !s.endp.deferServerReject {
		msgID, err := s.startTransaction(s.sessionCtx, from, *opts)
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				s.log.Error("MAIL FROM error", err, "msg_id", msgID)
			}
			return s.fail("MAIL", s.endp.wrapErr(msgID, !opts.UTF8, "MAIL", err))
		}
	}

	// Keep the MAIL FROM argument for deferred startTransaction.
	s.mailFrom = from
	s.opts = *opts
	s.envelopes++
	s.ok("MAIL")

	return nil
}

func (s *Session) fetchRDNSName(ctx context.Context) {
	tcpAddr, ok := s.connState.RemoteAddr.(*net.TCPAddr)
	if !ok {
		s.connState.RDNSName.Set(nil, nil)
		return
	}

	name, err := dns.LookupAddr(ctx, s.endp.resolver, tcpAddr.IP)
	if err != nil {
		dnsErr, ok := err.(*net.DNSError)
		if ok && dnsErr.IsNotFound {
			s.connState.RDNSName.Set(nil, nil)
			return
		}

		reason, misc := exterrors.UnwrapDNSErr(err)
		misc["reason"] = reason
		if !strings.HasSuffix(reason, "canceled") {
			// Often occurs when the transaction completes before the rDNS
			// lookup and the name was not actually needed.
			s.log.Error("rDNS error", exterrors.WithFields(err, misc), "src_ip", s.connState.RemoteAddr)
		}
		s.connState.RDNSName.Set(nil, err)
		return
	}

	s.connState.RDNSName.Set(name, nil)
}

func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if err := s.beginCommand("RCPT"); err != nil {
		return err
	}

	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if err := s.override(context.TODO(), "RCPT", to); err != nil {
		return s.fail("RCPT", s.endp.wrapErr("", !s.opts.UTF8, "RCPT", err))
	}

	// deferServerReject = true and this is the first RCPT TO command.
	if s.msgMeta == nil {
		// If we already attempted to initialize the transaction - fail
		// again.
		if s.deliveryErr != nil {
			s.repeatedMailErrs++
			// The deliveryErr is already wrapped.
			return s.fail("RCPT", s.deliveryErr)
		}

		msgID, err := s.startTransaction(s.sessionCtx, s.mailFrom, s.opts)
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				s.log.Error("MAIL FROM error (deferred)", err, "rcpt", to, "msg_id", msgID)
			}
			s.deliveryErr = s.endp.wrapErr(msgID, !s.opts.UTF8, "RCPT", err)
			return s.fail("RCPT", s.deliveryErr)
		}
	}

	if err := s.rcpt(context.TODO(), to); err != nil {
		if s.loggedRcptErrors < s.endp.maxLoggedRcptErrors {
			s.log.Error("RCPT error", err, "rcpt", to, "msg_id", s.msgMeta.ID)
			s.loggedRcptErrors++
			if s.loggedRcptErrors == s.endp.maxLoggedRcptErrors {
				s.log.Msg("too many RCPT errors, possible dictonary attack", "src_ip", s.connState.RemoteAddr, "msg_id", s.msgMeta.ID)
			}
		}
		return s.fail("RCPT", s.endp.wrapErr(s.msgMeta.ID, !s.opts.UTF8, "RCPT", err))
	}
	s.rcpts = append(s.rcpts, to)
	s.ok("RCPT")
	s.endp.Log.Msg("RCPT ok", "rcpt", to, "msg_id", s.msgMeta.ID)
	return nil
}

func (s *Session) rcpt(ctx context.Context, to string) error {
	// INTERNATIONALIZATION: Do not permit non-ASCII addresses unless SMTPUTF8 is
	// used.
	if !address.IsASCII(to) && !s.opts.UTF8 {
		return &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is required for non-ASCII recipients",
		}
	}

	if s.checkState != nil {
		if err := s.applyCheck(s.msgMeta, s.checkState.CheckRcpt(ctx, to)); err != nil {
			return err
		}
	}

	if s.delivery != nil {
		return s.delivery.AddRcpt(ctx, to)
	}
	return nil
}

func (s *Session) Logout() error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.delivery != nil {
		s.abort(s.sessionCtx)

		if s.repeatedMailErrs > s.endp.maxLoggedRcptErrors {
			s.log.Msg("MAIL FROM repeated error a lot of times, possible dictonary attack", "count", s.repeatedMailErrs, "src_ip", s.connState.RemoteAddr)
		}
	}
	if s.cancelRDNS != nil {
		s.cancelRDNS()
	}
	s.endp.tlsSessions.Delete(s.rawConn)
	if s.endp.hook != nil {
		if _, err := s.endp.hook.Notify(context.Background(), s.event("QUIT", "")); err != nil {
			s.endp.Log.Error("webhook notify failed", err, "verb", "QUIT")
		}
	}
	s.endp.activeConns.Add(-1)
	return nil
}

func (s *Session) prepareBody(r io.Reader) (textproto.Header, buffer.Buffer, error) {
	limitr := limitReader(r, int64(s.endp.maxHeaderBytes), &exterrors.SMTPError{
		Code:         552,
		EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
		Message:      "Message header size exceeds limit",
	})

	bufr := bufio.NewReader(limitr)
	header, err := textproto.ReadHeader(bufr)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("I/O error while parsing header: %w", err)
	}

	if s.endp.submission {
		// The MsgMetadata is passed by pointer all the way down.
		if err := s.submissionPrepare(s.msgMeta, &header); err != nil {
			return textproto.Header{}, nil, err
		}
	}

	// the header size check is done. The message size is checked by go-smtp
	limitr.Enabled = false

	buf, err := s.endp.buffer(bufr)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("I/O error while writing buffer: %w", err)
	}

	return header, buf, nil
}

// ingestBody is the common part of Data and LMTPData up to the point where
// the delivery semantics differ.
func (s *Session) ingestBody(ctx context.Context, r io.Reader) (textproto.Header, buffer.Buffer, error) {
	if s.endp.slowMinRate != 0 {
		r = newRateWatcher(r, s.endp.slowMinRate, s.endp.slowWindow, func() {
			admissionRejects.WithLabelValues(s.endp.name, "slow_transfer").Inc()
		})
	}

	header, buf, err := s.prepareBody(r)
	if err != nil {
		return textproto.Header{}, nil, err
	}

	cleanup := func() {
		if err := buf.Remove(); err != nil {
			s.log.Error("failed to remove buffered body", err)
		}
	}

	if err := s.checkRoutingLoops(header); err != nil {
		cleanup()
		return textproto.Header{}, nil, err
	}

	if err := s.override(ctx, "DATA", ""); err != nil {
		cleanup()
		return textproto.Header{}, nil, err
	}

	if s.checkState != nil {
		if err := s.applyCheck(s.msgMeta, s.checkState.CheckBody(ctx, header, buf)); err != nil {
			cleanup()
			return textproto.Header{}, nil, err
		}
	}

	// Prepend fields produced by the check chain, then the trace field,
	// so checks see the message literally as received.
	for f := s.checkHeader.Fields(); f.Next(); {
		header.Add(f.Key(), f.Value())
	}
	if received, err := target.GenerateReceived(ctx, s.msgMeta, s.endp.serv.Domain, s.msgMeta.OriginalFrom); err == nil {
		header.Add("Received", received)
	}

	return header, buf, nil
}

func (s *Session) finishIngestion(header textproto.Header) {
	completedTransactions.WithLabelValues(s.endp.name).Inc()

	if s.endp.bots != nil {
		s.endp.bots.Dispatch(s.msgMeta, s.mailFrom, s.rcpts, header)
	}
}

func (s *Session) Data(r io.Reader) error {
	if err := s.beginCommand("DATA"); err != nil {
		return err
	}

	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	wrapErr := func(err error) error {
		s.log.Error("DATA error", err, "msg_id", s.msgMeta.ID)
		return s.fail("DATA", s.endp.wrapErr(s.msgMeta.ID, !s.opts.UTF8, "DATA", err))
	}

	ctx := s.sessionCtx
	header, buf, err := s.ingestBody(ctx, r)
	if err != nil {
		// go-smtp will call Reset which aborts the pending delivery.
		return wrapErr(err)
	}
	defer func() {
		if err := buf.Remove(); err != nil {
			s.log.Error("failed to remove buffered body", err)
		}
		// go-smtp will call Reset, but it will call Abort if delivery is
		// non-nil.
		s.cleanTransaction()
	}()

	if s.discard {
		if s.delivery != nil {
			if err := s.delivery.Abort(ctx); err != nil {
				s.log.Error("delivery abort failed", err)
			}
			s.delivery = nil
		}
		s.log.Msg("discarded", "msg_id", s.msgMeta.ID)
		s.ok("DATA")
		s.finishIngestion(header)
		return nil
	}

	if s.delivery != nil {
		if err := s.delivery.Body(ctx, header, buf); err != nil {
			return wrapErr(err)
		}
		if err := s.delivery.Commit(ctx); err != nil {
			return wrapErr(err)
		}
		s.delivery = nil
	}

	s.log.Msg("accepted", "msg_id", s.msgMeta.ID)
	s.ok("DATA")
	s.finishIngestion(header)

	return nil
}

type statusWrapper struct {
	sc smtp.StatusCollector
	s  *Session
}

func (sw statusWrapper) SetStatus(rcpt string, err error) {
	sw.s.record("DATA:"+rcpt, err)
	sw.sc.SetStatus(rcpt, sw.s.endp.wrapErr(sw.s.msgMeta.ID, !sw.s.opts.UTF8, "DATA", err))
}

func (s *Session) LMTPData(r io.Reader, sc smtp.StatusCollector) error {
	if err := s.beginCommand("DATA"); err != nil {
		return err
	}

	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	wrapErr := func(err error) error {
		s.log.Error("DATA error", err, "msg_id", s.msgMeta.ID)
		return s.fail("DATA", s.endp.wrapErr(s.msgMeta.ID, !s.opts.UTF8, "DATA", err))
	}

	ctx := s.sessionCtx
	header, buf, err := s.ingestBody(ctx, r)
	if err != nil {
		return wrapErr(err)
	}
	defer func() {
		if err := buf.Remove(); err != nil {
			s.log.Error("failed to remove buffered body", err)
		}
		s.cleanTransaction()
	}()

	if s.delivery == nil {
		return wrapErr(&exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 5},
			Message:      "LMTP endpoint requires a configured delivery target",
		})
	}

	partial, ok := s.delivery.(module.PartialDelivery)
	if !ok {
		// The target cannot report per-recipient status, emulate it with
		// the atomic result.
		err := s.delivery.Body(ctx, header, buf)
		for _, rcpt := range s.rcpts {
			sc.SetStatus(rcpt, s.endp.wrapErr(s.msgMeta.ID, !s.opts.UTF8, "DATA", err))
			s.record("DATA:"+rcpt, err)
		}
		if err := s.delivery.Commit(ctx); err != nil {
			return wrapErr(err)
		}
		s.delivery = nil
		s.finishIngestion(header)
		return nil
	}

	partial.BodyNonAtomic(ctx, statusWrapper{sc, s}, header, buf)

	// We can't really tell whether it failed completely or succeeded so
	// always commit. Should be harmless, anyway.
	if err := s.delivery.Commit(ctx); err != nil {
		return wrapErr(err)
	}
	s.delivery = nil

	s.log.Msg("accepted", "msg_id", s.msgMeta.ID)
	s.finishIngestion(header)

	return nil
}

func (s *Session) checkRoutingLoops(header textproto.Header) error {
	// RFC 5321 Section 6.3:
	// >Simple counting of the number of "Received:" header fields in a
	// >message has proven to be an effective, although rarely optimal,
	// >method of detecting loops in mail systems.
	receivedCount := 0
	for f := header.FieldsByKey("Received"); f.Next(); {
		receivedCount++
	}
	if receivedCount > s.endp.maxReceived {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 6},
			Message:      fmt.Sprintf("Too many Received header fields (%d), possible forwarding loop", receivedCount),
		}
	}

	return nil
}

func (endp *Endpoint) wrapErr(msgID string, mangleUTF8 bool, command string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 4, 5},
			Message:      "High load, try again later",
		}
	}

	res := &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCodeNotSet,
		// Err on the side of caution if the error lacks SMTP annotations. If
		// we just pass the error text through, we might accidentally disclose
		// details of server configuration.
		Message: "Internal server error",
	}

	if exterrors.IsTemporary(err) {
		res.Code = 451
	}

	ctxInfo := exterrors.Fields(err)
	ctxCode, ok := ctxInfo["smtp_code"].(int)
	if ok {
		res.Code = ctxCode
	}
	ctxEnchCode, ok := ctxInfo["smtp_enchcode"].(exterrors.EnhancedCode)
	if ok {
		res.EnhancedCode = smtp.EnhancedCode(ctxEnchCode)
	}
	ctxMsg, ok := ctxInfo["smtp_msg"].(string)
	if ok {
		res.Message = ctxMsg
	}

	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		res.Code = smtpErr.Code
		res.EnhancedCode = smtpErr.EnhancedCode
		res.Message = smtpErr.Message
	}

	if msgID != "" {
		res.Message += " (msg ID = " + msgID + ")"
	}

	failedCmds.WithLabelValues(endp.name, command, strconv.Itoa(res.Code),
		fmt.Sprintf("%d.%d.%d",
			res.EnhancedCode[0],
			res.EnhancedCode[1],
			res.EnhancedCode[2])).Inc()

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.4.1.
	if mangleUTF8 {
		b := strings.Builder{}
		b.Grow(len(res.Message))
		for _, ch := range res.Message {
			if ch > 128 {
				b.WriteRune('?')
			} else {
				b.WriteRune(ch)
			}
		}
		res.Message = b.String()
	}

	return res
}
