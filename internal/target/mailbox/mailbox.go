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

// Package mailbox implements the local mailbox delivery backend.
//
// Two transports are supported: LMTP against a set of configured servers
// (preferred when targets are configured) and an external local delivery
// agent executed per recipient with the message piped on its standard
// input. Both report per-recipient statuses.
//
// Interfaces implemented:
// - module.DeliveryTarget
// - module.PartialDelivery
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"runtime/trace"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"golang.org/x/net/idna"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/check/chaos"
	"github.com/robin-mta/robin/internal/smtpconn"
	"github.com/robin-mta/robin/internal/target"
)

// Exit codes of the delivery agent, per sysexits.h. EX_TEMPFAIL requests a
// retry, everything else non-zero is permanent.
const exTempFail = 75

const (
	behaviourRetry  = "retry"
	behaviourBounce = "bounce"
)

func moduleError(err error) error {
	if err == nil {
		return nil
	}
	return exterrors.WithFields(err, map[string]interface{}{
		"target": "mailbox",
	})
}

type Target struct {
	name     string
	hostname string

	// LMTP transport, used when at least one target endpoint is set.
	endpoints       []config.Endpoint
	attemptStartTLS bool
	requireTLS      bool
	tlsConfig       *tls.Config

	// LDA transport.
	ldaCmd  string
	ldaArgs []string

	maxAttempts      int
	retryDelay       time.Duration
	failureBehaviour string

	connectTimeout time.Duration

	Log log.Logger
}

var (
	_ module.DeliveryTarget  = &Target{}
	_ module.PartialDelivery = &delivery{}
)

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("mailbox: inline arguments are not used")
	}
	return &Target{
		name: instName,
		Log:  log.Logger{Name: "mailbox"},
	}, nil
}

func (t *Target) Init(cfg *config.Map) error {
	var targetsArg []string
	cfg.Bool("debug", true, false, &t.Log.Debug)
	cfg.String("hostname", true, true, "", &t.hostname)
	cfg.StringList("targets", false, false, nil, &targetsArg)
	cfg.Bool("attempt_starttls", false, true, &t.attemptStartTLS)
	cfg.Bool("require_tls", false, false, &t.requireTLS)
	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, config.TLSClientBlock, &t.tlsConfig)
	cfg.Custom("lda_command", false, false, func() (interface{}, error) {
		return []string(nil), nil
	}, func(_ *config.Map, node config.Node) (interface{}, error) {
		if len(node.Args) == 0 {
			return nil, config.NodeErr(node, "at least one argument is required")
		}
		return node.Args, nil
	}, &t.ldaArgs)
	cfg.Int("save_max_attempts", false, false, 3, &t.maxAttempts)
	cfg.Duration("save_retry_delay", false, false, time.Second, &t.retryDelay)
	cfg.Enum("failure_behaviour", false, false,
		[]string{behaviourRetry, behaviourBounce}, behaviourRetry, &t.failureBehaviour)
	cfg.Duration("connect_timeout", false, false, 30*time.Second, &t.connectTimeout)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	var err error
	t.hostname, err = idna.ToASCII(t.hostname)
	if err != nil {
		return fmt.Errorf("mailbox: cannot represent the hostname as an A-label name: %w", err)
	}

	for _, tgt := range targetsArg {
		endp, err := config.ParseEndpoint(tgt)
		if err != nil {
			return err
		}
		t.endpoints = append(t.endpoints, endp)
	}

	if len(t.ldaArgs) != 0 {
		t.ldaCmd = t.ldaArgs[0]
		t.ldaArgs = t.ldaArgs[1:]
	}

	if len(t.endpoints) == 0 && t.ldaCmd == "" {
		return errors.New("mailbox: either targets or lda_command is required")
	}

	return nil
}

func (t *Target) Name() string {
	return "target.mailbox"
}

func (t *Target) InstanceName() string {
	return t.name
}

type delivery struct {
	t   *Target
	Log log.Logger

	msgMeta  *module.MsgMetadata
	mailFrom string
	rcpts    []string
}

func (t *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	return &delivery{
		t:        t,
		Log:      target.DeliveryLogger(t.Log, msgMeta),
		msgMeta:  msgMeta,
		mailFrom: mailFrom,
	}, nil
}

func (d *delivery) AddRcpt(ctx context.Context, rcptTo string) error {
	for _, rcpt := range d.rcpts {
		if rcpt == rcptTo {
			return nil
		}
	}
	d.rcpts = append(d.rcpts, rcptTo)
	return nil
}

type statusCollector struct {
	mu   sync.Mutex
	errs map[string]error
}

func (sc *statusCollector) SetStatus(rcptTo string, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.errs[rcptTo] = err
}

func (d *delivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	sc := statusCollector{errs: make(map[string]error, len(d.rcpts))}
	d.BodyNonAtomic(ctx, &sc, header, body)

	for _, err := range sc.errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// BodyNonAtomic delivers the message to each recipient, reporting one
// status per recipient. Temporarily failing recipients are retried up to
// save_max_attempts times with save_retry_delay in between; what is left
// failing afterwards is reported as temporary (failure_behaviour retry) or
// permanent (bounce).
func (d *delivery) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, body buffer.Buffer) {
	defer trace.StartRegion(ctx, "mailbox/BodyNonAtomic").End()

	dirs, err := chaos.Read(header)
	if err != nil {
		d.Log.Error("malformed chaos header, ignoring", err)
	}
	forced := map[string]chaos.MailboxFailure{}
	for _, fail := range chaos.MailboxFailures(dirs) {
		forced[fail.Recipient] = fail
	}

	errs := make(map[string]error, len(d.rcpts))
	pending := make([]string, 0, len(d.rcpts))
	for _, rcpt := range d.rcpts {
		fail, ok := forced[rcpt]
		if !ok {
			pending = append(pending, rcpt)
			continue
		}
		// Forced result, the real backend is not touched for this
		// recipient.
		errs[rcpt] = exitCodeError(fail.ExitCode, fail.Message)
	}

	for attempt := 1; len(pending) != 0; attempt++ {
		var attemptErrs map[string]error
		if len(d.t.endpoints) != 0 {
			attemptErrs = d.deliverLMTP(ctx, pending, header, body)
		} else {
			attemptErrs = d.deliverLDA(ctx, pending, header, body)
		}

		stillFailing := pending[:0]
		for _, rcpt := range pending {
			err := attemptErrs[rcpt]
			errs[rcpt] = err
			if err != nil && exterrors.IsTemporaryOrUnspec(err) {
				stillFailing = append(stillFailing, rcpt)
			}
		}
		pending = stillFailing

		if len(pending) == 0 || attempt == d.t.maxAttempts {
			break
		}
		select {
		case <-time.After(d.t.retryDelay):
		case <-ctx.Done():
			for _, rcpt := range pending {
				errs[rcpt] = moduleError(ctx.Err())
			}
			pending = nil
		}
	}

	for _, rcpt := range d.rcpts {
		c.SetStatus(rcpt, d.classify(errs[rcpt]))
	}
}

// classify applies failure_behaviour to the final per-recipient error:
// with bounce everything left failing is reported permanent so the queue
// generates a DSN right away, with retry temporary failures stay temporary.
func (d *delivery) classify(err error) error {
	if err == nil {
		return nil
	}
	if d.t.failureBehaviour == behaviourBounce && exterrors.IsTemporaryOrUnspec(err) {
		return exterrors.WithTemporary(err, false)
	}
	return err
}

func (d *delivery) deliverLMTP(ctx context.Context, rcpts []string, header textproto.Header, body buffer.Buffer) map[string]error {
	errs := make(map[string]error, len(rcpts))
	expand := func(err error) map[string]error {
		for _, rcpt := range rcpts {
			errs[rcpt] = err
		}
		return errs
	}

	conn, err := d.connectLMTP(ctx)
	if err != nil {
		return expand(err)
	}
	defer conn.Close()

	if err := conn.Mail(ctx, d.mailFrom, d.msgMeta.SMTPOpts); err != nil {
		return expand(moduleError(err))
	}

	accepted := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		if err := conn.Rcpt(ctx, rcpt); err != nil {
			errs[rcpt] = moduleError(err)
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return errs
	}

	bodyR, err := body.Open()
	if err != nil {
		for _, rcpt := range accepted {
			errs[rcpt] = moduleError(err)
		}
		return errs
	}
	defer bodyR.Close()

	// Per-recipient DATA statuses, the LMTP contract.
	err = conn.LMTPData(ctx, header, bodyR, func(rcpt string, status *smtp.SMTPError) {
		if status == nil {
			return
		}
		errs[rcpt] = &exterrors.SMTPError{
			Code:         status.Code,
			EnhancedCode: exterrors.EnhancedCode(status.EnhancedCode),
			Message:      status.Message,
			TargetName:   "mailbox",
			Err:          status,
		}
	})
	if err != nil {
		for _, rcpt := range accepted {
			if errs[rcpt] == nil {
				errs[rcpt] = moduleError(err)
			}
		}
	}

	return errs
}

func (d *delivery) connectLMTP(ctx context.Context) (*smtpconn.C, error) {
	var lastErr error
	for _, endp := range d.t.endpoints {
		conn := smtpconn.New()
		conn.Log = d.Log
		conn.Hostname = d.t.hostname
		conn.ConnectTimeout = d.t.connectTimeout
		conn.AddrInSMTPMsg = false

		didTLS, err := conn.ConnectLMTP(ctx, endp, d.t.attemptStartTLS, d.t.tlsConfig)
		if err != nil {
			if len(d.t.endpoints) != 1 {
				d.Log.Error("connect error", err, "mailbox_server", net.JoinHostPort(endp.Host, endp.Port))
			}
			lastErr = err
			continue
		}
		if d.t.requireTLS && !didTLS {
			conn.Close()
			lastErr = &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "TLS is required but unsupported by the mailbox server",
				TargetName:   "mailbox",
			}
			continue
		}

		d.Log.DebugMsg("connected", "mailbox_server", conn.ServerName())
		return conn, nil
	}
	return nil, moduleError(lastErr)
}

func (d *delivery) deliverLDA(ctx context.Context, rcpts []string, header textproto.Header, body buffer.Buffer) map[string]error {
	errs := make(map[string]error, len(rcpts))
	for _, rcpt := range rcpts {
		errs[rcpt] = d.runLDA(ctx, rcpt, header, body)
	}
	return errs
}

// runLDA spawns the delivery agent for a single recipient with the full
// message piped on its standard input.
func (d *delivery) runLDA(ctx context.Context, rcpt string, header textproto.Header, body buffer.Buffer) error {
	args := make([]string, 0, len(d.t.ldaArgs))
	for _, arg := range d.t.ldaArgs {
		arg = strings.ReplaceAll(arg, "{sender}", d.mailFrom)
		arg = strings.ReplaceAll(arg, "{recipient}", rcpt)
		args = append(args, arg)
	}

	bodyR, err := body.Open()
	if err != nil {
		return moduleError(err)
	}
	defer bodyR.Close()

	cmd := exec.CommandContext(ctx, d.t.ldaCmd, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return moduleError(err)
	}

	if err := cmd.Start(); err != nil {
		return moduleError(err)
	}
	d.Log.DebugMsg("lda started", "cmd", d.t.ldaCmd, "rcpt", rcpt)

	feedErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := textproto.WriteHeader(stdin, header); err != nil {
			feedErr <- err
			return
		}
		_, err := io.Copy(stdin, bodyR)
		feedErr <- err
	}()

	waitErr := cmd.Wait()
	if err := <-feedErr; err != nil && waitErr == nil {
		return moduleError(err)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitCodeError(exitErr.ExitCode(), "")
		}
		return exterrors.WithTemporary(moduleError(waitErr), true)
	}
	return nil
}

// exitCodeError maps a delivery agent exit code onto a delivery status:
// 0 is success, EX_TEMPFAIL requests a retry, anything else is a permanent
// failure. The chaos mailbox variant reuses the same mapping.
func exitCodeError(code int, message string) error {
	if code == 0 {
		return nil
	}

	if message == "" {
		message = fmt.Sprintf("Delivery agent failed with code %d", code)
	}
	if code == exTempFail {
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      message,
			TargetName:   "mailbox",
			Misc:         map[string]interface{}{"exit_code": code},
		}
	}
	return &exterrors.SMTPError{
		Code:         554,
		EnhancedCode: exterrors.EnhancedCode{5, 3, 0},
		Message:      message,
		TargetName:   "mailbox",
		Misc:         map[string]interface{}{"exit_code": code},
	}
}

func (d *delivery) Abort(ctx context.Context) error {
	return nil
}

func (d *delivery) Commit(ctx context.Context) error {
	return nil
}

func init() {
	module.Register("target.mailbox", New)
}
