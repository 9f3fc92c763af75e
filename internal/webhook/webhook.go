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

// Package webhook posts protocol events to a configured HTTP endpoint.
//
// One POST per subscribed verb, carrying the session and envelope state as
// JSON. With wait_for_response set, a non-empty smtpResponse field in the
// reply body overrides the reply the server would send for that verb;
// without it the post is fire-and-forget and cannot influence the
// session.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
)

const modName = "webhook"

// Event is the JSON document posted for each subscribed verb.
type Event struct {
	Session  SessionInfo   `json:"session"`
	Envelope *EnvelopeInfo `json:"envelope,omitempty"`
	Verb     string        `json:"verb"`
	Argument string        `json:"argument,omitempty"`
}

type SessionInfo struct {
	ID       string `json:"id"`
	RemoteIP string `json:"remoteIp,omitempty"`
	EHLO     string `json:"ehlo,omitempty"`
	TLS      bool   `json:"tls"`
	AuthUser string `json:"authUser,omitempty"`
}

type EnvelopeInfo struct {
	ID       string   `json:"id"`
	MailFrom string   `json:"mailFrom"`
	RcptTo   []string `json:"rcptTo"`
}

type response struct {
	SMTPResponse string `json:"smtpResponse"`
}

// Override is a reply replacement extracted from the webhook response.
// Codes below 400 mean "accept with the default text", the server cannot
// substitute success text at the protocol layer.
type Override struct {
	Code         int
	EnhancedCode exterrors.EnhancedCode
	Message      string
}

func (o *Override) Reject() bool {
	return o.Code >= 400
}

func (o *Override) SMTPError() *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         o.Code,
		EnhancedCode: o.EnhancedCode,
		Message:      o.Message,
		Reason:       "webhook override",
		TargetName:   modName,
	}
}

type Hook struct {
	instName string
	url      string
	verbs    map[string]struct{}

	waitForResponse bool
	ignoreErrors    bool
	timeout         time.Duration

	client *http.Client

	Log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	h := &Hook{
		instName: instName,
		client:   http.DefaultClient,
		Log:      log.Logger{Name: modName},
	}

	switch len(inlineArgs) {
	case 1:
		h.url = inlineArgs[0]
	case 0:
	default:
		return nil, fmt.Errorf("%s: unexpected amount of inline arguments", modName)
	}

	return h, nil
}

func (h *Hook) Init(cfg *config.Map) error {
	var (
		verbs     []string
		tlsConfig *tls.Config
	)
	cfg.Bool("debug", true, false, &h.Log.Debug)
	cfg.String("url", false, h.url == "", h.url, &h.url)
	cfg.StringList("verbs", false, false,
		[]string{"connect", "helo", "starttls", "auth", "mail", "rcpt", "data", "quit"}, &verbs)
	cfg.Bool("wait_for_response", false, false, &h.waitForResponse)
	cfg.Bool("ignore_errors", false, true, &h.ignoreErrors)
	cfg.Duration("timeout", false, false, 10*time.Second, &h.timeout)
	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, config.TLSClientBlock, &tlsConfig)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	h.verbs = make(map[string]struct{}, len(verbs))
	for _, verb := range verbs {
		h.verbs[strings.ToLower(verb)] = struct{}{}
	}

	h.client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
		Timeout: h.timeout,
	}

	return nil
}

func (h *Hook) Name() string {
	return modName
}

func (h *Hook) InstanceName() string {
	return h.instName
}

// Notify posts the event. The returned Override is non-nil only when the
// hook is configured to wait and the endpoint replied with a non-empty
// smtpResponse.
func (h *Hook) Notify(ctx context.Context, ev Event) (*Override, error) {
	if _, subscribed := h.verbs[strings.ToLower(ev.Verb)]; !subscribed {
		return nil, nil
	}

	blob, err := json.Marshal(ev)
	if err != nil {
		return nil, exterrors.WithFields(err, map[string]interface{}{"webhook": h.instName})
	}

	if !h.waitForResponse {
		// Fire-and-forget, the session does not stall on the endpoint.
		go func() {
			if err := h.post(context.Background(), blob, io.Discard); err != nil {
				h.Log.Error("webhook post failed", err, "verb", ev.Verb)
			}
		}()
		return nil, nil
	}

	respBody := bytes.Buffer{}
	if err := h.post(ctx, blob, &respBody); err != nil {
		if h.ignoreErrors {
			h.Log.Error("webhook post failed, ignored", err, "verb", ev.Verb)
			return nil, nil
		}
		return nil, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
			Message:      "Internal error during policy check",
			TargetName:   modName,
			Err:          err,
		}
	}

	parsed := response{}
	if err := json.Unmarshal(respBody.Bytes(), &parsed); err != nil {
		if h.ignoreErrors {
			h.Log.Error("malformed webhook response, ignored", err, "verb", ev.Verb)
			return nil, nil
		}
		return nil, exterrors.WithFields(err, map[string]interface{}{"webhook": h.instName})
	}
	if parsed.SMTPResponse == "" {
		return nil, nil
	}

	override, err := parseSMTPResponse(parsed.SMTPResponse)
	if err != nil {
		if h.ignoreErrors {
			h.Log.Error("malformed smtpResponse override, ignored", err, "verb", ev.Verb)
			return nil, nil
		}
		return nil, err
	}
	return override, nil
}

func (h *Hook) post(ctx context.Context, blob []byte, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "robin")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: HTTP %d from %v", resp.StatusCode, h.url)
	}

	_, err = io.Copy(out, io.LimitReader(resp.Body, 64*1024))
	return err
}

// parseSMTPResponse splits "550 5.7.1 Message text" into an Override. The
// enhanced code is optional.
func parseSMTPResponse(s string) (*Override, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, errors.New("webhook: empty smtpResponse")
	}

	code, err := strconv.Atoi(fields[0])
	if err != nil || code < 200 || code > 599 {
		return nil, fmt.Errorf("webhook: invalid reply code in smtpResponse: %v", fields[0])
	}

	o := Override{Code: code}
	rest := fields[1:]
	if len(rest) != 0 {
		if ench, ok := parseEnhancedCode(rest[0]); ok {
			o.EnhancedCode = ench
			rest = rest[1:]
		}
	}
	if o.EnhancedCode == (exterrors.EnhancedCode{}) {
		// Derive the class from the reply code.
		o.EnhancedCode = exterrors.EnhancedCode{code / 100, 0, 0}
	}
	o.Message = strings.Join(rest, " ")
	return &o, nil
}

func parseEnhancedCode(s string) (exterrors.EnhancedCode, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return exterrors.EnhancedCode{}, false
	}
	var ench exterrors.EnhancedCode
	for i, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil {
			return exterrors.EnhancedCode{}, false
		}
		ench[i] = num
	}
	return ench, true
}

func init() {
	module.Register(modName, New)
}
