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

// Package bots reacts to messages addressed to robot recipients.
//
// After an envelope is accepted, its recipients are scanned against the
// configured bot definitions. A definition names the processor and gates
// it by peer IP or by a token embedded in the sieve-style address
//
//	robot[+token][+user+domain.tld]@botdomain
//
// Matched work runs on a dedicated executor so bot processing never
// blocks the protocol session. The session bot writes a JSON report of
// the session, the email bot sends a reply to the resolved address
// (sieve user+domain, falling back to Reply-To, From, then MAIL FROM).
package bots

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	msgtextproto "github.com/emersion/go-message/textproto"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/config/modconfig"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/mime"
)

const modName = "bots"

// SieveAddress is the decomposed robot recipient.
type SieveAddress struct {
	// Base is the first +-separated segment of the local part.
	Base string

	// Token is the access token segment, empty when absent.
	Token string

	// ReplyAddr is user@domain assembled from the trailing two segments,
	// empty when the address does not carry them.
	ReplyAddr string
}

// ParseSieveAddress decomposes a robot recipient address. Segment count
// decides the form: base, base+token, base+user+domain,
// base+token+user+domain.
func ParseSieveAddress(addr string) (*SieveAddress, bool) {
	local, _, found := strings.Cut(addr, "@")
	if !found || local == "" {
		return nil, false
	}

	segments := strings.Split(local, "+")
	sieve := SieveAddress{Base: segments[0]}
	switch len(segments) {
	case 1:
	case 2:
		sieve.Token = segments[1]
	case 3:
		sieve.ReplyAddr = segments[1] + "@" + segments[2]
	case 4:
		sieve.Token = segments[1]
		sieve.ReplyAddr = segments[2] + "@" + segments[3]
	default:
		return nil, false
	}
	return &sieve, true
}

// Definition is one configured bot.
type Definition struct {
	// AddressPattern is a glob matched against the whole recipient
	// address.
	AddressPattern string

	// Bot is the processor name: session or email.
	Bot string

	AllowedIPs    []*net.IPNet
	AllowedTokens []string
}

// allows reports whether the peer IP or the address token opens the gate.
// A definition with no restrictions at all is open.
func (d *Definition) allows(ip net.IP, token string) bool {
	if len(d.AllowedIPs) == 0 && len(d.AllowedTokens) == 0 {
		return true
	}
	for _, ipNet := range d.AllowedIPs {
		if ip != nil && ipNet.Contains(ip) {
			return true
		}
	}
	for _, allowed := range d.AllowedTokens {
		if token != "" && token == allowed {
			return true
		}
	}
	return false
}

// SessionReport is the document emitted by the session bot.
type SessionReport struct {
	SessionID string   `json:"sessionId"`
	MessageID string   `json:"messageId"`
	RemoteIP  string   `json:"remoteIp,omitempty"`
	EHLO      string   `json:"ehlo,omitempty"`
	AuthUser  string   `json:"authUser,omitempty"`
	MailFrom  string   `json:"mailFrom"`
	RcptTo    []string `json:"rcptTo"`
	Date      string   `json:"date"`
	Subject   string   `json:"subject,omitempty"`
}

type task struct {
	def      *Definition
	sieve    *SieveAddress
	rcpt     string
	meta     *module.MsgMetadata
	mailFrom string
	rcpts    []string
	header   msgtextproto.Header
}

type Bots struct {
	name     string
	hostname string

	defs      []*Definition
	reportDir string
	reply     module.DeliveryTarget

	tasks  chan task
	wg     sync.WaitGroup
	closed bool

	Log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("bots: inline arguments are not used")
	}
	return &Bots{
		name: instName,
		Log:  log.Logger{Name: modName},
	}, nil
}

func (b *Bots) Init(cfg *config.Map) error {
	var queueLen int
	cfg.Bool("debug", true, false, &b.Log.Debug)
	cfg.String("hostname", true, true, "", &b.hostname)
	cfg.String("report_dir", false, false, "", &b.reportDir)
	cfg.Custom("reply_target", false, false, nil, modconfig.DeliveryDirective, &b.reply)
	cfg.Int("queue_length", false, false, 256, &queueLen)
	cfg.Callback("bot", b.botDirective)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	b.start(queueLen)
	return nil
}

func (b *Bots) botDirective(m *config.Map, node config.Node) error {
	if len(node.Args) != 0 {
		return config.NodeErr(node, "bot directive takes no arguments")
	}

	def := Definition{}
	var ipPatterns []string
	childM := config.NewMap(m.Globals, node)
	childM.String("pattern", false, true, "", &def.AddressPattern)
	childM.Enum("name", false, true, []string{"session", "email"}, "", &def.Bot)
	childM.StringList("allowed_ips", false, false, nil, &ipPatterns)
	childM.StringList("allowed_tokens", false, false, nil, &def.AllowedTokens)
	if _, err := childM.Process(); err != nil {
		return err
	}

	for _, pattern := range ipPatterns {
		if !strings.Contains(pattern, "/") {
			if strings.Contains(pattern, ":") {
				pattern += "/128"
			} else {
				pattern += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(pattern)
		if err != nil {
			return config.NodeErr(node, "invalid allowed_ips entry: %v", err)
		}
		def.AllowedIPs = append(def.AllowedIPs, ipNet)
	}

	b.defs = append(b.defs, &def)
	return nil
}

// start launches the single executor goroutine.
func (b *Bots) start(queueLen int) {
	b.tasks = make(chan task, queueLen)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for tsk := range b.tasks {
			b.run(tsk)
		}
	}()
}

func (b *Bots) Name() string {
	return modName
}

func (b *Bots) InstanceName() string {
	return b.name
}

func (b *Bots) Close() error {
	if b.tasks != nil && !b.closed {
		b.closed = true
		close(b.tasks)
		b.wg.Wait()
	}
	return nil
}

// Dispatch scans the accepted envelope's recipients and schedules the
// matching bots. It never blocks the caller beyond the executor queue and
// reports how many tasks were scheduled.
func (b *Bots) Dispatch(meta *module.MsgMetadata, mailFrom string, rcpts []string, header msgtextproto.Header) int {
	var ip net.IP
	if meta.Conn != nil {
		if tcpAddr, ok := meta.Conn.RemoteAddr.(*net.TCPAddr); ok {
			ip = tcpAddr.IP
		}
	}

	scheduled := 0
	for _, rcpt := range rcpts {
		sieve, ok := ParseSieveAddress(rcpt)
		if !ok {
			continue
		}
		for _, def := range b.defs {
			matched, err := path.Match(strings.ToLower(def.AddressPattern), strings.ToLower(rcpt))
			if err != nil || !matched {
				continue
			}
			if !def.allows(ip, sieve.Token) {
				b.Log.DebugMsg("bot gate closed", "rcpt", rcpt, "bot", def.Bot)
				continue
			}

			select {
			case b.tasks <- task{
				def: def, sieve: sieve, rcpt: rcpt,
				meta: meta, mailFrom: mailFrom, rcpts: rcpts,
				header: header.Copy(),
			}:
				scheduled++
			default:
				b.Log.Msg("bot executor queue full, dropping task", "rcpt", rcpt, "bot", def.Bot)
			}
			// First matching definition wins for this recipient.
			break
		}
	}
	return scheduled
}

func (b *Bots) run(tsk task) {
	var err error
	switch tsk.def.Bot {
	case "session":
		err = b.runSessionReport(tsk)
	case "email":
		err = b.runEmailReply(tsk)
	default:
		err = fmt.Errorf("bots: unknown processor: %v", tsk.def.Bot)
	}
	if err != nil {
		b.Log.Error("bot failed", err, "bot", tsk.def.Bot, "rcpt", tsk.rcpt, "msg_id", tsk.meta.ID)
		botRuns.WithLabelValues(b.name, tsk.def.Bot, "fail").Inc()
		return
	}
	botRuns.WithLabelValues(b.name, tsk.def.Bot, "ok").Inc()
}

func (b *Bots) runSessionReport(tsk task) error {
	if b.reportDir == "" {
		return errors.New("bots: report_dir is not configured")
	}

	report := SessionReport{
		SessionID: tsk.meta.SessionID,
		MessageID: tsk.meta.ID,
		MailFrom:  tsk.mailFrom,
		RcptTo:    tsk.rcpts,
		Date:      time.Now().UTC().Format(time.RFC3339),
		Subject:   mime.DecodeHeaderText(tsk.header.Get("Subject")),
	}
	if tsk.meta.Conn != nil {
		report.EHLO = tsk.meta.Conn.Hostname
		report.AuthUser = tsk.meta.Conn.AuthUser
		if tcpAddr, ok := tsk.meta.Conn.RemoteAddr.(*net.TCPAddr); ok {
			report.RemoteIP = tcpAddr.IP.String()
		}
	}

	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	name := tsk.meta.ID + ".json"
	if report.SessionID != "" {
		name = report.SessionID + "." + name
	}
	return os.WriteFile(filepath.Join(b.reportDir, name), blob, 0o640)
}

// replyAddress resolves where the email bot sends its reply: the sieve
// user+domain segments win, then Reply-To, then From, then the return
// path.
func replyAddress(sieve *SieveAddress, header msgtextproto.Header, mailFrom string) string {
	if sieve.ReplyAddr != "" {
		return sieve.ReplyAddr
	}
	for _, field := range []string{"Reply-To", "From"} {
		value := header.Get(field)
		if value == "" {
			continue
		}
		parsed, err := mail.ParseAddress(value)
		if err != nil {
			continue
		}
		return parsed.Address
	}
	return mailFrom
}

func (b *Bots) runEmailReply(tsk task) error {
	if b.reply == nil {
		return errors.New("bots: reply_target is not configured")
	}

	to := replyAddress(tsk.sieve, tsk.header, tsk.mailFrom)
	if to == "" {
		return errors.New("bots: no reply address could be resolved")
	}

	hdr := msgtextproto.Header{}
	hdr.Set("From", "<"+tsk.rcpt+">")
	hdr.Set("To", "<"+to+">")
	subject := mime.DecodeHeaderText(tsk.header.Get("Subject"))
	if subject == "" {
		subject = "your message"
	}
	hdr.Set("Subject", "Re: "+subject)
	if origID := tsk.header.Get("Message-ID"); origID != "" {
		hdr.Set("In-Reply-To", origID)
	}

	body := fmt.Sprintf("This is an automated reply from %s.\r\n\r\n"+
		"Your message to %s was received.\r\n", b.hostname, tsk.rcpt)
	builder := mime.Builder{Hostname: b.hostname}
	out := bytes.Buffer{}
	textHdr := msgtextproto.Header{}
	textHdr.Set("Content-Type", "text/plain; charset=utf-8")
	if err := builder.Build(&out, hdr, []*mime.Part{
		{Header: textHdr, Body: buffer.MemoryBuffer{Slice: []byte(body)}},
	}); err != nil {
		return err
	}

	// Split the built message so the delivery gets header and body the way
	// every other source submits them.
	bufR := bufio.NewReader(&out)
	builtHdr, err := msgtextproto.ReadHeader(bufR)
	if err != nil {
		return err
	}
	blob, err := io.ReadAll(bufR)
	if err != nil {
		return err
	}
	buf := buffer.MemoryBuffer{Slice: blob}

	msgID, err := module.GenerateMsgID()
	if err != nil {
		return err
	}
	ctx := context.Background()
	meta := &module.MsgMetadata{
		ID:              msgID,
		OriginalFrom:    tsk.rcpt,
		DontTraceSender: true,
	}

	delivery, err := b.reply.Start(ctx, meta, tsk.rcpt)
	if err != nil {
		return err
	}
	if err := delivery.AddRcpt(ctx, to); err != nil {
		abortDelivery(ctx, delivery, &b.Log)
		return err
	}
	if err := delivery.Body(ctx, builtHdr, buf); err != nil {
		abortDelivery(ctx, delivery, &b.Log)
		return err
	}
	return delivery.Commit(ctx)
}

func abortDelivery(ctx context.Context, d module.Delivery, l *log.Logger) {
	if err := d.Abort(ctx); err != nil {
		l.Error("reply delivery abort failed", err)
	}
}

func init() {
	module.Register(modName, New)
}
