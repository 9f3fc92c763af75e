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

// Package chaos implements forced processor results driven by message
// headers.
//
// A message may carry one or more X-Robin-Chaos header fields:
//
//	X-Robin-Chaos: LocalStorageClient; processor=AVStorageProcessor; return=false
//	X-Robin-Chaos: MailboxStorageProcessor; recipient=a@b.com; exitCode=75; message=try later
//
// The Wrap decorator consults these fields before running the real
// processor and returns the forced value without executing it. The
// decorator is installed only when forced results are enabled in the
// server configuration, the processors themselves never look at the
// headers.
package chaos

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/check"
)

// FieldName is the header field carrying forced-result directives.
const FieldName = "X-Robin-Chaos"

// Directive is a single parsed X-Robin-Chaos field.
type Directive struct {
	// Class is the first semicolon-separated token, naming the component
	// the directive is addressed to.
	Class string

	Params map[string]string
}

// Parse decodes a single header field value.
//
// The format is "<Class>; key1=value1; key2=value2". Parameter values
// extend to the next semicolon, so no quoting is needed for spaces.
func Parse(value string) (Directive, error) {
	parts := strings.Split(value, ";")
	d := Directive{
		Class:  strings.TrimSpace(parts[0]),
		Params: map[string]string{},
	}
	if d.Class == "" {
		return Directive{}, fmt.Errorf("chaos: empty class in %q", value)
	}

	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Directive{}, fmt.Errorf("chaos: malformed parameter %q", part)
		}
		d.Params[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return d, nil
}

// Read collects all chaos directives present in the message header.
// Malformed fields are returned as errors instead of being skipped so a
// mistyped test header does not silently turn into a no-op.
func Read(hdr textproto.Header) ([]Directive, error) {
	var dirs []Directive
	for f := hdr.FieldsByKey(FieldName); f.Next(); {
		d, err := Parse(f.Value())
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, d)
	}
	return dirs, nil
}

func (d Directive) Bool(key string) (value, ok bool) {
	raw, ok := d.Params[key]
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func (d Directive) Int(key string) (value int, ok bool) {
	raw, ok := d.Params[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ForcedReturn scans dirs for a directive addressed to the named processor
// and reports the forced return value, if any. Multiple directives for the
// same processor apply in header order, the first one wins.
func ForcedReturn(dirs []Directive, processor string) (ret, forced bool) {
	for _, d := range dirs {
		if d.Params["processor"] != processor {
			continue
		}
		v, ok := d.Bool("return")
		if !ok {
			continue
		}
		return v, true
	}
	return false, false
}

// MailboxFailure is a forced per-recipient delivery failure, the mailbox
// variant of the chaos header.
type MailboxFailure struct {
	Recipient string
	ExitCode  int
	Message   string
}

// MailboxFailures extracts the mailbox-variant directives from dirs.
// Directives without a recipient parameter are not mailbox directives and
// are skipped.
func MailboxFailures(dirs []Directive) []MailboxFailure {
	var fails []MailboxFailure
	for _, d := range dirs {
		rcpt, ok := d.Params["recipient"]
		if !ok {
			continue
		}
		code, ok := d.Int("exitCode")
		if !ok {
			code = 1
		}
		fails = append(fails, MailboxFailure{
			Recipient: rcpt,
			ExitCode:  code,
			Message:   d.Params["message"],
		})
	}
	return fails
}

// Wrap decorates inner so that a chaos directive addressed to processor
// forces the CheckBody result: return=true passes the message through,
// return=false yields the reject result. The real check body is not
// executed in either case.
//
// Stages before CheckBody run normally, the headers are not available yet
// at those points.
func Wrap(inner module.Check, processor string, reject module.CheckResult) module.Check {
	return &forced{inner: inner, processor: processor, reject: reject}
}

type forced struct {
	inner     module.Check
	processor string
	reject    module.CheckResult
}

func (f *forced) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	innerState, err := f.inner.CheckStateForMsg(ctx, msgMeta)
	if err != nil {
		return nil, err
	}
	return &forcedState{f: f, inner: innerState}, nil
}

type forcedState struct {
	f     *forced
	inner module.CheckState
}

func (fs *forcedState) CheckConnection(ctx context.Context) module.CheckResult {
	return fs.inner.CheckConnection(ctx)
}

func (fs *forcedState) CheckSender(ctx context.Context, mailFrom string) module.CheckResult {
	return fs.inner.CheckSender(ctx, mailFrom)
}

func (fs *forcedState) CheckRcpt(ctx context.Context, rcptTo string) module.CheckResult {
	return fs.inner.CheckRcpt(ctx, rcptTo)
}

func (fs *forcedState) CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) module.CheckResult {
	dirs, err := Read(header)
	if err != nil {
		return module.CheckResult{
			Reject: true,
			Reason: err,
		}
	}

	ret, ok := ForcedReturn(dirs, fs.f.processor)
	if !ok {
		return fs.inner.CheckBody(ctx, header, body)
	}
	if ret {
		return module.CheckResult{}
	}

	check.RecordReject(fs.f.processor)
	return fs.f.reject
}

func (fs *forcedState) Close() error {
	return fs.inner.Close()
}
