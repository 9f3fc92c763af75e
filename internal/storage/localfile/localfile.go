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

// Package localfile implements the local file store processor.
//
// Each accepted message is written as a plain artifact file named
// <yyyymmdd>.<session-id>.<envelope-id>.<ext>. With local_mailbox enabled
// the artifact is additionally copied into a Maildir-style new/ directory
// per recipient.
package localfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/target"
)

const modName = "storage.localfile"

type Store struct {
	instName string
	log      log.Logger

	path         string
	ext          string
	localMailbox bool
	fsync        bool

	// Clock for artifact names, swappable in tests.
	now func() time.Time
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	s := &Store{
		instName: instName,
		log:      log.Logger{Name: modName},
		now:      time.Now,
	}

	switch len(inlineArgs) {
	case 1:
		s.path = inlineArgs[0]
	case 0:
	default:
		return nil, fmt.Errorf("%s: unexpected amount of inline arguments", modName)
	}

	return s, nil
}

func (s *Store) Name() string {
	return modName
}

func (s *Store) InstanceName() string {
	return s.instName
}

// ChaosProcessor makes the store addressable by forced-result headers. A
// forced failure looks like a real storage I/O error.
func (s *Store) ChaosProcessor() (string, module.CheckResult) {
	return "LocalFileStorageProcessor", module.CheckResult{
		Reject: true,
		Reason: &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "Failed to store the message",
			TargetName:   modName,
		},
	}
}

func (s *Store) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &s.log.Debug)
	cfg.String("path", false, false, filepath.Join(config.StateDirectory, "store"), &s.path)
	cfg.String("extension", false, false, "eml", &s.ext)
	cfg.Bool("local_mailbox", false, false, &s.localMailbox)
	cfg.Bool("fsync", false, true, &s.fsync)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	return os.MkdirAll(s.path, 0o700)
}

// Filename builds the artifact file name for one envelope.
func Filename(when time.Time, sessionID, envelopeID, ext string) string {
	if sessionID == "" {
		sessionID = "internal"
	}
	return when.Format("20060102") + "." + sessionID + "." + envelopeID + "." + ext
}

// mailboxDir flattens a recipient address into a directory name that is
// safe on all supported filesystems.
func mailboxDir(rcpt string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, rcpt)
}

type state struct {
	s       *Store
	msgMeta *module.MsgMetadata
	log     log.Logger

	rcpts []string
}

func (s *Store) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	return &state{
		s:       s,
		msgMeta: msgMeta,
		log:     target.DeliveryLogger(s.log, msgMeta),
	}, nil
}

func (st *state) CheckConnection(ctx context.Context) module.CheckResult {
	return module.CheckResult{}
}

func (st *state) CheckSender(ctx context.Context, mailFrom string) module.CheckResult {
	return module.CheckResult{}
}

func (st *state) CheckRcpt(ctx context.Context, rcptTo string) module.CheckResult {
	st.rcpts = append(st.rcpts, rcptTo)
	return module.CheckResult{}
}

func (st *state) ioErr(err error) module.CheckResult {
	return module.CheckResult{
		Reject: true,
		Reason: &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "Failed to store the message",
			TargetName:   modName,
			Err:          err,
		},
	}
}

// writeFile writes the artifact via a dotfile rename so partially written
// files are never visible under their final name.
func (st *state) writeFile(dir, name string, hdr textproto.Header, body buffer.Buffer) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, "."+name+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	var hdrBuf bytes.Buffer
	if err := textproto.WriteHeader(&hdrBuf, hdr); err != nil {
		f.Close()
		return err
	}

	bodyR, err := body.Open()
	if err != nil {
		f.Close()
		return err
	}
	defer bodyR.Close()

	if _, err := io.Copy(f, io.MultiReader(&hdrBuf, bodyR)); err != nil {
		f.Close()
		return err
	}
	if st.s.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, filepath.Join(dir, name))
}

func (st *state) CheckBody(ctx context.Context, hdr textproto.Header, body buffer.Buffer) module.CheckResult {
	name := Filename(st.s.now(), st.msgMeta.SessionID, st.msgMeta.ID, st.s.ext)

	if err := st.writeFile(st.s.path, name, hdr, body); err != nil {
		return st.ioErr(err)
	}
	storedArtifacts.Inc()
	st.log.DebugMsg("artifact stored", "file", name)

	if st.s.localMailbox {
		for _, rcpt := range st.rcpts {
			dir := filepath.Join(st.s.path, mailboxDir(rcpt), "new")
			if err := st.writeFile(dir, name, hdr, body); err != nil {
				return st.ioErr(err)
			}
		}
	}

	return module.CheckResult{}
}

func (st *state) Close() error {
	return nil
}

func init() {
	module.Register(modName, New)
}
