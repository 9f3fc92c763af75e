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

// Package clamav implements the AV scan processor using the clamd INSTREAM
// protocol.
package clamav

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/config/modconfig"
	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/check"
	"github.com/robin-mta/robin/internal/target"
)

const modName = "check.clamav"

// clamd closes the stream with an ERROR reply if a chunk pushes the total
// past its StreamMaxLength, 2048 matches the chunk size used by clamdscan.
const chunkSize = 2048

type Check struct {
	instName string
	log      log.Logger

	targetEndp  config.Endpoint
	dialTimeout time.Duration
	ioTimeout   time.Duration

	ioErrAction modconfig.FailAction
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	c := &Check{
		instName: instName,
		log:      log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
	}

	addr := "tcp://127.0.0.1:3310"
	switch len(inlineArgs) {
	case 1:
		addr = inlineArgs[0]
	case 0:
	default:
		return nil, fmt.Errorf("%s: unexpected amount of inline arguments", modName)
	}

	endp, err := config.ParseEndpoint(addr)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", modName, err)
	}
	c.targetEndp = endp

	return c, nil
}

func (c *Check) Name() string {
	return modName
}

func (c *Check) InstanceName() string {
	return c.instName
}

// ChaosProcessor makes the scanner addressable by forced-result headers.
// The reject result matches the real malware verdict.
func (c *Check) ChaosProcessor() (string, module.CheckResult) {
	return "AVStorageProcessor", module.CheckResult{
		Reject: true,
		Reason: &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "virus rejected",
			TargetName:   modName,
		},
	}
}

func (c *Check) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &c.log.Debug)
	cfg.Duration("dial_timeout", false, false, 5*time.Second, &c.dialTimeout)
	cfg.Duration("io_timeout", false, false, 30*time.Second, &c.ioTimeout)
	cfg.Custom("io_error_action", false, false,
		func() (interface{}, error) {
			return modconfig.FailAction{}, nil
		}, modconfig.FailActionDirective, &c.ioErrAction)
	_, err := cfg.Process()
	return err
}

type state struct {
	c       *Check
	msgMeta *module.MsgMetadata
	log     log.Logger
}

func (c *Check) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	return &state{
		c:       c,
		msgMeta: msgMeta,
		log:     target.DeliveryLogger(c.log, msgMeta),
	}, nil
}

func (s *state) CheckConnection(ctx context.Context) module.CheckResult {
	return module.CheckResult{}
}

func (s *state) CheckSender(ctx context.Context, addr string) module.CheckResult {
	return module.CheckResult{}
}

func (s *state) CheckRcpt(ctx context.Context, addr string) module.CheckResult {
	return module.CheckResult{}
}

// scan streams msg to clamd and returns the verdict line, e.g.
// "stream: OK" or "stream: Eicar-Test-Signature FOUND".
func (c *Check) scan(ctx context.Context, msg io.Reader) (string, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, c.targetEndp.Network(), c.targetEndp.Address())
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return "", err
	}

	if _, err := conn.Write([]byte("nINSTREAM\n")); err != nil {
		return "", err
	}

	chunk := make([]byte, chunkSize)
	lenPrefix := make([]byte, 4)
	for {
		n, err := msg.Read(chunk)
		if n > 0 {
			binary.BigEndian.PutUint32(lenPrefix, uint32(n))
			if _, err := conn.Write(lenPrefix); err != nil {
				return "", err
			}
			if _, err := conn.Write(chunk[:n]); err != nil {
				return "", err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}

	// Zero-length chunk terminates the stream.
	binary.BigEndian.PutUint32(lenPrefix, 0)
	if _, err := conn.Write(lenPrefix); err != nil {
		return "", err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(reply, "\n\x00"), nil
}

func (s *state) CheckBody(ctx context.Context, hdr textproto.Header, body buffer.Buffer) module.CheckResult {
	ioErr := func(err error) module.CheckResult {
		return s.c.ioErrAction.Apply(module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "Internal error during antivirus check",
				TargetName:   modName,
				Err:          err,
			},
		})
	}

	bodyR, err := body.Open()
	if err != nil {
		return ioErr(err)
	}
	defer bodyR.Close()

	var hdrBuf bytes.Buffer
	if err := textproto.WriteHeader(&hdrBuf, hdr); err != nil {
		return ioErr(err)
	}

	verdict, err := s.c.scan(ctx, io.MultiReader(&hdrBuf, bodyR))
	if err != nil {
		return ioErr(err)
	}

	switch {
	case strings.HasSuffix(verdict, "OK"):
		return module.CheckResult{}
	case strings.HasSuffix(verdict, "FOUND"):
		signature := strings.TrimSuffix(strings.TrimPrefix(verdict, "stream: "), " FOUND")
		s.log.Msg("malware detected", "signature", signature)
		check.RecordReject(modName)
		return module.CheckResult{
			Reject: true,
			Reason: &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "virus rejected",
				TargetName:   modName,
				Misc:         map[string]interface{}{"signature": signature},
			},
		}
	default:
		return ioErr(fmt.Errorf("unexpected clamd reply: %s", verdict))
	}
}

func (s *state) Close() error {
	return nil
}

func init() {
	module.Register(modName, New)
}
