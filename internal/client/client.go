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

package client

import (
	"fmt"
	"os"
	"time"

	"github.com/robin-mta/robin/framework/log"
)

// Runner executes cases. Zero value is usable; Sources comes from the
// client configuration and is only needed for MTA assertions.
type Runner struct {
	Log log.Logger

	// Hostname for EHLO when the route does not set one. Empty falls back
	// to os.Hostname, then "localhost".
	Hostname string

	// Sources maps MTA assertion tags to files or directories.
	Sources map[string]string

	// Timeout bounds each command round-trip. 0 means 60s.
	Timeout time.Duration
}

// envelopeRun remembers which transcript span an envelope produced, so
// its assertions only see its own transactions.
type envelopeRun struct {
	env   Envelope
	scope string
	start int
	end   int
}

// Report is the outcome of a completed dialogue.
type Report struct {
	// Transcript is the full session transcript in order.
	Transcript []Transaction
}

// NewRunner builds a Runner from the client configuration.
func NewRunner(cfg *Config, logger log.Logger) *Runner {
	r := &Runner{Log: logger}
	if cfg != nil {
		r.Hostname = cfg.Hostname
		r.Sources = cfg.Sources
		r.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return r
}

// Run performs the case's dialogue and evaluates its assertions. The
// returned Report carries the transcript even when an assertion fails;
// it is nil only for configuration and I/O errors.
func (r *Runner) Run(c *Case) (*Report, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	ehlo := c.Route.EHLO
	if ehlo == "" {
		ehlo = r.Hostname
	}
	if ehlo == "" {
		if name, err := os.Hostname(); err == nil {
			ehlo = name
		} else {
			ehlo = "localhost"
		}
	}

	conn, err := dial(c.Route, ehlo, r.Timeout, r.Log)
	if err != nil {
		return nil, err
	}
	defer conn.close()

	envRuns, err := r.dialogue(conn, c)
	if err != nil {
		return nil, err
	}

	report := &Report{Transcript: conn.transcript}
	if err := r.assert(c, envRuns, conn.transcript); err != nil {
		return report, err
	}
	return report, nil
}

// dialogue walks the extension pairs in order: greeting, EHLO/LHLO,
// STARTTLS, AUTH, then each envelope, then QUIT. Server rejections are
// recorded and the dialogue degrades gracefully; only transport failures
// abort.
func (r *Runner) dialogue(conn *conn, c *Case) ([]envelopeRun, error) {
	alive := len(conn.transcript) != 0 && !conn.transcript[0].Failed

	if alive {
		tr, err := conn.hello()
		if err != nil {
			return nil, err
		}
		alive = !tr.Failed
	}

	if alive && c.Route.TLS == "starttls" {
		if err := conn.starttls(c.Route); err != nil {
			return nil, err
		}
		alive = !lastTransaction(conn.transcript).Failed
	}

	if alive && c.Route.Auth != nil {
		if err := conn.auth(c.Route.Auth); err != nil {
			return nil, err
		}
		alive = !lastTransaction(conn.transcript).Failed
	}

	envelopes := make([]Envelope, 0, len(c.Envelopes)+1)
	if c.Mail != "" {
		envelopes = append(envelopes, Envelope{
			Mail:     c.Mail,
			Rcpt:     c.Rcpt,
			Mime:     c.Mime,
			Chunking: c.Chunking,
		})
	}
	envelopes = append(envelopes, c.Envelopes...)

	envRuns := make([]envelopeRun, 0, len(envelopes))
	for i, env := range envelopes {
		run := envelopeRun{
			env:   env,
			scope: fmt.Sprintf("envelope %d", i+1),
			start: len(conn.transcript),
		}
		if alive {
			if err := r.transaction(conn, env); err != nil {
				return nil, err
			}
		}
		run.end = len(conn.transcript)
		envRuns = append(envRuns, run)
	}

	if alive {
		conn.quit()
	}
	return envRuns, nil
}

// transaction runs one MAIL/RCPT/DATA exchange. A rejected MAIL skips
// the rest; with no accepted recipient the transfer is skipped and the
// envelope state is cleared with RSET instead.
func (r *Runner) transaction(conn *conn, env Envelope) error {
	tr, err := conn.mail(env.Mail)
	if err != nil {
		return err
	}
	if tr.Failed {
		return nil
	}

	accepted := 0
	for _, rcpt := range env.Rcpt {
		tr, err := conn.rcpt(rcpt)
		if err != nil {
			return err
		}
		if !tr.Failed {
			accepted++
		}
	}
	if accepted == 0 {
		_, err := conn.rset()
		return err
	}

	body, err := buildMessage(env.Mime, conn.ehlo)
	if err != nil {
		return err
	}

	if env.Chunking {
		return conn.bdat(body, accepted)
	}
	return conn.data(body, accepted)
}

// assert evaluates transcript rules first (they are cheap and final),
// then the external MTA groups which may sleep and retry.
func (r *Runner) assert(c *Case, envRuns []envelopeRun, transcript []Transaction) error {
	if c.Assertions != nil {
		if err := checkTranscript(c.Assertions.SMTP, transcript, "session"); err != nil {
			return err
		}
	}
	for _, run := range envRuns {
		if run.env.Assertions == nil {
			continue
		}
		span := transcript[run.start:run.end]
		if err := checkTranscript(run.env.Assertions.SMTP, span, run.scope); err != nil {
			return err
		}
	}

	if c.Assertions != nil {
		for _, group := range c.Assertions.MTA {
			if err := checkExternal(group, r.Sources, transcript, "session"); err != nil {
				return err
			}
		}
	}
	for _, run := range envRuns {
		if run.env.Assertions == nil {
			continue
		}
		span := transcript[run.start:run.end]
		for _, group := range run.env.Assertions.MTA {
			if err := checkExternal(group, r.Sources, span, run.scope); err != nil {
				return err
			}
		}
	}
	return nil
}
