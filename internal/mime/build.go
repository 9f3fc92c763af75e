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

package mime

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"sort"
	"strings"
	"time"

	msgtextproto "github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// Stable boundary names so two builds of the same input are
// byte-identical apart from the generated Date and Message-ID.
const (
	boundaryMixed       = "robin-mixed"
	boundaryRelated     = "robin-related"
	boundaryAlternative = "robin-alternative"
)

const dateLayout = "Mon, 2 Jan 2006 15:04:05 -0700"

type Builder struct {
	// Hostname is used for the generated Message-ID and From.
	Hostname string

	// Now is a test hook for the generated Date. nil means time.Now.
	Now func() time.Time
}

// Build writes the message with the canonical part hierarchy: attachments
// at the multipart/mixed level, Content-ID parts at multipart/related,
// text bodies at multipart/alternative. Levels with nothing in them are
// omitted. Missing Date, Message-ID, From, To and Subject fields are
// generated into hdr before output.
func (b *Builder) Build(w io.Writer, hdr msgtextproto.Header, parts []*Part) error {
	if err := b.fillHeaders(&hdr); err != nil {
		return err
	}

	alt, related, mixed := categorize(parts)

	root := func(h msgtextproto.Header) (io.Writer, error) {
		if err := msgtextproto.WriteHeader(w, h); err != nil {
			return nil, err
		}
		return w, nil
	}
	return writeTree(hdr, root, alt, related, mixed)
}

func (b *Builder) fillHeaders(hdr *msgtextproto.Header) error {
	if hdr.Get("Date") == "" {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		hdr.Set("Date", now().Format(dateLayout))
	}
	if hdr.Get("Message-ID") == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("mime: Message-ID generation failed: %w", err)
		}
		hdr.Set("Message-ID", "<"+id.String()+"@"+b.Hostname+">")
	}
	if hdr.Get("From") == "" {
		hdr.Set("From", "<robin@"+b.Hostname+">")
	}
	if hdr.Get("To") == "" {
		hdr.Set("To", "undisclosed-recipients:;")
	}
	if hdr.Get("Subject") == "" {
		hdr.Set("Subject", "(no subject)")
	}
	if hdr.Get("MIME-Version") == "" {
		hdr.Set("MIME-Version", "1.0")
	}
	return nil
}

// categorize sorts parts into the three hierarchy levels: parts with a
// Content-ID are related (inline), plain and HTML text bodies without a
// disposition are alternative, everything else is a mixed-level
// attachment. Alternative parts are ordered least-preferred first
// (text/plain before text/html) regardless of input order.
func categorize(parts []*Part) (alt, related, mixed []*Part) {
	for _, pt := range parts {
		mediaType := pt.MediaType()
		switch {
		case pt.Header.Get("Content-ID") != "":
			related = append(related, pt)
		case (mediaType == "text/plain" || mediaType == "text/html") &&
			!strings.HasPrefix(strings.ToLower(pt.Header.Get("Content-Disposition")), "attachment"):
			alt = append(alt, pt)
		default:
			mixed = append(mixed, pt)
		}
	}
	sort.SliceStable(alt, func(i, j int) bool {
		return alt[i].MediaType() == "text/plain" && alt[j].MediaType() != "text/plain"
	})
	return alt, related, mixed
}

// emitFn writes an entity header and returns the writer for its body:
// the message root or a CreatePart of the enclosing multipart writer.
type emitFn func(msgtextproto.Header) (io.Writer, error)

func writeTree(hdr msgtextproto.Header, emit emitFn, alt, related, mixed []*Part) error {
	switch {
	case len(mixed) == 1 && len(alt) == 0 && len(related) == 0:
		// A lone attachment needs no multipart/mixed envelope.
		return writeLeafWithHeader(hdr, emit, mixed[0])
	case len(mixed) != 0:
		return writeMultipart(hdr, emit, "multipart/mixed", boundaryMixed, func(mw *msgtextproto.MultipartWriter) error {
			if len(alt) != 0 || len(related) != 0 {
				if err := writeTree(msgtextproto.Header{}, mw.CreatePart, alt, related, nil); err != nil {
					return err
				}
			}
			for _, pt := range mixed {
				if err := writeLeaf(mw.CreatePart, pt); err != nil {
					return err
				}
			}
			return nil
		})
	case len(related) != 0:
		return writeMultipart(hdr, emit, "multipart/related", boundaryRelated, func(mw *msgtextproto.MultipartWriter) error {
			if len(alt) != 0 {
				if err := writeTree(msgtextproto.Header{}, mw.CreatePart, alt, nil, nil); err != nil {
					return err
				}
			}
			for _, pt := range related {
				if err := writeLeaf(mw.CreatePart, pt); err != nil {
					return err
				}
			}
			return nil
		})
	case len(alt) > 1:
		return writeMultipart(hdr, emit, "multipart/alternative", boundaryAlternative, func(mw *msgtextproto.MultipartWriter) error {
			for _, pt := range alt {
				if err := writeLeaf(mw.CreatePart, pt); err != nil {
					return err
				}
			}
			return nil
		})
	case len(alt) == 1:
		return writeLeafWithHeader(hdr, emit, alt[0])
	default:
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		_, err := emit(hdr)
		return err
	}
}

func writeMultipart(hdr msgtextproto.Header, emit emitFn, mediaType, boundary string, fill func(*msgtextproto.MultipartWriter) error) error {
	hdr.Set("Content-Type", mediaType+"; boundary="+boundary)
	bodyW, err := emit(hdr)
	if err != nil {
		return err
	}

	mw := msgtextproto.NewMultipartWriter(bodyW)
	if err := mw.SetBoundary(boundary); err != nil {
		return err
	}
	if err := fill(mw); err != nil {
		return err
	}
	return mw.Close()
}

func writeLeaf(emit emitFn, pt *Part) error {
	return writeLeafWithHeader(pt.Header.Copy(), emit, pt)
}

// writeLeafWithHeader writes a leaf part under the given header, merging
// in the part's own content fields. The body is re-encoded per the part's
// declared Content-Transfer-Encoding.
func writeLeafWithHeader(hdr msgtextproto.Header, emit emitFn, pt *Part) error {
	for fields := pt.Header.Fields(); fields.Next(); {
		if hdr.Get(fields.Key()) == "" {
			hdr.Set(fields.Key(), fields.Value())
		}
	}
	if hdr.Get("Content-Type") == "" {
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
	}

	bodyW, err := emit(hdr)
	if err != nil {
		return err
	}
	if pt.Body == nil {
		return nil
	}

	bodyR, err := pt.Body.Open()
	if err != nil {
		return err
	}
	defer bodyR.Close()

	switch strings.ToLower(strings.TrimSpace(hdr.Get("Content-Transfer-Encoding"))) {
	case "", "7bit", "8bit", "binary":
		_, err = io.Copy(bodyW, bodyR)
		return err
	case "base64":
		lw := &lineWrapper{w: bodyW, limit: 76}
		enc := base64.NewEncoder(base64.StdEncoding, lw)
		if _, err := io.Copy(enc, bodyR); err != nil {
			return err
		}
		return enc.Close()
	case "quoted-printable":
		qw := quotedprintable.NewWriter(bodyW)
		if _, err := io.Copy(qw, bodyR); err != nil {
			return err
		}
		return qw.Close()
	default:
		return fmt.Errorf("mime: unsupported Content-Transfer-Encoding: %v",
			hdr.Get("Content-Transfer-Encoding"))
	}
}

// lineWrapper splits its input into CRLF-terminated lines of at most
// limit characters, as required for base64 bodies.
type lineWrapper struct {
	w     io.Writer
	limit int
	used  int
}

func (lw *lineWrapper) Write(p []byte) (int, error) {
	written := 0
	for len(p) != 0 {
		if lw.used == lw.limit {
			if _, err := lw.w.Write([]byte("\r\n")); err != nil {
				return written, err
			}
			lw.used = 0
		}
		chunk := lw.limit - lw.used
		if chunk > len(p) {
			chunk = len(p)
		}
		n, err := lw.w.Write(p[:chunk])
		written += n
		lw.used += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}
