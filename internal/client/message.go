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
	"bytes"
	"strings"

	msgtextproto "github.com/emersion/go-message/textproto"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/internal/mime"
)

// buildMessage renders the case's mime section into the wire-ready
// message. A nil spec produces a minimal generated text/plain message, a
// raw spec is passed through with line endings normalized, parts go
// through the MIME builder's canonical mixed/related/alternative nesting.
func buildMessage(spec *MimeSpec, hostname string) ([]byte, error) {
	if spec != nil && spec.Raw != "" {
		return normalizeCRLF(spec.Raw), nil
	}

	hdr := msgtextproto.Header{}
	var parts []*mime.Part
	if spec != nil {
		for k, v := range spec.Headers {
			hdr.Set(k, v)
		}
		for _, pt := range spec.Parts {
			parts = append(parts, partFromSpec(pt))
		}
	}

	b := mime.Builder{Hostname: hostname}
	var buf bytes.Buffer
	if err := b.Build(&buf, hdr, parts); err != nil {
		return nil, &ConfigError{Reason: "mime build failed", Err: err}
	}
	return buf.Bytes(), nil
}

func partFromSpec(spec PartSpec) *mime.Part {
	hdr := msgtextproto.Header{}

	contentType := spec.Type
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	hdr.Set("Content-Type", contentType)

	if spec.Filename != "" {
		hdr.Set("Content-Disposition", `attachment; filename="`+spec.Filename+`"`)
	}
	if spec.ContentID != "" {
		id := spec.ContentID
		if !strings.HasPrefix(id, "<") {
			id = "<" + id + ">"
		}
		hdr.Set("Content-ID", id)
	}
	if spec.Encoding != "" {
		hdr.Set("Content-Transfer-Encoding", spec.Encoding)
	}

	return &mime.Part{
		Header: hdr,
		Body:   buffer.MemoryBuffer{Slice: []byte(spec.Content)},
	}
}

func normalizeCRLF(raw string) []byte {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\n", "\r\n")
	if !strings.HasSuffix(raw, "\r\n") {
		raw += "\r\n"
	}
	return []byte(raw)
}
