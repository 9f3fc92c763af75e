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

// Package mime implements the message parser and builder used by the
// scripted client and the mailbox artifact store.
//
// The parser produces a part tree with decoded bodies, optional content
// digests and disk spill for large parts. The builder writes the canonical
// multipart/mixed -> multipart/related -> multipart/alternative hierarchy
// with stable boundary names, generating the required top-level headers
// that are missing. A message built by the builder parses back into the
// same tree.
package mime

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"

	msgtextproto "github.com/emersion/go-message/textproto"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/log"
)

// Part is a node of the parsed message tree. Multipart nodes carry
// children and no body, leaf nodes carry the decoded body.
type Part struct {
	Header msgtextproto.Header

	// Body is the decoded (post-CTE) content of a leaf part. Large bodies
	// are backed by a file, see Parser.SpillThreshold.
	Body buffer.Buffer

	Parts []*Part

	// Hashes maps digest name (sha1, sha256, md5) to the hex digest of the
	// decoded body. Only populated for leaves and only for the digests the
	// Parser was asked to compute.
	Hashes map[string]string
}

// MediaType returns the lowercase media type of the part, text/plain when
// the Content-Type field is missing or malformed.
func (pt *Part) MediaType() string {
	t, _, err := mime.ParseMediaType(pt.Header.Get("Content-Type"))
	if err != nil {
		return "text/plain"
	}
	return strings.ToLower(t)
}

const defaultSpillThreshold = 1 * 1024 * 1024

type Parser struct {
	// Decoded bodies larger than SpillThreshold bytes are written to a
	// file in SpillDir instead of being held in memory. Zero means 1 MiB.
	SpillThreshold int
	SpillDir       string

	// Digests to compute per leaf part: sha1, sha256, md5.
	Hashes []string

	Log log.Logger
}

func (p *Parser) Parse(r io.Reader) (*Part, error) {
	br := bufio.NewReader(r)
	hdr, err := msgtextproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("mime: malformed header: %w", err)
	}
	return p.parseEntity(hdr, br)
}

func (p *Parser) parseEntity(hdr msgtextproto.Header, r io.Reader) (*Part, error) {
	part := &Part{Header: hdr}

	mediaType, params, err := mime.ParseMediaType(hdr.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("mime: %s without a boundary parameter", mediaType)
		}
		mr := multipart.NewReader(r, boundary)
		for {
			sub, err := mr.NextRawPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("mime: broken part: %w", err)
			}
			child, err := p.parseEntity(mimeHeader(sub.Header), sub)
			if err != nil {
				return nil, err
			}
			part.Parts = append(part.Parts, child)
		}
		return part, nil
	}

	body, err := decodeTransferEncoding(hdr.Get("Content-Transfer-Encoding"), r)
	if err != nil {
		return nil, err
	}
	part.Body, part.Hashes, err = p.consumeBody(body)
	if err != nil {
		return nil, fmt.Errorf("mime: cannot read part body: %w", err)
	}
	return part, nil
}

func mimeHeader(h textproto.MIMEHeader) msgtextproto.Header {
	hdr := msgtextproto.Header{}
	for key, values := range h {
		for _, value := range values {
			hdr.Add(key, value)
		}
	}
	return hdr
}

func decodeTransferEncoding(cte string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "", "7bit", "8bit", "binary":
		return r, nil
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r), nil
	case "quoted-printable":
		return quotedprintable.NewReader(r), nil
	default:
		return nil, fmt.Errorf("mime: unsupported Content-Transfer-Encoding: %v", cte)
	}
}

// consumeBody reads the decoded body, computing the requested digests on
// the way. The body stays in memory unless it crosses the spill threshold.
func (p *Parser) consumeBody(r io.Reader) (buffer.Buffer, map[string]string, error) {
	threshold := p.SpillThreshold
	if threshold == 0 {
		threshold = defaultSpillThreshold
	}

	hashers := map[string]hash.Hash{}
	writers := make([]io.Writer, 0, len(p.Hashes))
	for _, name := range p.Hashes {
		var h hash.Hash
		switch name {
		case "sha1":
			h = sha1.New()
		case "sha256":
			h = sha256.New()
		case "md5":
			h = md5.New()
		default:
			return nil, nil, fmt.Errorf("mime: unknown digest: %v", name)
		}
		hashers[name] = h
		writers = append(writers, h)
	}

	tee := r
	if len(writers) != 0 {
		tee = io.TeeReader(r, io.MultiWriter(writers...))
	}

	head := bytes.Buffer{}
	_, err := io.CopyN(&head, tee, int64(threshold)+1)
	if err != nil && err != io.EOF {
		return nil, nil, err
	}

	var body buffer.Buffer
	if head.Len() > threshold {
		body, err = buffer.BufferInFile(io.MultiReader(&head, tee), p.SpillDir)
		if err != nil {
			return nil, nil, err
		}
	} else {
		body = buffer.MemoryBuffer{Slice: head.Bytes()}
	}

	digests := make(map[string]string, len(hashers))
	for name, h := range hashers {
		digests[name] = hex.EncodeToString(h.Sum(nil))
	}
	return body, digests, nil
}

// DecodeHeaderText decodes RFC 2047 encoded-words in a header value.
// Undecodable input is returned as-is.
func DecodeHeaderText(value string) string {
	dec := mime.WordDecoder{}
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
