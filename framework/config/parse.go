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

// Package config implements parsing of the directive-based configuration
// files and mapping of directives onto Go variables.
//
// The syntax is line-oriented:
//
//	name arg0 arg1 {
//	    child0 arg
//	    child1
//	}
//
// Arguments may be quoted with double quotes, '#' starts a comment, a
// trailing backslash continues the logical line and {env:VAR} references are
// substituted with the environment variable value.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"
)

// Node describes a parsed configuration directive or block.
type Node struct {
	// Name is the first token of the directive line.
	Name string
	// Args are the remaining tokens before the opening brace, if any.
	Args []string

	// Children contains the nested directives if the node is a block.
	// nil for plain directives, non-nil (possibly empty) for blocks.
	Children []Node

	// File and Line record where the directive came from, for error
	// messages.
	File string
	Line int
}

// NodeErr returns an error prefixed with the node source location.
func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}

const maxNesting = 255

type parser struct {
	scanner  *bufio.Scanner
	location string
	line     int
	nesting  int

	// Tokens carried over from a line that ended with '\'.
	pending     []string
	pendingLine int
}

var envRef = regexp.MustCompile(`{env:([^{}]+)}`)

func expandEnv(tok string) string {
	return envRef.ReplaceAllStringFunc(tok, func(match string) string {
		return os.Getenv(match[5 : len(match)-1])
	})
}

// tokenize splits the line into tokens, respecting double quotes and
// stripping comments. A quote or backslash inside a quoted token is escaped
// with a backslash.
func tokenize(line string) ([]string, error) {
	var (
		toks    []string
		current strings.Builder
		quoted  bool
		escaped bool
		started bool
	)
	flush := func() {
		if started {
			toks = append(toks, current.String())
			current.Reset()
			started = false
		}
	}
	for _, ch := range line {
		if escaped {
			current.WriteRune(ch)
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && quoted:
			escaped = true
		case ch == '"':
			quoted = !quoted
			started = true
		case ch == '#' && !quoted:
			flush()
			return toks, nil
		case unicode.IsSpace(ch) && !quoted:
			flush()
		default:
			current.WriteRune(ch)
			started = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quoted string")
	}
	flush()
	return toks, nil
}

func validateNodeName(s string) error {
	if len(s) == 0 {
		return errors.New("empty directive name")
	}
	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}
	for _, ch := range s {
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) &&
			ch != '.' && ch != '-' && ch != '_' {
			return errors.New("character not allowed in directive name: " + string(ch))
		}
	}
	return nil
}

func (p *parser) err(f string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", p.location, p.line, fmt.Sprintf(f, args...))
}

// nextLogicalLine returns the tokens of the next non-empty logical line,
// joining physical lines terminated with a backslash.
func (p *parser) nextLogicalLine() ([]string, int, error) {
	if p.pending != nil {
		toks, line := p.pending, p.pendingLine
		p.pending = nil
		return toks, line, nil
	}

	var (
		toks      []string
		startLine int
	)
	for p.scanner.Scan() {
		p.line++
		lineToks, err := tokenize(p.scanner.Text())
		if err != nil {
			return nil, 0, p.err("%v", err)
		}
		if len(lineToks) == 0 {
			if toks != nil {
				// A continuation followed by an empty line ends the
				// logical line.
				return toks, startLine, nil
			}
			continue
		}
		if toks == nil {
			startLine = p.line
		}

		cont := false
		if lineToks[len(lineToks)-1] == `\` {
			lineToks = lineToks[:len(lineToks)-1]
			cont = true
		}
		toks = append(toks, lineToks...)
		if !cont {
			return toks, startLine, nil
		}
	}
	if err := p.scanner.Err(); err != nil {
		return nil, 0, err
	}
	if toks != nil {
		return toks, startLine, nil
	}
	return nil, 0, io.EOF
}

func (p *parser) readBlock() ([]Node, error) {
	if p.nesting > maxNesting {
		return nil, p.err("nesting limit reached")
	}
	p.nesting++
	defer func() { p.nesting-- }()

	res := []Node{}
	for {
		toks, line, err := p.nextLogicalLine()
		if err == io.EOF {
			if p.nesting > 1 {
				return res, p.err("unexpected EOF when looking for }")
			}
			return res, nil
		}
		if err != nil {
			return res, err
		}

		if toks[0] == "}" {
			if len(toks) != 1 {
				return res, p.err("newline is required after closing brace")
			}
			if p.nesting == 1 {
				return res, p.err("unexpected }")
			}
			return res, nil
		}

		node := Node{
			Name: expandEnv(toks[0]),
			File: p.location,
			Line: line,
		}
		if err := validateNodeName(node.Name); err != nil {
			return res, p.err("%v", err)
		}

		args := toks[1:]
		braceAt := -1
		for i, arg := range args {
			if arg == "{" {
				braceAt = i
				break
			}
		}
		switch {
		case braceAt == len(args)-1:
			// Opening brace ends the line, children follow on the next
			// lines.
			args = args[:braceAt]
			node.Children, err = p.readBlock()
			if err != nil {
				return res, err
			}
		case braceAt != -1:
			// Single-line block: name arg { child child-arg }
			childToks := args[braceAt+1:]
			args = args[:braceAt]
			if childToks[len(childToks)-1] != "}" {
				return res, p.err("missing } at the end of a single-line block")
			}
			childToks = childToks[:len(childToks)-1]
			node.Children = []Node{}
			if len(childToks) != 0 {
				child := Node{
					Name: expandEnv(childToks[0]),
					File: p.location,
					Line: line,
				}
				if err := validateNodeName(child.Name); err != nil {
					return res, p.err("%v", err)
				}
				for _, arg := range childToks[1:] {
					child.Args = append(child.Args, expandEnv(arg))
				}
				node.Children = append(node.Children, child)
			}
		}

		for _, arg := range args {
			node.Args = append(node.Args, expandEnv(arg))
		}

		res = append(res, node)
	}
}

// Read parses the configuration from r. location is used in error messages,
// usually it is the file path.
func Read(r io.Reader, location string) ([]Node, error) {
	p := parser{
		scanner:  bufio.NewScanner(r),
		location: location,
	}
	p.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return p.readBlock()
}

// ReadFile parses the configuration file at path.
func ReadFile(path string) ([]Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, path)
}
