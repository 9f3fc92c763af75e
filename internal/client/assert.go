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
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Test hook.
var sleep = time.Sleep

// checkTranscript verifies session or envelope SMTP rules: each regex
// must match at least one recorded entry whose verb matches the filter.
// The transcript is complete by the time this runs, so there is no retry.
func checkTranscript(rules []MatchRule, transcript []Transaction, scope string) error {
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern())
		if err != nil {
			return &ConfigError{Reason: "assertion regex does not compile", Err: err}
		}

		matched := false
		for i := range transcript {
			if !verbMatches(rule.Filter(), transcript[i].Verb) {
				continue
			}
			if re.MatchString(transcript[i].Response) {
				matched = true
				break
			}
		}
		if !matched {
			return &AssertionError{
				Rule:  rule,
				Last:  lastTransaction(transcript),
				Scope: scope,
			}
		}
	}
	return nil
}

func verbMatches(filter, verb string) bool {
	return filter == "*" || strings.EqualFold(filter, verb)
}

func lastTransaction(transcript []Transaction) *Transaction {
	if len(transcript) == 0 {
		return nil
	}
	return &transcript[len(transcript)-1]
}

// checkExternal evaluates one MTA assertion group against external
// sources. Delay is slept up front, then the group is attempted Retry+1
// times with Wait seconds between attempts; sources are re-read on every
// attempt since mailboxes and logs fill asynchronously.
func checkExternal(group Group, sources map[string]string, transcript []Transaction, scope string) error {
	if group.Delay > 0 {
		sleep(time.Duration(group.Delay) * time.Second)
	}

	attempts := group.Retry + 1
	for attempt := 0; ; attempt++ {
		failed, err := evalExternalOnce(group, sources)
		if err != nil {
			return err
		}
		if failed == nil {
			return nil
		}
		if attempt+1 >= attempts {
			g := group
			return &AssertionError{
				Rule:  *failed,
				Group: &g,
				Last:  lastTransaction(transcript),
				Scope: scope,
			}
		}
		if group.Wait > 0 {
			sleep(time.Duration(group.Wait) * time.Second)
		}
	}
}

// evalExternalOnce returns the first rule that does not hold, or nil when
// the whole group passes.
func evalExternalOnce(group Group, sources map[string]string) (*MatchRule, error) {
	for i, rule := range group.Match {
		path, ok := sources[rule.Filter()]
		if !ok {
			return nil, &ConfigError{Reason: "no source configured for assertion tag: " + rule.Filter()}
		}

		re, err := regexp.Compile(rule.Pattern())
		if err != nil {
			return nil, &ConfigError{Reason: "assertion regex does not compile", Err: err}
		}

		matched, err := sourceMatches(path, re)
		if err != nil {
			return nil, err
		}
		if !matched {
			return &group.Match[i], nil
		}
	}
	return nil, nil
}

// sourceMatches reads the file, or every regular file directly inside the
// directory, and reports whether the regex matches any of them. A path
// that does not exist yet is a non-match, not an error: the artifact may
// appear on a later attempt.
func sourceMatches(path string, re *regexp.Regexp) (bool, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, &IOError{Op: "stat " + path, Err: err}
	}

	if !fi.IsDir() {
		return fileMatches(path, re)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return false, &IOError{Op: "read dir " + path, Err: err}
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matched, err := fileMatches(filepath.Join(path, entry.Name()), re)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func fileMatches(path string, re *regexp.Regexp) (bool, error) {
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, &IOError{Op: "read " + path, Err: err}
	}
	return re.Match(blob), nil
}
