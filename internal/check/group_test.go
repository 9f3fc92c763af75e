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

package check

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-message/textproto"

	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/testutils"
)

func newGroupState(t *testing.T, g *Group) module.CheckState {
	t.Helper()

	state, err := g.CheckStateForMsg(context.Background(), &module.MsgMetadata{ID: "test"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

func TestGroup_ShortCircuitOnReject(t *testing.T) {
	first := &testutils.Check{
		BodyRes: module.CheckResult{Reject: true, Reason: errors.New("stop here")},
	}
	second := &testutils.Check{}
	g := &Group{Checks: []module.Check{first, second}}

	state := newGroupState(t, g)
	res := state.CheckBody(context.Background(), textproto.Header{}, testutils.FailingBuffer{})

	if !res.Reject {
		t.Fatal("expected rejection")
	}
	if second.BodyCalls != 0 {
		t.Fatalf("later processor ran %d times after rejection", second.BodyCalls)
	}
}

func TestGroup_MergesHeadersAndQuarantine(t *testing.T) {
	firstHdr := textproto.Header{}
	firstHdr.Add("X-Spam-Score", "4.2")
	first := &testutils.Check{
		BodyRes: module.CheckResult{Header: firstHdr},
	}
	second := &testutils.Check{
		BodyRes: module.CheckResult{Quarantine: true},
	}
	g := &Group{Checks: []module.Check{first, second}}

	state := newGroupState(t, g)
	res := state.CheckBody(context.Background(), textproto.Header{}, testutils.FailingBuffer{})

	if res.Reject {
		t.Fatalf("unexpected rejection: %v", res.Reason)
	}
	if !res.Quarantine {
		t.Fatal("quarantine flag lost")
	}
	if res.Header.Get("X-Spam-Score") != "4.2" {
		t.Fatal("prepended header lost")
	}
}

func TestGroup_InitErrorClosesEarlierStates(t *testing.T) {
	first := &testutils.Check{}
	second := &testutils.Check{InitErr: errors.New("no can do")}

	g := &Group{Checks: []module.Check{first, second}}
	_, err := g.CheckStateForMsg(context.Background(), &module.MsgMetadata{ID: "test"})
	if err == nil {
		t.Fatal("expected state init error")
	}
	if first.UnclosedStates != 0 {
		t.Fatalf("%d states leaked", first.UnclosedStates)
	}
}

func TestGroup_AllStagesRun(t *testing.T) {
	first := &testutils.Check{}
	second := &testutils.Check{}
	g := &Group{Checks: []module.Check{first, second}}

	state := newGroupState(t, g)
	ctx := context.Background()
	state.CheckConnection(ctx)
	state.CheckSender(ctx, "from@example.org")
	state.CheckRcpt(ctx, "to@example.org")
	state.CheckBody(ctx, textproto.Header{}, testutils.FailingBuffer{})

	for i, c := range []*testutils.Check{first, second} {
		if c.ConnCalls != 1 || c.SenderCalls != 1 || c.RcptCalls != 1 || c.BodyCalls != 1 {
			t.Errorf("check %d: calls conn=%d sender=%d rcpt=%d body=%d, want 1 each",
				i, c.ConnCalls, c.SenderCalls, c.RcptCalls, c.BodyCalls)
		}
	}
}
