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

// Package check contains the storage processor chain runner.
//
// Individual processors (spam scan, AV scan, local file store) live in
// subpackages and implement module.Check. The Group type runs them in the
// configured order and merges their verdicts.
package check

import (
	"context"

	"github.com/emersion/go-message/textproto"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/module"
)

// ChaosTarget is implemented by checks that can be addressed by
// forced-result headers. ChaosProcessor returns the name matched against
// the header's processor parameter and the reject result substituted when
// a directive forces return=false.
type ChaosTarget interface {
	ChaosProcessor() (string, module.CheckResult)
}

// Group is a composite check that runs the contained checks in order.
//
// The first Reject or Discard verdict stops the chain and is returned
// as-is. Quarantine flags and prepended header fields from passing checks
// are accumulated.
type Group struct {
	Checks []module.Check
}

func (g *Group) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	states := make([]module.CheckState, 0, len(g.Checks))
	for _, c := range g.Checks {
		s, err := c.CheckStateForMsg(ctx, msgMeta)
		if err != nil {
			for _, s := range states {
				s.Close()
			}
			return nil, err
		}
		states = append(states, s)
	}
	return &groupState{states: states}, nil
}

type groupState struct {
	states []module.CheckState
}

func (gs *groupState) runStage(stage func(module.CheckState) module.CheckResult) module.CheckResult {
	merged := module.CheckResult{}
	for _, s := range gs.states {
		res := stage(s)
		if res.Reject || res.Discard {
			return res
		}

		merged.Quarantine = merged.Quarantine || res.Quarantine
		for f := res.Header.Fields(); f.Next(); {
			merged.Header.Add(f.Key(), f.Value())
		}
	}
	return merged
}

func (gs *groupState) CheckConnection(ctx context.Context) module.CheckResult {
	return gs.runStage(func(s module.CheckState) module.CheckResult {
		return s.CheckConnection(ctx)
	})
}

func (gs *groupState) CheckSender(ctx context.Context, mailFrom string) module.CheckResult {
	return gs.runStage(func(s module.CheckState) module.CheckResult {
		return s.CheckSender(ctx, mailFrom)
	})
}

func (gs *groupState) CheckRcpt(ctx context.Context, rcptTo string) module.CheckResult {
	return gs.runStage(func(s module.CheckState) module.CheckResult {
		return s.CheckRcpt(ctx, rcptTo)
	})
}

func (gs *groupState) CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) module.CheckResult {
	return gs.runStage(func(s module.CheckState) module.CheckResult {
		return s.CheckBody(ctx, header, body)
	})
}

func (gs *groupState) Close() error {
	var lastErr error
	for _, s := range gs.states {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
