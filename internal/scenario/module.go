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

package scenario

import (
	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/hooks"
	"github.com/robin-mta/robin/framework/hotswap"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
)

// Scenarios is the module object wrapping a hot-swappable Table. Endpoints
// reference it as '&scenarios' and call Snapshot once per session.
type Scenarios struct {
	instName string
	path     string
	log      log.Logger

	table *hotswap.Value[Table]
}

func New(modName, instName string, _, _ []string) (module.Module, error) {
	return &Scenarios{
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

func (s *Scenarios) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &s.log.Debug)
	cfg.String("file", false, false, "", &s.path)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	tbl := Empty()
	if s.path != "" {
		var err error
		tbl, err = LoadFile(s.path)
		if err != nil {
			return err
		}
	}
	s.table = hotswap.New(tbl)

	hooks.AddHook(hooks.EventReload, s.reload)

	return nil
}

// Snapshot returns the current scenario table. Callers hold on to the
// returned value for the lifetime of the session.
func (s *Scenarios) Snapshot() *Table {
	return s.table.Load()
}

func (s *Scenarios) reload() {
	if s.path == "" {
		return
	}
	tbl, err := LoadFile(s.path)
	if err != nil {
		s.log.Error("scenario reload failed, keeping the old table", err)
		return
	}
	s.table.Swap(tbl)
	s.log.Msg("scenario table reloaded", "path", s.path)
}

func (s *Scenarios) Name() string {
	return "scenarios"
}

func (s *Scenarios) InstanceName() string {
	return s.instName
}

func init() {
	module.Register("scenarios", New)
}
