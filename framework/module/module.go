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

// Package module contains the module registry and interfaces implemented by
// modules.
//
// Interfaces are placed here to prevent circular dependencies.
//
// Each pluggable piece of the server is an object called "module":
// authentication backends, processors, delivery targets, mailbox storages
// and so on. One object may serve several functions, e.g. be a delivery
// target and an authentication provider at the same time.
//
// Every module has a name used to reference its kind in the configuration
// ("auth.static", "forward", "queue", ...) and every instance can carry its
// own instance name.
package module

import (
	"github.com/robin-mta/robin/framework/config"
)

// Module is the interface implemented by all module instances.
//
// Additionally, a module can implement io.Closer if it needs to perform
// clean-up on shutdown. Long-lived goroutines should be stopped *before*
// Close returns to ensure graceful shutdown.
type Module interface {
	// Init performs the actual initialization of the module.
	//
	// It is not done in FuncNewModule so all instances exist by the time
	// initialization runs, making it independent of configuration block
	// ordering and allowing modules to reference each other.
	//
	// The module reads its configuration directives from the passed
	// config.Map.
	Init(*config.Map) error

	// Name reports the module kind name, used in the configuration and in
	// logs.
	Name() string

	// InstanceName reports the unique name of this module instance or an
	// empty string if the instance is unnamed.
	InstanceName() string
}

// FuncNewModule creates a new instance of the module kind with the specified
// name.
//
// InstanceName() of the returned object should report instName. aliases
// contains other names the instance can be referenced by.
//
// For inline definitions instName is empty and the values specified after
// the module name in the configuration are passed in inlineArgs.
type FuncNewModule func(modName, instName string, aliases, inlineArgs []string) (Module, error)

// FuncNewEndpoint creates a new instance of an endpoint module.
//
// Endpoint instances differ from regular modules: they are not placed in the
// instance registry, cannot be defined inline and have no unique name (their
// InstanceName equals Name). All configuration arguments are passed as the
// addrs slice.
type FuncNewEndpoint func(modName string, addrs []string) (Module, error)
