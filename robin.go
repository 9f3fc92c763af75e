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

// Package robin ties the configured modules together into a running
// server: it parses the configuration, registers module instances,
// starts the endpoints and the health listener, then waits for a
// termination signal.
package robin

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/hooks"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
)

var (
	Version = "unknown (built from source tree)"

	DefaultStateDirectory   = "/var/lib/robin"
	DefaultRuntimeDirectory = "/run/robin"
	DefaultLibexecDirectory = "/usr/libexec/robin"

	// ConfigName is the file looked up inside the configuration
	// directory passed to 'robin server'.
	ConfigName = "robin.conf"
)

func BuildInfo() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version == "(devel)" {
			return Version
		}
		return info.Main.Version + " " + info.Main.Sum
	}
	return Version + " (GOPATH build)"
}

// Run reads the configuration from dir and runs the server until a
// termination signal arrives. Configuration problems are reported as
// *ConfigError so the CLI can map them to the right exit code.
func Run(dir string) error {
	path := filepath.Join(dir, ConfigName)
	cfg, err := config.ReadFile(path)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	return moduleMain(path, cfg)
}

// ConfigError reports an unusable server configuration.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

type modInfo struct {
	instance module.Module
	cfg      *config.Map
}

func moduleMain(path string, cfg []config.Node) error {
	var (
		hostname      string
		autogenDomain string
		tlsConf       *tls.Config
		healthAddr    string
		logOut        log.Output
	)

	globals := config.NewMap(nil, config.Node{Children: cfg})
	globals.String("state_dir", false, false, DefaultStateDirectory, &config.StateDirectory)
	globals.String("runtime_dir", false, false, DefaultRuntimeDirectory, &config.RuntimeDirectory)
	globals.String("libexec_dir", false, false, DefaultLibexecDirectory, &config.LibexecDirectory)
	globals.String("hostname", false, false, "", &hostname)
	globals.String("autogenerated_msg_domain", false, false, "", &autogenDomain)
	globals.Custom("tls", false, false, func() (interface{}, error) {
		return nil, nil
	}, config.TLSDirective, &tlsConf)
	globals.Bool("debug", false, false, &log.DefaultLogger.Debug)
	globals.Custom("log", false, false, func() (interface{}, error) {
		return log.DefaultLogger.Out, nil
	}, logOutputDirective, &logOut)
	globals.String("health_endpoint", false, false, "", &healthAddr)
	globals.AllowUnknown()

	unknown, err := globals.Process()
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	log.DefaultLogger.Out = logOut

	defer hooks.RunHooks(hooks.EventShutdown)

	if err := InitDirs(); err != nil {
		return err
	}

	endpoints, declared, err := registerModules(globals.Values, unknown)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}

	for _, endp := range endpoints {
		if err := endp.instance.Init(endp.cfg); err != nil {
			return fmt.Errorf("%s: %w", endp.instance.Name(), err)
		}
	}

	// Initialize the instances nothing referenced yet, so configuration
	// mistakes surface at startup rather than on first use.
	for _, name := range declared {
		if module.Initialized[name] {
			continue
		}
		if _, err := module.GetInstance(name); err != nil {
			return err
		}
	}

	var health *http.Server
	if healthAddr != "" {
		health = startHealthEndpoint(healthAddr, endpoints, declared)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			health.Shutdown(ctx)
		}()
	}

	s := handleSignals()
	log.Printf("%v received, shutting down", s)
	return nil
}

// registerModules sorts the unmatched top-level blocks into endpoint
// modules (started eagerly, not placed in the instance registry) and
// named module instances (initialized lazily via GetInstance).
func registerModules(globals map[string]interface{}, unknown []config.Node) (endpoints []modInfo, declared []string, err error) {
	for _, block := range unknown {
		if epFactory := module.GetEndpoint(block.Name); epFactory != nil {
			inst, err := epFactory(block.Name, block.Args)
			if err != nil {
				return nil, nil, err
			}
			endpoints = append(endpoints, modInfo{
				instance: inst,
				cfg:      config.NewMap(globals, block),
			})
			continue
		}

		factory := module.Get(block.Name)
		if factory == nil {
			return nil, nil, config.NodeErr(block, "unknown module or endpoint: %s", block.Name)
		}
		if len(block.Args) == 0 {
			return nil, nil, config.NodeErr(block, "missing instance name for %s", block.Name)
		}

		instName := block.Args[0]
		aliases := block.Args[1:]
		if module.HasInstance(instName) {
			return nil, nil, config.NodeErr(block, "duplicate instance name: %s", instName)
		}

		inst, err := factory(block.Name, instName, aliases, nil)
		if err != nil {
			return nil, nil, err
		}
		module.RegisterInstance(inst, config.NewMap(globals, block))
		for _, alias := range aliases {
			module.RegisterAlias(alias, instName)
		}
		declared = append(declared, instName)
	}
	return endpoints, declared, nil
}

// logOutputDirective maps 'log target...' to a log.Output: stderr, off,
// or one or more file paths appended to.
func logOutputDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}

	outs := make([]log.Output, 0, len(node.Args))
	for _, target := range node.Args {
		switch target {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "off":
			if len(node.Args) != 1 {
				return nil, config.NodeErr(node, "'off' can't be combined with other targets")
			}
			return log.NopOutput{}, nil
		default:
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
			if err != nil {
				return nil, config.NodeErr(node, "cannot open log file: %v", err)
			}
			outs = append(outs, log.WriterOutput(f, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

// startHealthEndpoint serves the liveness probe: 200 "OK" while every
// endpoint keeps accepting and every scheduler-backed instance is alive,
// 503 "DEGRADED" with a reason otherwise.
func startHealthEndpoint(addr string, endpoints []modInfo, declared []string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if reason := degradeReason(endpoints, declared); reason != "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "DEGRADED: %s\n", reason)
			return
		}
		fmt.Fprint(w, "OK\n")
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("health endpoint failed: %v", err)
		}
	}()
	log.Debugf("health endpoint listening on %s", addr)
	return srv
}

func degradeReason(endpoints []modInfo, declared []string) string {
	for _, endp := range endpoints {
		accepter, ok := endp.instance.(interface{ Accepting() bool })
		if ok && !accepter.Accepting() {
			return endp.instance.Name() + " endpoint is not accepting connections"
		}
	}
	for _, name := range declared {
		inst, err := module.GetInstance(name)
		if err != nil {
			continue
		}
		alive, ok := inst.(interface{ Alive() bool })
		if ok && !alive.Alive() {
			return name + " scheduler is not running"
		}
	}
	return ""
}

func InitDirs() error {
	if config.StateDirectory == "" {
		config.StateDirectory = DefaultStateDirectory
	}
	if config.RuntimeDirectory == "" {
		config.RuntimeDirectory = DefaultRuntimeDirectory
	}
	if config.LibexecDirectory == "" {
		config.LibexecDirectory = DefaultLibexecDirectory
	}

	if err := ensureDirectoryWritable(config.StateDirectory); err != nil {
		return err
	}
	if err := ensureDirectoryWritable(config.RuntimeDirectory); err != nil {
		return err
	}

	// Make sure all paths we are going to use are absolute
	// before we change the working directory.
	if !filepath.IsAbs(config.StateDirectory) {
		return errors.New("state_dir should be absolute")
	}
	if !filepath.IsAbs(config.RuntimeDirectory) {
		return errors.New("runtime_dir should be absolute")
	}
	if !filepath.IsAbs(config.LibexecDirectory) {
		return errors.New("libexec_dir should be absolute")
	}

	// Change the working directory to make all relative paths
	// in configuration relative to the state directory.
	if err := os.Chdir(config.StateDirectory); err != nil {
		log.Println(err)
	}

	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.CreateTemp(path, "writeable-test-")
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}
