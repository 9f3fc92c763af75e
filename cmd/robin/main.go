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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foxcpp/go-mtasts"
	"github.com/urfave/cli/v2"

	"github.com/robin-mta/robin"
	"github.com/robin-mta/robin/framework/dns"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/internal/client"

	// Import packages for side effect of module registration.
	_ "github.com/robin-mta/robin/internal/auth/dovecotsasl"
	_ "github.com/robin-mta/robin/internal/auth/sql"
	_ "github.com/robin-mta/robin/internal/auth/static"
	_ "github.com/robin-mta/robin/internal/bots"
	_ "github.com/robin-mta/robin/internal/check/clamav"
	_ "github.com/robin-mta/robin/internal/check/dnsbl"
	_ "github.com/robin-mta/robin/internal/check/rspamd"
	_ "github.com/robin-mta/robin/internal/endpoint/openmetrics"
	_ "github.com/robin-mta/robin/internal/endpoint/smtp"
	_ "github.com/robin-mta/robin/internal/limits"
	_ "github.com/robin-mta/robin/internal/proxy"
	_ "github.com/robin-mta/robin/internal/scenario"
	_ "github.com/robin-mta/robin/internal/storage/localfile"
	_ "github.com/robin-mta/robin/internal/target/mailbox"
	_ "github.com/robin-mta/robin/internal/target/queue"
	_ "github.com/robin-mta/robin/internal/target/remote"
	_ "github.com/robin-mta/robin/internal/webhook"
)

// Exit codes: 0 success, 1 assertion failure, 2 configuration error,
// 3 I/O failure.
const (
	exitAssertion = 1
	exitConfig    = 2
	exitIO        = 3
)

func main() {
	app := &cli.App{
		Name:    "robin",
		Usage:   "programmable SMTP/LMTP server and scripted test client",
		Version: robin.BuildInfo(),
		Commands: []*cli.Command{
			{
				Name:      "server",
				Usage:     "Run the server with the configuration from the directory",
				ArgsUsage: "CONFIG-DIR",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "debug",
						Usage:       "enable debug logging early",
						Destination: &log.DefaultLogger.Debug,
					},
				},
				Action: serverCommand,
			},
			{
				Name:      "client",
				Usage:     "Run a test case against a server",
				ArgsUsage: "CASE-FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "client configuration `FILE` (external assertion sources, EHLO name)",
					},
					&cli.BoolFlag{
						Name:        "debug",
						Usage:       "log the dialogue as it happens",
						Destination: &log.DefaultLogger.Debug,
					},
				},
				Action: clientCommand,
			},
			{
				Name:      "mta-sts",
				Usage:     "Fetch and print the MTA-STS policy of a domain",
				ArgsUsage: "DOMAIN",
				Action:    mtastsCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitIO)
	}
}

func serverCommand(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("usage: robin server CONFIG-DIR", exitConfig)
	}

	err := robin.Run(ctx.Args().First())
	if err == nil {
		return nil
	}
	var cfgErr *robin.ConfigError
	if errors.As(err, &cfgErr) {
		return cli.Exit(err.Error(), exitConfig)
	}
	return cli.Exit(err.Error(), exitIO)
}

func clientCommand(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("usage: robin client CASE-FILE [-c CONFIG]", exitConfig)
	}

	var (
		cfg *client.Config
		err error
	)
	if path := ctx.String("config"); path != "" {
		cfg, err = client.LoadConfig(path)
		if err != nil {
			return cli.Exit(err.Error(), client.ExitCode(err))
		}
	}

	c, err := client.LoadCase(ctx.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), client.ExitCode(err))
	}

	runner := client.NewRunner(cfg, log.DefaultLogger)
	report, err := runner.Run(c)
	if report != nil {
		for _, tr := range report.Transcript {
			marker := " "
			if tr.Failed {
				marker = "!"
			}
			fmt.Printf("%s %-8s %s\n", marker, tr.Verb, tr.Response)
		}
	}
	if err != nil {
		return cli.Exit(err.Error(), client.ExitCode(err))
	}
	fmt.Println("PASS")
	return nil
}

func mtastsCommand(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("usage: robin mta-sts DOMAIN", exitConfig)
	}
	domain := ctx.Args().First()

	dir, err := os.MkdirTemp("", "robin-mtasts-")
	if err != nil {
		return cli.Exit(err.Error(), exitIO)
	}
	defer os.RemoveAll(dir)

	cacheDir := filepath.Join(dir, "cache")
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return cli.Exit(err.Error(), exitIO)
	}
	cache := mtasts.NewFSCache(cacheDir)
	cache.Resolver = dns.DefaultResolver()

	fetchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	policy, err := cache.Get(fetchCtx, domain)
	if err != nil {
		if errors.Is(err, mtasts.ErrNoPolicy) {
			fmt.Printf("%s: no MTA-STS policy\n", domain)
			return nil
		}
		return cli.Exit(err.Error(), exitIO)
	}

	fmt.Printf("domain: %s\nmode: %s\n", domain, policy.Mode)
	for _, mx := range policy.MX {
		fmt.Printf("mx: %s\n", mx)
	}
	return nil
}
