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

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package robin

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/robin-mta/robin/framework/hooks"
	"github.com/robin-mta/robin/framework/log"
)

// handleSignals blocks until a signal corresponding to process
// termination (SIGTERM, SIGINT) arrives.
//
// SIGHUP triggers a reload of scripted scenarios and other secondary
// files without returning. SIGUSR1 asks log outputs to reopen their
// files.
func handleSignals() os.Signal {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT, syscall.SIGUSR1)

	for {
		switch s := <-sig; s {
		case syscall.SIGHUP:
			log.Println("SIGHUP received, reloading scenarios and auxiliary files")
			hooks.RunHooks(hooks.EventReload)
		case syscall.SIGUSR1:
			log.Println("SIGUSR1 received, reopening log files")
			hooks.RunHooks(hooks.EventLogRotate)
		default:
			go func() {
				s := <-sig
				log.Printf("forced shutdown due to signal (%v)!", s)
				os.Exit(1)
			}()

			log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
			return s
		}
	}
}
