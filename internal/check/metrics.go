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

import "github.com/prometheus/client_golang/prometheus"

var rejectedChecks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "check",
		Name:      "rejections_total",
		Help:      "Messages rejected by a processor, including forced rejections",
	},
	[]string{"check"},
)

// RecordReject increments the rejection counter for the named processor.
// It is shared between the real processors and the forced-result decorator
// so a forced rejection is counted the same way a real one is.
func RecordReject(name string) {
	rejectedChecks.WithLabelValues(name).Inc()
}

func init() {
	prometheus.MustRegister(rejectedChecks)
}
