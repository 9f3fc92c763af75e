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

package queue

import "github.com/prometheus/client_golang/prometheus"

var queuedItems = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "robin",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Amount of messages currently waiting in the queue",
	},
	[]string{"module"},
)

var attemptsCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "queue",
		Name:      "attempts",
		Help:      "Delivery attempts made by the queue, per recipient",
	},
	[]string{"module", "result"},
)

var bouncesCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "queue",
		Name:      "bounces",
		Help:      "Failure DSNs generated by the queue",
	},
	[]string{"module"},
)

func init() {
	prometheus.MustRegister(queuedItems)
	prometheus.MustRegister(attemptsCnt)
	prometheus.MustRegister(bouncesCnt)
}
