// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the per-worker counter set of spec §4.4: total accepted,
// current connections, send-failure count, total throw count. It doubles
// as a prometheus.Collector so web.Init can register it directly against
// the /metrics handler, generalizing the teacher's Redis-specific
// core/stats.go into a protocol-agnostic set.
type Stats struct {
	accepted     uint64
	connections  int64
	sendFailures uint64
	throwCount   uint64

	acceptedDesc    *prometheus.Desc
	connectionsDesc *prometheus.Desc
	sendFailDesc    *prometheus.Desc
	throwDesc       *prometheus.Desc
}

func NewStats() *Stats {
	return &Stats{
		acceptedDesc:    prometheus.NewDesc("evserver_connections_accepted_total", "Total connections accepted since start.", nil, nil),
		connectionsDesc: prometheus.NewDesc("evserver_connections_current", "Current open connections.", nil, nil),
		sendFailDesc:    prometheus.NewDesc("evserver_send_failures_total", "Total fatal send failures.", nil, nil),
		throwDesc:       prometheus.NewDesc("evserver_uncaught_total", "Total uncaught callback errors.", nil, nil),
	}
}

func (s *Stats) IncAccepted()    { atomic.AddUint64(&s.accepted, 1) }
func (s *Stats) IncConnections() { atomic.AddInt64(&s.connections, 1) }
func (s *Stats) DecConnections() { atomic.AddInt64(&s.connections, -1) }
func (s *Stats) IncSendFailure() { atomic.AddUint64(&s.sendFailures, 1) }
func (s *Stats) IncThrow()       { atomic.AddUint64(&s.throwCount, 1) }

func (s *Stats) Snapshot() (accepted uint64, connections int64, sendFailures, throws uint64) {
	return atomic.LoadUint64(&s.accepted), atomic.LoadInt64(&s.connections), atomic.LoadUint64(&s.sendFailures), atomic.LoadUint64(&s.throwCount)
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.acceptedDesc
	ch <- s.connectionsDesc
	ch <- s.sendFailDesc
	ch <- s.throwDesc
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	accepted, connections, sendFailures, throws := s.Snapshot()
	ch <- prometheus.MustNewConstMetric(s.acceptedDesc, prometheus.CounterValue, float64(accepted))
	ch <- prometheus.MustNewConstMetric(s.connectionsDesc, prometheus.GaugeValue, float64(connections))
	ch <- prometheus.MustNewConstMetric(s.sendFailDesc, prometheus.CounterValue, float64(sendFailures))
	ch <- prometheus.MustNewConstMetric(s.throwDesc, prometheus.CounterValue, float64(throws))
}

// StatusText renders the plain-text status-file section for this worker,
// per spec §6's "status file emitted on demand with human-readable
// sections (master, per-worker, per-connection)".
func (s *Stats) StatusText(pid int, timerCount int) string {
	accepted, connections, sendFailures, throws := s.Snapshot()
	return fmt.Sprintf(
		"worker pid=%d\n  accepted=%d\n  connections=%d\n  timers=%d\n  send_failures=%d\n  throws=%d\n",
		pid, accepted, connections, timerCount, sendFailures, throws,
	)
}
