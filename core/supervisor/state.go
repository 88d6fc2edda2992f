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

// Package supervisor implements the master process model of SPEC_FULL.md
// §4.4: a single master that pre-forks N worker processes per listener
// group, maps pid to worker descriptor, and routes signals into the
// graceful-shutdown, rolling-reload, status-dump, and log-rotate
// behaviors spec'd there. The teacher (entertainment-venue-rcproxy) runs
// a single foreground process with no fork/supervise layer, so this
// package has no direct teacher file to adapt; it is built in the same
// plain-stdlib, sentinel-error, logrus-logging idiom as the rest of the
// teacher's core package, using os/exec + syscall the way Go programs
// that do need a master/worker split conventionally do (noted in
// DESIGN.md as a standard-library build: no dependency in the retrieved
// pack implements process supervision).
package supervisor

// WorkerState is one worker process's lifecycle state, per spec §4.4.
type WorkerState int

const (
	StateStarting WorkerState = iota
	StateRunning
	StateReloading
	StateStopping
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateReloading:
		return "RELOADING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
