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

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"evserver/config"
	"evserver/core/pkg/logging"
	"evserver/internal/socket"
)

// workerGroupFlag and workerFDEnv are the re-exec contract between the
// master and a worker it spawns: the child is invoked with these argv/env
// so it knows which listener group to serve and which inherited fds (if
// any) to adopt, per spec §4.4's "master passes pre-bound sockets to
// workers pre-fork" when reuse-port is not enabled.
const (
	workerGroupFlag = "-worker"
	workerFDEnv     = "EVSERVER_WORKER_LISTEN_FDS" // comma-separated fd numbers, index 3+
)

const (
	faultWindow    = 1 * time.Second
	faultThreshold = 5
	reapPollEvery  = 200 * time.Millisecond
)

// proc tracks one forked worker, the pid-to-worker-descriptor mapping
// spec §4.4 requires the master maintain.
type proc struct {
	pid       int
	group     string
	state     WorkerState
	startedAt time.Time
	intent    bool // exit was requested by the master (reload or shutdown)
}

// Master owns the pid file, the pre-bound listener sockets, and the
// pid-to-worker map; it is the process that receives SIGINT/SIGTERM/
// SIGUSR1/SIGUSR2/SIGQUIT/SIGHUP/SIGCHLD per spec §4.4.
type Master struct {
	cfg      *config.Config
	execPath string

	mu      sync.Mutex
	workers map[int]*proc
	files   map[string][]*os.File // group name -> pre-bound listener fds

	shuttingDown bool
	faults       []time.Time
}

// NewMaster prepares a master for cfg; it does not bind sockets or fork
// workers yet (call Run for that).
func NewMaster(cfg *config.Config) (*Master, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: resolve executable path")
	}
	return &Master{
		cfg:      cfg,
		execPath: exe,
		workers:  make(map[int]*proc),
		files:    make(map[string][]*os.File),
	}, nil
}

// Run writes the pid file, pre-binds any non-reuse-port listener sockets,
// forks the configured worker count per group, then blocks handling
// signals until a shutdown signal is processed.
func (m *Master) Run() error {
	if m.cfg.PidFile != "" {
		if err := os.WriteFile(m.cfg.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return errors.Wrapf(err, "supervisor: write pid file %s", m.cfg.PidFile)
		}
	}

	for _, lc := range m.cfg.Listeners {
		if lc.ReusePort {
			continue
		}
		f, err := m.bindListener(lc)
		if err != nil {
			return errors.Wrapf(err, "supervisor: pre-bind listener %s", lc.Name)
		}
		m.files[lc.Name] = append(m.files[lc.Name], f)
	}

	for _, lc := range m.cfg.Listeners {
		for i := 0; i < lc.Count; i++ {
			if _, err := m.spawnWorker(lc.Name); err != nil {
				return errors.Wrapf(err, "supervisor: spawn worker for %s", lc.Name)
			}
		}
	}

	return m.signalLoop()
}

// bindListener binds (but does not hand to any event loop) the raw
// socket for a non-reuse-port listener group, so every worker in that
// group shares one kernel accept queue, per spec §4.4.
func (m *Master) bindListener(lc config.ListenerConfig) (*os.File, error) {
	_, rest := splitScheme(lc.Address)
	addr := rest
	var fd int
	var err error
	switch lc.Transport {
	case "udp":
		fd, _, err = socket.UDPSocket(addr, false, socket.Option{SetSockOpt: socket.SetReuseAddr, Opt: 1})
	case "unix":
		fd, _, err = socket.UnixSocket(socket.ParseUnixPath(addr), true)
	default:
		fd, _, err = socket.TCPSocket("tcp", addr, true, false, socket.Option{SetSockOpt: socket.SetReuseAddr, Opt: 1})
	}
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), lc.Name), nil
}

func splitScheme(uri string) (scheme, rest string) {
	for i := 0; i+2 < len(uri); i++ {
		if uri[i] == ':' && uri[i+1] == '/' && uri[i+2] == '/' {
			return uri[:i], uri[i+3:]
		}
	}
	return "", uri
}

// spawnWorker re-execs the master binary in worker mode for group,
// inheriting any pre-bound listener fds recorded for it.
func (m *Master) spawnWorker(group string) (*proc, error) {
	cmd := exec.Command(m.execPath, workerGroupFlag, group)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if fds := m.files[group]; len(fds) > 0 {
		cmd.ExtraFiles = fds
		nums := make([]string, len(fds))
		for i := range fds {
			nums[i] = strconv.Itoa(3 + i)
		}
		cmd.Env = append(cmd.Env, workerFDEnv+"="+joinComma(nums))
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &proc{pid: cmd.Process.Pid, group: group, state: StateStarting, startedAt: time.Now()}
	m.mu.Lock()
	m.workers[p.pid] = p
	m.mu.Unlock()
	logging.Infof("supervisor: started worker pid=%d group=%s", p.pid, group)
	return p, nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// signalLoop is the master's event loop: plain os/signal, since the
// master itself does no I/O multiplexing of its own (spec §5: "the
// master process is single-threaded and does only supervision").
func (m *Master) signalLoop() error {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2,
		syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGCHLD)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			m.shutdownAll()
			return nil
		case syscall.SIGUSR1:
			m.rollingReload()
		case syscall.SIGUSR2:
			m.snapshotStatus()
		case syscall.SIGQUIT:
			m.broadcast(syscall.SIGQUIT)
		case syscall.SIGHUP:
			m.broadcast(syscall.SIGHUP)
		case syscall.SIGCHLD:
			m.reap()
		}
	}
	return nil
}

func (m *Master) broadcast(sig syscall.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pid := range m.workers {
		_ = syscall.Kill(pid, sig)
	}
}

// shutdownAll implements the master half of spec §4.4's SIGINT/SIGTERM
// handling: signal every worker, give them stopTimeout to run their own
// five-step shutdown, then exit regardless.
func (m *Master) shutdownAll() {
	m.mu.Lock()
	m.shuttingDown = true
	for _, p := range m.workers {
		p.intent = true
		p.state = StateStopping
		_ = syscall.Kill(p.pid, syscall.SIGTERM)
	}
	m.mu.Unlock()

	deadline := time.Now().Add(m.maxStopTimeout())
	for time.Now().Before(deadline) {
		if m.workerCount() == 0 {
			break
		}
		time.Sleep(reapPollEvery)
		m.reap()
	}
	if m.cfg.PidFile != "" {
		_ = os.Remove(m.cfg.PidFile)
	}
}

func (m *Master) maxStopTimeout() time.Duration {
	max := time.Duration(0)
	for _, lc := range m.cfg.Listeners {
		d := time.Duration(lc.StopTimeout) * time.Second
		if d > max {
			max = d
		}
	}
	if max == 0 {
		max = 2 * time.Second
	}
	return max
}

func (m *Master) workerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// rollingReload implements spec §4.4's SIGUSR1: per group, restart at
// most that group's `reloadable` workers concurrently. Each outgoing
// worker is sent SIGUSR1 (its own engine is expected to treat that as a
// request to drain and exit); the replacement is spawned once the old
// pid is reaped.
func (m *Master) rollingReload() {
	byGroup := make(map[string][]*proc)
	m.mu.Lock()
	for _, p := range m.workers {
		if p.state == StateRunning || p.state == StateStarting {
			byGroup[p.group] = append(byGroup[p.group], p)
		}
	}
	m.mu.Unlock()

	for _, lc := range m.cfg.Listeners {
		limit := lc.Reloadable
		if limit <= 0 {
			limit = 1
		}
		workers := byGroup[lc.Name]
		for i := 0; i < len(workers) && i < limit; i++ {
			p := workers[i]
			m.mu.Lock()
			p.intent = true
			p.state = StateReloading
			m.mu.Unlock()
			_ = syscall.Kill(p.pid, syscall.SIGUSR1)
			logging.Infof("supervisor: reloading worker pid=%d group=%s", p.pid, lc.Name)
		}
	}
}

// snapshotStatus implements the master half of spec §4.4's SIGUSR2:
// forward the signal to every worker (each writes its own per-worker
// status file, per core.Engine.writeStatus), then, after a short grace
// period for those writes to land, concatenate them under cfg.StatusFile.
func (m *Master) snapshotStatus() {
	m.broadcast(syscall.SIGUSR2)
	time.AfterFunc(200*time.Millisecond, m.assembleStatus)
}

func (m *Master) assembleStatus() {
	if m.cfg.StatusFile == "" {
		return
	}
	out := fmt.Sprintf("master pid=%d workers=%d\n", os.Getpid(), m.workerCount())
	for _, lc := range m.cfg.Listeners {
		if lc.StatusFile == "" {
			continue
		}
		body, err := os.ReadFile(lc.StatusFile)
		if err != nil {
			continue
		}
		out += string(body)
	}
	if err := os.WriteFile(m.cfg.StatusFile, []byte(out), 0644); err != nil {
		logging.Errorf("supervisor: write status file: %s", err)
	}
}

// reap drains exited children with a non-blocking Wait4 loop (the usual
// SIGCHLD handler shape), refork-ing unexpected exits up to a fault-rate
// cap, per spec §7's "persistent crashes within 1s of fork count toward a
// fault-detection counter that aborts the master after a threshold".
func (m *Master) reap() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		m.mu.Lock()
		p, ok := m.workers[pid]
		if ok {
			delete(m.workers, pid)
		}
		shuttingDown := m.shuttingDown
		m.mu.Unlock()
		if !ok {
			continue
		}

		if shuttingDown || p.intent && p.state == StateStopping {
			logging.Infof("supervisor: worker pid=%d group=%s exited", pid, p.group)
			continue
		}

		if p.intent && p.state == StateReloading {
			if _, err := m.spawnWorker(p.group); err != nil {
				logging.Errorf("supervisor: respawn after reload for %s: %s", p.group, err)
			}
			continue
		}

		// Unexpected exit: crash. Respect the fault-rate cap before
		// reforking, per spec §7.
		if time.Since(p.startedAt) < faultWindow {
			m.faults = append(m.faults, time.Now())
		}
		m.faults = recentFaults(m.faults)
		if len(m.faults) >= faultThreshold {
			logging.Errorf("supervisor: fault threshold exceeded, aborting master")
			os.Exit(1)
		}

		logging.Errorf("supervisor: worker pid=%d group=%s crashed, reforking", pid, p.group)
		if _, err := m.spawnWorker(p.group); err != nil {
			logging.Errorf("supervisor: refork %s: %s", p.group, err)
		}
	}
}

func recentFaults(in []time.Time) []time.Time {
	cutoff := time.Now().Add(-faultWindow)
	out := in[:0]
	for _, t := range in {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
