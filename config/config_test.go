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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

const minimalYAML = `
pid_file: /tmp/evserver.pid
status_file: /tmp/evserver.status
listeners:
  - name: echo
    address: tcp://0.0.0.0:7000
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evserver.yaml")
	writeConfig(t, path, minimalYAML)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("len(Listeners) = %d, want 1", len(cfg.Listeners))
	}
	l := cfg.Listeners[0]
	if l.Count != 1 {
		t.Errorf("Count = %d, want default 1", l.Count)
	}
	if l.StopTimeout != defaultStopTimeoutSec {
		t.Errorf("StopTimeout = %d, want default %d", l.StopTimeout, defaultStopTimeoutSec)
	}
	if l.MaxPackageSize != defaultMaxPackageSize {
		t.Errorf("MaxPackageSize = %d, want default %d", l.MaxPackageSize, defaultMaxPackageSize)
	}
	if l.MaxSendBufferSize != defaultMaxSendBufSize {
		t.Errorf("MaxSendBufferSize = %d, want default %d", l.MaxSendBufferSize, defaultMaxSendBufSize)
	}
	if l.EventLoop != "select" {
		t.Errorf("EventLoop = %q, want default select", l.EventLoop)
	}
}

func TestLoadConfigRejectsNoListeners(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evserver.yaml")
	writeConfig(t, path, "pid_file: /tmp/x.pid\nlisteners: []\n")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig: want error for empty listeners")
	}
}

func TestLoadConfigRejectsMissingAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evserver.yaml")
	writeConfig(t, path, "listeners:\n  - name: echo\n")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig: want error for listener missing address")
	}
}

func TestLoadConfigRejectsUnknownLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evserver.yaml")
	writeConfig(t, path, "log_level: VERBOSE\nlisteners:\n  - name: echo\n    address: tcp://0.0.0.0:7000\n")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig: want error for unrecognised log_level")
	}
}

func TestWatcherPicksUpReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evserver.yaml")
	writeConfig(t, path, minimalYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if w.Current().Listeners[0].Name != "echo" {
		t.Fatalf("initial Current().Listeners[0].Name = %q, want echo", w.Current().Listeners[0].Name)
	}
	startVersion := w.Version()

	writeConfig(t, path, `
pid_file: /tmp/evserver.pid
listeners:
  - name: echo2
    address: tcp://0.0.0.0:7001
`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Version() > startVersion {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if w.Version() <= startVersion {
		t.Fatal("Watcher: fsnotify reload never bumped Version")
	}
	if w.Current().Listeners[0].Name != "echo2" {
		t.Fatalf("reloaded Current().Listeners[0].Name = %q, want echo2", w.Current().Listeners[0].Name)
	}
}
