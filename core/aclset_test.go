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
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeACLFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write acl file: %v", err)
	}
}

func TestACLSetDisabledAllowsEveryone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acl.yaml")
	writeACLFile(t, path, "enable: false\nip_white_list: []\n")

	a, err := NewACLSet(path)
	if err != nil {
		t.Fatalf("NewACLSet: %v", err)
	}
	if !a.Allowed(&net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 1234}) {
		t.Fatal("Allowed: want true when ACL disabled")
	}
}

func TestACLSetEnabledFiltersByIP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acl.yaml")
	writeACLFile(t, path, "enable: true\nip_white_list:\n  - 10.0.0.5\n")

	a, err := NewACLSet(path)
	if err != nil {
		t.Fatalf("NewACLSet: %v", err)
	}
	if !a.Allowed(&net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1}) {
		t.Fatal("Allowed: want true for listed IP")
	}
	if a.Allowed(&net.TCPAddr{IP: net.ParseIP("10.0.0.6"), Port: 1}) {
		t.Fatal("Allowed: want false for unlisted IP")
	}
}

func TestACLSetHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acl.yaml")
	writeACLFile(t, path, "enable: true\nip_white_list:\n  - 10.0.0.5\n")

	a, err := NewACLSet(path)
	if err != nil {
		t.Fatalf("NewACLSet: %v", err)
	}
	blocked := &net.TCPAddr{IP: net.ParseIP("10.0.0.6"), Port: 1}
	if a.Allowed(blocked) {
		t.Fatal("Allowed: want false before reload")
	}

	writeACLFile(t, path, "enable: true\nip_white_list:\n  - 10.0.0.5\n  - 10.0.0.6\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Allowed(blocked) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Allowed: fsnotify reload never picked up the newly-allowed IP")
}

func TestHostOfStripsPort(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 5555}
	if got := hostOf(addr); got != "192.168.1.1" {
		t.Fatalf("hostOf = %q, want 192.168.1.1", got)
	}
	if got := hostOf(nil); got != "" {
		t.Fatalf("hostOf(nil) = %q, want empty", got)
	}
}
