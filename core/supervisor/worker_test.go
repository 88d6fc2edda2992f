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
	"os"
	"testing"

	"evserver/config"
)

func TestFindGroup(t *testing.T) {
	cfg := &config.Config{Listeners: []config.ListenerConfig{
		{Name: "a", Address: "tcp://:1"},
		{Name: "b", Address: "tcp://:2"},
	}}
	lc, ok := findGroup(cfg, "b")
	if !ok || lc.Name != "b" {
		t.Fatalf("findGroup(b) = (%+v, %v), want b/true", lc, ok)
	}
	if _, ok := findGroup(cfg, "missing"); ok {
		t.Fatal("findGroup(missing) = true, want false")
	}
}

func TestInheritedFD(t *testing.T) {
	os.Unsetenv(workerFDEnv)
	if got := inheritedFD(); got != 0 {
		t.Fatalf("inheritedFD() with no env = %d, want 0", got)
	}

	os.Setenv(workerFDEnv, "3,4")
	defer os.Unsetenv(workerFDEnv)
	if got := inheritedFD(); got != 3 {
		t.Fatalf("inheritedFD() = %d, want 3", got)
	}
}

func TestLoadTLSConfigRequiresBothFiles(t *testing.T) {
	lc := config.ListenerConfig{Name: "tls-listener"}
	if _, err := loadTLSConfig(lc); err == nil {
		t.Fatal("loadTLSConfig: want error when cert/key files are unset")
	}
}

func TestEchoHandlerRegistered(t *testing.T) {
	h, ok := handlers["echo"]
	if !ok {
		t.Fatal(`handlers["echo"] not registered`)
	}
	cbs, codec, err := h(config.ListenerConfig{Name: "echo"})
	if err != nil {
		t.Fatalf("echoHandler: %v", err)
	}
	if codec != nil {
		t.Fatalf("echoHandler codec = %v, want nil (raw passthrough)", codec)
	}
	if cbs.OnMessage == nil {
		t.Fatal("echoHandler: OnMessage callback is nil")
	}
}
