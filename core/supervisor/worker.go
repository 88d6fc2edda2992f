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
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"evserver/config"
	"evserver/core"
	"evserver/core/pkg/logging"
)

// Handler builds the callback set (and, optionally, a non-default codec)
// a listener group's "handler" config knob names. The framework ships no
// business-logic handlers of its own; embedding applications register
// theirs at init time the way the teacher wires its Redis EventHandler,
// generalized here to an arbitrary name -> factory registry instead of a
// single hard-coded implementation.
type Handler func(lc config.ListenerConfig) (core.Callbacks, core.Codec, error)

var handlers = map[string]Handler{}

// RegisterHandler makes a named handler available to the "handler"
// config knob of spec §6. Re-registering a name overwrites it.
func RegisterHandler(name string, h Handler) { handlers[name] = h }

// RunWorker is the entry point a re-exec'd worker process calls: it
// resolves the one listener group named by group, builds an Engine for
// it, adopts any pre-bound fd passed down via ExtraFiles, and blocks in
// Engine.Run until the worker's own shutdown protocol completes.
func RunWorker(cfg *config.Config, group string) error {
	lc, ok := findGroup(cfg, group)
	if !ok {
		return errors.Errorf("supervisor: no listener group named %q", group)
	}

	h, ok := handlers[lc.Handler]
	if !ok {
		return errors.Errorf("supervisor: no handler registered for %q", lc.Handler)
	}
	cbs, codec, err := h(lc)
	if err != nil {
		return errors.Wrapf(err, "supervisor: build handler %q", lc.Handler)
	}

	eng, err := core.NewEngine(lc.EventLoop, time.Duration(lc.StopTimeout)*time.Second)
	if err != nil {
		return errors.Wrap(err, "supervisor: new engine")
	}
	eng.StatusFile = lc.StatusFile
	eng.LogReopen = func() {
		if err := logging.Reopen(); err != nil {
			logging.Errorf("log reopen: %s", err)
		}
	}

	scheme, rest := core.ParseScheme(lc.Address)
	transport, ok := core.TransportForScheme(scheme)
	if !ok {
		if lc.Transport != "" {
			transport, ok = core.TransportForScheme(lc.Transport)
		}
		if !ok {
			return errors.Errorf("supervisor: listener %s: unrecognised transport %q", lc.Name, scheme)
		}
	}

	opts := core.ListenerOptions{
		Name:              lc.Name,
		Address:           rest,
		Transport:         transport,
		ReusePort:         lc.ReusePort,
		MaxPackageSize:    lc.MaxPackageSize,
		MaxSendBufferSize: lc.MaxSendBufferSize,
		Codec:             codec,
		Callbacks:         cbs,
		ListenFD:          inheritedFD(),
	}
	if lc.ACLFile != "" {
		acl, err := core.NewACLSet(lc.ACLFile)
		if err != nil {
			return errors.Wrapf(err, "supervisor: load acl file %s", lc.ACLFile)
		}
		opts.ACL = acl
	}
	if transport == core.TransportTLS {
		tlsCfg, err := loadTLSConfig(lc)
		if err != nil {
			return err
		}
		opts.TLSConfig = tlsCfg
	}

	if _, err := eng.AddListener(opts); err != nil {
		return errors.Wrapf(err, "supervisor: add listener %s", lc.Name)
	}

	logging.Infof("supervisor: worker pid=%d serving group=%s addr=%s", os.Getpid(), lc.Name, lc.Address)
	return eng.Run()
}

func findGroup(cfg *config.Config, name string) (config.ListenerConfig, bool) {
	for _, lc := range cfg.Listeners {
		if lc.Name == name {
			return lc, true
		}
	}
	return config.ListenerConfig{}, false
}

// inheritedFD parses the first fd number out of EVSERVER_WORKER_LISTEN_FDS
// (set by Master.spawnWorker), or returns 0 if this worker bound its own
// socket (reuse-port groups never set the env var).
func inheritedFD() int {
	raw := os.Getenv(workerFDEnv)
	if raw == "" {
		return 0
	}
	first := strings.SplitN(raw, ",", 2)[0]
	n, err := strconv.Atoi(first)
	if err != nil {
		return 0
	}
	return n
}

func loadTLSConfig(lc config.ListenerConfig) (*tls.Config, error) {
	if lc.TLSCertFile == "" || lc.TLSKeyFile == "" {
		return nil, errors.Errorf("listener %s: transport ssl/tls requires tls_cert_file and tls_key_file", lc.Name)
	}
	cert, err := tls.LoadX509KeyPair(lc.TLSCertFile, lc.TLSKeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "listener %s: load tls keypair", lc.Name)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
