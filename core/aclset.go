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
	"io/ioutil"
	"net"
	"path"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"evserver/core/pkg/logging"
)

// ACLSet is a per-listener IP allow-list, generalized from core/authip's
// single process-global list into a reusable gate any Listener can attach
// via ListenerOptions.ACL. Hot-reloads the same way: fsnotify watches the
// backing YAML file and rebuilds the set on write/rename.
type ACLSet struct {
	enabled int32
	ips     *hashmap.HashMap

	dir  string
	name string
}

type aclFile struct {
	Enable bool     `yaml:"enable"`
	IPList []string `yaml:"ip_white_list"`
}

// NewACLSet loads confPath (a YAML file shaped like core/authip's) and
// starts watching its containing directory for changes.
func NewACLSet(confPath string) (*ACLSet, error) {
	a := &ACLSet{
		ips:  &hashmap.HashMap{},
		dir:  path.Dir(confPath),
		name: confPath,
	}
	if err := a.reload(); err != nil {
		return nil, err
	}
	if err := a.watch(); err != nil {
		return nil, err
	}
	return a, nil
}

// Allowed reports whether remote passes the allow-list, per spec §6's ACL
// knob: disabled lists admit everyone, same as core/authip's Validate.
func (a *ACLSet) Allowed(remote net.Addr) bool {
	if atomic.LoadInt32(&a.enabled) == 0 {
		return true
	}
	host := hostOf(remote)
	_, ok := a.ips.Get(host)
	return ok
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (a *ACLSet) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "aclset: new watcher")
	}
	if err := watcher.Add(a.dir); err != nil {
		logging.Errorf("aclset: watch %s: %s", a.dir, err)
		return err
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != a.name {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Rename|fsnotify.Create) != 0 {
					if err := a.reload(); err != nil {
						logging.Errorf("aclset: reload %s: %s", a.name, err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Errorf("aclset: watcher error: %s", err)
			}
		}
	}()
	return nil
}

func (a *ACLSet) reload() error {
	raw, err := ioutil.ReadFile(a.name)
	if err != nil {
		return errors.Wrapf(err, "failed to read file from %s", a.name)
	}
	var f aclFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return errors.Wrapf(err, "failed to unmarshal config from %s", a.name)
	}

	if !f.Enable {
		atomic.StoreInt32(&a.enabled, 0)
		return nil
	}

	fresh := &hashmap.HashMap{}
	for _, ip := range f.IPList {
		fresh.GetOrInsert(ip, struct{}{})
	}
	a.ips = fresh
	atomic.StoreInt32(&a.enabled, 1)
	return nil
}
