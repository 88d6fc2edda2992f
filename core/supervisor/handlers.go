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
	"evserver/config"
	"evserver/core"
)

func init() {
	RegisterHandler("echo", echoHandler)
}

// echoHandler writes back whatever bytes onMessage receives, the
// reference callback set spec §8 scenario 2 exercises ("echo-server
// lifecycle callback ordering"). It registers no codec, so raw bytes
// pass through Connection.Send unmodified.
func echoHandler(_ config.ListenerConfig) (core.Callbacks, core.Codec, error) {
	cbs := core.Callbacks{
		OnMessage: func(c *core.Connection, msg interface{}) {
			if b, ok := msg.([]byte); ok {
				c.Send(b, true)
			}
		},
	}
	return cbs, nil, nil
}
