// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

// Package web is the gin-based admin surface of spec §6's persisted
// state and status endpoints, generalized from the teacher's
// web/cluster.go Redis-cluster dashboard (gin + gin-contrib/pprof +
// promhttp) into a protocol-agnostic listener/connection/worker status
// surface. It runs inside the master process only: per-worker Stats
// live in separate OS processes (spec §5, "workers do not share
// memory"), so /status and /connections read the status file the
// worker-supervisor assembles from each worker's own SIGUSR2 dump
// (core.Engine.writeStatus, supervisor.Master.assembleStatus) rather
// than reaching into worker memory directly.
package web

import (
	"net/http"
	"os"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evserver/config"
)

// BuildInfo carries the version strings main sets from -ldflags, shown
// at GET /version.
type BuildInfo struct {
	Tag       string
	CommitSHA string
	BuildTime string
}

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGoCollector())
}

// Init wires the admin surface's routes onto ginSrv. cfg supplies the
// status file path; info is optional build metadata for /version.
func Init(ginSrv *gin.Engine, cfg *config.Config) {
	pprof.Register(ginSrv)
	ginSrv.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	ginSrv.GET("/status", handleStatus(cfg))
	ginSrv.GET("/connections", handleConnections(cfg))
	ginSrv.GET("/version", handleVersion)
}

func handleStatus(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.StatusFile == "" {
			c.String(http.StatusNotFound, "no status_file configured")
			return
		}
		body, err := os.ReadFile(cfg.StatusFile)
		if err != nil {
			c.String(http.StatusServiceUnavailable, "status file not yet written: %s", err)
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", body)
	}
}

// handleConnections serves the same aggregated status document as
// /status: per-connection detail only exists in each worker's SIGQUIT
// diagnostic dump (core.Engine.dumpDiagnostics), which is written to
// that worker's own stderr/log rather than the shared status file, so
// this endpoint can only point at the worker logs for that detail.
func handleConnections(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.StatusFile == "" {
			c.String(http.StatusNotFound, "no status_file configured")
			return
		}
		body, err := os.ReadFile(cfg.StatusFile)
		if err != nil {
			c.String(http.StatusServiceUnavailable, "status file not yet written: %s", err)
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", body)
	}
}

var buildInfo BuildInfo

// SetBuildInfo lets main record the -ldflags version strings before the
// web server starts serving /version.
func SetBuildInfo(info BuildInfo) { buildInfo = info }

func handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": buildInfo.Tag,
		"commit":  buildInfo.CommitSHA,
		"time":    buildInfo.BuildTime,
	})
}
