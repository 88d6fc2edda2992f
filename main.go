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

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"evserver/config"
	"evserver/core/pkg/logging"
	"evserver/core/supervisor"
	"evserver/web"
)

var (
	configPath = flag.String("p", "conf", "Config file path")
	configFile = flag.String("c", "evserver.yaml", "Config filename")
	daemonize  = flag.Bool("d", false, "Daemonize (detach from controlling terminal)")
	reloadAll  = flag.Bool("g", false, "Reload: restart every group, not just reloadable ones")
	version    = flag.Bool("v", false, "Show version")
	help       = flag.Bool("h", false, "Show usage info")

	workerGroup = flag.String("worker", "", "Internal: run as a worker serving this listener group")
)

const daemonizedEnv = "EVSERVER_DAEMONIZED"

var (
	CommitSHA string
	Tag       string
	BuildTime string
)

func init() {
	if len(Tag) < 1 {
		Tag = "unknown"
	}
	if len(CommitSHA) < 1 {
		CommitSHA = "unknown"
	}
	if len(BuildTime) < 1 {
		BuildTime = "unknown"
	}
}

const banner string = `
___________________________________________  ___  __
___  __ \_  ____/__  __ \__  __ \_  __ \_  |/ / \/ /
__  /_/ /  /    __  /_/ /_  /_/ /  / / /_    /__  /
_  _, _// /___  _  ____/_  _, _// /_/ /_    | _  /
/_/ |_| \____/  /_/     /_/ |_| \____/ /_/|_| /_/

`

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("version: %s\ncommit: %s\ntime: %s\n", Tag, CommitSHA, BuildTime)
		os.Exit(0)
	}
	if *help {
		flag.Usage()
		os.Exit(0)
	}

	// A re-exec'd worker never touches the CLI surface below: it just
	// runs the one listener group named on argv.
	if *workerGroup != "" {
		runWorker(*workerGroup)
		return
	}

	action := "start"
	if args := flag.Args(); len(args) > 0 {
		action = args[0]
	}

	cfg, err := config.LoadConfig(configFilePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "evserver: parse config file err: %v\n", err)
		os.Exit(1)
	}

	switch action {
	case "start":
		os.Exit(runStart(cfg))
	case "stop":
		os.Exit(signalMaster(cfg, syscall.SIGTERM))
	case "restart":
		_ = signalMaster(cfg, syscall.SIGTERM)
		time.Sleep(500 * time.Millisecond)
		os.Exit(runStart(cfg))
	case "reload":
		_ = reloadAll // rolling width is bounded by each group's `reloadable`
		os.Exit(signalMaster(cfg, syscall.SIGUSR1))
	case "status":
		os.Exit(runStatus(cfg))
	case "connections":
		os.Exit(signalMaster(cfg, syscall.SIGQUIT))
	default:
		fmt.Fprintf(os.Stderr, "evserver: unknown action %q (want start|stop|restart|reload|status|connections)\n", action)
		os.Exit(2)
	}
}

func configFilePath() string {
	return joinPath(*configPath, *configFile)
}

func joinPath(dir, file string) string {
	if dir == "" {
		return file
	}
	return strings.TrimRight(dir, "/") + "/" + file
}

func runWorker(group string) {
	cfg, err := config.LoadConfig(configFilePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "evserver: worker parse config err: %v\n", err)
		os.Exit(1)
	}
	if err := logging.InitializeLogger(
		logging.WithPath(cfg.LogPath),
		logging.WithLogLevel(cfg.LogLevel),
	); err != nil {
		fmt.Fprintf(os.Stderr, "evserver: worker init logger err: %v\n", err)
		os.Exit(1)
	}
	if err := supervisor.RunWorker(cfg, group); err != nil {
		logging.Errorf("worker group=%s exited with error: %s", group, err)
		os.Exit(1)
	}
}

// runStart becomes the master: optionally daemonizing first, then
// running the worker-supervisor's pre-fork/signal loop (spec §4.4) until
// a shutdown signal is processed.
func runStart(cfg *config.Config) int {
	if *daemonize && os.Getenv(daemonizedEnv) == "" {
		return daemonizeSelf()
	}

	if err := logging.InitializeLogger(
		logging.WithPath(cfg.LogPath),
		logging.WithLogLevel(cfg.LogLevel),
	); err != nil {
		fmt.Fprintf(os.Stderr, "evserver: init logger err: %v\n", err)
		return 1
	}

	fmt.Print(banner)
	fmt.Printf("evserver version: %s, pid: %d\n", Tag, os.Getpid())
	logging.Infof("evserver master starting, version: %s, pid: %d", Tag, os.Getpid())

	if cfg.WebPort > 0 {
		web.SetBuildInfo(web.BuildInfo{Tag: Tag, CommitSHA: CommitSHA, BuildTime: BuildTime})
		startWebServer(cfg)
	}

	m, err := supervisor.NewMaster(cfg)
	if err != nil {
		logging.Errorf("evserver: new master: %s", err)
		return 1
	}
	if err := m.Run(); err != nil {
		logging.Errorf("evserver: master run: %s", err)
		return 1
	}
	logging.Infof("evserver master shutdown, pid: %d", os.Getpid())
	return 0
}

func startWebServer(cfg *config.Config) {
	addr := fmt.Sprintf(":%d", cfg.WebPort)
	gin.SetMode(gin.ReleaseMode)
	ginSrv := gin.New()
	web.Init(ginSrv, cfg)
	httpSrv := &http.Server{Handler: ginSrv, Addr: addr}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("failed to start http server, err: %s", err)
		}
	}()
}

// daemonizeSelf re-execs the current process with stdio detached and a
// new session, then the parent exits immediately; this is the
// conventional Go substitute for fork()+setsid() since the runtime has
// no raw fork primitive.
func daemonizeSelf() int {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "evserver: resolve executable: %v\n", err)
		return 1
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evserver: open %s: %v\n", os.DevNull, err)
		return 1
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "evserver: daemonize: %v\n", err)
		return 1
	}
	fmt.Printf("evserver daemonized, pid: %d\n", cmd.Process.Pid)
	return 0
}

func signalMaster(cfg *config.Config, sig syscall.Signal) int {
	pid, err := readPid(cfg.PidFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evserver: %v\n", err)
		return 1
	}
	if err := syscall.Kill(pid, sig); err != nil {
		fmt.Fprintf(os.Stderr, "evserver: signal pid %d: %v\n", pid, err)
		return 1
	}
	return 0
}

func runStatus(cfg *config.Config) int {
	if code := signalMaster(cfg, syscall.SIGUSR2); code != 0 {
		return code
	}
	time.Sleep(400 * time.Millisecond)
	if cfg.StatusFile == "" {
		fmt.Println("status requested; no status_file configured to read it back from")
		return 0
	}
	body, err := os.ReadFile(cfg.StatusFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evserver: read status file: %v\n", err)
		return 1
	}
	fmt.Print(string(body))
	return 0
}

func readPid(pidFile string) (int, error) {
	if pidFile == "" {
		return 0, fmt.Errorf("no pid_file configured")
	}
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, fmt.Errorf("read pid file %s: %w", pidFile, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", pidFile, err)
	}
	return pid, nil
}
