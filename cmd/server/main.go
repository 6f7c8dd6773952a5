// Copyright 2023 LiveKit, Inc.
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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/leapcast/leap-server/pkg/config"
	"github.com/leapcast/leap-server/pkg/logger"
	"github.com/leapcast/leap-server/pkg/media"
	"github.com/leapcast/leap-server/pkg/service"
	"github.com/leapcast/leap-server/pkg/telemetry/prometheus"
	"github.com/leapcast/leap-server/version"
)

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to Leap config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "Leap config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"LEAP_CONFIG"},
	},
	&cli.UintFlag{
		Name:  "port",
		Usage: "port to listen on for signaling and HTTP",
	},
	&cli.StringFlag{
		Name:    "redis-host",
		Usage:   "host (incl. port) to redis server",
		EnvVars: []string{"REDIS_HOST"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		Usage:   "password to redis",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	&cli.StringFlag{
		Name:  "worker-binary",
		Usage: "path to the media worker binary",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug, console formatter, /debug/pprof, and a single media worker. insecure for production",
	},
}

func main() {
	app := &cli.App{
		Name:        "leap-server",
		Usage:       "Live podcast media server",
		Description: "run without subcommands to start the server",
		Flags:       baseFlags,
		Action:      startServer,
		Version:     version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := config.GetConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	conf, err := config.NewConfig(confString, c)
	if err != nil {
		return nil, err
	}

	if conf.Development {
		logger.InitDevelopment(conf.Logging.Level)
		logger.Infow("starting in development mode")
	} else {
		logger.InitProduction(conf.Logging.Level)
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	prometheus.Init(fmt.Sprintf("leap-%d", os.Getpid()))

	pool, err := media.NewPool(conf.NumWorkers(), func(id int) (media.Worker, error) {
		return media.NewProcessWorker(id, conf, onWorkerExit)
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Infow("media workers started", "numWorkers", pool.Size())

	var store service.ObjectStore
	if conf.Redis.IsConfigured() {
		rc, err := service.NewRedisClient(&conf.Redis)
		if err != nil {
			return err
		}
		logger.Infow("using redis podcast store", "addr", conf.Redis.Address)
		store = service.NewRedisStore(rc)
	} else {
		store = service.NewLocalStore()
	}

	manager := service.NewRoomManager(conf, pool, store)
	server := service.NewLeapServer(conf, service.NewRTCService(manager), manager)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, shutting down", "signal", sig)
		server.Stop()
	}()

	return server.Start()
}

// a media worker dying outside of shutdown takes its routers and every
// stream on them with it. there is no resurrection path for those, so
// treat it as fatal and let the supervisor restart the whole server.
func onWorkerExit(id int, err error) {
	logger.Fatalw("media worker exited unexpectedly", err, "workerId", id)
}
