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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/leapcast/leap-server/pkg/logger"
	"github.com/leapcast/leap-server/pkg/mediaworker"
	"github.com/leapcast/leap-server/version"
)

func main() {
	app := &cli.App{
		Name:        "leap-mediaworker",
		Usage:       "Leap media worker",
		Description: "speaks the media control protocol on stdin/stdout, spawned by leap-server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "id",
				Usage: "worker id assigned by the parent server",
			},
			&cli.IntFlag{
				Name:  "rtc-min-port",
				Usage: "start of the UDP port range for ICE",
			},
			&cli.IntFlag{
				Name:  "rtc-max-port",
				Usage: "end of the UDP port range for ICE",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, or error",
			},
			&cli.StringSliceFlag{
				Name:  "stun",
				Usage: "STUN server URL, use flag multiple times to specify multiple servers",
			},
		},
		Action:  runWorker,
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(c *cli.Context) error {
	// stdout carries the channel, so logs must stay on stderr
	logger.InitProduction(c.String("log-level"))

	engine, err := mediaworker.NewEngine(&mediaworker.Config{
		RTCMinPort:  uint16(c.Int("rtc-min-port")),
		RTCMaxPort:  uint16(c.Int("rtc-max-port")),
		STUNServers: c.StringSlice("stun"),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	logger.Infow("media worker running", "workerId", c.Int("id"))
	return mediaworker.Serve(ctx, engine, os.Stdin, os.Stdout)
}
