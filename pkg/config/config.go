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

package config

import (
	"os"
	"runtime"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxParticipants   = 16
	DefaultMaxStreamsPerKind = 3
	DefaultEmptyTimeout      = 5 * time.Minute
)

type Config struct {
	Port           uint32   `yaml:"port,omitempty"`
	BindAddresses  []string `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32   `yaml:"prometheus_port,omitempty"`

	Room    RoomConfig    `yaml:"room,omitempty"`
	Media   MediaConfig   `yaml:"media,omitempty"`
	Redis   RedisConfig   `yaml:"redis,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type RoomConfig struct {
	// hard cap on connections per room
	MaxParticipants int `yaml:"max_participants,omitempty"`
	// hard cap on active producers per stream kind per room
	MaxStreamsPerKind int `yaml:"max_streams_per_kind,omitempty"`
	// empty rooms are reaped after this long
	EmptyTimeout time.Duration `yaml:"empty_timeout,omitempty"`
}

type MediaConfig struct {
	// number of media worker processes. 0 means one per CPU core,
	// or a single worker when running in development mode
	NumWorkers int `yaml:"num_workers,omitempty"`
	// path to the mediaworker binary, defaults to looking it up on PATH
	WorkerBinary string `yaml:"worker_binary,omitempty"`
	// UDP port range handed to workers for ICE
	RTCPortRangeStart uint16 `yaml:"rtc_port_range_start,omitempty"`
	RTCPortRangeEnd   uint16 `yaml:"rtc_port_range_end,omitempty"`

	STUNServers []string `yaml:"stun_servers,omitempty"`
}

type RedisConfig struct {
	Address  string `yaml:"address,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

func (r *RedisConfig) IsConfigured() bool {
	return r.Address != ""
}

type LoggingConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

func NewConfig(confString string, c *cli.Context) (*Config, error) {
	conf := &Config{
		Port: 7880,
		Room: RoomConfig{
			MaxParticipants:   DefaultMaxParticipants,
			MaxStreamsPerKind: DefaultMaxStreamsPerKind,
			EmptyTimeout:      DefaultEmptyTimeout,
		},
		Media: MediaConfig{
			WorkerBinary:      "leap-mediaworker",
			RTCPortRangeStart: 50000,
			RTCPortRangeEnd:   60000,
		},
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c); err != nil {
			return nil, err
		}
	}

	if conf.Room.MaxParticipants <= 0 {
		conf.Room.MaxParticipants = DefaultMaxParticipants
	}
	if conf.Room.MaxStreamsPerKind <= 0 {
		conf.Room.MaxStreamsPerKind = DefaultMaxStreamsPerKind
	}
	if conf.Room.EmptyTimeout <= 0 {
		conf.Room.EmptyTimeout = DefaultEmptyTimeout
	}
	return conf, nil
}

func (conf *Config) updateFromCLI(c *cli.Context) error {
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	if c.IsSet("port") {
		conf.Port = uint32(c.Uint("port"))
	}
	if c.IsSet("redis-host") {
		conf.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("worker-binary") {
		conf.Media.WorkerBinary = c.String("worker-binary")
	}
	if c.Bool("dev") {
		conf.Development = true
		if conf.Logging.Level == "" {
			conf.Logging.Level = "debug"
		}
	}
	return nil
}

// NumWorkers resolves the configured worker count: one per CPU core in
// production, a single worker in development
func (conf *Config) NumWorkers() int {
	if conf.Media.NumWorkers > 0 {
		return conf.Media.NumWorkers
	}
	if conf.Development {
		return 1
	}
	return runtime.NumCPU()
}

// GetConfigString reads the config body, preferring an inline body over a file path
func GetConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	expanded, err := homedir.Expand(configFile)
	if err != nil {
		return "", err
	}
	outConfigBody, err := os.ReadFile(expanded)
	if err != nil {
		return "", err
	}
	return string(outConfigBody), nil
}
