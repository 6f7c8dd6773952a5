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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	conf, err := NewConfig("", nil)
	require.NoError(t, err)

	require.Equal(t, uint32(7880), conf.Port)
	require.Equal(t, DefaultMaxParticipants, conf.Room.MaxParticipants)
	require.Equal(t, DefaultMaxStreamsPerKind, conf.Room.MaxStreamsPerKind)
	require.Equal(t, DefaultEmptyTimeout, conf.Room.EmptyTimeout)
	require.Equal(t, "leap-mediaworker", conf.Media.WorkerBinary)
	require.Equal(t, uint16(50000), conf.Media.RTCPortRangeStart)
	require.False(t, conf.Redis.IsConfigured())
}

func TestConfigFromYAML(t *testing.T) {
	conf, err := NewConfig(`
port: 8080
room:
  max_participants: 32
  empty_timeout: 30s
media:
  num_workers: 2
  worker_binary: /usr/local/bin/leap-mediaworker
redis:
  address: localhost:6379
logging:
  level: debug
`, nil)
	require.NoError(t, err)

	require.Equal(t, uint32(8080), conf.Port)
	require.Equal(t, 32, conf.Room.MaxParticipants)
	require.Equal(t, 30*time.Second, conf.Room.EmptyTimeout)
	require.Equal(t, 2, conf.Media.NumWorkers)
	require.Equal(t, "/usr/local/bin/leap-mediaworker", conf.Media.WorkerBinary)
	require.True(t, conf.Redis.IsConfigured())
	require.Equal(t, "debug", conf.Logging.Level)

	// unset sections keep their defaults
	require.Equal(t, DefaultMaxStreamsPerKind, conf.Room.MaxStreamsPerKind)
}

func TestConfigInvalidYAML(t *testing.T) {
	_, err := NewConfig("port: [not a number", nil)
	require.Error(t, err)
}

func TestNumWorkers(t *testing.T) {
	conf, err := NewConfig("", nil)
	require.NoError(t, err)

	// explicit count wins over everything
	conf.Media.NumWorkers = 3
	require.Equal(t, 3, conf.NumWorkers())

	// development mode runs a single worker
	conf.Media.NumWorkers = 0
	conf.Development = true
	require.Equal(t, 1, conf.NumWorkers())

	conf.Development = false
	require.Greater(t, conf.NumWorkers(), 0)
}

func TestGetConfigString(t *testing.T) {
	tests := []struct {
		configFileName string
		configBody     string

		expectedConfigBody string
	}{
		{"", "", ""},
		{"", "configBody", "configBody"},
		{"file", "configBody", "configBody"},
		{"file", "", "fileContent"},
	}
	for _, test := range tests {
		func() {
			if test.configFileName != "" {
				require.NoError(t, os.WriteFile(test.configFileName, []byte(test.expectedConfigBody), 0o644))
				defer os.Remove(test.configFileName)
			}

			configBody, err := GetConfigString(test.configFileName, test.configBody)
			require.NoError(t, err)
			require.Equal(t, test.expectedConfigBody, configBody)
		}()
	}
}

func TestGetConfigStringMissingFile(t *testing.T) {
	configBody, err := GetConfigString("notExistingFile", "")
	require.Error(t, err)
	require.Empty(t, configBody)
}

func TestConfigSanitizesBadValues(t *testing.T) {
	conf, err := NewConfig(`
room:
  max_participants: -1
  max_streams_per_kind: 0
`, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultMaxParticipants, conf.Room.MaxParticipants)
	require.Equal(t, DefaultMaxStreamsPerKind, conf.Room.MaxStreamsPerKind)
}
