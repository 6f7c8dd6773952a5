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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const leapNamespace = "leap"

var (
	roomCurrent        atomic.Int32
	participantCurrent atomic.Int32
	producerCurrent    atomic.Int32

	promRoomCurrent        prometheus.Gauge
	promParticipantCurrent prometheus.Gauge
	promProducerCurrent    *prometheus.GaugeVec
	promConsumerCounter    prometheus.Counter
	promSignalRequests     *prometheus.CounterVec
)

func init() {
	createMetrics(prometheus.Labels{})
}

// Init recreates the collectors with node labels and registers them with the
// default registry. Call once at startup, before serving /metrics.
func Init(nodeID string) {
	createMetrics(prometheus.Labels{"node_id": nodeID})

	prometheus.MustRegister(promRoomCurrent)
	prometheus.MustRegister(promParticipantCurrent)
	prometheus.MustRegister(promProducerCurrent)
	prometheus.MustRegister(promConsumerCounter)
	prometheus.MustRegister(promSignalRequests)
}

func createMetrics(constLabels prometheus.Labels) {
	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   leapNamespace,
		Subsystem:   "room",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promParticipantCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   leapNamespace,
		Subsystem:   "participant",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promProducerCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   leapNamespace,
		Subsystem:   "producer",
		Name:        "total",
		ConstLabels: constLabels,
	}, []string{"kind"})
	promConsumerCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   leapNamespace,
		Subsystem:   "consumer",
		Name:        "created_total",
		ConstLabels: constLabels,
	})
	promSignalRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   leapNamespace,
		Subsystem:   "signal",
		Name:        "requests_total",
		ConstLabels: constLabels,
	}, []string{"method", "status"})
}

func RoomStarted() {
	promRoomCurrent.Add(1)
	roomCurrent.Inc()
}

func RoomEnded() {
	promRoomCurrent.Sub(1)
	roomCurrent.Dec()
}

func ParticipantJoined() {
	promParticipantCurrent.Add(1)
	participantCurrent.Inc()
}

func ParticipantLeft() {
	promParticipantCurrent.Sub(1)
	participantCurrent.Dec()
}

func ProducerCreated(kind string) {
	promProducerCurrent.WithLabelValues(kind).Add(1)
	producerCurrent.Inc()
}

func ProducerClosed(kind string) {
	promProducerCurrent.WithLabelValues(kind).Sub(1)
	producerCurrent.Dec()
}

func ConsumerCreated() {
	promConsumerCounter.Add(1)
}

func SignalRequest(method string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	promSignalRequests.WithLabelValues(method, status).Add(1)
}
