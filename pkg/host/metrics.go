/*
Copyright 2025 The Photark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package host

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/photark/extension-host/api/extension"
)

// Metrics counts what the host does. Pass a nil registerer to keep the
// collectors unregistered, which tests do.
type Metrics struct {
	eventsDispatched    *prometheus.CounterVec
	connectedExtensions prometheus.Gauge
	throttleDrops       prometheus.Counter
}

// NewMetrics builds the host's collectors and registers them on reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "events_dispatched_total",
				Namespace: "exthost",
				Help:      "Events handed to extension limiters, by event name.",
			},
			[]string{"event"},
		),
		connectedExtensions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:      "connected_extensions",
				Namespace: "exthost",
				Help:      "Extensions with an open socket right now.",
			},
		),
		throttleDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:      "throttle_drops_total",
				Namespace: "exthost",
				Help:      "Deliveries dropped because the extension's limiter stopped.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.eventsDispatched, m.connectedExtensions, m.throttleDrops)
	}
	return m
}

func (m *Metrics) dispatched(event extension.EventName) {
	m.eventsDispatched.WithLabelValues(string(event)).Inc()
}

func (m *Metrics) connectionOpened() {
	m.connectedExtensions.Inc()
}

func (m *Metrics) connectionClosed() {
	m.connectedExtensions.Dec()
}

func (m *Metrics) deliveryDropped() {
	m.throttleDrops.Inc()
}
