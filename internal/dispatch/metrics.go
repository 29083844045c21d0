// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Frame dispatch outcomes.
const (
	Delivered               = "delivered"
	Malformed               = "malformed"
	CancelledBeforeDecode   = "cancelled_before_decode"
	DecodeFailed            = "decode_failed"
	CancelledAfterDecode    = "cancelled_after_decode"
	CancelledBeforeDelivery = "cancelled_before_delivery"
	Unavailable             = "unavailable"
)

// Metrics holds the dispatcher's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	frames *prometheus.CounterVec
	info   *prometheus.CounterVec
	done   *prometheus.CounterVec
	decode prometheus.Histogram
}

// NewMetrics returns a new Metrics registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "animstream_frames_total",
				Help: "Total number of frame messages by dispatch outcome.",
			},
			[]string{"outcome"},
		),
		info: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "animstream_info_total",
				Help: "Total number of animation info messages by dispatch outcome.",
			},
			[]string{"outcome"},
		),
		done: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "animstream_done_total",
				Help: "Total number of end of stream messages by dispatch outcome.",
			},
			[]string{"outcome"},
		),
		decode: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "animstream_decode_duration_seconds",
				Help:    "Frame decode latency in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
	}
	reg.MustRegister(m.frames, m.info, m.done, m.decode)
	return m
}

func (m *Metrics) frame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) infoOutcome(outcome string) {
	if m == nil {
		return
	}
	m.info.WithLabelValues(outcome).Inc()
}

func (m *Metrics) doneOutcome(outcome string) {
	if m == nil {
		return
	}
	m.done.WithLabelValues(outcome).Inc()
}

func (m *Metrics) decoded(d time.Duration) {
	if m == nil {
		return
	}
	m.decode.Observe(d.Seconds())
}
