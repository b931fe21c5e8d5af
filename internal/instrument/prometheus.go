// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes secure channel metrics to prometheus.
package instrument

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	handshakesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idchannel_handshakes_started_total",
			Help: "Number of identity handshakes started",
		},
		[]string{"role"},
	)
	handshakesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idchannel_handshakes_completed_total",
			Help: "Number of identity handshakes that established a channel",
		},
		[]string{"role"},
	)
	handshakesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idchannel_handshakes_failed_total",
			Help: "Number of identity handshakes that failed",
		},
		[]string{"role", "reason"},
	)
	messagesEncrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idchannel_messages_encrypted_total",
			Help: "Number of messages routed into a secure channel",
		},
	)
	messagesDecrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idchannel_messages_decrypted_total",
			Help: "Number of messages delivered out of a secure channel",
		},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idchannel_messages_dropped_total",
			Help: "Number of messages dropped by secure channels",
		},
		[]string{"reason"},
	)
	channelsEstablished = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "idchannel_channels_established",
			Help: "Number of currently established secure channels",
		},
	)

	initOnce sync.Once
)

// Init registers the metrics with the default prometheus registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(handshakesStarted)
		prometheus.MustRegister(handshakesCompleted)
		prometheus.MustRegister(handshakesFailed)
		prometheus.MustRegister(messagesEncrypted)
		prometheus.MustRegister(messagesDecrypted)
		prometheus.MustRegister(messagesDropped)
		prometheus.MustRegister(channelsEstablished)
	})
}

// StartPrometheusListener serves the metrics over HTTP on address.
func StartPrometheusListener(address string) (*http.Server, error) {
	Init()

	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go srv.Serve(l)
	return srv, nil
}

// HandshakeStarted increments the counter for started handshakes.
func HandshakeStarted(role string) {
	handshakesStarted.WithLabelValues(role).Inc()
}

// HandshakeCompleted increments the counter for established channels.
func HandshakeCompleted(role string) {
	handshakesCompleted.WithLabelValues(role).Inc()
}

// HandshakeFailed increments the counter for failed handshakes.
func HandshakeFailed(role, reason string) {
	handshakesFailed.WithLabelValues(role, reason).Inc()
}

// MessageEncrypted increments the counter for outbound channel messages.
func MessageEncrypted() {
	messagesEncrypted.Inc()
}

// MessageDecrypted increments the counter for inbound channel messages.
func MessageDecrypted() {
	messagesDecrypted.Inc()
}

// MessageDropped increments the counter for dropped channel messages.
func MessageDropped(reason string) {
	messagesDropped.WithLabelValues(reason).Inc()
}

// ChannelEstablished increments the established channels gauge.
func ChannelEstablished() {
	channelsEstablished.Inc()
}

// ChannelClosed decrements the established channels gauge.
func ChannelClosed() {
	channelsEstablished.Dec()
}
