// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package obd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestLatenciesSet = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "obd_client",
		Name:      "latencies",
	}, []string{"op"})
	metricObjectRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "obd_client",
		Name:      "object_requests",
	}, []string{"op"})
	metricParentReads = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "obd_client",
		Name:      "parent_reads",
	})
	metricCopyups = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "obd_client",
		Name:      "copyups",
	}, []string{"outcome"})
	metricObjectMapUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "obd_client",
		Name:      "object_map_updates",
	})
)
