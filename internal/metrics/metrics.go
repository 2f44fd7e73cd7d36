// Package metrics owns the prometheus collectors of the service.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Applied settlements per method and payment type.",
		},
		[]string{"method", "payment_type"},
	)

	invoicesFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoices_finalized_total",
			Help: "Invoices moved out of the open state, by final status.",
		},
		[]string{"status"},
	)

	outlineKeys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outline_keys_total",
			Help: "Outline key operations by op (create, delete) and result.",
		},
		[]string{"op", "result"},
	)

	sweeperRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_runs_total",
		Help: "Completed expiry sweeps.",
	})

	sweeperDevicesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_devices_deleted_total",
		Help: "Devices reclaimed by the expiry sweeper.",
	})

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests by route pattern and status code.",
		},
		[]string{"route", "status"},
	)
)

// MustRegister registers every collector with the default registry exactly once.
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(settlements, invoicesFinalized, outlineKeys, sweeperRuns, sweeperDevicesDeleted, httpRequests)
	})
}

func Settlement(method, paymentType string) {
	settlements.WithLabelValues(method, paymentType).Inc()
}

func InvoiceFinalized(status string) {
	invoicesFinalized.WithLabelValues(status).Inc()
}

// OutlineKey records a control API call; err nil counts as ok.
func OutlineKey(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	outlineKeys.WithLabelValues(op, result).Inc()
}

func SweeperRun(devicesDeleted int) {
	sweeperRuns.Inc()
	sweeperDevicesDeleted.Add(float64(devicesDeleted))
}

func HTTPRequest(route string, status int) {
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
