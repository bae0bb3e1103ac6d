package client

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	pushes               *prometheus.CounterVec
	validationFailures   *prometheus.CounterVec
	registrationFailures *prometheus.CounterVec
	reconnects           prometheus.Counter
	queryRequests        *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drm",
			Subsystem: "client",
			Name:      "pushes_received_total",
			Help:      "Number of values pushed by the server",
		}, []string{
			"dataId",
		}),

		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drm",
			Subsystem: "client",
			Name:      "validation_failures_total",
			Help:      "Number of pushed values rejected by their parser",
		}, []string{
			"dataId",
		}),

		registrationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drm",
			Subsystem: "client",
			Name:      "registration_failures_total",
			Help:      "Number of registrations that exhausted their retries",
		}, []string{
			"dataId",
		}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drm",
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Number of times the server connection was re-established",
		}),

		queryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drm",
			Subsystem: "client",
			Name:      "query_requests_total",
			Help:      "Number of requests served by the local query server",
		}, []string{
			"kind",
		}),
	}
}

// register adds every collector to r. A nil r leaves them unregistered.
func (m *metrics) register(r prometheus.Registerer) error {
	if r == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.pushes, m.validationFailures, m.registrationFailures, m.reconnects, m.queryRequests,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
