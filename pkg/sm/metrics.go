package sm

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeStateMachines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fedclient_executor_active_state_machines",
		Help: "Number of state machines currently being driven by the executor.",
	})
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedclient_executor_transitions_total",
		Help: "Total number of state machine transitions committed, by module instance and outcome.",
	}, []string{"module", "outcome"})
)

func recordTransition(module int, terminal bool) {
	outcome := "active"
	if terminal {
		outcome = "terminal"
	}
	transitionsTotal.WithLabelValues(strconv.Itoa(module), outcome).Inc()
}
