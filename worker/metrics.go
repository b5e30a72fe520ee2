package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	spawns   *prometheus.CounterVec
	exits    *prometheus.CounterVec
	restarts *prometheus.CounterVec
	live     *prometheus.GaugeVec
	commands *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procpool",
			Name:      "replica_spawns_total",
			Help:      "Replica processes started.",
		}, []string{"worker"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procpool",
			Name:      "replica_exits_total",
			Help:      "Replica processes that exited, by outcome.",
		}, []string{"worker", "outcome"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procpool",
			Name:      "replica_restarts_scheduled_total",
			Help:      "Restarts scheduled after a replica exited.",
		}, []string{"worker"}),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procpool",
			Name:      "replicas_live",
			Help:      "Replica processes currently running.",
		}, []string{"worker"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procpool",
			Name:      "commands_total",
			Help:      "Commands exchanged with replicas, by direction.",
		}, []string{"worker", "direction"}),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.spawns, m.exits, m.restarts, m.live, m.commands} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
