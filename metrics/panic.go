package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hookmta_panic_total",
		Help: "Number of unhandled panics, by origin.",
	},
	[]string{
		"origin",
	},
)

type Panic string

const (
	Ctl        Panic = "ctl"
	Maildir    Panic = "maildir"
	Queue      Panic = "queue"
	Smtpserver Panic = "smtpserver"
	Store      Panic = "store"
	ServeMain  Panic = "serve"
)

func PanicInc(origin Panic) {
	metricPanic.WithLabelValues(string(origin)).Inc()
}
