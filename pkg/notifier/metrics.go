package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// subscribersDisconnectedTotal counts subscribers dropped for a full
// mailbox across every Notifier in the process, mirroring
// DisconnectedCount's per-instance tally for external scraping.
var subscribersDisconnectedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedclient_notifier_subscribers_disconnected_total",
	Help: "Total number of notifier subscribers dropped for a full mailbox.",
})
