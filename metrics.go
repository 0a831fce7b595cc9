package temprepo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkoutsTotalMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "temprepo_checkouts_total",
		Help: "The total number of tarball checkouts by result",
	}, []string{"result"})
	errorsTotalMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "temprepo_errors_total",
		Help: "The total number of failed checkouts by error kind",
	}, []string{"kind"})
	downloadedBytesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "temprepo_downloaded_bytes_total",
		Help: "The total number of tarball bytes downloaded",
	})
)

func recordCheckout(err error) {
	if err == nil {
		checkoutsTotalMetric.WithLabelValues("success").Inc()
		return
	}
	checkoutsTotalMetric.WithLabelValues("failure").Inc()
	errorsTotalMetric.WithLabelValues(errorKind(err)).Inc()
}
