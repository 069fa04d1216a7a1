package main

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsRegistry = prometheus.NewRegistry()

	grantsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauthd_grants_total",
		Help: "Token grant outcomes by grant type and result code.",
	}, []string{"grant_type", "result"})

	guardTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauthd_guard_total",
		Help: "Resource guard decisions.",
	}, []string{"result"})
)

func init() {
	metricsRegistry.MustRegister(
		grantsTotal,
		guardTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}

// grantResult records a token-endpoint outcome. err == nil counts a success;
// OAuth errors count under their code, anything else under server_error.
func grantResult(req *tokenRequest, err error) {
	grantType := "unknown"
	if req != nil && req.GrantType != "" {
		grantType = req.GrantType
	}
	result := "ok"
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) {
			result = oe.Code
		} else {
			result = codeServerError
		}
	}
	grantsTotal.WithLabelValues(grantType, result).Inc()
}

func guardResult(result string) {
	guardTotal.WithLabelValues(result).Inc()
}
