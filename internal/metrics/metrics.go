// Package metrics exposes Prometheus collectors for the gateway service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	gatewayRequestsTotal          *prometheus.CounterVec
	gatewayRequestDurationSeconds *prometheus.HistogramVec
	gatewayAccountRetriesTotal    prometheus.Counter
	gatewayExhaustedTotal         prometheus.Counter

	accountCooldownsTotal          prometheus.Counter
	accountSelectionExhaustedTotal prometheus.Counter

	challengeSolvesTotal          *prometheus.CounterVec
	challengeSolveDurationSeconds prometheus.Histogram
	challengeCacheLookupsTotal    *prometheus.CounterVec
	challengeRefreshesTotal       *prometheus.CounterVec

	sessionRestartsTotal *prometheus.CounterVec
	sessionCrashesTotal  prometheus.Counter

	failoverSwitchesTotal *prometheus.CounterVec
	failoverProbesTotal   *prometheus.CounterVec
	activeSiteGauge       *prometheus.GaugeVec

	checkinsTotal    *prometheus.CounterVec
	accountQuotaUSD  *prometheus.GaugeVec
	keyChecksTotal   *prometheus.CounterVec
	notificationsTot *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)

		gatewayRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total proxied upstream requests, labeled by site, account and status.",
			},
			[]string{"site", "account", "code"},
		)

		gatewayRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Histogram of end-to-end proxied request latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site"},
		)

		gatewayAccountRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_account_retries_total",
				Help: "Total times a request was retried on a different account.",
			},
		)

		gatewayExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_exhausted_total",
				Help: "Total requests that failed after exhausting accounts and sites.",
			},
		)

		accountCooldownsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "account_cooldowns_total",
				Help: "Total times an account entered cooldown after consecutive failures.",
			},
		)

		accountSelectionExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "account_selection_exhausted_total",
				Help: "Total account selections that found no eligible account.",
			},
		)

		challengeSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "challenge_solves_total",
				Help: "Browser challenge solve attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		challengeSolveDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "challenge_solve_duration_seconds",
				Help:    "Histogram of browser challenge solve durations.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60},
			},
		)

		challengeCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "challenge_cache_lookups_total",
				Help: "Challenge cookie cache lookups, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		challengeRefreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "challenge_refreshes_total",
				Help: "Background challenge refreshes, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		sessionRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_session_restarts_total",
				Help: "Browser session restarts, labeled by reason.",
			},
			[]string{"reason"},
		)

		sessionCrashesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "browser_session_crashes_total",
				Help: "Total detected browser session crashes.",
			},
		)

		failoverSwitchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "failover_switches_total",
				Help: "Site switches, labeled by direction (to_backup, to_primary).",
			},
			[]string{"direction"},
		)

		failoverProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "failover_probes_total",
				Help: "Primary health probe results, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeSiteGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_active_site",
				Help: "1 for the currently active site, 0 otherwise.",
			},
			[]string{"site"},
		)

		checkinsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkins_total",
				Help: "Daily check-in attempts, labeled by account and outcome.",
			},
			[]string{"account", "outcome"},
		)

		accountQuotaUSD = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "account_quota_usd",
				Help: "Last observed remaining quota per account, in USD.",
			},
			[]string{"account"},
		)

		keyChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_key_validations_total",
				Help: "Client API key validations, labeled by result.",
			},
			[]string{"result"},
		)

		notificationsTot = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "Published operator notifications, labeled by event type.",
			},
			[]string{"event"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveGatewayRequest records one proxied upstream request.
func ObserveGatewayRequest(site, account string, code int, duration time.Duration) {
	gatewayRequestsTotal.WithLabelValues(site, account, strconv.Itoa(code)).Inc()
	gatewayRequestDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveAccountRetry increments the account retry counter.
func ObserveAccountRetry() {
	gatewayAccountRetriesTotal.Inc()
}

// ObserveGatewayExhausted counts a request that ran out of accounts and sites.
func ObserveGatewayExhausted() {
	gatewayExhaustedTotal.Inc()
}

// ObserveAccountCooldown counts an account entering cooldown.
func ObserveAccountCooldown() {
	accountCooldownsTotal.Inc()
}

// ObserveSelectionExhausted counts a selection with no eligible account.
func ObserveSelectionExhausted() {
	accountSelectionExhaustedTotal.Inc()
}

// ObserveChallengeSolve records one solve attempt and its duration.
func ObserveChallengeSolve(site, outcome string, duration time.Duration) {
	challengeSolvesTotal.WithLabelValues(site, outcome).Inc()
	challengeSolveDurationSeconds.Observe(duration.Seconds())
}

// ObserveChallengeCache records a cache lookup result (hit, miss, stale).
func ObserveChallengeCache(site, result string) {
	challengeCacheLookupsTotal.WithLabelValues(site, result).Inc()
}

// ObserveChallengeRefresh records a background refresh outcome.
func ObserveChallengeRefresh(site, outcome string) {
	challengeRefreshesTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveSessionRestart counts a browser restart with its reason.
func ObserveSessionRestart(reason string) {
	sessionRestartsTotal.WithLabelValues(reason).Inc()
}

// ObserveSessionCrash counts a detected browser crash.
func ObserveSessionCrash() {
	sessionCrashesTotal.Inc()
}

// ObserveFailoverSwitch counts a site switch in the given direction.
func ObserveFailoverSwitch(direction string) {
	failoverSwitchesTotal.WithLabelValues(direction).Inc()
}

// ObserveFailoverProbe counts a primary probe outcome (success, failure).
func ObserveFailoverProbe(outcome string) {
	failoverProbesTotal.WithLabelValues(outcome).Inc()
}

// SetActiveSite marks exactly one site as active on the gauge.
func SetActiveSite(active string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == active {
			v = 1.0
		}
		activeSiteGauge.WithLabelValues(s).Set(v)
	}
}

// ObserveCheckin records one check-in attempt.
func ObserveCheckin(account, outcome string) {
	checkinsTotal.WithLabelValues(account, outcome).Inc()
}

// SetAccountQuota records the remaining quota for an account.
func SetAccountQuota(account string, usd float64) {
	accountQuotaUSD.WithLabelValues(account).Set(usd)
}

// ObserveAPIKeyValidation records a key validation result.
func ObserveAPIKeyValidation(result string) {
	keyChecksTotal.WithLabelValues(result).Inc()
}

// ObserveNotification counts a published notification event.
func ObserveNotification(event string) {
	notificationsTot.WithLabelValues(event).Inc()
}
