// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 再試行遷移のラベル値。
const (
	TransitionScheduled = "scheduled"
	TransitionTerminal  = "terminal"
	TransitionSucceeded = "succeeded"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやハンドラーから利用する。
type MetricsCollector interface {
	RecordFetchSuccess(feedID string)
	RecordFetchFailure(feedID string, reason string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordItemsIngested(count int)
	RecordDecode(path, outcome string)
	RecordRetryTransition(transition string)
	RecordResolveLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess   prometheus.Counter
	fetchFail      *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	itemsIngested  prometheus.Counter
	decodeOutcome  *prometheus.CounterVec
	retryTransit   *prometheus.CounterVec
	resolveLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gnewsresolver_feed_fetch_success_total",
			Help: "フィードフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gnewsresolver_feed_fetch_fail_total",
			Help: "理由別のフィードフェッチ失敗の合計数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gnewsresolver_feed_http_status_total",
			Help: "HTTPステータスコード別のフィードレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gnewsresolver_feed_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gnewsresolver_items_ingested_total",
			Help: "新規登録された記事の合計数",
		}),
		decodeOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gnewsresolver_decode_total",
			Help: "トークン形式と結果別のデコード数",
		}, []string{"path", "outcome"}),
		retryTransit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gnewsresolver_retry_transitions_total",
			Help: "再試行状態の遷移数",
		}, []string{"transition"}),
		resolveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gnewsresolver_resolve_latency_seconds",
			Help:    "トークン解決のレイテンシ（秒）",
			Buckets: []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.httpStatus,
		c.fetchLatency,
		c.itemsIngested,
		c.decodeOutcome,
		c.retryTransit,
		c.resolveLatency,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(feedID string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
// フィードIDはカーディナリティを抑えるためラベルにしない。
func (c *Collector) RecordFetchFailure(feedID string, reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordItemsIngested は新規登録された記事数を記録する。
func (c *Collector) RecordItemsIngested(count int) {
	c.itemsIngested.Add(float64(count))
}

// RecordDecode はデコード結果を記録する。outcomeは成功時"ok"、失敗時はエラー種別。
func (c *Collector) RecordDecode(path, outcome string) {
	c.decodeOutcome.WithLabelValues(path, outcome).Inc()
}

// RecordRetryTransition は再試行状態の遷移を記録する。
func (c *Collector) RecordRetryTransition(transition string) {
	c.retryTransit.WithLabelValues(transition).Inc()
}

// RecordResolveLatency はトークン解決のレイテンシを記録する。
func (c *Collector) RecordResolveLatency(duration time.Duration) {
	c.resolveLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordFetchSuccess(string)          {}
func (NopCollector) RecordFetchFailure(string, string)  {}
func (NopCollector) RecordHTTPStatus(int)               {}
func (NopCollector) RecordFetchLatency(time.Duration)   {}
func (NopCollector) RecordItemsIngested(int)            {}
func (NopCollector) RecordDecode(string, string)        {}
func (NopCollector) RecordRetryTransition(string)       {}
func (NopCollector) RecordResolveLatency(time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
