// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス記録のインターフェース。
// サービス層、ドリップ送信、HTTPミドルウェアから利用する。
type Recorder interface {
	RecordSubscribeRequest(status string)
	RecordConfirmation(outcome string)
	RecordEmailSent(kind string)
	RecordEmailFailed(kind string)
	RecordHTTPStatus(statusCode int)
	RecordDripCycle(duration time.Duration, sent, failed int)
	RecordPostsImported(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	subscribeRequests *prometheus.CounterVec
	confirmations     *prometheus.CounterVec
	emailsSent        *prometheus.CounterVec
	emailsFailed      *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	dripCycle         prometheus.Histogram
	dripSent          prometheus.Counter
	dripFailed        prometheus.Counter
	postsImported     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		subscribeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_subscribe_requests_total",
			Help: "購読リクエストの結果別件数",
		}, []string{"status"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_confirmations_total",
			Help: "購読確認リンクの処理結果別件数",
		}, []string{"outcome"}),
		emailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_emails_sent_total",
			Help: "種類別の送信成功メール数",
		}, []string{"kind"}),
		emailsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_emails_failed_total",
			Help: "種類別の送信失敗メール数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_http_requests_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		dripCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replay_drip_cycle_seconds",
			Help:    "ドリップ送信1サイクルの所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		dripSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_drip_sent_total",
			Help: "ドリップ配信で送信した記事の合計数",
		}),
		dripFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_drip_failed_total",
			Help: "ドリップ配信で送信に失敗した記事の合計数",
		}),
		postsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_posts_imported_total",
			Help: "インポートで保存した記事の合計数",
		}),
	}

	reg.MustRegister(
		c.subscribeRequests,
		c.confirmations,
		c.emailsSent,
		c.emailsFailed,
		c.httpStatus,
		c.dripCycle,
		c.dripSent,
		c.dripFailed,
		c.postsImported,
	)

	return c
}

// RecordSubscribeRequest は購読リクエストの結果を記録する。
func (c *Collector) RecordSubscribeRequest(status string) {
	c.subscribeRequests.WithLabelValues(status).Inc()
}

// RecordConfirmation は確認リンクの処理結果を記録する。
func (c *Collector) RecordConfirmation(outcome string) {
	c.confirmations.WithLabelValues(outcome).Inc()
}

// RecordEmailSent はメール送信成功を記録する。
func (c *Collector) RecordEmailSent(kind string) {
	c.emailsSent.WithLabelValues(kind).Inc()
}

// RecordEmailFailed はメール送信失敗を記録する。
func (c *Collector) RecordEmailFailed(kind string) {
	c.emailsFailed.WithLabelValues(kind).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordDripCycle はドリップ送信1サイクルの所要時間と件数を記録する。
func (c *Collector) RecordDripCycle(duration time.Duration, sent, failed int) {
	c.dripCycle.Observe(duration.Seconds())
	c.dripSent.Add(float64(sent))
	c.dripFailed.Add(float64(failed))
}

// RecordPostsImported はインポートした記事数を記録する。
func (c *Collector) RecordPostsImported(count int) {
	c.postsImported.Add(float64(count))
}

// Nop は何も記録しないRecorder。
type Nop struct{}

func (Nop) RecordSubscribeRequest(string) {}
func (Nop) RecordConfirmation(string) {}
func (Nop) RecordEmailSent(string) {}
func (Nop) RecordEmailFailed(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordDripCycle(time.Duration, int, int) {}
func (Nop) RecordPostsImported(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
