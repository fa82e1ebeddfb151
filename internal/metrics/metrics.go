// Package metrics 提供 Prometheus 指标的收集与暴露
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 服务内所有指标
type Collector struct {
	deliveries         *prometheus.CounterVec
	eventsIngested     *prometheus.CounterVec
	signalsDropped     prometheus.Counter
	placeholderOwners  prometheus.Counter
	resolverOutcomes   *prometheus.CounterVec
	tokenRefreshes     *prometheus.CounterVec
	credentialChanges  *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	wsClients          prometheus.Gauge
	httpRequests       *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
}

// NewCollector 创建 Collector 并注册到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgazer_webhook_deliveries_total",
			Help: "按载荷形状统计的 webhook 投递数",
		}, []string{"shape"}),
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgazer_events_ingested_total",
			Help: "按类型统计的入库事件数",
		}, []string{"event_type"}),
		signalsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartgazer_signals_dropped_total",
			Help: "无法识别而丢弃的信号数",
		}),
		placeholderOwners: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartgazer_placeholder_vehicles_total",
			Help: "以占位用户创建的车辆数",
		}),
		resolverOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgazer_resolver_outcomes_total",
			Help: "最新值查询结果（cache/live/not_found/error）",
		}, []string{"signal", "outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgazer_token_refresh_total",
			Help: "token 刷新结果",
		}, []string{"result"}),
		credentialChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgazer_credential_transitions_total",
			Help: "凭据状态机转换次数",
		}, []string{"from", "to"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartgazer_upstream_breaker_state",
			Help: "上游熔断器状态 (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartgazer_ws_clients",
			Help: "当前 WebSocket 连接数",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgazer_http_requests_total",
			Help: "HTTP 请求数",
		}, []string{"route", "method", "status"}),
		httpRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartgazer_http_request_duration_seconds",
			Help:    "HTTP 请求耗时（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	reg.MustRegister(
		c.deliveries,
		c.eventsIngested,
		c.signalsDropped,
		c.placeholderOwners,
		c.resolverOutcomes,
		c.tokenRefreshes,
		c.credentialChanges,
		c.breakerState,
		c.wsClients,
		c.httpRequests,
		c.httpRequestLatency,
	)

	return c
}

// RecordDelivery 记录一次 webhook 投递
func (c *Collector) RecordDelivery(shape string) {
	c.deliveries.WithLabelValues(shape).Inc()
}

// RecordEventIngested 记录一条入库事件
func (c *Collector) RecordEventIngested(eventType string) {
	c.eventsIngested.WithLabelValues(eventType).Inc()
}

// RecordSignalsDropped 记录被丢弃的信号
func (c *Collector) RecordSignalsDropped(n int) {
	c.signalsDropped.Add(float64(n))
}

// RecordPlaceholderOwner 记录一次占位用户归属
func (c *Collector) RecordPlaceholderOwner() {
	c.placeholderOwners.Inc()
}

// RecordResolverOutcome 记录查询来源
func (c *Collector) RecordResolverOutcome(signal, outcome string) {
	c.resolverOutcomes.WithLabelValues(signal, outcome).Inc()
}

// RecordTokenRefresh 记录刷新结果 (success/failure)
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordCredentialTransition 记录凭据状态转换
func (c *Collector) RecordCredentialTransition(from, to string) {
	c.credentialChanges.WithLabelValues(from, to).Inc()
}

// SetBreakerState 更新熔断器状态
func (c *Collector) SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "closed":
		v = 0
	case "half-open":
		v = 1
	case "open":
		v = 2
	default:
		v = -1
	}
	c.breakerState.WithLabelValues(name).Set(v)
}

// SetWSClients 更新 WebSocket 连接数
func (c *Collector) SetWSClients(n int) {
	c.wsClients.Set(float64(n))
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (c *Collector) RecordHTTPRequest(route, method, status string, seconds float64) {
	c.httpRequests.WithLabelValues(route, method, status).Inc()
	c.httpRequestLatency.WithLabelValues(route, method).Observe(seconds)
}

// Handler Prometheus 抓取端点
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
