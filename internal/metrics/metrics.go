package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "interviewer"

// Metrics 面试引擎运行计数，注册在私有Registry上，nil接收者上的调用均为空操作
type Metrics struct {
	registry *prometheus.Registry

	interviews      *prometheus.CounterVec
	questionsAsked  prometheus.Counter
	followUps       prometheus.Counter
	candidateTurns  prometheus.Counter
	aiCalls         *prometheus.CounterVec
	aiFallbacks     prometheus.Counter
	bridgeMessages  *prometheus.CounterVec
	bridgeFailures  prometheus.Counter
	bridgeInvalid   prometheus.Counter
	hubClients      prometheus.Gauge
	hubBroadcasts   prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	lastUpdateNanos atomic.Int64
}

// NewMetrics 创建并注册全部采集器
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		interviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interviews_total",
			Help:      "Interview lifecycle events",
		}, []string{"event"}),
		questionsAsked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_asked_total",
			Help:      "Questions delivered to candidates",
		}),
		followUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "follow_ups_total",
			Help:      "Follow-up questions inserted",
		}),
		candidateTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidate_turns_total",
			Help:      "Candidate responses processed",
		}),
		aiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_calls_total",
			Help:      "Collaborator calls by result",
		}, []string{"result"}),
		aiFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_fallbacks_total",
			Help:      "Collaborator calls answered by the fallback",
		}),
		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "Media room messages by direction",
		}, []string{"direction"}),
		bridgeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_send_failures_total",
			Help:      "Media room sends that failed",
		}),
		bridgeInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_invalid_payloads_total",
			Help:      "Media room payloads that could not be decoded",
		}),
		hubClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_clients",
			Help:      "Connected observer clients",
		}),
		hubBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_broadcast_total",
			Help:      "Events fanned out to observers",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and method",
		}, []string{"route", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.interviews,
		m.questionsAsked,
		m.followUps,
		m.candidateTurns,
		m.aiCalls,
		m.aiFallbacks,
		m.bridgeMessages,
		m.bridgeFailures,
		m.bridgeInvalid,
		m.hubClients,
		m.hubBroadcasts,
		m.httpRequests,
		m.httpDuration,
	)
	m.touch()
	return m
}

// Handler 暴露Prometheus文本格式
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) touch() {
	m.lastUpdateNanos.Store(time.Now().UnixNano())
}

func (m *Metrics) inc(c prometheus.Counter) {
	if m == nil {
		return
	}
	c.Inc()
	m.touch()
}

func (m *Metrics) IncrementInterviewsCreated() {
	if m != nil {
		m.inc(m.interviews.WithLabelValues("created"))
	}
}

func (m *Metrics) IncrementInterviewsStarted() {
	if m != nil {
		m.inc(m.interviews.WithLabelValues("started"))
	}
}

func (m *Metrics) IncrementInterviewsCompleted() {
	if m != nil {
		m.inc(m.interviews.WithLabelValues("completed"))
	}
}

func (m *Metrics) IncrementQuestionsAsked() {
	if m != nil {
		m.inc(m.questionsAsked)
	}
}

func (m *Metrics) IncrementFollowUps() {
	if m != nil {
		m.inc(m.followUps)
	}
}

func (m *Metrics) IncrementCandidateTurns() {
	if m != nil {
		m.inc(m.candidateTurns)
	}
}

// IncrementAICall 记录一次协作方调用
func (m *Metrics) IncrementAICall(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.inc(m.aiCalls.WithLabelValues(result))
}

func (m *Metrics) IncrementAIFallback() {
	if m != nil {
		m.inc(m.aiFallbacks)
	}
}

func (m *Metrics) IncrementBridgeIn() {
	if m != nil {
		m.inc(m.bridgeMessages.WithLabelValues("in"))
	}
}

// IncrementBridgeOut 记录一次发送，失败计入bridge_send_failures_total
func (m *Metrics) IncrementBridgeOut(delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.inc(m.bridgeMessages.WithLabelValues("out"))
	} else {
		m.inc(m.bridgeFailures)
	}
}

func (m *Metrics) IncrementBridgeInvalid() {
	if m != nil {
		m.inc(m.bridgeInvalid)
	}
}

func (m *Metrics) AddHubClients(delta int64) {
	if m == nil {
		return
	}
	m.hubClients.Add(float64(delta))
	m.touch()
}

func (m *Metrics) IncrementHubBroadcast() {
	if m != nil {
		m.inc(m.hubBroadcasts)
	}
}

// ObserveHTTPRequest 记录一次HTTP请求，route是路由模板而不是原始路径
func (m *Metrics) ObserveHTTPRequest(route, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Snapshot 数值副本，用于序列化
type Snapshot struct {
	InterviewsCreated    int64     `json:"interviews_created"`
	InterviewsStarted    int64     `json:"interviews_started"`
	InterviewsCompleted  int64     `json:"interviews_completed"`
	QuestionsAsked       int64     `json:"questions_asked"`
	FollowUpsInserted    int64     `json:"follow_ups_inserted"`
	CandidateTurns       int64     `json:"candidate_turns"`
	AICallsTotal         int64     `json:"ai_calls_total"`
	AICallsFailed        int64     `json:"ai_calls_failed"`
	AIFallbacks          int64     `json:"ai_fallbacks"`
	BridgeMessagesIn     int64     `json:"bridge_messages_in"`
	BridgeMessagesOut    int64     `json:"bridge_messages_out"`
	BridgeSendFailures   int64     `json:"bridge_send_failures"`
	BridgeInvalidPayload int64     `json:"bridge_invalid_payloads"`
	HubClients           int64     `json:"hub_clients"`
	HubEventsBroadcast   int64     `json:"hub_events_broadcast"`
	LastUpdateTime       time.Time `json:"last_update_time"`
}

// GetSnapshot 从采集器读出当前计数
func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	failed := value(m.aiCalls.WithLabelValues("failure"))
	return Snapshot{
		InterviewsCreated:    value(m.interviews.WithLabelValues("created")),
		InterviewsStarted:    value(m.interviews.WithLabelValues("started")),
		InterviewsCompleted:  value(m.interviews.WithLabelValues("completed")),
		QuestionsAsked:       value(m.questionsAsked),
		FollowUpsInserted:    value(m.followUps),
		CandidateTurns:       value(m.candidateTurns),
		AICallsTotal:         value(m.aiCalls.WithLabelValues("success")) + failed,
		AICallsFailed:        failed,
		AIFallbacks:          value(m.aiFallbacks),
		BridgeMessagesIn:     value(m.bridgeMessages.WithLabelValues("in")),
		BridgeMessagesOut:    value(m.bridgeMessages.WithLabelValues("out")),
		BridgeSendFailures:   value(m.bridgeFailures),
		BridgeInvalidPayload: value(m.bridgeInvalid),
		HubClients:           value(m.hubClients),
		HubEventsBroadcast:   value(m.hubBroadcasts),
		LastUpdateTime:       time.Unix(0, m.lastUpdateNanos.Load()),
	}
}

func value(c prometheus.Metric) int64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return int64(pb.Counter.GetValue())
	case pb.Gauge != nil:
		return int64(pb.Gauge.GetValue())
	}
	return 0
}
