package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// 面试流程中的请求步骤
const (
	StepInitiate = "initiate"
	StepStart    = "start"
	StepRespond  = "respond"
	StepEnd      = "end"
)

// InterviewLoadConfig 并发模拟候选人的配置
type InterviewLoadConfig struct {
	BaseURL        string
	Candidates     int // 并发候选人数
	Interviews     int // 每个候选人完成的面试数
	JobDescription string
	Answers        []string // 按轮次循环使用
	MaxTurns       int      // 单场面试的回答上限，达到后强制结束
	ThinkTime      time.Duration
	Timeout        time.Duration
}

// DefaultInterviewLoadConfig 返回默认配置
func DefaultInterviewLoadConfig(baseURL string) *InterviewLoadConfig {
	return &InterviewLoadConfig{
		BaseURL:        baseURL,
		Candidates:     10,
		Interviews:     1,
		JobDescription: "Backend engineer working on Go services and distributed systems",
		Answers: []string{
			"Sure, I'm ready to start.",
			"I led the migration of our billing service to an event driven design, which cut latency in half.",
			"Yes.",
			"I would start with metrics and traces, then bisect recent deploys before touching the code.",
		},
		MaxTurns:  20,
		ThinkTime: 0,
		Timeout:   30 * time.Second,
	}
}

// StepStats 单个步骤的统计
type StepStats struct {
	Requests    int64
	Failures    int64
	MinLatency  float64
	MaxLatency  float64
	AvgLatency  float64
	P50Latency  float64
	P95Latency  float64
	P99Latency  float64
	StatusCodes map[int]int64
}

// InterviewLoadResult 压测结果，延迟单位为毫秒
type InterviewLoadResult struct {
	Duration            time.Duration
	InterviewsCompleted int64
	InterviewsFailed    int64
	FollowUps           int64
	TotalRequests       int64
	FailedRequests      int64
	RequestsPerSecond   float64
	Steps               map[string]*StepStats
	ErrorsByType        map[string]int64
}

// stepMetrics 步骤指标收集器
type stepMetrics struct {
	mu          sync.Mutex
	latencies   []time.Duration
	failures    int64
	statusCodes map[int]int64
}

// InterviewLoadTester 驱动完整面试流程的压测器
type InterviewLoadTester struct {
	config *InterviewLoadConfig
	client *http.Client

	totalRequests  atomic.Int64
	failedRequests atomic.Int64
	completed      atomic.Int64
	failed         atomic.Int64
	followUps      atomic.Int64

	mu     sync.Mutex
	steps  map[string]*stepMetrics
	errors map[string]int64
}

// apiEnvelope 服务端统一响应
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

type turnReply struct {
	Reply struct {
		Text string `json:"text"`
		Type string `json:"type"`
	} `json:"reply"`
}

// NewInterviewLoadTester 创建压测器
func NewInterviewLoadTester(config *InterviewLoadConfig) *InterviewLoadTester {
	return &InterviewLoadTester{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        config.Candidates * 2,
				MaxIdleConnsPerHost: config.Candidates * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		steps:  make(map[string]*stepMetrics),
		errors: make(map[string]int64),
	}
}

func (t *InterviewLoadTester) validateConfig() error {
	if t.config.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if t.config.Candidates <= 0 || t.config.Interviews <= 0 {
		return errors.New("candidates and interviews must be positive")
	}
	if len(t.config.Answers) == 0 {
		return errors.New("at least one answer is required")
	}
	if t.config.MaxTurns <= 0 {
		return errors.New("max turns must be positive")
	}
	return nil
}

// Run 启动全部候选人并等待结束，ctx取消时提前返回已收集的结果
func (t *InterviewLoadTester) Run(ctx context.Context) (*InterviewLoadResult, error) {
	if err := t.validateConfig(); err != nil {
		return nil, err
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < t.config.Candidates; i++ {
		wg.Add(1)
		go func(candidate int) {
			defer wg.Done()
			for n := 0; n < t.config.Interviews; n++ {
				if ctx.Err() != nil {
					return
				}
				if err := t.runInterview(ctx, candidate); err != nil {
					t.failed.Add(1)
					t.recordError(err)
					continue
				}
				t.completed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	log.Printf("Interview load test finished in %v", time.Since(start))
	return t.result(time.Since(start)), nil
}

// runInterview 一名候选人走完一场面试
func (t *InterviewLoadTester) runInterview(ctx context.Context, candidate int) error {
	var created struct {
		ID string `json:"id"`
	}
	req := map[string]interface{}{
		"jobDescription": t.config.JobDescription,
		"candidateId":    fmt.Sprintf("load-%d-%s", candidate, uuid.NewString()[:8]),
	}
	if err := t.call(ctx, StepInitiate, http.MethodPost, "/api/v1/interviews", req, &created); err != nil {
		return err
	}
	base := "/api/v1/interviews/" + created.ID

	var turn turnReply
	if err := t.call(ctx, StepStart, http.MethodPost, base+"/start", nil, &turn); err != nil {
		return err
	}

	for i := 0; i < t.config.MaxTurns; i++ {
		if t.config.ThinkTime > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.config.ThinkTime):
			}
		}
		answer := t.config.Answers[i%len(t.config.Answers)]
		if err := t.call(ctx, StepRespond, http.MethodPost, base+"/responses", map[string]string{"text": answer}, &turn); err != nil {
			return err
		}
		switch turn.Reply.Type {
		case "follow_up":
			t.followUps.Add(1)
		case "farewell":
			return nil
		}
	}

	// 轮次用完仍未结束，强制结束
	return t.call(ctx, StepEnd, http.MethodPost, base+"/end", nil, nil)
}

// call 发送请求并记录步骤指标，data非nil时解码响应数据
func (t *InterviewLoadTester) call(ctx context.Context, step, method, path string, body, data interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(t.config.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	latency := time.Since(start)
	t.totalRequests.Add(1)
	if err != nil {
		t.failedRequests.Add(1)
		t.record(step, 0, latency)
		return fmt.Errorf("%s: %w", step, err)
	}
	defer resp.Body.Close()
	t.record(step, resp.StatusCode, latency)

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.failedRequests.Add(1)
		return fmt.Errorf("%s: decode response: %w", step, err)
	}
	if !env.Success {
		t.failedRequests.Add(1)
		return fmt.Errorf("%s: %s (%s)", step, env.Code, env.Message)
	}
	if data != nil {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return fmt.Errorf("%s: decode data: %w", step, err)
		}
	}
	return nil
}

// record 记录步骤延迟与状态码
func (t *InterviewLoadTester) record(step string, statusCode int, latency time.Duration) {
	t.mu.Lock()
	m, ok := t.steps[step]
	if !ok {
		m = &stepMetrics{statusCodes: make(map[int]int64)}
		t.steps[step] = m
	}
	t.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latency)
	m.statusCodes[statusCode]++
	if statusCode < 200 || statusCode >= 400 {
		m.failures++
	}
}

// recordError 按错误码归类，错误文本形如 "step: code (message)"
func (t *InterviewLoadTester) recordError(err error) {
	key := err.Error()
	if i := strings.Index(key, " ("); i > 0 {
		key = key[:i]
	}
	t.mu.Lock()
	t.errors[key]++
	t.mu.Unlock()
}

func (t *InterviewLoadTester) result(duration time.Duration) *InterviewLoadResult {
	result := &InterviewLoadResult{
		Duration:            duration,
		InterviewsCompleted: t.completed.Load(),
		InterviewsFailed:    t.failed.Load(),
		FollowUps:           t.followUps.Load(),
		TotalRequests:       t.totalRequests.Load(),
		FailedRequests:      t.failedRequests.Load(),
		Steps:               make(map[string]*StepStats),
		ErrorsByType:        make(map[string]int64),
	}
	if duration > 0 {
		result.RequestsPerSecond = float64(result.TotalRequests) / duration.Seconds()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.errors {
		result.ErrorsByType[k] = v
	}
	for step, m := range t.steps {
		m.mu.Lock()
		stats := &StepStats{
			Requests:    int64(len(m.latencies)),
			Failures:    m.failures,
			StatusCodes: make(map[int]int64, len(m.statusCodes)),
		}
		for code, n := range m.statusCodes {
			stats.StatusCodes[code] = n
		}
		latencies := append([]time.Duration(nil), m.latencies...)
		m.mu.Unlock()

		if len(latencies) > 0 {
			// 排序计算百分位数
			sort.Slice(latencies, func(i, j int) bool {
				return latencies[i] < latencies[j]
			})
			stats.MinLatency = ms(latencies[0])
			stats.MaxLatency = ms(latencies[len(latencies)-1])
			stats.P50Latency = ms(percentile(latencies, 0.50))
			stats.P95Latency = ms(percentile(latencies, 0.95))
			stats.P99Latency = ms(percentile(latencies, 0.99))

			var total time.Duration
			for _, lat := range latencies {
				total += lat
			}
			stats.AvgLatency = ms(total) / float64(len(latencies))
		}
		result.Steps[step] = stats
	}
	return result
}

// percentile 已排序切片上的百分位
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// Report 结果的文本摘要
func (r *InterviewLoadResult) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Duration: %v\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "Interviews: %d completed, %d failed, %d follow-ups\n",
		r.InterviewsCompleted, r.InterviewsFailed, r.FollowUps)
	fmt.Fprintf(&b, "Requests: %d total, %d failed, %.1f req/s\n",
		r.TotalRequests, r.FailedRequests, r.RequestsPerSecond)

	steps := make([]string, 0, len(r.Steps))
	for step := range r.Steps {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	for _, step := range steps {
		s := r.Steps[step]
		fmt.Fprintf(&b, "  %-9s n=%-6d fail=%-4d avg=%.2fms p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms\n",
			step, s.Requests, s.Failures, s.AvgLatency, s.P50Latency, s.P95Latency, s.P99Latency, s.MaxLatency)
	}
	for k, v := range r.ErrorsByType {
		fmt.Fprintf(&b, "  error %s: %d\n", k, v)
	}
	return b.String()
}
