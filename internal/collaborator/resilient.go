package collaborator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"GoAIInterviewer/internal/logger"
	"GoAIInterviewer/internal/metrics"

	"github.com/cenkalti/backoff/v4"
)

// Fallback 协作方不可用时使用的脚本内容
type Fallback struct {
	Questions []string
	FollowUp  string
}

// ResilientConfig 重试与超时设置
type ResilientConfig struct {
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Resilient 为每次调用加超时、指数退避重试，最终退回脚本内容
type Resilient struct {
	inner   Collaborator
	metrics *metrics.Metrics

	mu       sync.RWMutex
	cfg      ResilientConfig
	fallback Fallback
}

// NewResilient 包装协作方
func NewResilient(inner Collaborator, cfg ResilientConfig, fallback Fallback, m *metrics.Metrics) *Resilient {
	r := &Resilient{inner: inner, metrics: m, fallback: fallback}
	r.SetConfig(cfg)
	return r
}

// SetConfig 热更新超时与重试
func (r *Resilient) SetConfig(cfg ResilientConfig) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// SetFallback 热更新兜底内容
func (r *Resilient) SetFallback(f Fallback) {
	r.mu.Lock()
	r.fallback = f
	r.mu.Unlock()
}

func (r *Resilient) snapshot() (ResilientConfig, Fallback) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg, r.fallback
}

// call 执行op直到成功、重试耗尽或调用方取消
func (r *Resilient) call(ctx context.Context, name string, op func(ctx context.Context) error) error {
	cfg, _ := r.snapshot()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		err := op(callCtx)
		r.metrics.IncrementAICall(err == nil)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		logger.LogWarning("Collaborator", fmt.Sprintf("%s 第%d次调用失败: %v", name, attempt, err), "")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, cfg.MaxRetries), ctx))
}

func (r *Resilient) degraded(name string, err error) {
	r.metrics.IncrementAIFallback()
	logger.LogError("Collaborator", fmt.Sprintf("%s 不可用，使用脚本内容: %v", name, err), "")
}

// GenerateQuestions 失败时返回兜底题库
func (r *Resilient) GenerateQuestions(ctx context.Context, jobDescription, candidateContext string, count int) ([]string, error) {
	var questions []string
	err := r.call(ctx, "GenerateQuestions", func(ctx context.Context) error {
		out, err := r.inner.GenerateQuestions(ctx, jobDescription, candidateContext, count)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return ErrEmptyCompletion
		}
		questions = out
		return nil
	})
	if err == nil {
		return questions, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	r.degraded("GenerateQuestions", err)
	_, fb := r.snapshot()
	out := append([]string(nil), fb.Questions...)
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

// AnalyzeResponse 失败时返回空分析
func (r *Resilient) AnalyzeResponse(ctx context.Context, question, answer string) (string, error) {
	var analysis string
	err := r.call(ctx, "AnalyzeResponse", func(ctx context.Context) error {
		out, err := r.inner.AnalyzeResponse(ctx, question, answer)
		analysis = out
		return err
	})
	if err == nil {
		return analysis, nil
	}
	if errors.Is(err, context.Canceled) {
		return "", err
	}
	r.degraded("AnalyzeResponse", err)
	return "", nil
}

// GenerateFollowUp 失败时返回脚本追问
func (r *Resilient) GenerateFollowUp(ctx context.Context, question, answer string) (string, error) {
	var followUp string
	err := r.call(ctx, "GenerateFollowUp", func(ctx context.Context) error {
		out, err := r.inner.GenerateFollowUp(ctx, question, answer)
		if err != nil {
			return err
		}
		if strings.TrimSpace(out) == "" {
			return ErrEmptyCompletion
		}
		followUp = out
		return nil
	})
	if err == nil {
		return followUp, nil
	}
	if errors.Is(err, context.Canceled) {
		return "", err
	}
	r.degraded("GenerateFollowUp", err)
	_, fb := r.snapshot()
	return fb.FollowUp, nil
}

// Summarize 失败时返回对话摘录
func (r *Resilient) Summarize(ctx context.Context, transcript string) (string, error) {
	var summary string
	err := r.call(ctx, "Summarize", func(ctx context.Context) error {
		out, err := r.inner.Summarize(ctx, transcript)
		summary = out
		return err
	})
	if err == nil {
		return summary, nil
	}
	if errors.Is(err, context.Canceled) {
		return "", err
	}
	r.degraded("Summarize", err)
	return Digest(transcript), nil
}
