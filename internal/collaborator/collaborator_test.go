package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"GoAIInterviewer/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuestionList(t *testing.T) {
	text := `Here are your questions:
1. What is your experience with Go?
2) How do you test concurrent code?

- "Tell me about a time you missed a deadline."
• Why this team?`

	got := ParseQuestionList(text, 0)
	assert.Equal(t, []string{
		"What is your experience with Go?",
		"How do you test concurrent code?",
		"Tell me about a time you missed a deadline.",
		"Why this team?",
	}, got)

	assert.Len(t, ParseQuestionList(text, 2), 2)
	assert.Empty(t, ParseQuestionList("\n\n", 3))
}

func TestStaticRotatesQuestions(t *testing.T) {
	s := NewStatic([]string{"a", "b", "c"}, "more?")
	ctx := context.Background()

	first, err := s.GenerateQuestions(ctx, "jd", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, first)

	second, err := s.GenerateQuestions(ctx, "jd", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, second)

	all, err := s.GenerateQuestions(ctx, "jd", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	analysis, err := s.AnalyzeResponse(ctx, "q", "short")
	require.NoError(t, err)
	assert.Contains(t, analysis, "FOLLOW_UP: yes")

	followUp, err := s.GenerateFollowUp(ctx, "q", "a")
	require.NoError(t, err)
	assert.Equal(t, "more?", followUp)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Summarize(cancelled, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDigest(t *testing.T) {
	transcript := "[2024-01-01T00:00:00Z] AI Interviewer: Hello\n" +
		"[2024-01-01T00:00:01Z] Candidate: Hi there\n" +
		"[2024-01-01T00:00:02Z] AI Interviewer: Q1\n" +
		"[2024-01-01T00:00:03Z] Candidate: I built a cache\n"

	got := Digest(transcript)
	assert.Contains(t, got, "2 interviewer turns and 2 candidate answers")
	assert.Contains(t, got, `"I built a cache"`)
}

type flakyCollaborator struct {
	failures atomic.Int32
	calls    atomic.Int32
	hang     bool
}

func (f *flakyCollaborator) fail(ctx context.Context) error {
	f.calls.Add(1)
	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.failures.Add(-1) >= 0 {
		return errors.New("temporarily unavailable")
	}
	return nil
}

func (f *flakyCollaborator) GenerateQuestions(ctx context.Context, jd, extra string, count int) ([]string, error) {
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	return []string{"live question"}, nil
}

func (f *flakyCollaborator) AnalyzeResponse(ctx context.Context, q, a string) (string, error) {
	if err := f.fail(ctx); err != nil {
		return "", err
	}
	return "FOLLOW_UP: no", nil
}

func (f *flakyCollaborator) GenerateFollowUp(ctx context.Context, q, a string) (string, error) {
	if err := f.fail(ctx); err != nil {
		return "", err
	}
	return "live follow-up", nil
}

func (f *flakyCollaborator) Summarize(ctx context.Context, transcript string) (string, error) {
	if err := f.fail(ctx); err != nil {
		return "", err
	}
	return "live summary", nil
}

func fastConfig(retries uint64) ResilientConfig {
	return ResilientConfig{
		Timeout:         50 * time.Millisecond,
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestResilientRetriesThenSucceeds(t *testing.T) {
	inner := &flakyCollaborator{}
	inner.failures.Store(2)
	m := metrics.NewMetrics()
	r := NewResilient(inner, fastConfig(3), Fallback{}, m)

	got, err := r.AnalyzeResponse(context.Background(), "q", "a")
	require.NoError(t, err)
	assert.Equal(t, "FOLLOW_UP: no", got)
	assert.Equal(t, int32(3), inner.calls.Load())

	snap := m.GetSnapshot()
	assert.Equal(t, int64(3), snap.AICallsTotal)
	assert.Equal(t, int64(2), snap.AICallsFailed)
	assert.Equal(t, int64(0), snap.AIFallbacks)
}

func TestResilientFallsBack(t *testing.T) {
	inner := &flakyCollaborator{}
	inner.failures.Store(100)
	m := metrics.NewMetrics()
	fb := Fallback{Questions: []string{"f1", "f2", "f3"}, FollowUp: "scripted follow-up"}
	r := NewResilient(inner, fastConfig(1), fb, m)
	ctx := context.Background()

	questions, err := r.GenerateQuestions(ctx, "jd", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, questions)

	analysis, err := r.AnalyzeResponse(ctx, "q", "a")
	require.NoError(t, err)
	assert.Empty(t, analysis)

	followUp, err := r.GenerateFollowUp(ctx, "q", "a")
	require.NoError(t, err)
	assert.Equal(t, "scripted follow-up", followUp)

	summary, err := r.Summarize(ctx, "[t] Candidate: hello\n")
	require.NoError(t, err)
	assert.Contains(t, summary, "1 candidate answers")

	assert.Equal(t, int64(4), m.GetSnapshot().AIFallbacks)
	// 每个方法: 首次调用 + 1次重试
	assert.Equal(t, int32(8), inner.calls.Load())
}

func TestResilientTimesOutHangingCalls(t *testing.T) {
	inner := &flakyCollaborator{hang: true}
	r := NewResilient(inner, fastConfig(0), Fallback{FollowUp: "scripted"}, nil)

	start := time.Now()
	got, err := r.GenerateFollowUp(context.Background(), "q", "a")
	require.NoError(t, err)
	assert.Equal(t, "scripted", got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResilientPropagatesCancellation(t *testing.T) {
	inner := &flakyCollaborator{hang: true}
	r := NewResilient(inner, ResilientConfig{Timeout: time.Minute}, Fallback{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.AnalyzeResponse(ctx, "q", "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAICollaborator(t *testing.T) {
	var lastBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))

		content := "1. First question?\n2. Second question?"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "test-model",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": content},
			}},
		})
	}))
	defer srv.Close()

	_, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL})
	require.Error(t, err)

	client, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test-key", Model: "test-model", Timeout: 5 * time.Second})
	require.NoError(t, err)

	questions, err := client.GenerateQuestions(context.Background(), "Go developer", "Candidate: Sam", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"First question?", "Second question?"}, questions)
	assert.Equal(t, "test-model", lastBody["model"])

	messages, ok := lastBody["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
}
