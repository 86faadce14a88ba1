package interview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"GoAIInterviewer/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollaborator struct {
	mu          sync.Mutex
	analyzeErr  error
	followUpErr error
	analysis    string
	followUp    string
	questions   []string
	summary     string
	analyzed    []string
	delay       time.Duration
}

func (f *fakeCollaborator) GenerateQuestions(ctx context.Context, jobDescription, candidateContext string, count int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.questions) > count {
		return f.questions[:count], nil
	}
	return f.questions, nil
}

func (f *fakeCollaborator) AnalyzeResponse(ctx context.Context, question, answer string) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzed = append(f.analyzed, question)
	if f.analyzeErr != nil {
		return "", f.analyzeErr
	}
	return f.analysis, nil
}

func (f *fakeCollaborator) GenerateFollowUp(ctx context.Context, question, answer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.followUpErr != nil {
		return "", f.followUpErr
	}
	if f.followUp != "" {
		return f.followUp, nil
	}
	return "Can you elaborate on: " + question, nil
}

func (f *fakeCollaborator) Summarize(ctx context.Context, transcript string) (string, error) {
	return f.summary, nil
}

// stepClock 每次调用前进一秒
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestEngine(t *testing.T, collab Collaborator, decider FollowUpDecider, opts ...Option) *Engine {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	base := []Option{WithDecider(decider), WithClock(clock.Now)}
	return NewEngine(NewStore(), collab, append(base, opts...)...)
}

func twoQuestions() []Question {
	return []Question{
		{Text: "Q1: describe your last project", Type: QuestionOpen},
		{Text: "Q2: how do you design a cache?", Type: QuestionTechnical},
	}
}

func assertInvariants(t *testing.T, sess *Session) {
	t.Helper()
	assert.GreaterOrEqual(t, sess.CurrentQuestionIndex, 0)
	assert.LessOrEqual(t, sess.CurrentQuestionIndex, len(sess.Questions))
	for i := 1; i < len(sess.Transcript); i++ {
		assert.True(t, sess.Transcript[i].Timestamp.After(sess.Transcript[i-1].Timestamp),
			"transcript entry %d is not after entry %d", i, i-1)
	}
	for _, tr := range sess.History {
		assert.True(t, CanTransition(tr.From, tr.To) || canConclude(tr.From, tr.To), "illegal transition %s -> %s", tr.From, tr.To)
	}
}

func TestCreateSession(t *testing.T) {
	engine := newTestEngine(t, &fakeCollaborator{}, Always(false))

	sess, err := engine.CreateSession("room-1", "cand-1", twoQuestions())
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StateWaiting, sess.State)
	assert.Equal(t, 0, sess.CurrentQuestionIndex)
	require.Len(t, sess.Questions, 2)
	assert.NotEmpty(t, sess.Questions[0].ID)
	assert.Empty(t, sess.Transcript)

	got, ok := engine.GetSessionByRoom("room-1")
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)

	_, err = engine.CreateSession("room-1", "cand-2", nil)
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = engine.CreateSession("", "cand-2", nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = engine.CreateSession("room-2", " ", nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetSessionNotFound(t *testing.T) {
	engine := newTestEngine(t, &fakeCollaborator{}, Always(false))

	_, err := engine.GetSession("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := engine.GetSessionByRoom("missing")
	assert.False(t, ok)

	_, err = engine.ProcessResponse(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = engine.StartInterview("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = engine.EndInterview("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInterviewScenarios(t *testing.T) {
	script := DefaultScript()
	decisions := []bool{true}
	var calls int
	decider := DeciderFunc(func(DecisionInput) bool {
		defer func() { calls++ }()
		if calls < len(decisions) {
			return decisions[calls]
		}
		return false
	})
	engine := newTestEngine(t, &fakeCollaborator{followUp: "Which part was hardest?"}, decider)
	ctx := context.Background()

	sess, err := engine.CreateSession("room-a", "cand-a", twoQuestions())
	require.NoError(t, err)
	id := sess.ID

	// Scenario A
	reply, err := engine.StartInterview(id)
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: script.Introduction, Type: ReplyIntroduction}, reply)
	sess, _ = engine.GetSession(id)
	assert.Equal(t, StateIntroduction, sess.State)
	require.Len(t, sess.Transcript, 1)
	assert.Equal(t, SpeakerAI, sess.Transcript[0].Speaker)

	// Scenario B
	reply, err = engine.ProcessResponse(ctx, id, "I am a developer")
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "Q1: describe your last project", Type: ReplyQuestion}, reply)
	sess, _ = engine.GetSession(id)
	assert.Equal(t, StateQuestioning, sess.State)
	assert.NotNil(t, sess.Questions[0].AskedAt)
	require.Len(t, sess.Transcript, 3)
	assert.Equal(t, SpeakerCandidate, sess.Transcript[1].Speaker)
	assert.Equal(t, SpeakerAI, sess.Transcript[2].Speaker)

	// Scenario C
	reply, err = engine.ProcessResponse(ctx, id, "answer1")
	require.NoError(t, err)
	assert.Equal(t, ReplyFollowUp, reply.Type)
	assert.Equal(t, "Which part was hardest?", reply.Text)
	sess, _ = engine.GetSession(id)
	require.Len(t, sess.Questions, 3)
	assert.Equal(t, 1, sess.CurrentQuestionIndex)
	assert.Equal(t, StateFollowUp, sess.State)
	assert.Equal(t, QuestionFollowUp, sess.Questions[1].Type)
	assert.Equal(t, "Q1: describe your last project", sess.Questions[1].Context)
	assert.NotNil(t, sess.Questions[0].AnsweredAt)

	// Scenario D
	reply, err = engine.ProcessResponse(ctx, id, "answer2")
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "Q2: how do you design a cache?", Type: ReplyQuestion}, reply)
	sess, _ = engine.GetSession(id)
	assert.Equal(t, 2, sess.CurrentQuestionIndex)
	assert.Equal(t, StateQuestioning, sess.State)
	assert.NotNil(t, sess.Questions[1].AnsweredAt)

	// Scenario E
	reply, err = engine.ProcessResponse(ctx, id, "answer3")
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: script.Conclusion, Type: ReplyConclusion}, reply)
	sess, _ = engine.GetSession(id)
	assert.Equal(t, StateConcluding, sess.State)
	assert.Equal(t, len(sess.Questions), sess.CurrentQuestionIndex)

	// Scenario F
	reply, err = engine.ProcessResponse(ctx, id, "no questions, thanks")
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: script.Farewell, Type: ReplyFarewell}, reply)
	sess, _ = engine.GetSession(id)
	assert.Equal(t, StateCompleted, sess.State)
	require.NotNil(t, sess.EndTime)
	assert.True(t, sess.IsCompleted())

	assertInvariants(t, sess)
	assert.Equal(t, []State{StateIntroduction, StateQuestioning, StateFollowUp, StateQuestioning, StateConcluding, StateCompleted},
		historyTargets(sess))
}

func historyTargets(sess *Session) []State {
	out := make([]State, 0, len(sess.History))
	for _, tr := range sess.History {
		out = append(out, tr.To)
	}
	return out
}

func TestFollowUpIsAnsweredBeforeOriginalNext(t *testing.T) {
	// 每道原始问题都追问一次
	decider := DeciderFunc(func(in DecisionInput) bool { return in.Question.Type != QuestionFollowUp })
	engine := newTestEngine(t, &fakeCollaborator{}, decider)
	ctx := context.Background()

	questions := []Question{{Text: "A?"}, {Text: "B?"}, {Text: "C?"}}
	sess, err := engine.CreateSession("room-order", "cand", questions)
	require.NoError(t, err)
	_, err = engine.StartInterview(sess.ID)
	require.NoError(t, err)

	var asked []string
	for i := 0; i < 10; i++ {
		reply, err := engine.ProcessResponse(ctx, sess.ID, fmt.Sprintf("answer %d", i))
		require.NoError(t, err)
		if reply.Type == ReplyConclusion {
			break
		}
		asked = append(asked, reply.Text)
		snap, _ := engine.GetSession(sess.ID)
		assertInvariants(t, snap)
	}

	assert.Equal(t, []string{
		"A?", "Can you elaborate on: A?",
		"B?", "Can you elaborate on: B?",
		"C?", "Can you elaborate on: C?",
	}, asked)

	snap, _ := engine.GetSession(sess.ID)
	assert.Equal(t, StateConcluding, snap.State)
	assert.Len(t, snap.Questions, 6)
	for _, q := range snap.Questions {
		assert.NotNil(t, q.AskedAt)
		assert.NotNil(t, q.AnsweredAt)
	}
}

func TestProcessResponseFromWaitingIntroduces(t *testing.T) {
	engine := newTestEngine(t, &fakeCollaborator{}, Always(false))
	sess, err := engine.CreateSession("room-w", "cand", twoQuestions())
	require.NoError(t, err)

	reply, err := engine.ProcessResponse(context.Background(), sess.ID, "hello?")
	require.NoError(t, err)
	assert.Equal(t, ReplyIntroduction, reply.Type)

	snap, _ := engine.GetSession(sess.ID)
	assert.Equal(t, StateIntroduction, snap.State)
	assert.Len(t, snap.Transcript, 2)
}

func TestIntroductionWithoutQuestionsConcludes(t *testing.T) {
	engine := newTestEngine(t, &fakeCollaborator{}, Always(false))
	sess, err := engine.CreateSession("room-empty", "cand", nil)
	require.NoError(t, err)
	_, err = engine.StartInterview(sess.ID)
	require.NoError(t, err)

	reply, err := engine.ProcessResponse(context.Background(), sess.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, ReplyConclusion, reply.Type)

	snap, _ := engine.GetSession(sess.ID)
	assert.Equal(t, StateConcluding, snap.State)
	assert.Equal(t, 0, snap.CurrentQuestionIndex)
}

func TestStartInterviewOnlyFromWaiting(t *testing.T) {
	engine := newTestEngine(t, &fakeCollaborator{}, Always(false))
	sess, err := engine.CreateSession("room-s", "cand", twoQuestions())
	require.NoError(t, err)

	_, err = engine.StartInterview(sess.ID)
	require.NoError(t, err)
	_, err = engine.StartInterview(sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	snap, _ := engine.GetSession(sess.ID)
	assert.Len(t, snap.Transcript, 1)
}

func TestUpstreamFailureLeavesSessionUntouched(t *testing.T) {
	boom := errors.New("model unavailable")
	tests := []struct {
		name   string
		collab *fakeCollaborator
		follow bool
	}{
		{name: "analysis fails", collab: &fakeCollaborator{analyzeErr: boom}},
		{name: "follow-up fails", collab: &fakeCollaborator{followUpErr: boom}, follow: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, tt.collab, Always(tt.follow))
			sess, err := engine.CreateSession("room-up", "cand", twoQuestions())
			require.NoError(t, err)
			require.NoError(t, engine.SetState(sess.ID, StateIntroduction))
			require.NoError(t, engine.SetState(sess.ID, StateQuestioning))
			before, _ := engine.GetSession(sess.ID)

			_, err = engine.ProcessResponse(context.Background(), sess.ID, "my answer")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUpstreamFailure)
			assert.ErrorIs(t, err, boom)

			after, _ := engine.GetSession(sess.ID)
			assert.Equal(t, before, after)
		})
	}
}

func TestProcessResponseValidation(t *testing.T) {
	engine := newTestEngine(t, &fakeCollaborator{}, Always(false))
	sess, err := engine.CreateSession("room-v", "cand", twoQuestions())
	require.NoError(t, err)

	_, err = engine.ProcessResponse(context.Background(), sess.ID, "   ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTerminalOperationsAreIdempotent(t *testing.T) {
	var hookCalls atomic.Int32
	engine := newTestEngine(t, &fakeCollaborator{}, Always(false),
		WithCompletionHook(func(_ *Session, forced bool) {
			assert.True(t, forced)
			hookCalls.Add(1)
		}))
	sess, err := engine.CreateSession("room-i", "cand", twoQuestions())
	require.NoError(t, err)
	_, err = engine.StartInterview(sess.ID)
	require.NoError(t, err)

	snap, changed, err := engine.EndInterview(sess.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.EndTime)
	assert.Equal(t, []State{StateIntroduction, StateConcluding, StateCompleted}, historyTargets(snap))
	transcriptLen := len(snap.Transcript)

	again, changed, err := engine.EndInterview(sess.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, snap.EndTime, again.EndTime)

	_, err = engine.ProcessResponse(context.Background(), sess.ID, "anyone there?")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	final, _ := engine.GetSession(sess.ID)
	assert.Len(t, final.Transcript, transcriptLen)
	assert.Equal(t, int32(1), hookCalls.Load())
}

func TestSetStateFollowsGraph(t *testing.T) {
	tests := []struct {
		name    string
		path    []State
		wantErr error
	}{
		{name: "happy path", path: []State{StateIntroduction, StateQuestioning, StateFollowUp, StateQuestioning, StateConcluding, StateCompleted}},
		{name: "skip to completed", path: []State{StateCompleted}, wantErr: ErrInvalidTransition},
		{name: "questioning to completed", path: []State{StateIntroduction, StateQuestioning, StateCompleted}, wantErr: ErrInvalidTransition},
		{name: "back to waiting", path: []State{StateIntroduction, StateWaiting}, wantErr: ErrInvalidTransition},
		{name: "waiting to concluding", path: []State{StateConcluding}, wantErr: ErrInvalidTransition},
		{name: "introduction to concluding", path: []State{StateIntroduction, StateConcluding}, wantErr: ErrInvalidTransition},
		{name: "unknown state", path: []State{"PAUSED"}, wantErr: ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, &fakeCollaborator{}, Always(false))
			sess, err := engine.CreateSession("room-g", "cand", twoQuestions())
			require.NoError(t, err)

			var last error
			for _, st := range tt.path {
				if last = engine.SetState(sess.ID, st); last != nil {
					break
				}
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, last, tt.wantErr)
				return
			}
			require.NoError(t, last)
			snap, _ := engine.GetSession(sess.ID)
			assert.Equal(t, StateCompleted, snap.State)
			assert.NotNil(t, snap.EndTime)
		})
	}
}

func TestTranscriptTimestampsStrictlyIncrease(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	engine := NewEngine(NewStore(), &fakeCollaborator{}, WithDecider(Always(false)),
		WithClock(func() time.Time { return fixed }))

	sess, err := engine.CreateSession("room-t", "cand", twoQuestions())
	require.NoError(t, err)
	_, err = engine.StartInterview(sess.ID)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = engine.ProcessResponse(context.Background(), sess.ID, "answer")
		require.NoError(t, err)
	}

	snap, _ := engine.GetSession(sess.ID)
	require.Len(t, snap.Transcript, 9)
	assertInvariants(t, snap)
}

func TestConcurrentResponsesAreSerialized(t *testing.T) {
	collab := &fakeCollaborator{delay: 5 * time.Millisecond}
	m := metrics.NewMetrics()
	engine := newTestEngine(t, collab, NewRandomDecider(0.5, 42), WithMetrics(m))

	questions := make([]Question, 20)
	for i := range questions {
		questions[i] = Question{Text: fmt.Sprintf("Question %d?", i)}
	}
	sess, err := engine.CreateSession("room-c", "cand", questions)
	require.NoError(t, err)
	_, err = engine.StartInterview(sess.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.ProcessResponse(context.Background(), sess.ID, fmt.Sprintf("turn %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, _ := engine.GetSession(sess.ID)
	assertInvariants(t, snap)
	// 每轮恰好一条候选人记录和一条面试官记录
	assert.Len(t, snap.Transcript, 1+16*2)
	for i := 1; i < len(snap.Transcript); i += 2 {
		assert.Equal(t, SpeakerCandidate, snap.Transcript[i].Speaker)
		assert.Equal(t, SpeakerAI, snap.Transcript[i+1].Speaker)
	}
	assert.Equal(t, int64(16), m.GetSnapshot().CandidateTurns)
}

func TestAnalysisDrivesDecision(t *testing.T) {
	collab := &fakeCollaborator{analysis: "Solid answer but shallow.\nFOLLOW_UP: yes"}
	engine := newTestEngine(t, collab, AnalysisDecider{Fallback: Always(false)})
	sess, err := engine.CreateSession("room-ad", "cand", twoQuestions())
	require.NoError(t, err)
	require.NoError(t, engine.SetState(sess.ID, StateIntroduction))
	require.NoError(t, engine.SetState(sess.ID, StateQuestioning))

	reply, err := engine.ProcessResponse(context.Background(), sess.ID, "answer")
	require.NoError(t, err)
	assert.Equal(t, ReplyFollowUp, reply.Type)
	assert.Equal(t, []string{"Q1: describe your last project"}, collab.analyzed)
}

func TestEmptyFollowUpUsesScriptedLine(t *testing.T) {
	collab := &fakeCollaborator{followUp: "   "}
	engine := newTestEngine(t, collab, Always(true))
	sess, err := engine.CreateSession("room-ef", "cand", twoQuestions())
	require.NoError(t, err)
	require.NoError(t, engine.SetState(sess.ID, StateIntroduction))
	require.NoError(t, engine.SetState(sess.ID, StateQuestioning))

	reply, err := engine.ProcessResponse(context.Background(), sess.ID, "answer")
	require.NoError(t, err)
	assert.Equal(t, DefaultScript().FollowUpFallback, reply.Text)
}
