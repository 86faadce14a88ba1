package interview

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"GoAIInterviewer/internal/metrics"

	"github.com/google/uuid"
)

// Collaborator 引擎依赖的AI协作方
type Collaborator interface {
	GenerateQuestions(ctx context.Context, jobDescription, candidateContext string, count int) ([]string, error)
	AnalyzeResponse(ctx context.Context, question, answer string) (string, error)
	GenerateFollowUp(ctx context.Context, question, answer string) (string, error)
	Summarize(ctx context.Context, transcript string) (string, error)
}

// CompletionHook 会话进入COMPLETED后调用。forced表示不是经告别语正常结束
type CompletionHook func(sess *Session, forced bool)

// Engine 面试状态机，所有修改都在会话锁内完成
type Engine struct {
	store   *Store
	collab  Collaborator
	decider FollowUpDecider
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	scriptMu sync.RWMutex
	script   Script

	hooksMu sync.RWMutex
	hooks   []CompletionHook
}

// Option 引擎选项
type Option func(*Engine)

// WithDecider 替换追问决策器
func WithDecider(d FollowUpDecider) Option {
	return func(e *Engine) {
		if d != nil {
			e.decider = d
		}
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithScript 替换台词
func WithScript(s Script) Option {
	return func(e *Engine) {
		e.script = s.WithDefaults()
	}
}

// WithMetrics 挂载计数器
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithCompletionHook 注册完成回调
func WithCompletionHook(h CompletionHook) Option {
	return func(e *Engine) {
		if h != nil {
			e.hooks = append(e.hooks, h)
		}
	}
}

// WithIDGenerator 替换id生成
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// NewEngine 创建状态机
func NewEngine(store *Store, collab Collaborator, opts ...Option) *Engine {
	if store == nil {
		store = NewStore()
	}
	e := &Engine{
		store:   store,
		collab:  collab,
		decider: AnalysisDecider{Fallback: NewRandomDecider(0.5, 0)},
		now:     time.Now,
		newID:   uuid.NewString,
		script:  DefaultScript(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store 底层会话表
func (e *Engine) Store() *Store {
	return e.store
}

// Collaborator 引擎使用的AI协作方
func (e *Engine) Collaborator() Collaborator {
	return e.collab
}

// Script 当前台词
func (e *Engine) Script() Script {
	e.scriptMu.RLock()
	defer e.scriptMu.RUnlock()
	return e.script
}

// SetScript 热更新台词
func (e *Engine) SetScript(s Script) {
	e.scriptMu.Lock()
	e.script = s.WithDefaults()
	e.scriptMu.Unlock()
}

// OnComplete 追加完成回调
func (e *Engine) OnComplete(h CompletionHook) {
	if h == nil {
		return
	}
	e.hooksMu.Lock()
	e.hooks = append(e.hooks, h)
	e.hooksMu.Unlock()
}

func (e *Engine) fireCompleted(sess *Session, forced bool) {
	e.metrics.IncrementInterviewsCompleted()
	e.hooksMu.RLock()
	hooks := append([]CompletionHook(nil), e.hooks...)
	e.hooksMu.RUnlock()
	for _, h := range hooks {
		h(sess.Clone(), forced)
	}
}

// NewSessionParams 创建会话的参数
type NewSessionParams struct {
	RoomName       string
	CandidateID    string
	JobDescription string
	Questions      []Question
}

// CreateSession 以WAITING状态创建会话
func (e *Engine) CreateSession(room, candidateID string, questions []Question) (*Session, error) {
	return e.Create(NewSessionParams{RoomName: room, CandidateID: candidateID, Questions: questions})
}

// Create 创建会话，缺省的问题id与类型会被补齐
func (e *Engine) Create(p NewSessionParams) (*Session, error) {
	if strings.TrimSpace(p.RoomName) == "" {
		return nil, fmt.Errorf("%w: room name is required", ErrValidation)
	}
	if strings.TrimSpace(p.CandidateID) == "" {
		return nil, fmt.Errorf("%w: candidate id is required", ErrValidation)
	}

	questions := make([]Question, 0, len(p.Questions))
	for _, q := range p.Questions {
		if strings.TrimSpace(q.Text) == "" {
			continue
		}
		if q.ID == "" {
			q.ID = e.newID()
		}
		if q.Type == "" {
			q.Type = ClassifyQuestion(q.Text)
		}
		questions = append(questions, q)
	}

	sess := &Session{
		ID:             e.newID(),
		RoomName:       p.RoomName,
		CandidateID:    p.CandidateID,
		JobDescription: p.JobDescription,
		State:          StateWaiting,
		Questions:      questions,
		StartTime:      e.now(),
		Transcript:     []Exchange{},
		History:        []Transition{},
	}
	if err := e.store.Insert(sess); err != nil {
		return nil, err
	}
	e.metrics.IncrementInterviewsCreated()
	return sess.Clone(), nil
}

// GetSession 按id获取快照，不存在时返回ErrNotFound
func (e *Engine) GetSession(id string) (*Session, error) {
	return e.store.Get(id)
}

// GetSessionByRoom 按房间获取快照
func (e *Engine) GetSessionByRoom(room string) (*Session, bool) {
	return e.store.GetByRoom(room)
}

// SetState 按迁移图修改状态，进入COMPLETED时记录结束时间
func (e *Engine) SetState(id string, to State) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrValidation, to)
	}
	var completed *Session
	err := e.store.Update(id, func(sess *Session) error {
		if sess.State == to {
			return nil
		}
		if !CanTransition(sess.State, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.State, to)
		}
		now := e.stamp(sess)
		e.transition(sess, to, now)
		if to == StateCompleted {
			completed = sess.Clone()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if completed != nil {
		e.fireCompleted(completed, true)
	}
	return nil
}

// StartInterview WAITING -> INTRODUCTION，返回开场白
func (e *Engine) StartInterview(id string) (Reply, error) {
	var reply Reply
	err := e.store.Update(id, func(sess *Session) error {
		if sess.State != StateWaiting {
			return fmt.Errorf("%w: cannot start interview in state %s", ErrInvalidTransition, sess.State)
		}
		reply = e.introduce(sess, e.Script())
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	e.metrics.IncrementInterviewsStarted()
	return reply, nil
}

// ProcessResponse 处理候选人的一轮回答。
// 协作方调用都在修改会话之前完成，任何一步失败时会话保持原样。
func (e *Engine) ProcessResponse(ctx context.Context, id, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, fmt.Errorf("%w: empty candidate response", ErrValidation)
	}

	var (
		reply     Reply
		started   bool
		completed *Session
	)
	err := e.store.Update(id, func(sess *Session) error {
		if sess.State == StateCompleted {
			return fmt.Errorf("%w: interview %s is already completed", ErrInvalidTransition, sess.ID)
		}
		script := e.Script()

		prompt := e.promptFor(sess, script)
		analysis, err := e.collab.AnalyzeResponse(ctx, prompt, text)
		if err != nil {
			return fmt.Errorf("%w: analyze response: %w", ErrUpstreamFailure, err)
		}

		followUp := ""
		if sess.State == StateQuestioning {
			if current, ok := sess.CurrentQuestion(); ok {
				in := DecisionInput{InterviewID: sess.ID, Question: *current, Answer: text, Analysis: analysis}
				if e.decider.ShouldFollowUp(in) {
					generated, err := e.collab.GenerateFollowUp(ctx, current.Text, text)
					if err != nil {
						return fmt.Errorf("%w: generate follow-up: %w", ErrUpstreamFailure, err)
					}
					followUp = strings.TrimSpace(generated)
					if followUp == "" {
						followUp = script.FollowUpFallback
					}
				}
			}
		}

		e.recordAnswer(sess, text)
		e.metrics.IncrementCandidateTurns()

		switch sess.State {
		case StateIntroduction:
			if _, ok := sess.CurrentQuestion(); !ok {
				reply = e.conclude(sess, script)
				break
			}
			e.transition(sess, StateQuestioning, e.stamp(sess))
			reply = e.ask(sess)

		case StateQuestioning:
			if followUp != "" {
				reply = e.insertFollowUp(sess, followUp)
				break
			}
			reply = e.advance(sess, script)

		case StateFollowUp:
			reply = e.advance(sess, script)

		case StateConcluding:
			reply = e.finish(sess, script)
			completed = sess.Clone()

		default:
			reply = e.introduce(sess, script)
			started = true
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	if started {
		e.metrics.IncrementInterviewsStarted()
	}
	if completed != nil {
		e.fireCompleted(completed, false)
	}
	return reply, nil
}

// EndInterview 强制结束，经CONCLUDING进入COMPLETED。
// 已结束的会话直接返回快照，changed为false。
func (e *Engine) EndInterview(id string) (*Session, bool, error) {
	var (
		snapshot *Session
		changed  bool
	)
	err := e.store.Update(id, func(sess *Session) error {
		if sess.State != StateCompleted {
			now := e.stamp(sess)
			if canConclude(sess.State, StateConcluding) {
				e.transition(sess, StateConcluding, now)
			}
			e.transition(sess, StateCompleted, now)
			changed = true
		}
		snapshot = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		e.fireCompleted(snapshot, true)
	}
	return snapshot, changed, nil
}

// SetSummary 保存面试总结
func (e *Engine) SetSummary(id, summary string) error {
	return e.store.Update(id, func(sess *Session) error {
		sess.Summary = summary
		return nil
	})
}

// ListSessions 所有会话快照
func (e *Engine) ListSessions() []*Session {
	return e.store.List()
}

// promptFor 候选人此刻回答的是哪句话
func (e *Engine) promptFor(sess *Session, script Script) string {
	switch sess.State {
	case StateQuestioning, StateFollowUp:
		if q, ok := sess.CurrentQuestion(); ok {
			return q.Text
		}
		return script.Conclusion
	case StateConcluding:
		return script.Conclusion
	default:
		return script.Introduction
	}
}

// stamp 返回严格晚于最后一条记录的时间
func (e *Engine) stamp(sess *Session) time.Time {
	now := e.now()
	if n := len(sess.Transcript); n > 0 {
		if last := sess.Transcript[n-1].Timestamp; !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
	}
	return now
}

func (e *Engine) transition(sess *Session, to State, at time.Time) {
	if sess.State == to {
		return
	}
	sess.History = append(sess.History, Transition{From: sess.State, To: to, At: at})
	sess.State = to
	if to == StateCompleted {
		end := at
		sess.EndTime = &end
	}
}

func (e *Engine) appendExchange(sess *Session, speaker Speaker, text string) time.Time {
	at := e.stamp(sess)
	sess.Transcript = append(sess.Transcript, Exchange{Timestamp: at, Speaker: speaker, Text: text})
	return at
}

func (e *Engine) recordAnswer(sess *Session, text string) {
	at := e.appendExchange(sess, SpeakerCandidate, text)
	if sess.State != StateQuestioning && sess.State != StateFollowUp {
		return
	}
	if q, ok := sess.CurrentQuestion(); ok && q.AskedAt != nil && q.AnsweredAt == nil {
		answered := at
		q.AnsweredAt = &answered
	}
}

func (e *Engine) introduce(sess *Session, script Script) Reply {
	e.transition(sess, StateIntroduction, e.stamp(sess))
	e.appendExchange(sess, SpeakerAI, script.Introduction)
	return Reply{Text: script.Introduction, Type: ReplyIntroduction}
}

// ask 提出当前指针上的问题
func (e *Engine) ask(sess *Session) Reply {
	q, _ := sess.CurrentQuestion()
	at := e.appendExchange(sess, SpeakerAI, q.Text)
	if q.AskedAt == nil {
		asked := at
		q.AskedAt = &asked
	}
	e.metrics.IncrementQuestionsAsked()
	if q.Type == QuestionFollowUp {
		return Reply{Text: q.Text, Type: ReplyFollowUp}
	}
	return Reply{Text: q.Text, Type: ReplyQuestion}
}

// advance 指针后移，越界时进入CONCLUDING
func (e *Engine) advance(sess *Session, script Script) Reply {
	if sess.CurrentQuestionIndex < len(sess.Questions) {
		sess.CurrentQuestionIndex++
	}
	if sess.CurrentQuestionIndex >= len(sess.Questions) {
		return e.conclude(sess, script)
	}
	e.transition(sess, StateQuestioning, e.stamp(sess))
	return e.ask(sess)
}

// insertFollowUp 在当前问题之后插入追问并指向它
func (e *Engine) insertFollowUp(sess *Session, text string) Reply {
	current, _ := sess.CurrentQuestion()
	followUp := Question{
		ID:      e.newID(),
		Text:    text,
		Type:    QuestionFollowUp,
		Context: current.Text,
	}
	at := sess.CurrentQuestionIndex + 1
	sess.Questions = append(sess.Questions, Question{})
	copy(sess.Questions[at+1:], sess.Questions[at:])
	sess.Questions[at] = followUp
	sess.CurrentQuestionIndex = at

	e.transition(sess, StateFollowUp, e.stamp(sess))
	e.metrics.IncrementFollowUps()
	return e.ask(sess)
}

func (e *Engine) conclude(sess *Session, script Script) Reply {
	e.transition(sess, StateConcluding, e.stamp(sess))
	e.appendExchange(sess, SpeakerAI, script.Conclusion)
	return Reply{Text: script.Conclusion, Type: ReplyConclusion}
}

func (e *Engine) finish(sess *Session, script Script) Reply {
	e.appendExchange(sess, SpeakerAI, script.Farewell)
	e.transition(sess, StateCompleted, e.stamp(sess))
	return Reply{Text: script.Farewell, Type: ReplyFarewell}
}
