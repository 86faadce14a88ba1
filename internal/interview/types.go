package interview

import (
	"fmt"
	"strings"
	"time"
)

// State 面试会话状态
type State string

const (
	StateWaiting      State = "WAITING"
	StateIntroduction State = "INTRODUCTION"
	StateQuestioning  State = "QUESTIONING"
	StateFollowUp     State = "FOLLOW_UP"
	StateConcluding   State = "CONCLUDING"
	StateCompleted    State = "COMPLETED"
)

func (s State) String() string {
	return string(s)
}

// IsValid 是否为已知状态
func (s State) IsValid() bool {
	switch s {
	case StateWaiting, StateIntroduction, StateQuestioning, StateFollowUp, StateConcluding, StateCompleted:
		return true
	default:
		return false
	}
}

// transitions 合法的状态迁移图
var transitions = map[State][]State{
	StateWaiting:      {StateIntroduction},
	StateIntroduction: {StateQuestioning},
	StateQuestioning:  {StateFollowUp, StateConcluding},
	StateFollowUp:     {StateQuestioning, StateConcluding},
	StateConcluding:   {StateCompleted},
}

// CanTransition 判断 from -> to 是否在迁移图中
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// canConclude 引擎内部的提前收尾：强制结束或没有问题时，WAITING和INTRODUCTION也可以直接进入CONCLUDING。
// SetState不接受这两条边。
func canConclude(from, to State) bool {
	if to != StateConcluding {
		return false
	}
	return from == StateWaiting || from == StateIntroduction || CanTransition(from, to)
}

// QuestionType 问题类型
type QuestionType string

const (
	QuestionOpen       QuestionType = "open"
	QuestionTechnical  QuestionType = "technical"
	QuestionBehavioral QuestionType = "behavioral"
	QuestionFollowUp   QuestionType = "follow_up"
)

// Speaker 发言方
type Speaker string

const (
	SpeakerAI        Speaker = "ai"
	SpeakerCandidate Speaker = "candidate"
)

// ReplyType 面试官回复类型，也是hub事件中的messageType
type ReplyType string

const (
	ReplyIntroduction ReplyType = "introduction"
	ReplyQuestion     ReplyType = "question"
	ReplyFollowUp     ReplyType = "follow_up"
	ReplyConclusion   ReplyType = "conclusion"
	ReplyFarewell     ReplyType = "farewell"
)

// Question 面试问题
type Question struct {
	ID         string       `json:"id"`
	Text       string       `json:"text"`
	Type       QuestionType `json:"type"`
	Context    string       `json:"context,omitempty"`
	AskedAt    *time.Time   `json:"askedAt,omitempty"`
	AnsweredAt *time.Time   `json:"answeredAt,omitempty"`
}

// Exchange 一条对话记录
type Exchange struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	AudioRef  string    `json:"audioRef,omitempty"`
}

// Transition 状态迁移记录
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Session 一次候选人面试
type Session struct {
	ID                   string       `json:"id"`
	RoomName             string       `json:"roomName"`
	CandidateID          string       `json:"candidateId"`
	JobDescription       string       `json:"jobDescription,omitempty"`
	State                State        `json:"state"`
	Questions            []Question   `json:"questions"`
	CurrentQuestionIndex int          `json:"currentQuestionIndex"`
	StartTime            time.Time    `json:"startTime"`
	EndTime              *time.Time   `json:"endTime,omitempty"`
	Transcript           []Exchange   `json:"transcript"`
	History              []Transition `json:"history"`
	Summary              string       `json:"summary,omitempty"`
}

// Reply 状态机对一轮输入的输出
type Reply struct {
	Text string    `json:"text"`
	Type ReplyType `json:"type"`
}

// CurrentQuestion 返回当前指针指向的问题
func (s *Session) CurrentQuestion() (*Question, bool) {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.Questions) {
		return nil, false
	}
	return &s.Questions[s.CurrentQuestionIndex], true
}

// IsCompleted 是否已结束
func (s *Session) IsCompleted() bool {
	return s.State == StateCompleted
}

// Clone 深拷贝，调用方可以在锁外安全读取
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Questions = make([]Question, len(s.Questions))
	for i, q := range s.Questions {
		out.Questions[i] = q
		out.Questions[i].AskedAt = cloneTime(q.AskedAt)
		out.Questions[i].AnsweredAt = cloneTime(q.AnsweredAt)
	}
	out.Transcript = append([]Exchange(nil), s.Transcript...)
	out.History = append([]Transition(nil), s.History...)
	out.EndTime = cloneTime(s.EndTime)
	return &out
}

// RenderTranscript 把对话记录渲染成纯文本，供摘要使用
func (s *Session) RenderTranscript() string {
	var b strings.Builder
	for _, ex := range s.Transcript {
		who := "Candidate"
		if ex.Speaker == SpeakerAI {
			who = "AI Interviewer"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", ex.Timestamp.UTC().Format(time.RFC3339), who, ex.Text)
	}
	return b.String()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ClassifyQuestion 根据问题文本粗略判断类型
func ClassifyQuestion(text string) QuestionType {
	lower := strings.ToLower(text)
	for _, marker := range behavioralMarkers {
		if strings.Contains(lower, marker) {
			return QuestionBehavioral
		}
	}
	for _, marker := range technicalMarkers {
		if strings.Contains(lower, marker) {
			return QuestionTechnical
		}
	}
	return QuestionOpen
}

var behavioralMarkers = []string{
	"tell me about a time",
	"describe a situation",
	"give an example",
	"how did you handle",
	"conflict",
	"disagree",
}

var technicalMarkers = []string{
	"algorithm",
	"architecture",
	"code",
	"complexity",
	"database",
	"debug",
	"design",
	"implement",
	"scal",
	"system",
}
