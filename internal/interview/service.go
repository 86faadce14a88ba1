package interview

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"GoAIInterviewer/internal/logger"

	"github.com/google/uuid"
)

// RoomConnector 为房间建立面试官连接
type RoomConnector interface {
	Open(ctx context.Context, room, interviewID string) error
}

// InitiateRequest 发起面试的请求
type InitiateRequest struct {
	JobDescription string `json:"jobDescription"`
	CandidateID    string `json:"candidateId"`
	CandidateName  string `json:"candidateName,omitempty"`
	RoomName       string `json:"roomName,omitempty"`
	QuestionCount  int    `json:"questionCount,omitempty"`
}

// Service 面试发起与总结，组合引擎、协作方和房间连接
type Service struct {
	engine        *Engine
	connector     RoomConnector
	questionCount atomic.Int64
}

// NewService 创建服务，connector可以为nil
func NewService(engine *Engine, connector RoomConnector, questionCount int) *Service {
	s := &Service{engine: engine, connector: connector}
	s.SetQuestionCount(questionCount)
	return s
}

// Engine 底层状态机
func (s *Service) Engine() *Engine {
	return s.engine
}

// SetQuestionCount 调整默认问题数
func (s *Service) SetQuestionCount(n int) {
	if n <= 0 {
		n = 5
	}
	s.questionCount.Store(int64(n))
}

// Initiate 生成问题、创建会话，并为房间打开面试官连接
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Session, error) {
	req.JobDescription = strings.TrimSpace(req.JobDescription)
	req.CandidateID = strings.TrimSpace(req.CandidateID)
	if req.JobDescription == "" {
		return nil, fmt.Errorf("%w: job description is required", ErrValidation)
	}
	if req.CandidateID == "" {
		return nil, fmt.Errorf("%w: candidate id is required", ErrValidation)
	}

	count := req.QuestionCount
	if count <= 0 {
		count = int(s.questionCount.Load())
	}
	room := strings.TrimSpace(req.RoomName)
	if room == "" {
		room = "interview-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if existing, ok := s.engine.GetSessionByRoom(room); ok && !existing.IsCompleted() {
		return nil, fmt.Errorf("%w: room %s is hosting interview %s", ErrSessionExists, room, existing.ID)
	}

	texts, err := s.engine.collab.GenerateQuestions(ctx, req.JobDescription, candidateContext(req), count)
	if err != nil {
		return nil, fmt.Errorf("%w: generate questions: %w", ErrUpstreamFailure, err)
	}

	questions := make([]Question, 0, len(texts))
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		questions = append(questions, Question{Text: text, Type: ClassifyQuestion(text)})
		if len(questions) == count {
			break
		}
	}

	sess, err := s.engine.Create(NewSessionParams{
		RoomName:       room,
		CandidateID:    req.CandidateID,
		JobDescription: req.JobDescription,
		Questions:      questions,
	})
	if err != nil {
		return nil, err
	}
	logger.LogSuccess("Interview", fmt.Sprintf("面试已创建，房间 %s，问题数 %d", room, len(questions)), sess.ID)

	if s.connector != nil {
		if err := s.connector.Open(ctx, room, sess.ID); err != nil {
			// 会话保留，可以通过 /bridge 重新连接
			logger.LogWarning("Interview", fmt.Sprintf("面试官连接房间 %s 失败: %v", room, err), sess.ID)
		}
	}
	return sess, nil
}

func candidateContext(req InitiateRequest) string {
	if req.CandidateName == "" {
		return fmt.Sprintf("Candidate ID: %s", req.CandidateID)
	}
	return fmt.Sprintf("Candidate: %s (ID: %s)", req.CandidateName, req.CandidateID)
}

// Summarize 为面试生成总结并保存到会话
func (s *Service) Summarize(ctx context.Context, id string) (string, error) {
	sess, err := s.engine.GetSession(id)
	if err != nil {
		return "", err
	}
	if len(sess.Transcript) == 0 {
		return "", fmt.Errorf("%w: interview %s has no transcript yet", ErrValidation, id)
	}
	summary, err := s.engine.collab.Summarize(ctx, sess.RenderTranscript())
	if err != nil {
		return "", fmt.Errorf("%w: summarize: %w", ErrUpstreamFailure, err)
	}
	summary = strings.TrimSpace(summary)
	if err := s.engine.SetSummary(id, summary); err != nil {
		return "", err
	}
	return summary, nil
}
