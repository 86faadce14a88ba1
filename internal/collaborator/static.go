package collaborator

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Static 脚本化协作方，本地开发和collaborator-stub使用
type Static struct {
	mu        sync.Mutex
	questions []string
	followUp  string
	next      int
}

// NewStatic 用固定题库创建
func NewStatic(questions []string, followUp string) *Static {
	return &Static{questions: append([]string(nil), questions...), followUp: followUp}
}

// GenerateQuestions 从题库轮转取题
func (s *Static) GenerateQuestions(ctx context.Context, jobDescription, candidateContext string, count int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.questions) == 0 {
		return nil, nil
	}
	if count <= 0 || count > len(s.questions) {
		count = len(s.questions)
	}
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, s.questions[(s.next+i)%len(s.questions)])
	}
	s.next = (s.next + count) % len(s.questions)
	return out, nil
}

// AnalyzeResponse 很短的回答建议追问
func (s *Static) AnalyzeResponse(ctx context.Context, question, answer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	words := len(strings.Fields(answer))
	verdict := "no"
	if words < 12 {
		verdict = "yes"
	}
	return fmt.Sprintf("Answer length: %d words.\nFOLLOW_UP: %s", words, verdict), nil
}

// GenerateFollowUp 返回固定追问
func (s *Static) GenerateFollowUp(ctx context.Context, question, answer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.followUp, nil
}

// Summarize 返回对话摘录
func (s *Static) Summarize(ctx context.Context, transcript string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return Digest(transcript), nil
}

// Digest 统计发言轮数并截取候选人最后一段回答
func Digest(transcript string) string {
	var aiTurns, candidateTurns int
	var lastAnswer string
	for _, line := range strings.Split(transcript, "\n") {
		switch {
		case strings.Contains(line, "] AI Interviewer: "):
			aiTurns++
		case strings.Contains(line, "] Candidate: "):
			candidateTurns++
			lastAnswer = line[strings.Index(line, "] Candidate: ")+len("] Candidate: "):]
		}
	}
	if len(lastAnswer) > 160 {
		lastAnswer = lastAnswer[:160] + "..."
	}
	summary := fmt.Sprintf("Interview with %d interviewer turns and %d candidate answers.", aiTurns, candidateTurns)
	if lastAnswer != "" {
		summary += fmt.Sprintf(" Last answer: %q", lastAnswer)
	}
	return summary
}
