package collaborator

import (
	"context"
	"regexp"
	"strings"
)

// Collaborator 出题、分析、追问和总结的AI服务
type Collaborator interface {
	GenerateQuestions(ctx context.Context, jobDescription, candidateContext string, count int) ([]string, error)
	AnalyzeResponse(ctx context.Context, question, answer string) (string, error)
	GenerateFollowUp(ctx context.Context, question, answer string) (string, error)
	Summarize(ctx context.Context, transcript string) (string, error)
}

var listMarker = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s*`)

// ParseQuestionList 把模型返回的编号列表拆成问题，跳过空行和标题行
func ParseQuestionList(text string, limit int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		hadMarker := listMarker.MatchString(line)
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		line = strings.Trim(line, `"`)
		if line == "" {
			continue
		}
		// 没有编号又以冒号结尾的是标题
		if !hadMarker && strings.HasSuffix(line, ":") {
			continue
		}
		out = append(out, line)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
