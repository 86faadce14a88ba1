package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"GoAIInterviewer/internal/interview"
)

// LoadScript 读取面试台词文件，缺省字段使用内置台词。path为空时直接返回内置台词
func LoadScript(path string) (interview.Script, error) {
	if path == "" {
		return interview.DefaultScript(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return interview.Script{}, fmt.Errorf("读取台词文件失败: %w", err)
	}
	return ParseScript(raw)
}

// ParseScript 解析YAML台词，未知字段视为错误
func ParseScript(raw []byte) (interview.Script, error) {
	var s interview.Script
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return interview.Script{}, fmt.Errorf("解析台词失败: %w", err)
	}

	s.Introduction = strings.TrimSpace(s.Introduction)
	s.Conclusion = strings.TrimSpace(s.Conclusion)
	s.Farewell = strings.TrimSpace(s.Farewell)
	s.Termination = strings.TrimSpace(s.Termination)
	s.FollowUpFallback = strings.TrimSpace(s.FollowUpFallback)

	questions := make([]string, 0, len(s.FallbackQuestions))
	for i, q := range s.FallbackQuestions {
		q = strings.TrimSpace(q)
		if q == "" {
			return interview.Script{}, fmt.Errorf("fallback_questions[%d] is empty", i)
		}
		questions = append(questions, q)
	}
	s.FallbackQuestions = questions

	return s.WithDefaults(), nil
}
