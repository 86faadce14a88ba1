package collaborator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4.1-mini"
)

// ErrEmptyCompletion 模型没有返回内容
var ErrEmptyCompletion = errors.New("empty completion")

// OpenAIConfig OpenAI兼容接口配置
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// OpenAI 基于chat completions的协作方
type OpenAI struct {
	client openaigo.Client
	model  string
}

// NewOpenAI 创建客户端，缺少api key时报错
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("openai collaborator config incomplete: api_key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	client := openaigo.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithRequestTimeout(timeout),
	)
	return &OpenAI{client: client, model: model}, nil
}

func (o *OpenAI) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(o.model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.SystemMessage(system),
			openaigo.UserMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

const questionsSystemPrompt = `You are an experienced technical interviewer preparing a spoken interview.
Write clear, self-contained questions that can be answered aloud in a few minutes.
Mix open, technical and behavioral questions. Return ONLY a numbered list, one question per line.`

const analysisSystemPrompt = `You are an interview assessor. Briefly assess the candidate's answer to the question:
relevance, depth, and anything left unclear. Keep it under 80 words.
End with exactly one line "FOLLOW_UP: yes" if a probing follow-up question would reveal more, otherwise "FOLLOW_UP: no".`

const followUpSystemPrompt = `You are a friendly interviewer. Ask exactly one short follow-up question that probes the
candidate's previous answer more deeply. Return only the question text.`

const summarySystemPrompt = `You are a hiring assistant. Summarize the interview transcript for the hiring team:
strengths, concerns, and an overall recommendation. Use at most 200 words.`

// GenerateQuestions 按职位描述生成问题
func (o *OpenAI) GenerateQuestions(ctx context.Context, jobDescription, candidateContext string, count int) ([]string, error) {
	user := fmt.Sprintf("Job description:\n%s\n\n%s\n\nWrite %d interview questions.", jobDescription, candidateContext, count)
	content, err := o.complete(ctx, questionsSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	questions := ParseQuestionList(content, count)
	if len(questions) == 0 {
		return nil, ErrEmptyCompletion
	}
	return questions, nil
}

// AnalyzeResponse 评估回答，结尾带追问结论
func (o *OpenAI) AnalyzeResponse(ctx context.Context, question, answer string) (string, error) {
	return o.complete(ctx, analysisSystemPrompt, fmt.Sprintf("Question: %s\nAnswer: %s", question, answer))
}

// GenerateFollowUp 生成一个追问
func (o *OpenAI) GenerateFollowUp(ctx context.Context, question, answer string) (string, error) {
	return o.complete(ctx, followUpSystemPrompt, fmt.Sprintf("Question: %s\nAnswer: %s", question, answer))
}

// Summarize 总结对话记录
func (o *OpenAI) Summarize(ctx context.Context, transcript string) (string, error) {
	return o.complete(ctx, summarySystemPrompt, transcript)
}
