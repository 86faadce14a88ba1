package collaborator

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC服务与方法名，消息体统一为 google.protobuf.Struct
const (
	ServiceName = "interview.v1.Collaborator"

	MethodGenerateQuestions = "/" + ServiceName + "/GenerateQuestions"
	MethodAnalyzeResponse   = "/" + ServiceName + "/AnalyzeResponse"
	MethodGenerateFollowUp  = "/" + ServiceName + "/GenerateFollowUp"
	MethodSummarize         = "/" + ServiceName + "/Summarize"
)

// Struct字段名
const (
	FieldJobDescription = "jobDescription"
	FieldContext        = "context"
	FieldCount          = "count"
	FieldQuestions      = "questions"
	FieldQuestion       = "question"
	FieldAnswer         = "answer"
	FieldAnalysis       = "analysis"
	FieldFollowUp       = "followUp"
	FieldTranscript     = "transcript"
	FieldSummary        = "summary"
)

// GRPC 远端协作方客户端
type GRPC struct {
	conn *grpc.ClientConn
}

// DialGRPC 连接远端协作方
func DialGRPC(target string, opts ...grpc.DialOption) (*GRPC, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial collaborator %s: %w", target, err)
	}
	return &GRPC{conn: conn}, nil
}

// Close 关闭连接
func (g *GRPC) Close() error {
	return g.conn.Close()
}

func (g *GRPC) invoke(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func stringField(s *structpb.Struct, name string) string {
	if v, ok := s.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

// GenerateQuestions 远端出题
func (g *GRPC) GenerateQuestions(ctx context.Context, jobDescription, candidateContext string, count int) ([]string, error) {
	resp, err := g.invoke(ctx, MethodGenerateQuestions, map[string]interface{}{
		FieldJobDescription: jobDescription,
		FieldContext:        candidateContext,
		FieldCount:          count,
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, v := range resp.GetFields()[FieldQuestions].GetListValue().GetValues() {
		if text := v.GetStringValue(); text != "" {
			out = append(out, text)
		}
	}
	return out, nil
}

// AnalyzeResponse 远端分析
func (g *GRPC) AnalyzeResponse(ctx context.Context, question, answer string) (string, error) {
	resp, err := g.invoke(ctx, MethodAnalyzeResponse, map[string]interface{}{
		FieldQuestion: question,
		FieldAnswer:   answer,
	})
	if err != nil {
		return "", err
	}
	return stringField(resp, FieldAnalysis), nil
}

// GenerateFollowUp 远端追问
func (g *GRPC) GenerateFollowUp(ctx context.Context, question, answer string) (string, error) {
	resp, err := g.invoke(ctx, MethodGenerateFollowUp, map[string]interface{}{
		FieldQuestion: question,
		FieldAnswer:   answer,
	})
	if err != nil {
		return "", err
	}
	return stringField(resp, FieldFollowUp), nil
}

// Summarize 远端总结
func (g *GRPC) Summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := g.invoke(ctx, MethodSummarize, map[string]interface{}{
		FieldTranscript: transcript,
	})
	if err != nil {
		return "", err
	}
	return stringField(resp, FieldSummary), nil
}
