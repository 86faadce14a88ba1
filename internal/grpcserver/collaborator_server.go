package grpcserver

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"GoAIInterviewer/internal/collaborator"
)

// CollaboratorServer 把本地协作方暴露为 interview.v1.Collaborator gRPC服务
type CollaboratorServer struct {
	backend collaborator.Collaborator

	// 统计信息
	requestCount int64
	startTime    time.Time
	mu           sync.RWMutex
}

// NewCollaboratorServer 创建服务实例
func NewCollaboratorServer(backend collaborator.Collaborator) *CollaboratorServer {
	return &CollaboratorServer{
		backend:   backend,
		startTime: time.Now(),
	}
}

// Stats 请求数与运行时长
func (s *CollaboratorServer) Stats() (int64, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestCount, time.Since(s.startTime)
}

func (s *CollaboratorServer) count() {
	s.mu.Lock()
	s.requestCount++
	s.mu.Unlock()
}

func field(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func reply(fields map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func upstream(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Unavailable, err.Error())
}

// GenerateQuestions 出题
func (s *CollaboratorServer) GenerateQuestions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.count()
	jd := field(req, collaborator.FieldJobDescription)
	if jd == "" {
		return nil, status.Error(codes.InvalidArgument, "jobDescription is required")
	}
	count := int(req.GetFields()[collaborator.FieldCount].GetNumberValue())
	questions, err := s.backend.GenerateQuestions(ctx, jd, field(req, collaborator.FieldContext), count)
	if err != nil {
		return nil, upstream(err)
	}
	list := make([]interface{}, 0, len(questions))
	for _, q := range questions {
		list = append(list, q)
	}
	return reply(map[string]interface{}{collaborator.FieldQuestions: list})
}

// AnalyzeResponse 分析回答
func (s *CollaboratorServer) AnalyzeResponse(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.count()
	analysis, err := s.backend.AnalyzeResponse(ctx, field(req, collaborator.FieldQuestion), field(req, collaborator.FieldAnswer))
	if err != nil {
		return nil, upstream(err)
	}
	return reply(map[string]interface{}{collaborator.FieldAnalysis: analysis})
}

// GenerateFollowUp 生成追问
func (s *CollaboratorServer) GenerateFollowUp(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.count()
	followUp, err := s.backend.GenerateFollowUp(ctx, field(req, collaborator.FieldQuestion), field(req, collaborator.FieldAnswer))
	if err != nil {
		return nil, upstream(err)
	}
	return reply(map[string]interface{}{collaborator.FieldFollowUp: followUp})
}

// Summarize 总结
func (s *CollaboratorServer) Summarize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.count()
	summary, err := s.backend.Summarize(ctx, field(req, collaborator.FieldTranscript))
	if err != nil {
		return nil, upstream(err)
	}
	return reply(map[string]interface{}{collaborator.FieldSummary: summary})
}

type collaboratorService interface {
	GenerateQuestions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AnalyzeResponse(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GenerateFollowUp(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Summarize(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(collaboratorService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(collaboratorService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + collaborator.ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// CollaboratorServiceDesc 手写的服务描述
var CollaboratorServiceDesc = grpc.ServiceDesc{
	ServiceName: collaborator.ServiceName,
	HandlerType: (*collaboratorService)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("GenerateQuestions", collaboratorService.GenerateQuestions),
		unaryHandler("AnalyzeResponse", collaboratorService.AnalyzeResponse),
		unaryHandler("GenerateFollowUp", collaboratorService.GenerateFollowUp),
		unaryHandler("Summarize", collaboratorService.Summarize),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "interview/v1/collaborator.proto",
}

// RegisterCollaboratorServer 注册到gRPC服务器
func RegisterCollaboratorServer(s grpc.ServiceRegistrar, srv *CollaboratorServer) {
	s.RegisterService(&CollaboratorServiceDesc, srv)
}
