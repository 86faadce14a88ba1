package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"GoAIInterviewer/internal/collaborator"
	"GoAIInterviewer/internal/config"
	"GoAIInterviewer/internal/grpcserver"
	"GoAIInterviewer/internal/logger"
)

// 本地运行的脚本化协作方，题库取自台词文件的 fallback_questions
func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径")
		listen     = flag.String("listen", "", "监听地址，默认使用 collaborator.grpc.listen")
	)
	flag.Parse()
	logger.InitLogger()

	opts := []config.ConfigManagerOption{}
	if *configPath != "" {
		opts = append(opts, config.WithConfigPath(*configPath))
	}
	cfg, err := config.NewConfigManager(opts...).Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	script, err := config.LoadScript(cfg.Interview.ScriptFile)
	if err != nil {
		log.Fatalf("加载台词失败: %v", err)
	}

	addr := *listen
	if addr == "" {
		addr = cfg.Collaborator.GRPC.Listen
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("监听 %s 失败: %v", addr, err)
	}

	srv := grpcserver.NewCollaboratorServer(collaborator.NewStatic(script.FallbackQuestions, script.FollowUpFallback))
	s := grpc.NewServer()
	grpcserver.RegisterCollaboratorServer(s, srv)

	go func() {
		if err := s.Serve(lis); err != nil {
			log.Fatalf("gRPC服务失败: %v", err)
		}
	}()
	fmt.Printf("✅ 协作方桩服务已启动: %s (题库 %d 题)\n", lis.Addr(), len(script.FallbackQuestions))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	requests, uptime := srv.Stats()
	fmt.Printf("\n🔄 正在关闭，共处理 %d 个请求，运行 %v\n", requests, uptime.Round(time.Second))
	s.GracefulStop()
}
