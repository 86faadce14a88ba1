package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"GoAIInterviewer/internal/loadtest"
)

// 对运行中的面试服务做并发候选人压测
func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:8080", "面试服务地址")
		candidates = flag.Int("candidates", 10, "并发候选人数")
		interviews = flag.Int("interviews", 1, "每个候选人完成的面试数")
		maxTurns   = flag.Int("max-turns", 20, "单场面试回答上限")
		think      = flag.Duration("think", 0, "每轮回答前的思考时间")
		duration   = flag.Duration("duration", 10*time.Minute, "最长运行时间")
	)
	flag.Parse()

	cfg := loadtest.DefaultInterviewLoadConfig(*baseURL)
	cfg.Candidates = *candidates
	cfg.Interviews = *interviews
	cfg.MaxTurns = *maxTurns
	cfg.ThinkTime = *think

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	fmt.Printf("🔥 启动面试压测: %s, %d 名候选人 x %d 场\n", *baseURL, *candidates, *interviews)
	result, err := loadtest.NewInterviewLoadTester(cfg).Run(ctx)
	if err != nil {
		log.Fatalf("压测失败: %v", err)
	}
	fmt.Print(result.Report())
	if result.InterviewsFailed > 0 {
		os.Exit(1)
	}
}
