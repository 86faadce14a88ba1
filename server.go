package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"GoAIInterviewer/internal/bridge"
	"GoAIInterviewer/internal/collaborator"
	"GoAIInterviewer/internal/config"
	"GoAIInterviewer/internal/database"
	"GoAIInterviewer/internal/httpserver"
	"GoAIInterviewer/internal/hub"
	"GoAIInterviewer/internal/interview"
	"GoAIInterviewer/internal/logger"
	"GoAIInterviewer/internal/mediaroom"
	"GoAIInterviewer/internal/metrics"
)

// 本地开发用的题库
var devQuestions = []string{
	"Walk me through a system you designed end to end. What trade-offs did you make?",
	"Tell me about a time you disagreed with a teammate on a technical decision.",
	"How would you debug a service whose p99 latency doubled overnight?",
	"Describe a production incident you owned. What changed afterwards?",
	"What would you want to learn in your first three months here?",
}

// buildCollaborator 按provider创建协作方，返回的closer可能为nil
func buildCollaborator(cfg *config.Config) (collaborator.Collaborator, io.Closer, error) {
	switch cfg.Collaborator.Provider {
	case config.ProviderOpenAI:
		c, err := collaborator.NewOpenAI(collaborator.OpenAIConfig{
			BaseURL: cfg.Collaborator.OpenAI.BaseURL,
			APIKey:  cfg.Collaborator.OpenAI.APIKey,
			Model:   cfg.Collaborator.OpenAI.Model,
			Timeout: cfg.Collaborator.Timeout,
		})
		return c, nil, err
	case config.ProviderGRPC:
		c, err := collaborator.DialGRPC(cfg.Collaborator.GRPC.Target)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return collaborator.NewStatic(devQuestions, interview.DefaultScript().FollowUpFallback), nil, nil
	}
}

func resilientConfig(cfg *config.Config) collaborator.ResilientConfig {
	return collaborator.ResilientConfig{
		Timeout:         cfg.Collaborator.Timeout,
		MaxRetries:      uint64(cfg.Collaborator.MaxRetries),
		InitialInterval: cfg.Collaborator.InitialInterval,
		MaxInterval:     cfg.Collaborator.MaxInterval,
	}
}

func bridgeConfig(cfg *config.Config) bridge.Config {
	bc := bridge.DefaultConfig(cfg.Media.URL)
	bc.WarmupDelay = cfg.Media.WarmupDelay
	bc.TurnTimeout = cfg.Interview.TurnTimeout
	return bc
}

// app 组装好的服务
type app struct {
	cm      *config.ConfigManager
	metrics *metrics.Metrics
	store   *interview.Store
	engine  *interview.Engine
	service *interview.Service
	decider *interview.RandomDecider
	collab  *collaborator.Resilient
	closer  io.Closer
	bridge  *bridge.Bridge
	room    *mediaroom.Server
	hub     *hub.Hub
	archive *database.Archive
	api     *httpserver.APIServer
}

// newApp 按配置组装引擎、桥接、广播和HTTP API
func newApp(ctx context.Context, cm *config.ConfigManager, cfg *config.Config) (*app, error) {
	a := &app{cm: cm, metrics: metrics.NewMetrics(), store: interview.NewStore()}

	script, err := config.LoadScript(cfg.Interview.ScriptFile)
	if err != nil {
		return nil, err
	}

	inner, closer, err := buildCollaborator(cfg)
	if err != nil {
		return nil, fmt.Errorf("创建协作方失败: %w", err)
	}
	a.closer = closer
	a.collab = collaborator.NewResilient(inner, resilientConfig(cfg), collaborator.Fallback{
		Questions: script.FallbackQuestions,
		FollowUp:  script.FollowUpFallback,
	}, a.metrics)

	a.decider = interview.NewRandomDecider(cfg.Interview.FollowUpProbability, 0)
	a.engine = interview.NewEngine(a.store, a.collab,
		interview.WithDecider(interview.AnalysisDecider{Fallback: a.decider}),
		interview.WithScript(script),
		interview.WithMetrics(a.metrics),
	)

	var connector interview.RoomConnector
	var tokens *bridge.TokenIssuer
	if cfg.Media.Enabled {
		tokens = bridge.NewTokenIssuer(cfg.Media.APIKey, cfg.Media.APISecret, cfg.Media.TokenTTL)
		a.bridge = bridge.New(a.engine, tokens, bridgeConfig(cfg), a.metrics)
		connector = a.bridge
		if cfg.Media.Loopback {
			a.room = mediaroom.New(mediaroom.DefaultServerConfig(cfg.Media.LoopbackAddr), tokens)
		}
	}
	a.service = interview.NewService(a.engine, connector, cfg.Interview.QuestionCount)

	a.hub = hub.New(a.engine, a.metrics)
	a.hub.SetTurnTimeout(cfg.Interview.TurnTimeout)
	a.hub.SetSummarizer(a.service.Summarize)
	a.engine.OnComplete(a.hub.HandleCompletion)
	if a.bridge != nil {
		a.hub.SetRelay(a.bridge)
		a.bridge.SetObserver(a.hub)
		a.engine.OnComplete(func(sess *interview.Session, forced bool) {
			a.bridge.HandleCompletion(sess, forced, a.engine.Script().Termination)
		})
	}

	if cfg.Archive.Enabled {
		a.archive, err = database.Open(ctx, database.Options{DSN: cfg.Archive.DSN, MaxConns: cfg.Archive.MaxConns})
		if err != nil {
			return nil, err
		}
		a.engine.OnComplete(a.archive.CompletionHook())
	}

	deps := httpserver.Deps{
		Service:     a.service,
		Publisher:   a.hub,
		Metrics:     a.metrics,
		HubHandler:  http.HandlerFunc(a.hub.HandleWebSocket),
		MediaURL:    cfg.Media.URL,
		CORSOrigins: cfg.Server.CORSOrigins,
		TurnTimeout: cfg.Interview.TurnTimeout,
	}
	if a.bridge != nil {
		deps.Bridge = a.bridge
		deps.Tokens = tokens
	}
	if logger.GlobalLogger != nil {
		deps.LogHandler = http.HandlerFunc(logger.GlobalLogger.HandleWebSocket)
	}
	a.api = httpserver.NewAPIServer(httpserver.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, deps)

	cm.OnChange(a.applyConfig)
	return a, nil
}

// applyConfig 热更新可调参数
func (a *app) applyConfig(old, updated *config.Config) {
	a.decider.SetProbability(updated.Interview.FollowUpProbability)
	a.service.SetQuestionCount(updated.Interview.QuestionCount)
	a.collab.SetConfig(resilientConfig(updated))
	if a.bridge != nil {
		a.bridge.SetConfig(bridgeConfig(updated))
	}
	logger.LogInfo("Config", fmt.Sprintf("配置已更新: follow_up_probability %.2f -> %.2f, question_count %d -> %d",
		old.Interview.FollowUpProbability, updated.Interview.FollowUpProbability,
		old.Interview.QuestionCount, updated.Interview.QuestionCount), "")
}

// cleanup 清理保留期之外的已结束面试
func (a *app) cleanup(now time.Time) int {
	retention := a.cm.Get().Interview.Retention
	evicted := a.store.EvictCompleted(now.Add(-retention))
	if len(evicted) == 0 {
		return 0
	}
	for _, sess := range evicted {
		if a.bridge != nil {
			a.bridge.CloseInterview(sess.RoomName, sess.ID)
		}
	}
	if a.archive != nil {
		a.archive.SaveAll(evicted)
	}
	logger.LogInfo("Cleanup", fmt.Sprintf("清理已结束面试 %d 个", len(evicted)), "")
	return len(evicted)
}

func (a *app) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.cleanup(now)
		}
	}
}

// shutdown 按依赖反向关闭
func (a *app) shutdown(ctx context.Context) {
	if err := a.api.Shutdown(ctx); err != nil {
		log.Printf("HTTP服务关闭错误: %v", err)
	}
	if a.bridge != nil {
		a.bridge.CloseAll()
	}
	if a.room != nil {
		if err := a.room.Shutdown(ctx); err != nil {
			log.Printf("媒体房间关闭错误: %v", err)
		}
	}
	a.hub.Stop()
	if a.archive != nil {
		a.archive.Close()
	}
	if a.closer != nil {
		a.closer.Close()
	}
}

// runServer 运行面试服务
func runServer(configPath string) error {
	logger.InitLogger()

	opts := []config.ConfigManagerOption{config.WithWatchEnabled(true)}
	if configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath))
	}
	cm := config.NewConfigManager(opts...)
	cfg, err := cm.Load()
	if err != nil {
		return err
	}
	if cfg.Log.Stream {
		logger.InitGlobalLogger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cm, cfg)
	if err != nil {
		return err
	}

	go a.hub.Run()
	if a.room != nil {
		if err := a.room.Start(); err != nil {
			return err
		}
	}
	go a.cleanupLoop(ctx, cfg.Interview.CleanupInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.api.Start()
	}()

	fmt.Printf("✅ 面试服务已启动，监听地址: %s\n", cfg.Server.Addr)
	for k, v := range cm.Summary() {
		fmt.Printf("   %s: %v\n", k, v)
	}

	select {
	case <-ctx.Done():
		fmt.Println("\n🔄 正在关闭服务...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	a.shutdown(shutdownCtx)
	if logger.GlobalLogger != nil {
		logger.GlobalLogger.Stop()
	}

	fmt.Println("✅ 服务已关闭")
	return nil
}
