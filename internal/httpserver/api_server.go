package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"GoAIInterviewer/internal/interview"
	"GoAIInterviewer/internal/logger"
	"GoAIInterviewer/internal/metrics"
)

const module = "API"

// Publisher 面试官发言的旁路广播
type Publisher interface {
	PublishReply(interviewID string, reply interview.Reply)
}

// RoomBridge 面试官的媒体房间连接
type RoomBridge interface {
	Open(ctx context.Context, room, interviewID string) error
	Relay(room string, reply interview.Reply) bool
	IsOpen(room string) bool
}

// TokenMinter 签发候选人房间凭证
type TokenMinter interface {
	Mint(room, identity string) (string, error)
}

// Deps 服务依赖，除Service外都可以为空
type Deps struct {
	Service     *interview.Service
	Bridge      RoomBridge
	Publisher   Publisher
	Tokens      TokenMinter
	Metrics     *metrics.Metrics
	HubHandler  http.Handler
	LogHandler  http.Handler
	MediaURL    string
	CORSOrigins []string
	TurnTimeout time.Duration
}

// Options HTTP服务参数
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// APIServer 面试引擎的HTTP API
type APIServer struct {
	router *mux.Router
	server *http.Server
	deps   Deps

	// 统计信息
	requestCount int64
	responseTime []time.Duration
	errorCount   int64
	startTime    time.Time
	mu           sync.RWMutex
}

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewAPIServer 创建HTTP API服务器
func NewAPIServer(opts Options, deps Deps) *APIServer {
	if deps.TurnTimeout <= 0 {
		deps.TurnTimeout = 90 * time.Second
	}
	if len(deps.CORSOrigins) == 0 {
		deps.CORSOrigins = []string{"*"}
	}
	server := &APIServer{
		router:    mux.NewRouter(),
		deps:      deps,
		startTime: time.Now(),
	}

	server.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      c.Handler(server.router),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return server
}

// Handler 带CORS的根处理器
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/interviews", s.initiateHandler).Methods("POST")
	api.HandleFunc("/interviews", s.listInterviewsHandler).Methods("GET")
	api.HandleFunc("/interviews/{id}", s.getInterviewHandler).Methods("GET")
	api.HandleFunc("/interviews/{id}/start", s.startHandler).Methods("POST")
	api.HandleFunc("/interviews/{id}/responses", s.responseHandler).Methods("POST")
	api.HandleFunc("/interviews/{id}/end", s.endHandler).Methods("POST")
	api.HandleFunc("/interviews/{id}/summary", s.summaryHandler).Methods("POST")
	api.HandleFunc("/interviews/{id}/bridge", s.bridgeHandler).Methods("POST")

	api.HandleFunc("/rooms/{room}/interview", s.roomInterviewHandler).Methods("GET")
	api.HandleFunc("/rooms/{room}/token", s.roomTokenHandler).Methods("GET")

	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")

	if s.deps.HubHandler != nil {
		s.router.Handle("/ws/interviews", s.deps.HubHandler)
	}
	if s.deps.LogHandler != nil {
		s.router.Handle("/ws/logs", s.deps.LogHandler)
	}
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.deps.Metrics.ObserveHTTPRequest(route, r.Method, duration)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

func (s *APIServer) engine() *interview.Engine {
	return s.deps.Service.Engine()
}

// 面试相关处理器
func (s *APIServer) initiateHandler(w http.ResponseWriter, r *http.Request) {
	var req interview.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	sess, err := s.deps.Service.Initiate(r.Context(), req)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, APIResponse{
		Success:   true,
		Data:      sess,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) listInterviewsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.engine().ListSessions()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if strings.EqualFold(string(sess.State), state) {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}
	s.writeSuccessResponse(w, sessions)
}

func (s *APIServer) getInterviewHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.engine().GetSession(id)
	if err != nil {
		s.writeError(w, err, id)
		return
	}
	s.writeSuccessResponse(w, sess)
}

func (s *APIServer) roomInterviewHandler(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	sess, ok := s.engine().GetSessionByRoom(room)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: room %s", interview.ErrNotFound, room), "")
		return
	}
	s.writeSuccessResponse(w, sess)
}

func (s *APIServer) startHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reply, err := s.engine().StartInterview(id)
	if err != nil {
		s.writeError(w, err, id)
		return
	}
	delivered := s.fanOut(id, reply)
	s.writeSuccessResponse(w, map[string]interface{}{"reply": reply, "delivered": delivered})
}

func (s *APIServer) responseHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.TurnTimeout)
	defer cancel()
	reply, err := s.engine().ProcessResponse(ctx, id, req.Text)
	if err != nil {
		s.writeError(w, err, id)
		return
	}
	delivered := s.fanOut(id, reply)
	s.writeSuccessResponse(w, map[string]interface{}{"reply": reply, "delivered": delivered})
}

func (s *APIServer) endHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, changed, err := s.engine().EndInterview(id)
	if err != nil {
		s.writeError(w, err, id)
		return
	}
	s.writeSuccessResponse(w, map[string]interface{}{"interview": sess, "changed": changed})
}

func (s *APIServer) summaryHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	summary, err := s.deps.Service.Summarize(r.Context(), id)
	if err != nil {
		s.writeError(w, err, id)
		return
	}
	s.writeSuccessResponse(w, map[string]string{"interviewId": id, "summary": summary})
}

func (s *APIServer) bridgeHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.deps.Bridge == nil {
		s.writeError(w, fmt.Errorf("%w: media bridge is disabled", interview.ErrTransportUnavailable), id)
		return
	}
	sess, err := s.engine().GetSession(id)
	if err != nil {
		s.writeError(w, err, id)
		return
	}
	if sess.IsCompleted() {
		s.writeError(w, fmt.Errorf("%w: interview already completed", interview.ErrInvalidTransition), id)
		return
	}
	if err := s.deps.Bridge.Open(r.Context(), sess.RoomName, id); err != nil {
		s.writeError(w, err, id)
		return
	}
	s.writeSuccessResponse(w, map[string]interface{}{"room": sess.RoomName, "open": true})
}

func (s *APIServer) roomTokenHandler(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	if s.deps.Tokens == nil {
		s.writeError(w, fmt.Errorf("%w: media room is disabled", interview.ErrTransportUnavailable), "")
		return
	}
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		s.writeError(w, fmt.Errorf("%w: identity is required", interview.ErrValidation), "")
		return
	}
	token, err := s.deps.Tokens.Mint(room, identity)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeSuccessResponse(w, map[string]string{
		"room":     room,
		"identity": identity,
		"token":    token,
		"url":      s.deps.MediaURL,
	})
}

// fanOut HTTP入口产生的发言同样推送到观察端和媒体房间
func (s *APIServer) fanOut(id string, reply interview.Reply) bool {
	if s.deps.Publisher != nil {
		s.deps.Publisher.PublishReply(id, reply)
	}
	if s.deps.Bridge == nil {
		return false
	}
	sess, err := s.engine().GetSession(id)
	if err != nil {
		return false
	}
	return s.deps.Bridge.Relay(sess.RoomName, reply)
}

// 健康检查和指标
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"sessions":  s.engine().Store().Len(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *APIServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"interview": s.deps.Metrics.GetSnapshot(),
		"http":      s.GetStats(),
	})
}

// statusFor 把领域错误映射为HTTP状态码
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, interview.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, interview.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, interview.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, interview.ErrSessionExists):
		return http.StatusConflict, "session_exists"
	case errors.Is(err, interview.ErrUpstreamFailure):
		return http.StatusBadGateway, "upstream_failure"
	case errors.Is(err, interview.ErrTransportUnavailable):
		return http.StatusServiceUnavailable, "transport_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error, interviewID string) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.LogError(module, err.Error(), interviewID)
	} else {
		logger.LogWarning(module, err.Error(), interviewID)
	}
	s.writeErrorResponse(w, status, code, err.Error())
}

// 辅助方法
func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器，Shutdown后返回http.ErrServerClosed
func (s *APIServer) Start() error {
	log.Printf("Starting HTTP API server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown 优雅停止
func (s *APIServer) Shutdown(ctx context.Context) error {
	log.Printf("Stopping HTTP API server")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6
	}

	return map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount,
		"error_count":          s.errorCount,
		"avg_response_time_ms": avgResponseTime,
	}
}
