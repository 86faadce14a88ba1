package mediaroom

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"GoAIInterviewer/internal/protocol"
)

// Authenticator 校验房间凭证
type Authenticator interface {
	Authenticate(token string) (room, identity string, err error)
}

// ServerConfig 本地媒体房间配置
type ServerConfig struct {
	Addr            string
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:            addr,
		MaxConnections:  256,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		WriteTimeout:    5 * time.Second,
		IdleTimeout:     120 * time.Second,
	}
}

// Participant 房间中的一条连接
type Participant struct {
	ID       string
	Identity string
	Room     string
	Conn     *websocket.Conn

	joinedAt  time.Time
	received  atomic.Uint64
	sent      atomic.Uint64
	writeMu   sync.Mutex
	stopChan  chan struct{}
	closeOnce sync.Once
}

func (p *Participant) safeClose() {
	p.closeOnce.Do(func() {
		close(p.stopChan)
	})
}

func (p *Participant) write(raw []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.Conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := p.Conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	p.sent.Add(1)
	return nil
}

// Server 房间中继：数据信封转发给同房间的其他参与者
type Server struct {
	config   *ServerConfig
	auth     Authenticator
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[string]*Participant

	connCount        atomic.Int32
	totalConnections atomic.Uint64
	totalRelayed     atomic.Uint64
	connWg           sync.WaitGroup
	isRunning        atomic.Bool
	startTime        time.Time
}

// New 创建房间服务
func New(config *ServerConfig, auth Authenticator) *Server {
	if config == nil {
		config = DefaultServerConfig(":7880")
	}
	s := &Server{
		config: config,
		auth:   auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms:     make(map[string]map[string]*Participant),
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/rtc", s.HandleRTC).Methods("GET")
	router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.server = &http.Server{Addr: config.Addr, Handler: router}
	return s
}

// Handler 返回HTTP处理器，测试中挂到httptest.Server上
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 后台启动监听
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("media room is already running")
	}
	log.Printf("Starting media room on %s", s.config.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Media room error: %v", err)
		}
	}()
	return nil
}

// Shutdown 关闭所有参与者并停止监听
func (s *Server) Shutdown(ctx context.Context) error {
	for _, p := range s.all() {
		s.closeParticipant(p, "server shutdown")
	}
	s.connWg.Wait()
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// DisconnectRoom 断开房间内所有连接
func (s *Server) DisconnectRoom(room string) {
	s.mu.RLock()
	members := make([]*Participant, 0, len(s.rooms[room]))
	for _, p := range s.rooms[room] {
		members = append(members, p)
	}
	s.mu.RUnlock()
	for _, p := range members {
		s.closeParticipant(p, "room disconnected")
	}
}

// HandleRTC 校验凭证后加入房间
func (s *Server) HandleRTC(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	token := r.URL.Query().Get("access_token")
	if token == "" || s.auth == nil {
		http.Error(w, "missing access token", http.StatusUnauthorized)
		return
	}
	room, identity, err := s.auth.Authenticate(token)
	if err != nil {
		log.Printf("Reject media room connection: %v", err)
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	p := &Participant{
		ID:       fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1)),
		Identity: identity,
		Room:     room,
		Conn:     wsConn,
		joinedAt: time.Now(),
		stopChan: make(chan struct{}),
	}
	s.join(p)
	log.Printf("Participant %s joined room %s", identity, room)

	s.connWg.Add(1)
	defer s.connWg.Done()
	s.readLoop(p)
}

func (s *Server) join(p *Participant) {
	s.mu.Lock()
	members, ok := s.rooms[p.Room]
	if !ok {
		members = make(map[string]*Participant)
		s.rooms[p.Room] = members
	}
	existing := make([]*Participant, 0, len(members))
	for _, other := range members {
		existing = append(existing, other)
	}
	members[p.ID] = p
	s.mu.Unlock()
	s.connCount.Add(1)

	s.notify(existing, protocol.TypeParticipantJoined, p.Identity)
}

func (s *Server) leave(p *Participant) bool {
	s.mu.Lock()
	members := s.rooms[p.Room]
	if _, ok := members[p.ID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(members, p.ID)
	remaining := make([]*Participant, 0, len(members))
	for _, other := range members {
		remaining = append(remaining, other)
	}
	if len(members) == 0 {
		delete(s.rooms, p.Room)
	}
	s.mu.Unlock()
	s.connCount.Add(-1)

	s.notify(remaining, protocol.TypeParticipantLeft, p.Identity)
	return true
}

func (s *Server) notify(targets []*Participant, envelopeType, identity string) {
	if len(targets) == 0 {
		return
	}
	raw, err := protocol.EncodeEnvelope(protocol.Envelope{Type: envelopeType, Participant: identity})
	if err != nil {
		return
	}
	for _, t := range targets {
		if err := t.write(raw, s.config.WriteTimeout); err != nil {
			log.Printf("Notify %s failed: %v", t.Identity, err)
		}
	}
}

func (s *Server) readLoop(p *Participant) {
	defer s.closeParticipant(p, "connection ended")

	p.Conn.SetReadLimit(protocol.MaxEnvelopeSize)
	p.Conn.SetPingHandler(func(data string) error {
		p.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		return p.Conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.config.WriteTimeout))
	})

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}
		p.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		messageType, raw, err := p.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Media room read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		p.received.Add(1)
		s.relay(p, raw)
	}
}

// relay 只转发data信封，kind原样保留
func (s *Server) relay(from *Participant, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		log.Printf("Drop envelope from %s: %v", from.Identity, err)
		return
	}
	if env.Type != protocol.TypeData {
		return
	}
	if env.Participant == "" {
		env.Participant = from.Identity
		if raw, err = protocol.EncodeEnvelope(env); err != nil {
			return
		}
	}

	s.mu.RLock()
	targets := make([]*Participant, 0, len(s.rooms[from.Room]))
	for id, p := range s.rooms[from.Room] {
		if id != from.ID {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()

	var failed []*Participant
	for _, t := range targets {
		if err := t.write(raw, s.config.WriteTimeout); err != nil {
			failed = append(failed, t)
			continue
		}
		s.totalRelayed.Add(1)
	}
	for _, t := range failed {
		s.closeParticipant(t, "relay failed")
	}
}

func (s *Server) closeParticipant(p *Participant, reason string) {
	p.safeClose()
	if !s.leave(p) {
		return
	}
	p.writeMu.Lock()
	p.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()
	p.Conn.Close()
	log.Printf("Participant %s left room %s: %s", p.Identity, p.Room, reason)
}

func (s *Server) all() []*Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Participant
	for _, members := range s.rooms {
		for _, p := range members {
			out = append(out, p)
		}
	}
	return out
}

// Participants 房间内的身份列表
func (s *Server) Participants(room string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms[room]))
	for _, p := range s.rooms[room] {
		out = append(out, p.Identity)
	}
	return out
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.GetStats()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"running":%t,"uptime_seconds":%.1f,"current_connections":%d,"total_connections":%d,"total_relayed":%d}`,
		stats["running"], stats["uptime_seconds"], stats["current_connections"],
		stats["total_connections"], stats["total_relayed"])
}

// GetStats 获取统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_relayed":       s.totalRelayed.Load(),
	}
}
