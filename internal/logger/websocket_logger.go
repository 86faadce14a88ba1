package logger

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
	LevelSuccess = "SUCCESS"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	Module      string    `json:"module"`
	InterviewID string    `json:"interview_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// WebSocketLogger 把日志推送给连接到 /ws/logs 的运维面板
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
	}
}

// Run 启动广播循环，Stop后返回
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case <-wsl.stop:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.Close()
				delete(wsl.clients, client)
			}
			wsl.mu.Unlock()
			return

		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("日志流客户端已连接，当前连接数: %d", count)

		case client := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[client]; ok {
				delete(wsl.clients, client)
				client.Close()
			}
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("日志流客户端已断开，当前连接数: %d", count)

		case message := <-wsl.broadcast:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					log.Printf("发送日志消息失败: %v", err)
					delete(wsl.clients, client)
					client.Close()
				}
			}
			wsl.mu.Unlock()
		}
	}
}

// Stop 关闭所有日志流连接并结束Run
func (wsl *WebSocketLogger) Stop() {
	wsl.stopOnce.Do(func() { close(wsl.stop) })
}

// ClientCount 当前日志流连接数
func (wsl *WebSocketLogger) ClientCount() int {
	wsl.mu.RLock()
	defer wsl.mu.RUnlock()
	return len(wsl.clients)
}

func (wsl *WebSocketLogger) emit(level, module, message, interviewID string) {
	logMsg := LogMessage{
		Level:       level,
		Message:     message,
		Module:      module,
		InterviewID: interviewID,
		Timestamp:   time.Now(),
	}
	printConsole(logMsg)

	select {
	case wsl.broadcast <- logMsg:
	default:
		// 通道满了，丢弃消息避免阻塞面试轮次
	}
}

func printConsole(msg LogMessage) {
	if msg.InterviewID != "" {
		log.Printf("[%s] [interview-%s] %s: %s", msg.Level, msg.InterviewID, msg.Module, msg.Message)
	} else {
		log.Printf("[%s] %s: %s", msg.Level, msg.Module, msg.Message)
	}
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, message, interviewID string) {
	wsl.emit(LevelInfo, module, message, interviewID)
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, message, interviewID string) {
	wsl.emit(LevelError, module, message, interviewID)
}

// LogSuccess 记录成功日志
func (wsl *WebSocketLogger) LogSuccess(module, message, interviewID string) {
	wsl.emit(LevelSuccess, module, message, interviewID)
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, message, interviewID string) {
	wsl.emit(LevelWarning, module, message, interviewID)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// HandleWebSocket 处理日志流连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket升级失败: %v", err)
		return
	}

	// 欢迎消息要在注册前写完，之后只有Run会写这个连接
	conn.WriteJSON(LogMessage{
		Level:     LevelInfo,
		Message:   "已连接到面试引擎日志流",
		Module:    "WebSocket",
		Timestamp: time.Now(),
	})

	select {
	case wsl.register <- conn:
	case <-wsl.stop:
		conn.Close()
		return
	}

	defer func() {
		select {
		case wsl.unregister <- conn:
		case <-wsl.stop:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("日志流连接错误: %v", err)
			}
			break
		}
	}
}

// GlobalLogger 全局日志器实例
var GlobalLogger *WebSocketLogger

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger() {
	GlobalLogger = NewWebSocketLogger()
	go GlobalLogger.Run()
}

func logGlobal(level, module, message, interviewID string) {
	if GlobalLogger != nil {
		GlobalLogger.emit(level, module, message, interviewID)
		return
	}
	printConsole(LogMessage{Level: level, Module: module, Message: message, InterviewID: interviewID})
}

// 便捷函数，未初始化全局日志器时只输出到控制台
func LogInfo(module, message, interviewID string) {
	logGlobal(LevelInfo, module, message, interviewID)
}

func LogError(module, message, interviewID string) {
	logGlobal(LevelError, module, message, interviewID)
}

func LogSuccess(module, message, interviewID string) {
	logGlobal(LevelSuccess, module, message, interviewID)
}

func LogWarning(module, message, interviewID string) {
	logGlobal(LevelWarning, module, message, interviewID)
}
