package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNotConnected = errors.New("client is not connected")
	ErrClosed       = errors.New("client is closed")
)

// MessageHandler 收到文本消息
type MessageHandler func(raw []byte)

// CloseHandler 连接最终断开（重连放弃也算在内），本地主动关闭时err为nil
type CloseHandler func(err error)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 客户端配置。Reconnect为true时连接意外断开后自动重连，Done只在放弃重连或Close后关闭
type ClientConfig struct {
	URL                 string
	Token               string
	HandshakeTimeout    time.Duration
	PingInterval        time.Duration
	PongTimeout         time.Duration
	WriteTimeout        time.Duration
	DialInitialInterval time.Duration
	DialMaxElapsed      time.Duration
	Reconnect           bool
	ReconnectInterval   time.Duration
	MaxReconnectTries   int
	UserAgent           string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url, token string) *ClientConfig {
	return &ClientConfig{
		URL:                 url,
		Token:               token,
		HandshakeTimeout:    10 * time.Second,
		PingInterval:        20 * time.Second,
		PongTimeout:         60 * time.Second,
		WriteTimeout:        5 * time.Second,
		DialInitialInterval: 500 * time.Millisecond,
		DialMaxElapsed:      15 * time.Second,
		ReconnectInterval:   time.Second,
		MaxReconnectTries:   10,
		UserAgent:           "GoAIInterviewer/1.0",
	}
}

// Client 单条媒体数据通道连接，负责拨号重试、心跳和串行写入
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	onMessage     MessageHandler
	onClose       CloseHandler
	onStateChange StateChangeHandler

	// 同步控制
	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	reconnectChan chan struct{}
	closeOnce     sync.Once
	done          chan struct{}

	sent       atomic.Int64
	received   atomic.Int64
	reconnects atomic.Int32
}

// New 创建新的WebSocket客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	client := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	client.setState(StateDisconnected)
	return client
}

// SetMessageHandler 设置消息处理器，需在Connect前调用
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

// SetCloseHandler 设置断开处理器，需在Connect前调用
func (c *Client) SetCloseHandler(handler CloseHandler) {
	c.onClose = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// Connect 带指数退避地拨号，成功后启动读循环与心跳
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.DialInitialInterval
	backOff.MaxElapsedTime = c.config.DialMaxElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.doConnect(ctx)
		if err != nil {
			log.Printf("Dial %s failed (attempt %d): %v", c.redactedURL(), attempt, err)
			if c.getState() == StateClosed {
				return backoff.Permanent(ErrClosed)
			}
		}
		return err
	}, backoff.WithContext(backOff, ctx))
	if err != nil {
		c.compareAndSwapState(StateConnecting, StateDisconnected)
		return err
	}

	if !c.compareAndSwapState(StateConnecting, StateConnected) {
		c.dropConn()
		return ErrClosed
	}

	if c.config.Reconnect {
		go c.reconnectLoop()
	}
	c.startLoops()
	return nil
}

// startLoops 为当前连接启动读循环与心跳
func (c *Client) startLoops() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	connDone := make(chan struct{})
	go c.readLoop(conn, connDone)
	go c.heartbeatLoop(conn, connDone)
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if c.config.Token != "" {
		q := u.Query()
		q.Set("access_token", c.config.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) redactedURL() string {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return c.config.URL
	}
	u.RawQuery = ""
	return u.String()
}

// doConnect 执行实际的连接逻辑
func (c *Client) doConnect(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return backoff.Permanent(err)
	}
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return backoff.Permanent(fmt.Errorf("dial rejected with status %d: %w", resp.StatusCode, err))
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close 主动关闭连接，可重复调用
func (c *Client) Close() error {
	prev := ClientState(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}
	if c.onStateChange != nil {
		c.onStateChange(prev, StateClosed)
	}
	close(c.stopChan)

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "interview closed"))
		c.writeMu.Unlock()
	}
	c.dropConn()

	// 已连接时由读循环退出后回调
	if prev != StateConnected {
		c.finish(nil)
	}
	return nil
}

// Send 发送一条文本消息
func (c *Client) Send(raw []byte) error {
	if c.getState() != StateConnected {
		return ErrNotConnected
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	// 使用专用的写入锁防止并发写入
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// IsConnected 是否可发送
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// Done 连接最终结束后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// readLoop 读取一条连接上的消息，连接失效后决定重连还是结束
func (c *Client) readLoop(conn *websocket.Conn, connDone chan struct{}) {
	defer close(connDone)
	if conn == nil {
		c.finish(ErrNotConnected)
		return
	}

	conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
		return nil
	})

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			if c.getState() == StateClosed {
				c.finish(nil)
				return
			}
			c.dropConn()
			if c.config.Reconnect && c.compareAndSwapState(StateConnected, StateReconnecting) {
				log.Printf("Connection to %s lost: %v, reconnecting", c.redactedURL(), err)
				c.triggerReconnect()
				return
			}
			if !c.compareAndSwapState(StateConnected, StateDisconnected) && c.getState() == StateClosed {
				c.finish(nil)
				return
			}
			c.finish(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		c.received.Add(1)
		if c.onMessage != nil {
			c.onMessage(raw)
		}
	}
}

// heartbeatLoop 周期性发送ping控制帧，连接更换后退出
func (c *Client) heartbeatLoop(conn *websocket.Conn, connDone chan struct{}) {
	if c.config.PingInterval <= 0 || conn == nil {
		return
	}
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-connDone:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				log.Printf("Send ping failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.done:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

// doReconnect 指数退避重连，超过MaxReconnectTries后放弃并结束客户端
func (c *Client) doReconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		log.Printf("Reconnecting to %s (attempt %d/%d)", c.redactedURL(), attempt, c.config.MaxReconnectTries)
		return c.doConnect(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(backOff, uint64(c.config.MaxReconnectTries)), ctx))
	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		if c.compareAndSwapState(StateReconnecting, StateDisconnected) {
			c.finish(fmt.Errorf("reconnect failed: %w", err))
		}
		return
	}

	if !c.compareAndSwapState(StateReconnecting, StateConnected) {
		c.dropConn()
		return
	}
	c.reconnects.Add(1)
	log.Printf("Reconnected to %s", c.redactedURL())
	c.startLoops()
}

// finish 客户端最终结束：关闭Done并回调一次
func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// State 当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 成功重连次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":      c.getState().String(),
		"sent":       c.sent.Load(),
		"received":   c.received.Load(),
		"reconnects": c.reconnects.Load(),
	}
}
