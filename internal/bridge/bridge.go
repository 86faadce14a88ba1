package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"GoAIInterviewer/internal/interview"
	"GoAIInterviewer/internal/logger"
	"GoAIInterviewer/internal/metrics"
	"GoAIInterviewer/internal/protocol"
	"GoAIInterviewer/internal/wsclient"
)

const module = "Bridge"

// Engine 桥接层需要的状态机入口
type Engine interface {
	GetSession(id string) (*interview.Session, error)
	StartInterview(id string) (interview.Reply, error)
	ProcessResponse(ctx context.Context, id, text string) (interview.Reply, error)
}

// Observer 面试官消息的旁路订阅者（广播中心）
type Observer interface {
	PublishReply(interviewID string, reply interview.Reply)
}

// Config 桥接配置
type Config struct {
	// 媒体房间数据通道地址，例如 ws://localhost:7880/rtc
	URL         string
	WarmupDelay time.Duration
	TurnTimeout time.Duration
	Client      wsclient.ClientConfig
}

// DefaultConfig 默认配置
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		WarmupDelay: 3 * time.Second,
		TurnTimeout: 90 * time.Second,
		Client:      *wsclient.DefaultClientConfig(url, ""),
	}
}

type task struct {
	event protocol.Event
	start bool
}

// roomConn 一个房间的面试官连接，入站事件由单独的goroutine按序处理
type roomConn struct {
	room        string
	interviewID string
	identity    string
	client      *wsclient.Client

	inbox    chan task
	finish   chan string
	stop     chan struct{}
	stopOnce sync.Once

	warmupMu sync.Mutex
	warmup   *time.Timer
	started  atomic.Bool
}

func (rc *roomConn) shutdown() {
	rc.stopOnce.Do(func() {
		close(rc.stop)
		rc.warmupMu.Lock()
		if rc.warmup != nil {
			rc.warmup.Stop()
		}
		rc.warmupMu.Unlock()
	})
}

// Bridge 每个房间保持一条面试官连接
type Bridge struct {
	engine   Engine
	tokens   *TokenIssuer
	metrics  *metrics.Metrics
	observer atomic.Value // observerBox

	cfgMu sync.RWMutex
	cfg   Config

	mu    sync.RWMutex
	rooms map[string]*roomConn
}

type observerBox struct{ Observer }

// New 创建桥接
func New(engine Engine, tokens *TokenIssuer, cfg Config, m *metrics.Metrics) *Bridge {
	b := &Bridge{
		engine:  engine,
		tokens:  tokens,
		metrics: m,
		rooms:   make(map[string]*roomConn),
	}
	b.SetConfig(cfg)
	return b
}

// SetObserver 设置旁路订阅者
func (b *Bridge) SetObserver(o Observer) {
	b.observer.Store(observerBox{o})
}

// SetConfig 热更新配置，只影响之后打开的连接和之后的预热
func (b *Bridge) SetConfig(cfg Config) {
	if cfg.WarmupDelay < 0 {
		cfg.WarmupDelay = 0
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 90 * time.Second
	}
	b.cfgMu.Lock()
	b.cfg = cfg
	b.cfgMu.Unlock()
}

func (b *Bridge) config() Config {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg
}

func (b *Bridge) publish(interviewID string, reply interview.Reply) {
	if box, ok := b.observer.Load().(observerBox); ok && box.Observer != nil {
		box.PublishReply(interviewID, reply)
	}
}

// Open 为房间建立面试官连接并登记。房间已有可用连接时直接返回
func (b *Bridge) Open(ctx context.Context, room, interviewID string) error {
	if room == "" || interviewID == "" {
		return fmt.Errorf("%w: room and interview id are required", interview.ErrValidation)
	}

	b.mu.RLock()
	existing := b.rooms[room]
	b.mu.RUnlock()
	if existing != nil && existing.client.IsConnected() && existing.interviewID == interviewID {
		return nil
	}

	cfg := b.config()
	if cfg.URL == "" {
		return fmt.Errorf("%w: media url is not configured", interview.ErrTransportUnavailable)
	}
	token, err := b.tokens.MintInterviewer(room)
	if err != nil {
		return fmt.Errorf("%w: %w", interview.ErrTransportUnavailable, err)
	}

	clientCfg := cfg.Client
	clientCfg.URL = cfg.URL
	clientCfg.Token = token
	rc := &roomConn{
		room:        room,
		interviewID: interviewID,
		identity:    InterviewerIdentity(room),
		client:      wsclient.New(&clientCfg),
		inbox:       make(chan task, 64),
		finish:      make(chan string, 1),
		stop:        make(chan struct{}),
	}
	rc.client.SetMessageHandler(func(raw []byte) { b.onMessage(rc, raw) })
	rc.client.SetCloseHandler(func(err error) { b.onTransportClosed(rc, err) })

	// 拨号在锁外进行，不同房间互不阻塞
	if err := rc.client.Connect(ctx); err != nil {
		rc.shutdown()
		logger.LogError(module, fmt.Sprintf("连接房间 %s 失败: %v", room, err), interviewID)
		return fmt.Errorf("%w: %w", interview.ErrTransportUnavailable, err)
	}

	b.mu.Lock()
	previous := b.rooms[room]
	b.rooms[room] = rc
	b.mu.Unlock()
	if previous != nil {
		b.teardown(previous)
	}

	go b.worker(rc)
	logger.LogSuccess(module, fmt.Sprintf("面试官已加入房间 %s", room), interviewID)
	return nil
}

// Send 向房间发送一条面试官消息，没有可用连接时返回false
func (b *Bridge) Send(room, text string) bool {
	b.mu.RLock()
	rc := b.rooms[room]
	b.mu.RUnlock()
	if rc == nil || !rc.client.IsConnected() {
		b.metrics.IncrementBridgeOut(false)
		logger.LogWarning(module, fmt.Sprintf("房间 %s 没有可用连接，消息未送达", room), "")
		return false
	}
	return b.sendOn(rc, text)
}

func (b *Bridge) sendOn(rc *roomConn, text string) bool {
	raw, err := protocol.EncodeChat(text, time.Now())
	if err != nil {
		b.metrics.IncrementBridgeOut(false)
		logger.LogError(module, fmt.Sprintf("编码消息失败: %v", err), rc.interviewID)
		return false
	}
	if err := rc.client.Send(raw); err != nil {
		b.metrics.IncrementBridgeOut(false)
		logger.LogWarning(module, fmt.Sprintf("发送到房间 %s 失败: %v", rc.room, err), rc.interviewID)
		return false
	}
	b.metrics.IncrementBridgeOut(true)
	return true
}

// Close 关闭房间连接并移除登记
func (b *Bridge) Close(room string) {
	b.mu.Lock()
	rc := b.rooms[room]
	delete(b.rooms, room)
	b.mu.Unlock()
	if rc != nil {
		b.teardown(rc)
		logger.LogInfo(module, fmt.Sprintf("已关闭房间 %s 的连接", room), rc.interviewID)
	}
}

// CloseInterview 只在房间连接属于interviewID时关闭，房间被新面试复用时不受影响
func (b *Bridge) CloseInterview(room, interviewID string) bool {
	b.mu.Lock()
	rc := b.rooms[room]
	if rc == nil || rc.interviewID != interviewID {
		b.mu.Unlock()
		return false
	}
	delete(b.rooms, room)
	b.mu.Unlock()
	b.teardown(rc)
	logger.LogInfo(module, fmt.Sprintf("已关闭房间 %s 的连接", room), interviewID)
	return true
}

// Finish 在当前轮次处理完后发送message（可为空）并关闭连接
func (b *Bridge) Finish(room, message string) {
	b.mu.RLock()
	rc := b.rooms[room]
	b.mu.RUnlock()
	if rc == nil {
		return
	}
	select {
	case rc.finish <- message:
	default:
		// 已经在结束中
	}
}

// CloseAll 关闭所有连接
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	rooms := make([]*roomConn, 0, len(b.rooms))
	for room, rc := range b.rooms {
		rooms = append(rooms, rc)
		delete(b.rooms, room)
	}
	b.mu.Unlock()
	for _, rc := range rooms {
		b.teardown(rc)
	}
}

// IsOpen 房间是否有可用连接
func (b *Bridge) IsOpen(room string) bool {
	b.mu.RLock()
	rc := b.rooms[room]
	b.mu.RUnlock()
	return rc != nil && rc.client.IsConnected()
}

// Rooms 已登记的房间
func (b *Bridge) Rooms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.rooms))
	for room := range b.rooms {
		out = append(out, room)
	}
	return out
}

func (b *Bridge) teardown(rc *roomConn) {
	rc.shutdown()
	rc.client.Close()
}

func (b *Bridge) onTransportClosed(rc *roomConn, err error) {
	b.mu.Lock()
	if b.rooms[rc.room] == rc {
		delete(b.rooms, rc.room)
	}
	b.mu.Unlock()
	rc.shutdown()
	if err != nil {
		// 连接断开不结束面试，可以重新打开
		logger.LogWarning(module, fmt.Sprintf("房间 %s 连接断开: %v", rc.room, err), rc.interviewID)
	}
}

// onMessage 在读循环中执行，只做解码和入队
func (b *Bridge) onMessage(rc *roomConn, raw []byte) {
	ev, err := protocol.DecodeEvent(raw)
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrUnknownEnvelope):
		logger.LogInfo(module, fmt.Sprintf("忽略消息: %v", err), rc.interviewID)
		return
	default:
		b.metrics.IncrementBridgeInvalid()
		logger.LogWarning(module, fmt.Sprintf("无效消息: %v", err), rc.interviewID)
		return
	}

	if ev.Kind == protocol.EventParticipantJoined && ev.Participant == rc.identity {
		return
	}
	b.metrics.IncrementBridgeIn()
	select {
	case rc.inbox <- task{event: ev}:
	case <-rc.stop:
	}
}

func (b *Bridge) worker(rc *roomConn) {
	for {
		select {
		case <-rc.stop:
			return
		case message := <-rc.finish:
			if strings.TrimSpace(message) != "" {
				b.sendOn(rc, message)
			}
			b.mu.Lock()
			if b.rooms[rc.room] == rc {
				delete(b.rooms, rc.room)
			}
			b.mu.Unlock()
			b.teardown(rc)
			logger.LogInfo(module, fmt.Sprintf("面试结束，已离开房间 %s", rc.room), rc.interviewID)
			return
		case t := <-rc.inbox:
			b.handle(rc, t)
		}
	}
}

func (b *Bridge) handle(rc *roomConn, t task) {
	if t.start {
		b.startInterview(rc)
		return
	}
	switch t.event.Kind {
	case protocol.EventCandidateChat:
		b.candidateTurn(rc, t.event.Text)
	case protocol.EventParticipantJoined:
		b.scheduleStart(rc)
	case protocol.EventParticipantLeft:
		logger.LogInfo(module, fmt.Sprintf("参与者 %s 离开房间 %s", t.event.Participant, rc.room), rc.interviewID)
	}
}

func (b *Bridge) candidateTurn(rc *roomConn, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config().TurnTimeout)
	defer cancel()

	reply, err := b.engine.ProcessResponse(ctx, rc.interviewID, text)
	if err != nil {
		logger.LogError(module, fmt.Sprintf("处理候选人回答失败: %v", err), rc.interviewID)
		return
	}
	b.deliver(rc, reply)
}

// scheduleStart 候选人加入且面试尚未开始时，延迟预热后开场
func (b *Bridge) scheduleStart(rc *roomConn) {
	sess, err := b.engine.GetSession(rc.interviewID)
	if err != nil {
		logger.LogError(module, fmt.Sprintf("查询面试失败: %v", err), rc.interviewID)
		return
	}
	if sess.State != interview.StateWaiting {
		return
	}
	if !rc.started.CompareAndSwap(false, true) {
		return
	}

	delay := b.config().WarmupDelay
	rc.warmupMu.Lock()
	defer rc.warmupMu.Unlock()
	rc.warmup = time.AfterFunc(delay, func() {
		select {
		case rc.inbox <- task{start: true}:
		case <-rc.stop:
		}
	})
	logger.LogInfo(module, fmt.Sprintf("候选人已加入，%s 后开始面试", delay), rc.interviewID)
}

func (b *Bridge) startInterview(rc *roomConn) {
	reply, err := b.engine.StartInterview(rc.interviewID)
	if err != nil {
		if errors.Is(err, interview.ErrInvalidTransition) {
			return
		}
		logger.LogError(module, fmt.Sprintf("开始面试失败: %v", err), rc.interviewID)
		return
	}
	b.deliver(rc, reply)
}

func (b *Bridge) deliver(rc *roomConn, reply interview.Reply) {
	if reply.Type != interview.ReplyFarewell {
		b.sendOn(rc, reply.Text)
	}
	b.publish(rc.interviewID, reply)
}

// Relay 把其他入口产生的面试官回复送到房间。告别语由结束流程发送
func (b *Bridge) Relay(room string, reply interview.Reply) bool {
	if reply.Type == interview.ReplyFarewell {
		return b.IsOpen(room)
	}
	return b.Send(room, reply.Text)
}

// HandleCompletion 面试结束后发送最后一句话并离开房间。
// 正常结束时发送告别语，强制结束时发送termination。
func (b *Bridge) HandleCompletion(sess *interview.Session, forced bool, termination string) {
	message := termination
	if !forced {
		message = ""
		for i := len(sess.Transcript) - 1; i >= 0; i-- {
			if sess.Transcript[i].Speaker == interview.SpeakerAI {
				message = sess.Transcript[i].Text
				break
			}
		}
	}
	b.Finish(sess.RoomName, message)
}
