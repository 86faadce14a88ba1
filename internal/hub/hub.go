package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"GoAIInterviewer/internal/interview"
	"GoAIInterviewer/internal/logger"
	"GoAIInterviewer/internal/metrics"
)

const module = "Hub"

// Engine 广播中心调用的状态机入口
type Engine interface {
	GetSession(id string) (*interview.Session, error)
	StartInterview(id string) (interview.Reply, error)
	ProcessResponse(ctx context.Context, id, text string) (interview.Reply, error)
	EndInterview(id string) (*interview.Session, bool, error)
	Script() interview.Script
}

// Relay 把面试官发言转发到候选人的媒体房间
type Relay interface {
	Relay(room string, reply interview.Reply) bool
}

// Summarizer 面试结束时生成总结
type Summarizer func(ctx context.Context, interviewID string) (string, error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type joinRequest struct {
	client        *Client
	interviewID   string
	participantID string
}

type roomMessage struct {
	interviewID string
	raw         []byte
}

type directMessage struct {
	client *Client
	raw    []byte
}

// Hub 观察端的按面试分组的发布订阅。
// 成员关系只由Run所在的goroutine修改，所有对client.send的写入也只在那里发生。
type Hub struct {
	engine  Engine
	metrics *metrics.Metrics

	relay      atomic.Value // relayBox
	summarizer atomic.Value // Summarizer

	turnTimeout    time.Duration
	summaryTimeout time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration

	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	joins      chan joinRequest
	leaves     chan *Client
	broadcast  chan roomMessage
	direct     chan directMessage
	stop       chan struct{}
	stopOnce   sync.Once

	clientCount atomic.Int64
}

type relayBox struct{ Relay }

// New 创建广播中心，需要另起goroutine执行Run
func New(engine Engine, m *metrics.Metrics) *Hub {
	return &Hub{
		engine:         engine,
		metrics:        m,
		turnTimeout:    90 * time.Second,
		summaryTimeout: 60 * time.Second,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		clients:        make(map[*Client]bool),
		rooms:          make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		joins:          make(chan joinRequest),
		leaves:         make(chan *Client),
		broadcast:      make(chan roomMessage),
		direct:         make(chan directMessage),
		stop:           make(chan struct{}),
	}
}

// SetRelay 设置媒体房间转发
func (h *Hub) SetRelay(r Relay) {
	h.relay.Store(relayBox{r})
}

// SetSummarizer 设置结束时的总结生成
func (h *Hub) SetSummarizer(s Summarizer) {
	h.summarizer.Store(s)
}

// SetTurnTimeout 命令触发的单轮处理超时
func (h *Hub) SetTurnTimeout(d time.Duration) {
	if d > 0 {
		h.turnTimeout = d
	}
}

// Run 成员管理与广播循环，Stop后返回
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			for c := range h.clients {
				h.remove(c, false)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.clientCount.Add(1)
			h.metrics.AddHubClients(1)

		case c := <-h.unregister:
			if h.clients[c] {
				h.remove(c, true)
			}

		case req := <-h.joins:
			h.join(req)

		case c := <-h.leaves:
			h.leave(c)

		case msg := <-h.broadcast:
			members := h.rooms[msg.interviewID]
			for c := range members {
				h.deliver(c, msg.raw)
			}
			h.metrics.IncrementHubBroadcast()

		case msg := <-h.direct:
			if h.clients[msg.client] {
				h.deliver(msg.client, msg.raw)
			}
		}
	}
}

// Stop 断开所有观察端并结束Run
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// deliver 非阻塞写入，发送队列满的客户端直接断开
func (h *Hub) deliver(c *Client, raw []byte) {
	select {
	case c.send <- raw:
	default:
		logger.LogWarning(module, fmt.Sprintf("观察端 %s 处理过慢，已断开", c.participantID), c.interviewID)
		h.remove(c, true)
	}
}

func (h *Hub) join(req joinRequest) {
	c := req.client
	if !h.clients[c] {
		return
	}
	if c.interviewID != "" && c.interviewID != req.interviewID {
		h.leave(c)
	}

	members, ok := h.rooms[req.interviewID]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[req.interviewID] = members
	}
	c.interviewID = req.interviewID
	c.participantID = req.participantID

	joined := encode(Outbound{Event: EventParticipantJoined, Data: ParticipantEvent{ParticipantID: req.participantID}})
	for other := range members {
		if other != c {
			h.deliver(other, joined)
		}
	}
	members[c] = true
	h.deliver(c, encode(Outbound{Event: EventJoinedInterview, Data: JoinedInterview{
		InterviewID: req.interviewID,
		Message:     fmt.Sprintf("Joined interview %s", req.interviewID),
	}}))
}

func (h *Hub) leave(c *Client) {
	if c.interviewID == "" {
		return
	}
	id := c.interviewID
	members := h.rooms[id]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, id)
	}
	c.interviewID = ""

	left := encode(Outbound{Event: EventParticipantLeft, Data: ParticipantEvent{ParticipantID: c.participantID}})
	for other := range members {
		h.deliver(other, left)
	}
}

// remove 只在Run中调用
func (h *Hub) remove(c *Client, notify bool) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	if notify {
		h.leave(c)
	} else if c.interviewID != "" {
		delete(h.rooms[c.interviewID], c)
	}
	close(c.send)
	h.clientCount.Add(-1)
	h.metrics.AddHubClients(-1)
}

func (h *Hub) enqueue(ch chan roomMessage, msg roomMessage) {
	select {
	case ch <- msg:
	case <-h.stop:
	}
}

func (h *Hub) sendTo(c *Client, out Outbound) {
	select {
	case h.direct <- directMessage{client: c, raw: encode(out)}:
	case <-h.stop:
	}
}

// PublishReply 向面试分组广播面试官发言。告别语由完成回调在结束事件之前广播，这里跳过
func (h *Hub) PublishReply(interviewID string, reply interview.Reply) {
	if reply.Type == interview.ReplyFarewell {
		return
	}
	h.publishMessage(interviewID, reply)
}

func (h *Hub) publishMessage(interviewID string, reply interview.Reply) {
	h.enqueue(h.broadcast, roomMessage{
		interviewID: interviewID,
		raw: encode(Outbound{Event: EventAIInterviewerMessage, Data: AIInterviewerMessage{
			InterviewID: interviewID,
			Message:     reply.Text,
			MessageType: string(reply.Type),
		}}),
	})
}

// PublishEnded 向面试分组广播结束事件
func (h *Hub) PublishEnded(interviewID, message, summary string) {
	h.enqueue(h.broadcast, roomMessage{
		interviewID: interviewID,
		raw: encode(Outbound{Event: EventInterviewEnded, Data: InterviewEnded{
			InterviewID: interviewID,
			Message:     message,
			Summary:     summary,
		}}),
	})
}

// HandleCompletion 作为状态机的完成回调：自然结束时先广播告别语，生成总结后广播结束事件
func (h *Hub) HandleCompletion(sess *interview.Session, forced bool) {
	message := h.engine.Script().Termination
	if !forced {
		for i := len(sess.Transcript) - 1; i >= 0; i-- {
			if sess.Transcript[i].Speaker == interview.SpeakerAI {
				message = sess.Transcript[i].Text
				break
			}
		}
		h.publishMessage(sess.ID, interview.Reply{Text: message, Type: interview.ReplyFarewell})
	}
	id := sess.ID
	summarize, _ := h.summarizer.Load().(Summarizer)
	if summarize == nil {
		h.PublishEnded(id, message, "")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.summaryTimeout)
		defer cancel()
		summary, err := summarize(ctx, id)
		if err != nil {
			logger.LogWarning(module, fmt.Sprintf("生成面试总结失败: %v", err), id)
			summary = ""
		}
		h.PublishEnded(id, message, summary)
	}()
}

func (h *Hub) relayReply(interviewID string, reply interview.Reply) {
	box, ok := h.relay.Load().(relayBox)
	if !ok || box.Relay == nil {
		return
	}
	sess, err := h.engine.GetSession(interviewID)
	if err != nil {
		return
	}
	if !box.Relay.Relay(sess.RoomName, reply) {
		logger.LogWarning(module, fmt.Sprintf("房间 %s 没有面试官连接，消息只推送给观察端", sess.RoomName), interviewID)
	}
}

// HandleWebSocket 处理观察端连接
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket升级失败: %v", err)
		return
	}
	c := newClient(h, conn)

	select {
	case h.register <- c:
	case <-h.stop:
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// dispatch 执行一条命令，错误只以ack形式返回给发起方
func (h *Hub) dispatch(c *Client, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		logger.LogWarning(module, "收到无法解析的命令", "")
		h.sendTo(c, Outbound{Event: EventError, Data: ErrorEvent{Message: "invalid command"}})
		return
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}

	var data CommandData
	if len(in.Data) > 0 {
		if err := json.Unmarshal(in.Data, &data); err != nil {
			h.fail(c, in, fmt.Errorf("%w: %v", interview.ErrValidation, err))
			return
		}
	}
	data.InterviewID = strings.TrimSpace(data.InterviewID)

	result, err := h.handle(c, in.Event, data)
	if err != nil {
		h.fail(c, in, err)
		return
	}
	h.sendTo(c, Outbound{Event: EventAck, RequestID: in.RequestID, Data: Ack{Success: true, Result: result}})
}

func (h *Hub) fail(c *Client, in Inbound, err error) {
	logger.LogError(module, fmt.Sprintf("命令 %s 失败: %v", in.Event, err), "")
	h.sendTo(c, Outbound{Event: EventAck, RequestID: in.RequestID, Data: Ack{Success: false, Error: err.Error()}})
}

var errUnknownCommand = errors.New("unknown command")

func (h *Hub) handle(c *Client, command string, data CommandData) (interface{}, error) {
	if command != CommandLeave && data.InterviewID == "" {
		return nil, fmt.Errorf("%w: interviewId is required", interview.ErrValidation)
	}

	switch command {
	case CommandJoin:
		if _, err := h.engine.GetSession(data.InterviewID); err != nil {
			return nil, err
		}
		participant := data.ParticipantID
		if participant == "" {
			participant = uuid.NewString()
		}
		select {
		case h.joins <- joinRequest{client: c, interviewID: data.InterviewID, participantID: participant}:
		case <-h.stop:
		}
		logger.LogInfo(module, fmt.Sprintf("观察端 %s 加入面试", participant), data.InterviewID)
		return nil, nil

	case CommandLeave:
		select {
		case h.leaves <- c:
		case <-h.stop:
		}
		return nil, nil

	case CommandCandidateResponse:
		ctx, cancel := context.WithTimeout(context.Background(), h.turnTimeout)
		defer cancel()
		reply, err := h.engine.ProcessResponse(ctx, data.InterviewID, data.Text)
		if err != nil {
			return nil, err
		}
		h.PublishReply(data.InterviewID, reply)
		h.relayReply(data.InterviewID, reply)
		return reply, nil

	case CommandStartInterview:
		reply, err := h.engine.StartInterview(data.InterviewID)
		if err != nil {
			return nil, err
		}
		h.PublishReply(data.InterviewID, reply)
		h.relayReply(data.InterviewID, reply)
		return reply, nil

	case CommandEndInterview:
		// 结束事件由完成回调广播
		_, changed, err := h.engine.EndInterview(data.InterviewID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"changed": changed}, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, command)
	}
}

func encode(out Outbound) []byte {
	raw, err := json.Marshal(out)
	if err != nil {
		log.Printf("编码事件失败: %v", err)
		return []byte(`{"event":"error","data":{"message":"encode failed"}}`)
	}
	return raw
}
