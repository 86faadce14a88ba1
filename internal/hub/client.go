package hub

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
	commandBuffer  = 16
)

// Client 一个观察端连接。interviewID与participantID只在Hub.Run中读写
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	commands chan []byte

	interviewID   string
	participantID string
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		commands: make(chan []byte, commandBuffer),
	}
}

// commandLoop 按到达顺序执行命令。AI调用可能很慢，放在读循环之外，读循环照常处理pong
func (c *Client) commandLoop() {
	for raw := range c.commands {
		c.hub.dispatch(c, raw)
	}
}

// readPump 读取命令交给commandLoop，退出时注销
func (c *Client) readPump() {
	go c.commandLoop()
	defer func() {
		close(c.commands)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	pongWait := c.hub.pongWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("观察端连接错误: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case c.commands <- raw:
		default:
			c.hub.sendTo(c, Outbound{Event: EventError, Data: ErrorEvent{Message: "too many pending commands"}})
		}
	}
}

// writePump 发送队列关闭后关闭连接
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
