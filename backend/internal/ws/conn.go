package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendQueueSize  = 64
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	maxCloseReason = 120
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

// Conn 是一条 gorilla websocket 连接：readLoop 把消息交给 Hub，
// writeLoop 持续消费 send 队列写出 JSON
type Conn struct {
	ws   *websocket.Conn
	hub  *Hub
	conn *Connection
	// chan 是 goroutine 之间通信的队列，send 只存放出站消息
	send chan Message
	done chan struct{}
	once sync.Once
	log  zerolog.Logger

	// 在 close(done) 之前写入，writeLoop 退出时据此发送关闭帧
	closeCode   int
	closeReason string
}

var _ Sender = (*Conn)(nil)

func NewConn(ws *websocket.Conn, hub *Hub, log zerolog.Logger) *Conn {
	return &Conn{
		ws:   ws,
		hub:  hub,
		send: make(chan Message, sendQueueSize),
		done: make(chan struct{}),
		log:  log,
	}
}

// Send 只入队不阻塞；队列满或连接已关闭都算发送失败，Hub 会把连接踢出房间
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 可重复调用，只有第一次生效；不做网络 I/O，关闭帧由 writeLoop 发出
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		// 1005/1006/1015 只用于本地表示，不能出现在关闭帧里
		switch code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			code = websocket.CloseNormalClosure
		}
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		c.closeCode, c.closeReason = code, reason
		close(c.done)
	})
}

// shutdown 只在 writeLoop 里调用，发送关闭帧后断开底层连接，readLoop 随之退出
func (c *Conn) shutdown() {
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), deadline)
	_ = c.ws.Close()
}

// Serve 加入房间后阻塞在读循环，直到连接断开
func (c *Conn) Serve(room RoomID, p Participant) error {
	// 先启动写循环，确保 Join 时写入 send 的消息能及时发出
	go c.writeLoop()

	joined, err := c.hub.Join(room, p, c)
	if err != nil {
		c.Close(websocket.ClosePolicyViolation, err.Error())
		return err
	}
	c.conn = joined
	c.readLoop()
	return nil
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	code, reason := websocket.CloseNormalClosure, ""
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			} else {
				code, reason = websocket.CloseAbnormalClosure, err.Error()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Str("conn_id", c.conn.ID).Msg("read error")
			}
			break
		}
		if err := c.hub.Receive(c.conn, data); err != nil {
			// 已被踢出房间或 hub 已关闭
			code, reason = CloseSendFailure, err.Error()
			break
		}
	}
	c.hub.Leave(c.conn, code, reason)
	c.Close(code, reason)
}

func (c *Conn) writeLoop() {
	defer c.shutdown()
	// 持续消费通道中的出站消息
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Str("type", msg.MessageType()).Msg("write error")
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}
