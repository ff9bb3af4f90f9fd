package handlers

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

// Client streams session events to one websocket and accepts intents from it.
type Client struct {
	Id   string
	Conn ConnLike
	Sub  *chat.Subscription

	session *chat.Session
	writeMu sync.Mutex
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Command is an intent sent by a websocket client.
type Command struct {
	Action         string `json:"action"` // select | send | read | cancel | retry
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Kind           string `json:"kind,omitempty"`
	Text           string `json:"text,omitempty"`
	URI            string `json:"uri,omitempty"`
}

type reply struct {
	Kind    string        `json:"kind"` // "result" or "error"
	Action  string        `json:"action"`
	Error   string        `json:"error,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
}

func (c *Client) ReadPump() {
	defer c.Sub.Close()
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.write(reply{Kind: "error", Error: "malformed command"})
			continue
		}
		c.write(c.handle(cmd))
	}
}

func (c *Client) handle(cmd Command) reply {
	r := reply{Kind: "result", Action: cmd.Action}
	var (
		m   chat.Message
		err error
	)
	switch cmd.Action {
	case "select":
		err = c.session.SelectConversation(cmd.ConversationID)
	case "read":
		err = c.session.MarkRead(cmd.ConversationID)
	case "send":
		var kind chat.Kind
		if kind, err = chat.ParseKind(cmd.Kind); err == nil {
			m, err = c.session.Send(kind, cmd.Text, cmd.URI)
			r.Message = &m
		}
	case "cancel":
		m, err = c.session.Cancel(cmd.MessageID)
		r.Message = &m
	case "retry":
		m, err = c.session.Retry(cmd.MessageID)
		r.Message = &m
	default:
		return reply{Kind: "error", Action: cmd.Action, Error: "unknown action"}
	}
	if err != nil {
		return reply{Kind: "error", Action: cmd.Action, Error: err.Error()}
	}
	return r
}

func (c *Client) write(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		jww.ERROR.Printf("[API] failed to encode reply for %s: %v", c.Id, err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.WriteMessage(websocket.TextMessage, b); err != nil {
		jww.DEBUG.Printf("[API] write to %s failed: %v", c.Id, err)
	}
}

// WritePump forwards events until the subscription closes.
func (c *Client) WritePump() {
	for e := range c.Sub.C {
		c.write(e)
	}
	_ = c.Conn.Close()
}
