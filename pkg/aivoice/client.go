package aivoice

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Config carries connection settings for one realtime session.
type Config struct {
	URL            string
	APIKey         string
	ConnectTimeout time.Duration
}

// Client is one live realtime connection. Reads are pumped into Events();
// writes are serialized internally, so any goroutine may send.
type Client struct {
	conn   *websocket.Conn
	events chan *ServerEvent

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// Dial opens the realtime socket with bearer credentials. The context and
// ConnectTimeout both bound the handshake.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, eris.New("aivoice: url is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, eris.Wrapf(err, "aivoice: dial (http %d)", resp.StatusCode)
		}
		return nil, eris.Wrap(err, "aivoice: dial")
	}

	c := &Client{
		conn:   conn,
		events: make(chan *ServerEvent, 64),
	}
	go c.readPump()
	return c, nil
}

// Events returns the inbound event stream. The channel closes when the
// socket does; Err() then reports why.
func (c *Client) Events() <-chan *ServerEvent { return c.events }

// Err returns the read-side error that ended the session, nil before then.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// ClosedNormally reports whether the peer closed with a normal-closure
// code. Abnormal closes are reconnect candidates.
func (c *Client) ClosedNormally() bool {
	return websocket.IsCloseError(c.Err(), websocket.CloseNormalClosure)
}

func (c *Client) readPump() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		var evt ServerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			zap.L().Warn("aivoice: undecodable event", zap.Error(err))
			continue
		}
		c.events <- &evt
	}
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "aivoice: marshal message")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return eris.Wrap(err, "aivoice: write")
	}
	return nil
}

// UpdateSession sends the session.update configuration message.
func (c *Client) UpdateSession(cfg SessionConfig) error {
	return c.send(sessionUpdateMsg{Type: "session.update", Session: cfg})
}

// AppendAudio forwards one base64 audio payload into the input buffer.
func (c *Client) AppendAudio(payload string) error {
	return c.send(audioAppendMsg{Type: "input_audio_buffer.append", Audio: payload})
}

// CreateAssistantMessage injects a synthetic assistant item, used to make
// the agent speak first with a scripted opener.
func (c *Client) CreateAssistantMessage(text string) error {
	return c.send(itemCreateMsg{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "assistant",
			Content: []itemContent{{Type: "text", Text: text}},
		},
	})
}

// CreateResponse asks the peer to generate the next response.
func (c *Client) CreateResponse() error {
	return c.send(responseCreateMsg{Type: "response.create"})
}

// Close shuts the socket down. With normal=true a close frame with code
// 1000 is sent first so the peer does not treat it as a failure.
func (c *Client) Close(normal bool) error {
	var err error
	c.closeOnce.Do(func() {
		if normal {
			deadline := time.Now().Add(time.Second)
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			c.writeMu.Unlock()
		}
		err = c.conn.Close()
		// A readPump parked on a full event buffer never reaches the read
		// that would observe the closed conn; drain until the pump exits.
		go func() {
			for range c.events {
			}
		}()
	})
	return err
}
