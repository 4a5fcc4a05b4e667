package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

type wsDialer struct{}

func NewDialer() Dialer { return wsDialer{} }

func (wsDialer) Dial(ctx context.Context, cfg Config) (Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial rejected (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	return &wsConn{
		conn:          conn,
		transport:     cfg.Transport,
		temperature:   cfg.Temperature,
		commitAppends: cfg.CommitAppends,
	}, nil
}

// wsConn is the in-socket variant of Conn. A single mutex serializes writes;
// gorilla conns allow one concurrent writer only.
type wsConn struct {
	conn          *websocket.Conn
	transport     TransportMode
	temperature   float64
	commitAppends bool

	mu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Configure(cfg SessionConfig) error {
	session := map[string]any{
		"modalities":     []string{"text", "audio"},
		"voice":          cfg.Voice,
		"instructions":   cfg.Instructions,
		"temperature":    c.temperature,
		"turn_detection": nil,
	}
	if c.transport == TransportWebSocket {
		session["input_audio_format"] = "pcm16"
		session["output_audio_format"] = "pcm16"
	}
	return c.writeJSON(map[string]any{
		"type":    EventSessionUpdate,
		"session": session,
	})
}

func (c *wsConn) EnableTurnDetection() error {
	return c.writeJSON(map[string]any{
		"type": EventSessionUpdate,
		"session": map[string]any{
			"turn_detection": map[string]any{"type": "server_vad"},
		},
	})
}

func (c *wsConn) AppendAudio(pcm []byte) error {
	if err := c.writeJSON(map[string]any{
		"type":  EventInputAudioAppend,
		"audio": base64.StdEncoding.EncodeToString(pcm),
	}); err != nil {
		return err
	}
	if !c.commitAppends {
		return nil
	}
	// same logical step as the append; a lone append stalls recognition
	return c.writeJSON(map[string]any{"type": EventInputAudioCommit})
}

func (c *wsConn) CreateSystemItem(text string) error {
	return c.writeJSON(map[string]any{
		"type": EventItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

func (c *wsConn) CreateResponse() error {
	return c.writeJSON(map[string]any{"type": EventResponseCreate})
}

func (c *wsConn) ReadEvent() (*ServerEvent, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType == websocket.BinaryMessage {
		return &ServerEvent{Binary: data}, nil
	}
	return parseServerEvent(data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}
