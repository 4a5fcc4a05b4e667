// Package realtime speaks the remote low-latency speech API's WebSocket
// protocol: one session-configuration message up front, then audio appends and
// control events both ways.
package realtime

import (
	"context"
	"os"
	"strconv"
	"time"
)

type TransportMode string

const (
	// TransportWebSocket carries audio inside the socket; the configuration
	// message must name the audio formats explicitly.
	TransportWebSocket TransportMode = "websocket"
	// TransportWebRTC negotiates formats on the media track; the
	// configuration message must omit the format fields.
	TransportWebRTC TransportMode = "webrtc"
)

type Config struct {
	URL         string
	Model       string
	APIKey      string
	Transport   TransportMode
	Temperature float64

	// CommitAppends sends input_audio_buffer.commit immediately after every
	// append, for wire variants that stall recognition without it.
	CommitAppends bool

	DialTimeout time.Duration
	AckTimeout  time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		URL:         os.Getenv("REALTIME_URL"),
		Model:       os.Getenv("REALTIME_MODEL"),
		APIKey:      os.Getenv("REALTIME_API_KEY"),
		Transport:   TransportMode(os.Getenv("REALTIME_TRANSPORT")),
		Temperature: 0.8,
		DialTimeout: 10 * time.Second,
		AckTimeout:  10 * time.Second,
	}
	if cfg.URL == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Transport != TransportWebRTC {
		cfg.Transport = TransportWebSocket
	}
	// commit-after-append only applies to the in-socket audio variant
	cfg.CommitAppends = cfg.Transport == TransportWebSocket
	if v := os.Getenv("REALTIME_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Temperature = f
		}
	}
	return cfg
}

// SessionConfig is the per-session portion of the configuration message.
type SessionConfig struct {
	Voice        string
	Instructions string
}

// Conn is one live upstream connection. Writes are safe for concurrent use;
// ReadEvent must be called from a single goroutine.
type Conn interface {
	// Configure sends the session-configuration message with turn detection
	// disabled. Must be the first message on the wire.
	Configure(cfg SessionConfig) error

	// EnableTurnDetection switches on server-side VAD. Deliberately separate
	// from Configure so the opening exchange is never cut off.
	EnableTurnDetection() error

	AppendAudio(pcm []byte) error
	CreateSystemItem(text string) error
	CreateResponse() error

	ReadEvent() (*ServerEvent, error)

	// SetReadDeadline bounds the next ReadEvent; zero clears the bound.
	SetReadDeadline(t time.Time) error

	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}
