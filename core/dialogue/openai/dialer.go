// Package openai connects the dialogue link to the OpenAI Realtime API over a
// websocket.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ym-dskr/talk-system/core/dialogue"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-mini-realtime-preview"

	defaultHandshakeTimeout = 10 * time.Second
	closeGracePeriod        = time.Second
)

var ErrMissingAPIKey = errors.New("openai api key not set")

// Dialer opens Realtime sessions. The zero value of URL and Model selects
// the defaults.
type Dialer struct {
	URL              string
	Model            string
	APIKey           string
	HandshakeTimeout time.Duration
}

func NewDialer(apiKey string) *Dialer {
	return &Dialer{URL: DefaultURL, Model: DefaultModel, APIKey: apiKey}
}

func (d *Dialer) Dial(ctx context.Context) (dialogue.Conn, error) {
	if d.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	handshakeTimeout := d.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, http.Header{
		"Authorization": {"Bearer " + d.APIKey},
		"OpenAI-Beta":   {"realtime=v1"},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open socket connection to openai (status %s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to open socket connection to openai: %w", err)
	}

	return &conn{ws: ws}, nil
}

func (d *Dialer) endpoint() (string, error) {
	base := d.URL
	if base == "" {
		base = DefaultURL
	}
	model := d.Model
	if model == "" {
		model = DefaultModel
	}

	endpoint, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url %q: %w", base, err)
	}
	query := endpoint.Query()
	query.Set("model", model)
	endpoint.RawQuery = query.Encode()
	return endpoint.String(), nil
}

// conn adapts a websocket to dialogue.Conn. Messages are JSON text frames.
type conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *conn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write to openai: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
