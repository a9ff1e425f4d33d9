package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// WSDialer dials the server's job events endpoint over WebSocket. It
// satisfies Dialer and carries the resume cursor in the query string so
// the server replays only what the client missed.
type WSDialer struct {
	// BaseURL is the server root, e.g. "ws://localhost:8080".
	BaseURL string

	// Token is the bearer token sent on the upgrade request.
	Token string

	// HeartbeatTimeout is the read deadline extended on every pong.
	// Zero uses the manager default.
	HeartbeatTimeout time.Duration
}

var _ Dialer = (*WSDialer)(nil)

// Dial performs the WebSocket upgrade for the job's event stream.
func (d *WSDialer) Dial(ctx context.Context, jobID uuid.UUID, after uint64) (Conn, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = fmt.Sprintf("/api/jobs/%s/events", jobID)
	u.RawQuery = url.Values{"after": {fmt.Sprintf("%d", after)}}.Encode()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	timeout := d.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(timeout))
	})

	return &wsConn{ws: ws, timeout: timeout}, nil
}

type wsConn struct {
	ws      *websocket.Conn
	timeout time.Duration
}

var _ Conn = (*wsConn)(nil)

func (c *wsConn) ReadEvent() (domain.ProgressEvent, error) {
	var event domain.ProgressEvent
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return event, err
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("malformed event frame: %w", err)
	}
	return event, nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// HTTPStatusFetcher polls the job status endpoint. It backs the
// degraded polling mode with the same server the stream talks to.
type HTTPStatusFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

var _ StatusFetcher = (*HTTPStatusFetcher)(nil)

// FetchStatus reads the job record from the status endpoint.
func (f *HTTPStatusFetcher) FetchStatus(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/jobs/%s", f.BaseURL, jobID), nil)
	if err != nil {
		return nil, err
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var job domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}
	return &job, nil
}
