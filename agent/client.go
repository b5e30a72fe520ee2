package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-connections/sockets"
	inet "github.com/guseggert/procpool/internal/net"
	"github.com/guseggert/procpool/worker"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to an Agent's control API.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent listening on addr.
func NewClient(addr string, opts ...ClientOption) (*Client, error) {
	network, address, err := inet.ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	tr := &http.Transport{}
	if err := sockets.ConfigureTransport(tr, network, address); err != nil {
		return nil, fmt.Errorf("configuring transport for %s: %w", addr, err)
	}

	// unix socket requests still need a host, it is never resolved
	baseURL := "http://procpool"
	if network == "tcp" {
		baseURL = "http://" + address
	}

	c := &Client{
		Logger:        zap.NewNop().Sugar(),
		baseURL:       baseURL,
		waitInterval:  100 * time.Millisecond,
		stopHeartbeat: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: tr}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

// do sends a request and fails on any non-200 status, returning the body of successful responses.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, worker.ErrUnknownWorker)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-200 HTTP status code %d received for %s %s: %s", resp.StatusCode, method, path, bytes.TrimSpace(b))
	}
	return b, nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.do(ctx, http.MethodGet, "/heartbeat", nil)
	return err
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat sends a heartbeat every interval until StopHeartbeat is called.
func (c *Client) StartHeartbeat(interval time.Duration) {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := c.SendHeartbeat(context.Background())
			if err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}

func (c *Client) Status(ctx context.Context) ([]WorkerStatus, error) {
	b, err := c.do(ctx, http.MethodGet, "/workers", nil)
	if err != nil {
		return nil, err
	}
	var out []WorkerStatus
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return out, nil
}

func (c *Client) Reload(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(name)+"/reload", nil)
	return err
}

func (c *Client) Terminate(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(name)+"/terminate", nil)
	return err
}

func (c *Client) Guard(ctx context.Context, name string, index int) error {
	_, err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(name)+"/guard/"+strconv.Itoa(index), nil)
	return err
}

// Send sends cmd to the given replicas of the pool, or to all of them when no index is given.
func (c *Client) Send(ctx context.Context, cmd worker.Command, name string, indices ...int) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	q := url.Values{}
	for _, i := range indices {
		q.Add("index", strconv.Itoa(i))
	}
	path := "/workers/" + url.PathEscape(name) + "/command"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	_, err = c.do(ctx, http.MethodPost, path, b)
	return err
}

// Events streams slot state transitions until ctx is done or the agent goes away, then closes the channel.
func (c *Client) Events(ctx context.Context) (<-chan worker.Event, error) {
	u := c.baseURL + "/events"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}

	ch := make(chan worker.Event)
	go func() {
		defer close(ch)
		defer wsConn.Close(websocket.StatusNormalClosure, "")
		for {
			var e worker.Event
			if err := wsjson.Read(ctx, wsConn, &e); err != nil {
				c.Logger.Debugf("event stream ended: %s", err)
				return
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
