package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dbcopier/backend/internal/types"
)

// 请求帧 / 响应帧
type request struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Args    any    `json:"args,omitempty"`
}

type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errorFrame     `json:"error,omitempty"`
}

type errorFrame struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

var errConnClosed = errors.New("engine connection closed")

// Client talks to the engine over a single websocket. Requests are multiplexed by
// id, so any number may be in flight; the socket is dialled lazily and redialled
// on the next call after it drops.
type Client struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	timeout time.Duration
	log     logrus.FieldLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan response

	writeMu sync.Mutex
}

type Option func(*Client)

// WithRequestTimeout bounds every request; zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialer.HandshakeTimeout = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		dialer:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 5 * time.Second},
		timeout: 30 * time.Second,
		log:     logrus.StandardLogger(),
		pending: make(map[string]chan response),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Engine = (*Client)(nil)

// Close drops the socket; in-flight requests fail with a connection error.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.drop(conn, nil)
	return nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.conn != nil {
		// 另一个调用已经建立了连接
		existing := c.conn
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.WithField("url", c.url).Info("connected to copy engine")
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			c.drop(conn, err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.log.WithField("request_id", resp.ID).Warn("dropping engine response with unknown id")
			continue
		}
		ch <- resp
	}
}

// drop forgets conn and fails every request still waiting on it.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan response)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.log.WithError(cause).Warn("engine connection lost")
	}
}

func (c *Client) call(ctx context.Context, command string, args any, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return transportError(command, fmt.Errorf("dial %s: %w", c.url, err))
	}

	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return transportError(command, errConnClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	log := c.log.WithFields(logrus.Fields{"command": command, "request_id": id})
	log.Debug("engine request")

	c.writeMu.Lock()
	deadline, _ := ctx.Deadline() // 零值表示不限时
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteJSON(request{ID: id, Command: command, Args: args})
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return transportError(command, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return transportError(command, errConnClosed)
		}
		if resp.Error != nil {
			log.WithField("kind", resp.Error.Kind).Debug("engine error: ", resp.Error.Message)
			return RemoteError(command, resp.Error.Kind, resp.Error.Message)
		}
		if out == nil {
			return nil
		}
		if len(resp.Result) == 0 {
			return types.NewProtocolError(command, "response has no result")
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return &types.Error{Kind: types.KindProtocol, Op: command, Message: "malformed result: " + err.Error(), Err: err}
		}
		return nil
	case <-ctx.Done():
		return transportError(command, ctx.Err())
	}
}

func (c *Client) ListConfigs(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.call(ctx, CmdListConfigs, nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *Client) LoadConfig(ctx context.Context, name string) (types.Config, error) {
	var cfg types.Config
	err := c.call(ctx, CmdLoadConfig, map[string]any{"name": name}, &cfg)
	return cfg, err
}

func (c *Client) SaveConfig(ctx context.Context, cfg types.Config) error {
	return c.call(ctx, CmdSaveConfig, map[string]any{"config": cfg}, nil)
}

func (c *Client) DeleteConfig(ctx context.Context, name string) error {
	return c.call(ctx, CmdDeleteConfig, map[string]any{"name": name}, nil)
}

func (c *Client) ImportConfig(ctx context.Context, filePath string) (types.Config, error) {
	var cfg types.Config
	err := c.call(ctx, CmdImportConfig, map[string]any{"filePath": filePath}, &cfg)
	return cfg, err
}

func (c *Client) ExportConfig(ctx context.Context, name, filePath string) error {
	return c.call(ctx, CmdExportConfig, map[string]any{"name": name, "filePath": filePath}, nil)
}

func (c *Client) StartCopy(ctx context.Context, cfg types.Config) (string, error) {
	var taskID string
	if err := c.call(ctx, CmdStartCopy, map[string]any{"config": cfg}, &taskID); err != nil {
		return "", err
	}
	if taskID == "" {
		return "", types.NewProtocolError(CmdStartCopy, "engine accepted the task without an id")
	}
	return taskID, nil
}

func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (types.TaskStatus, error) {
	var st types.TaskStatus
	err := c.call(ctx, CmdGetTaskStatus, map[string]any{"taskId": taskID}, &st)
	return st, err
}

func (c *Client) StopTask(ctx context.Context, taskID string) error {
	return c.call(ctx, CmdStopTask, map[string]any{"taskId": taskID}, nil)
}

func (c *Client) TestConnection(ctx context.Context, db types.DatabaseConfig) (string, error) {
	var msg string
	err := c.call(ctx, CmdTestConnection, map[string]any{"config": db}, &msg)
	return msg, err
}

func (c *Client) GetTables(ctx context.Context, db types.DatabaseConfig) ([]string, error) {
	var tables []string
	if err := c.call(ctx, CmdGetTables, map[string]any{"config": db}, &tables); err != nil {
		return nil, err
	}
	return tables, nil
}

func (c *Client) GetTableColumns(ctx context.Context, db types.DatabaseConfig, tableName string) ([]string, error) {
	var cols []string
	if err := c.call(ctx, CmdGetTableColumns, map[string]any{"config": db, "tableName": tableName}, &cols); err != nil {
		return nil, err
	}
	return cols, nil
}
