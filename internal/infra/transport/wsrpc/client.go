package wsrpc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"entitycore/pkg/domain"
)

var _ domain.DataService = (*Client)(nil)

// DefaultTimeout bounds a call when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Client is a domain.DataService backed by a remote Server.
type Client struct {
	conn    *websocket.Conn
	logger  zerolog.Logger
	timeout time.Duration
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan Response
	done     chan struct{}
	closeErr error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l zerolog.Logger) ClientOption { return func(c *Client) { c.logger = l } }

// WithTimeout bounds calls made without a context deadline. Zero disables
// the bound.
func WithTimeout(d time.Duration) ClientOption { return func(c *Client) { c.timeout = d } }

// Dial connects to a Server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header, opts ...ClientOption) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  websocket.DefaultDialer.HandshakeTimeout,
		EnableCompression: true,
		Subprotocols:      []string{Subprotocol},
	}
	conn, res, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	_ = res.Body.Close()
	c := &Client{
		conn:    conn,
		logger:  zerolog.Nop(),
		timeout: DefaultTimeout,
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// ExecuteQuery implements domain.Transport.
func (c *Client) ExecuteQuery(ctx context.Context, q domain.Query) ([]domain.EntityData, error) {
	var out []domain.EntityData
	err := c.call(ctx, MethodQuery, q, &out)
	return out, err
}

// ExecuteSave implements domain.Transport.
func (c *Client) ExecuteSave(ctx context.Context, batch domain.SaveBatch) (domain.SaveOutcome, error) {
	var out domain.SaveOutcome
	err := c.call(ctx, MethodSave, batch, &out)
	return out, err
}

// FetchMetadata implements domain.MetadataSource.
func (c *Client) FetchMetadata(ctx context.Context) ([]byte, error) {
	var out []byte
	err := c.call(ctx, MethodMetadata, nil, &out)
	return out, err
}

// Close sends a close frame and releases the connection. Pending calls fail
// with ErrClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req := Request{ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := encMode.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = cbor.RawMessage(raw)
	}
	data, err := encMode.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closeErr
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.err()
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := decMode.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		var resp Response
		if err := decMode.Unmarshal(data, &resp); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed response")
			continue
		}
		// The first response claims the call; repeats find nothing pending.
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("id", resp.ID).Msg("response for abandoned call")
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return
	}
	c.closeErr = err
	close(c.done)
}
