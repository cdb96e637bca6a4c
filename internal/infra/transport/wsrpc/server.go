package wsrpc

import (
	"context"
	"net/http"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"entitycore/pkg/domain"
)

// Server exposes a data service over websocket connections.
type Server struct {
	service  domain.DataService
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l zerolog.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// WithCheckOrigin replaces the handshake origin check. The default accepts
// same-origin requests only.
func WithCheckOrigin(fn func(*http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer wraps service.
func NewServer(service domain.DataService, opts ...ServerOption) *Server {
	s := &Server{
		service: service,
		upgrader: websocket.Upgrader{
			Subprotocols:      []string{Subprotocol},
			EnableCompression: true,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves calls until the peer disconnects.
// Calls run concurrently; in-flight calls are cancelled when the connection
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer func() { _ = conn.Close() }()
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("client connected")

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("connection lost")
			}
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		var req Request
		if err := decMode.Unmarshal(data, &req); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed request")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.handle(ctx, req)
			out, err := encMode.Marshal(resp)
			if err != nil {
				s.logger.Error().Err(err).Str("method", req.Method).Msg("encode response")
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
				s.logger.Debug().Err(err).Str("id", req.ID).Msg("write response")
			}
		}()
	}
	cancel()
	wg.Wait()
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID}
	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodQuery:
		var q domain.Query
		if err = decodeParams(req.Params, &q); err == nil {
			result, err = s.service.ExecuteQuery(ctx, q)
		}
	case MethodSave:
		var batch domain.SaveBatch
		if err = decodeParams(req.Params, &batch); err == nil {
			result, err = s.service.ExecuteSave(ctx, batch)
		}
	case MethodMetadata:
		result, err = s.service.FetchMetadata(ctx)
	default:
		resp.Error = &Error{Code: CodeBadCall, Message: "unknown method " + req.Method}
		return resp
	}
	if err != nil {
		resp.Error = toError(err)
		s.logger.Debug().Str("method", req.Method).Str("code", resp.Error.Code).Msg("call failed")
		return resp
	}
	raw, err := encMode.Marshal(result)
	if err != nil {
		resp.Error = &Error{Code: CodeInternal, Message: err.Error()}
		return resp
	}
	resp.Result = cbor.RawMessage(raw)
	return resp
}

func decodeParams(raw cbor.RawMessage, v any) error {
	if len(raw) == 0 {
		return &Error{Code: CodeBadCall, Message: "missing params"}
	}
	if err := decMode.Unmarshal(raw, v); err != nil {
		return &Error{Code: CodeBadCall, Message: err.Error()}
	}
	return nil
}
