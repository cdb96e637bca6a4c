// Package wsrpc carries the data service contract over a websocket. Requests
// and responses are CBOR messages correlated by id, so several queries and a
// save may be in flight on one connection.
package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"entitycore/pkg/domain"
)

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "entitycore.cbor"

// RPC method names.
const (
	MethodQuery    = "query"
	MethodSave     = "save"
	MethodMetadata = "metadata"
)

// Error codes.
const (
	CodeRejected  = "rejected"
	CodeMetadata  = "metadata"
	CodeCancelled = "cancelled"
	CodeBadCall   = "bad_request"
	CodeInternal  = "internal"
)

// ErrClosed is returned for calls on a closed or broken connection.
var ErrClosed = errors.New("wsrpc: connection closed")

// Request is one call.
type Request struct {
	ID     string          `cbor:"id"`
	Method string          `cbor:"method"`
	Params cbor.RawMessage `cbor:"params,omitempty"`
}

// Response answers the request with the same id.
type Response struct {
	ID     string          `cbor:"id"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  *Error          `cbor:"error,omitempty"`
}

// Error is a failed call. Rejection and Metadata carry the typed error the
// data service returned so the client can hand it back unchanged.
type Error struct {
	Code      string                    `cbor:"code"`
	Message   string                    `cbor:"message"`
	Rejection *domain.SaveRejectedError `cbor:"rejection,omitempty"`
	Metadata  *domain.MetadataError     `cbor:"metadata,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("wsrpc %s: %s", e.Code, e.Message) }

// err converts e back into the error the remote service returned.
func (e *Error) err() error {
	switch {
	case e.Rejection != nil:
		return e.Rejection
	case e.Metadata != nil:
		return e.Metadata
	case e.Code == CodeCancelled:
		return fmt.Errorf("wsrpc: remote call cancelled: %w", context.Canceled)
	}
	return e
}

func toError(err error) *Error {
	var (
		rpcErr   *Error
		rejected *domain.SaveRejectedError
		meta     *domain.MetadataError
	)
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.As(err, &rejected):
		out := *rejected
		out.Cause = nil
		return &Error{Code: CodeRejected, Message: err.Error(), Rejection: &out}
	case errors.As(err, &meta):
		return &Error{Code: CodeMetadata, Message: err.Error(), Metadata: meta}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeCancelled, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

var (
	encMode = func() cbor.EncMode {
		em, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			panic(err)
		}
		return em
	}()
	decMode = func() cbor.DecMode {
		dm, err := cbor.DecOptions{
			DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		}.DecMode()
		if err != nil {
			panic(err)
		}
		return dm
	}()
)
