package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/vinayprograms/taskescrow/errors"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// ApplicationError carries a structured escrow error as data.
	ApplicationError = -32000
)

// NewInvalidParams builds an InvalidParams error.
func NewInvalidParams(format string, args ...interface{}) *Error {
	return &Error{Code: InvalidParams, Message: "Invalid params", Data: fmt.Sprintf(format, args...)}
}

// NewMethodNotFound builds a MethodNotFound error.
func NewMethodNotFound(method string) *Error {
	return &Error{Code: MethodNotFound, Message: "Method not found", Data: method}
}

// Handler handles JSON-RPC requests.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

type requestIDKey struct{}

// RequestID returns the trace id Dispatch assigned to the current request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRequestID attaches a request trace id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// Dispatch decodes one JSON-RPC message, invokes the handler and returns
// the response to send. It returns nil for notifications.
func Dispatch(ctx context.Context, h Handler, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()})
	}
	if req.JSONRPC != Version {
		return errorResponse(req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"})
	}
	if req.Method == "" {
		return errorResponse(req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "method is required"})
	}

	ctx = WithRequestID(ctx, uuid.NewString())
	result, err := h.Handle(ctx, req.Method, req.Params)
	if req.IsNotification() {
		return nil
	}
	if err != nil {
		return errorResponse(req.ID, ToError(err))
	}
	return &Response{JSONRPC: Version, ID: req.ID, Result: result}
}

// ToError maps a handler error onto a JSON-RPC error.
func ToError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var escrowErr *apperrors.Error
	if errors.As(err, &escrowErr) {
		return &Error{Code: ApplicationError, Message: escrowErr.Error(), Data: escrowErr}
	}
	return &Error{Code: InternalError, Message: "Internal error", Data: err.Error()}
}

func errorResponse(id json.RawMessage, e *Error) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: Version, ID: id, Error: e}
}

// Server is a JSON-RPC 2.0 server over a line-delimited stream.
type Server struct {
	reader  *bufio.Reader
	writer  io.Writer
	handler Handler
	mu      sync.Mutex
}

// NewServer creates a new JSON-RPC server.
func NewServer(r io.Reader, w io.Writer, handler Handler) *Server {
	return &Server{
		reader:  bufio.NewReader(r),
		writer:  w,
		handler: handler,
	}
}

// Serve reads and handles requests until EOF or error.
func (s *Server) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if resp := Dispatch(ctx, s.handler, line); resp != nil {
				if werr := s.send(resp); werr != nil {
					return fmt.Errorf("write error: %w", werr)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
	}
}

// send writes a JSON message to the output.
func (s *Server) send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = s.writer.Write(append(data, '\n'))
	return err
}
