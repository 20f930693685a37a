// Package transport serves JSON-RPC 2.0 requests to a Handler.
//
// # Available Transports
//
//   - Server: newline-delimited JSON over a reader/writer pair (stdio)
//   - WebSocketServer: one JSON-RPC message per WebSocket text frame
//
// Both transports share Dispatch, which decodes a single message, invokes
// the handler and builds the response.
//
// # Errors
//
// Handler errors are mapped to JSON-RPC errors. A *Error passes through
// unchanged. Structured escrow errors become ApplicationError (-32000) with
// the error's JSON form as data, so clients can switch on its code. Any
// other error becomes InternalError.
//
// # Usage
//
//	h := transport.HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
//	    return map[string]string{"method": method}, nil
//	})
//	srv := transport.NewServer(os.Stdin, os.Stdout, h)
//	err := srv.Serve(ctx)
package transport
