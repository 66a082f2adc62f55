// Package jsonrpc2 implements a JSON-RPC 2.0 client/server over an LSP
// (Content-Length framed) byte stream.
//
// It is a minimal replacement for github.com/sourcegraph/jsonrpc2, tailored
// for language-server use: only the Content-Length framing ("VS Code codec")
// is supported, and the LSP "$/cancelRequest" notification is understood by
// the connection itself.
package jsonrpc2

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Error codes defined by JSON-RPC 2.0 spec and the Language Server Protocol.
// ---------------------------------------------------------------------------

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeRequestFailed        = -32803
)

// maxContentLength bounds the size of a single incoming message.
const maxContentLength = 64 << 20

// cancelMethod is the LSP notification used to cancel an in-flight request.
const cancelMethod = "$/cancelRequest"

// Error is a JSON-RPC 2.0 response error.
type Error struct {
	Code    int64            `json:"code"`
	Message string           `json:"message"`
	Data    *json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc2: code %d message: %s", e.Code, e.Message)
}

// Errorf returns an *Error with the given code and a formatted message.
func Errorf(code int64, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrClosed indicates that the connection is closed.
var ErrClosed = errors.New("jsonrpc2: connection is closed")

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// ID is a JSON-RPC 2.0 request ID (number or string).
type ID struct {
	Num      uint64
	Str      string
	IsString bool
}

func (id ID) String() string {
	if id.IsString {
		return strconv.Quote(id.Str)
	}
	return strconv.FormatUint(id.Num, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsString {
		return json.Marshal(id.Str)
	}
	return json.Marshal(id.Num)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID{Num: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ID{Str: s, IsString: true}
	return nil
}

// Request is an incoming JSON-RPC 2.0 request or notification.
type Request struct {
	Method string           `json:"method"`
	Params *json.RawMessage `json:"params,omitempty"`
	ID     ID               `json:"id"`
	Notif  bool             `json:"-"` // true if this is a notification (no id)
}

// UnmarshalParams decodes the request params into v. Missing params decode as
// an empty object; decoding failures are reported as CodeInvalidParams.
func (r *Request) UnmarshalParams(v any) error {
	if r.Params == nil {
		return nil
	}
	if err := json.Unmarshal(*r.Params, v); err != nil {
		return Errorf(CodeInvalidParams, "invalid params for %s: %v", r.Method, err)
	}
	return nil
}

// wireRequest is used for JSON marshaling (adds jsonrpc field).
type wireRequest struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  *json.RawMessage `json:"params,omitempty"`
	ID      *ID              `json:"id,omitempty"`
}

func (r *Request) UnmarshalJSON(data []byte) error {
	// Use a map to detect presence/absence of "id".
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if m, ok := raw["method"]; ok {
		if err := json.Unmarshal(m, &r.Method); err != nil {
			return err
		}
	}
	if p, ok := raw["params"]; ok {
		r.Params = &p
	}
	if idRaw, ok := raw["id"]; ok {
		if err := json.Unmarshal(idRaw, &r.ID); err != nil {
			return err
		}
		r.Notif = false
	} else {
		r.Notif = true
	}
	return nil
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      ID               `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// nullIDResponse is an error response for a message whose id could not be
// determined. The id is always serialized as null.
type nullIDResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *ID    `json:"id"`
	Error   *Error `json:"error"`
}

// incomingResponse is the wire format for a response we receive.
type incomingResponse struct {
	ID     ID               `json:"id"`
	Result *json.RawMessage `json:"result,omitempty"`
	Error  *Error           `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler handles incoming JSON-RPC requests.
type Handler interface {
	Handle(ctx context.Context, conn *Conn, req *Request)
}

// Deferred is a result a HandlerFunc can return to finish a request off the
// read loop. The function runs on its own goroutine with a context that is
// cancelled when the client sends "$/cancelRequest" for the request; a
// cancelled request is always answered with CodeRequestCancelled.
type Deferred func(ctx context.Context) (any, error)

// HandlerFunc adapts a function to the Handler interface. The function returns
// (result, error); the Conn automatically sends the appropriate response.
type HandlerFunc func(ctx context.Context, conn *Conn, req *Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, conn *Conn, req *Request) {
	result, err := f.call(ctx, conn, req)
	if d, ok := result.(Deferred); ok && err == nil {
		conn.runDeferred(ctx, req, d)
		return
	}
	if req.Notif {
		if err != nil {
			conn.logger.Debug("notification handler failed", zap.String("method", req.Method), zap.Error(err))
		}
		return // notifications don't get responses
	}
	_ = conn.reply(req.ID, result, err)
}

func (f HandlerFunc) call(ctx context.Context, conn *Conn, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			conn.logger.Error("handler panicked", zap.String("method", req.Method), zap.Any("panic", r))
			result, err = nil, Errorf(CodeInternalError, "panic handling %s: %v", req.Method, r)
		}
	}()
	return f(ctx, conn, req)
}

// ---------------------------------------------------------------------------
// Conn
// ---------------------------------------------------------------------------

// Conn is a bidirectional JSON-RPC 2.0 connection.
type Conn struct {
	r      *bufio.Reader
	wc     io.WriteCloser
	h      Handler
	logger *zap.Logger
	wmu    sync.Mutex // guards writes
	mu     sync.Mutex
	seq    uint64
	pend   map[uint64]*pending
	active map[ID]context.CancelFunc // deferred requests that can be cancelled
	err    error
	done   chan struct{}
	once   sync.Once
}

type pending struct {
	ch chan *incomingResponse
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for transport-level events.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// NewConn creates a new JSON-RPC connection over the given stream. It
// immediately starts reading messages in a background goroutine. The handler
// is called for each incoming request, in the order they arrive.
func NewConn(ctx context.Context, rwc io.ReadWriteCloser, h Handler, opts ...Option) *Conn {
	c := &Conn{
		r:      bufio.NewReaderSize(rwc, 4096),
		wc:     rwc,
		h:      h,
		logger: zap.NewNop(),
		pend:   make(map[uint64]*pending),
		active: make(map[ID]context.CancelFunc),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(ctx)
	return c
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.wc.Close()
}

// DisconnectNotify returns a channel that is closed when the connection is
// closed (either by Close or by the remote end).
func (c *Conn) DisconnectNotify() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the read loop, if any. A clean EOF or a
// local Close is not an error.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends a request and waits for the response. result should be a pointer.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	call, err := c.Dispatch(ctx, method, params)
	if err != nil {
		return err
	}
	return call.Await(ctx, result)
}

// AsyncCall is a request that has been sent but whose response has not been
// read yet.
type AsyncCall struct {
	c  *Conn
	id ID
	p  *pending
}

// ID returns the request ID, for use with Cancel.
func (a *AsyncCall) ID() ID { return a.id }

// Await waits for the response. result should be a pointer.
func (a *AsyncCall) Await(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		a.c.mu.Lock()
		delete(a.c.pend, a.id.Num)
		a.c.mu.Unlock()
		return ctx.Err()
	case resp := <-a.p.ch:
		if resp == nil {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			return json.Unmarshal(*resp.Result, result)
		}
		return nil
	}
}

// Dispatch sends a request without waiting for its response.
func (c *Conn) Dispatch(ctx context.Context, method string, params any) (*AsyncCall, error) {
	c.mu.Lock()
	id := c.seq
	c.seq++
	p := &pending{ch: make(chan *incomingResponse, 1)}
	c.pend[id] = p
	c.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		c.mu.Lock()
		delete(c.pend, id)
		c.mu.Unlock()
		return nil, err
	}
	rm := json.RawMessage(raw)
	reqID := ID{Num: id}

	if err := c.writeMessage(&wireRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  &rm,
		ID:      &reqID,
	}); err != nil {
		c.mu.Lock()
		delete(c.pend, id)
		c.mu.Unlock()
		return nil, err
	}
	return &AsyncCall{c: c, id: reqID, p: p}, nil
}

// Cancel asks the remote end to cancel the request with the given ID.
func (c *Conn) Cancel(ctx context.Context, id ID) error {
	return c.Notify(ctx, cancelMethod, struct {
		ID ID `json:"id"`
	}{ID: id})
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	rm := json.RawMessage(raw)
	return c.writeMessage(&wireRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  &rm,
		// no ID → notification
	})
}

// ---------------------------------------------------------------------------
// Internal
// ---------------------------------------------------------------------------

func (c *Conn) reply(id ID, result any, err error) error {
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
		}
		return c.writeMessage(&response{JSONRPC: "2.0", ID: id, Error: rpcErr})
	}
	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return c.writeMessage(&response{
			JSONRPC: "2.0", ID: id,
			Error: &Error{Code: CodeInternalError, Message: marshalErr.Error()},
		})
	}
	rm := json.RawMessage(raw)
	return c.writeMessage(&response{JSONRPC: "2.0", ID: id, Result: &rm})
}

func (c *Conn) replyWithoutID(code int64, message string) {
	if err := c.writeMessage(&nullIDResponse{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
	}); err != nil {
		c.logger.Debug("failed to write error response", zap.Error(err))
	}
}

func (c *Conn) runDeferred(ctx context.Context, req *Request, d Deferred) {
	ctx, cancel := context.WithCancel(ctx)
	if !req.Notif {
		c.mu.Lock()
		c.active[req.ID] = cancel
		c.mu.Unlock()
	}
	go func() {
		defer cancel()
		result, err := runDeferredSafely(ctx, c.logger, req.Method, d)
		if req.Notif {
			return
		}
		c.mu.Lock()
		delete(c.active, req.ID)
		c.mu.Unlock()
		if ctx.Err() != nil {
			result, err = nil, Errorf(CodeRequestCancelled, "request %s cancelled", req.ID)
		}
		if err := c.reply(req.ID, result, err); err != nil {
			c.logger.Debug("failed to write response", zap.String("method", req.Method), zap.Error(err))
		}
	}()
}

func runDeferredSafely(ctx context.Context, logger *zap.Logger, method string, d Deferred) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("deferred handler panicked", zap.String("method", method), zap.Any("panic", r))
			result, err = nil, Errorf(CodeInternalError, "panic handling %s: %v", method, r)
		}
	}()
	return d(ctx)
}

func (c *Conn) cancelRequest(req *Request) {
	var params struct {
		ID ID `json:"id"`
	}
	if err := req.UnmarshalParams(&params); err != nil {
		c.logger.Debug("ignoring malformed cancel request", zap.Error(err))
		return
	}
	c.mu.Lock()
	cancel := c.active[params.ID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writeMessage(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := io.WriteString(c.wc, header); err != nil {
		return err
	}
	_, err = c.wc.Write(data)
	return err
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.once.Do(func() { close(c.done) })
		// Wake all pending calls and abandon deferred requests.
		c.mu.Lock()
		for id, p := range c.pend {
			close(p.ch)
			delete(c.pend, id)
		}
		for _, cancel := range c.active {
			cancel()
		}
		c.mu.Unlock()
	}()

	for {
		data, err := readFrame(c.r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed() {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				c.logger.Error("transport read failed", zap.Error(err))
			}
			return
		}

		// Determine if this is a request or response by checking for "method".
		var probe struct {
			Method *string          `json:"method"`
			ID     *json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			c.logger.Warn("dropping malformed message", zap.Error(err))
			c.replyWithoutID(CodeParseError, fmt.Sprintf("parse error: %v", err))
			continue
		}

		if probe.Method != nil {
			// It's a request or notification.
			var req Request
			if err := json.Unmarshal(data, &req); err != nil {
				c.logger.Warn("dropping invalid request", zap.Error(err))
				c.replyWithoutID(CodeInvalidRequest, fmt.Sprintf("invalid request: %v", err))
				continue
			}
			if req.Notif && req.Method == cancelMethod {
				c.cancelRequest(&req)
				continue
			}
			c.h.Handle(ctx, c, &req)
		} else if probe.ID != nil {
			// It's a response.
			var resp incomingResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				c.logger.Warn("dropping malformed response", zap.Error(err))
				continue
			}
			c.mu.Lock()
			p := c.pend[resp.ID.Num]
			delete(c.pend, resp.ID.Num)
			c.mu.Unlock()
			if p != nil {
				p.ch <- &resp
			}
		} else {
			// Most likely an error response with a null id; replying could
			// start an error ping-pong with the remote end.
			c.logger.Warn("dropping message with neither method nor id")
		}
	}
}

// readFrame reads one Content-Length–framed message from r.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of headers
		}
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("bad Content-Length: %w", err)
			}
			contentLength = n
		}
		// ignore other headers (Content-Type, etc.)
	}
	if contentLength <= 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}
	if contentLength > maxContentLength {
		return nil, fmt.Errorf("message length %d exceeds the %d byte limit", contentLength, maxContentLength)
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
