package codexwire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
)

// Wire drives one Codex app-server co-process over its stdin/stdout pipes.
// It owns request/response correlation and demuxes inbound frames into
// either a pending Call's response channel, a notification callback, or a
// server-request callback — mirroring the three frame shapes the Codex
// app-server actually sends (has-id, has-id-and-method, method-only).
type Wire struct {
	stdin  io.Writer
	stdout io.Reader

	nextID  atomic.Int64
	pending map[interface{}]chan *Response
	mu      sync.Mutex

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)

	log  *logger.Logger
	done chan struct{}
}

// NewWire constructs a Wire bound to an already-spawned co-process's pipes.
func NewWire(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Wire {
	return &Wire{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[interface{}]chan *Response),
		log:     log.WithFields(zap.String("component", "codexwire")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler registers the callback for inbound notifications.
func (w *Wire) SetNotificationHandler(fn func(method string, params json.RawMessage)) {
	w.onNotification = fn
}

// SetRequestHandler registers the callback for inbound server-requests.
func (w *Wire) SetRequestHandler(fn func(id interface{}, method string, params json.RawMessage)) {
	w.onRequest = fn
}

// Start launches the read loop on its own goroutine; frames are dispatched
// from that goroutine to the notification/request handlers until ctx is
// done or Stop is called.
func (w *Wire) Start(ctx context.Context) {
	go w.readLoop(ctx)
}

// Stop unblocks any in-flight Call and stops the read loop from dispatching
// further frames.
func (w *Wire) Stop() {
	close(w.done)
}

// Call sends a request and blocks for its matching response, ctx cancellation,
// or Stop.
func (w *Wire) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := w.nextID.Add(1)

	paramsJSON, err := marshalOrNil(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}

	respCh := make(chan *Response, 1)
	w.mu.Lock()
	w.pending[id] = respCh
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	if err := w.send(&Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, fmt.Errorf("codexwire: closed")
	}
}

// Notify sends a fire-and-forget notification.
func (w *Wire) Notify(method string, params interface{}) error {
	paramsJSON, err := marshalOrNil(params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return w.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse answers an inbound server-request.
func (w *Wire) SendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal response result: %w", err)
		}
	}
	return w.send(&Response{ID: id, Result: resultJSON, Error: rpcErr})
}

func marshalOrNil(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (w *Wire) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal codexwire message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.stdin.Write(data); err != nil {
		return fmt.Errorf("write codexwire message: %w", err)
	}
	w.log.Debug("sent frame", zap.ByteString("data", data))
	return nil
}

// frame is the superset of fields any Codex app-server line can carry; which
// fields are populated tells readLoop which of the three dispatch paths to
// take.
type frame struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Params json.RawMessage `json:"params"`
}

func (w *Wire) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(w.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			w.log.Warn("discarding unparseable frame", zap.Error(err))
			continue
		}

		switch {
		case f.ID != nil && f.Method == "" && (f.Result != nil || f.Error != nil):
			w.dispatchResponse(&Response{ID: f.ID, Result: f.Result, Error: f.Error})
		case f.ID != nil && f.Method != "":
			w.dispatchRequest(f.ID, f.Method, f.Params)
		case f.Method != "":
			w.dispatchNotification(f.Method, f.Params)
		}
	}

	if err := scanner.Err(); err != nil {
		w.log.Error("codexwire read loop ended", zap.Error(err))
	}
}

func (w *Wire) dispatchResponse(resp *Response) {
	id := normalizeID(resp.ID)
	w.mu.Lock()
	ch, ok := w.pending[id]
	w.mu.Unlock()
	if !ok {
		w.log.Warn("response for unknown request id", zap.Any("id", resp.ID))
		return
	}
	ch <- resp
}

// normalizeID collapses the float64/json.Number forms encoding/json produces
// for a numeric id back to int64, so it matches the int64 keys Call stores.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func (w *Wire) dispatchNotification(method string, params json.RawMessage) {
	if w.onNotification != nil {
		w.onNotification(method, params)
	}
}

func (w *Wire) dispatchRequest(id interface{}, method string, params json.RawMessage) {
	if w.onRequest != nil {
		w.onRequest(id, method, params)
		return
	}
	w.log.Warn("server-request with no handler registered", zap.String("method", method))
	if err := w.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "method not found"}); err != nil {
		w.log.Warn("failed to answer unhandled server-request", zap.Error(err))
	}
}
