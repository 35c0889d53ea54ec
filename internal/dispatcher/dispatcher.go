package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rakunlabs/atd/internal/concurrency"
	"github.com/rakunlabs/atd/internal/conversation"
	"github.com/rakunlabs/atd/internal/repository"
	"github.com/rakunlabs/atd/internal/rpcerror"
	"github.com/rakunlabs/atd/internal/session"
	"github.com/rakunlabs/atd/internal/tokenmanager"
	"github.com/rakunlabs/atd/internal/toolregistry"
)

// inflightCacheTTL is how long a completed tool result stays available
// under its fingerprint in the Cache after the single-flight entry
// itself is gone, so a client retry arriving just after completion (a
// dropped ack, a reconnect) gets the prior result instead of re-running
// the tool.
const inflightCacheTTL = 5 * time.Second

// Sender writes an outbound frame to the client. Implemented by the
// daemon's per-connection WS writer; kept as an interface so dispatcher
// has no transport dependency.
type Sender interface {
	Send(Frame) error
}

// Timeouts holds the resolved timeout hierarchy: tool
// default, daemon wrapper, and grace for stuck-worker detachment.
type Timeouts struct {
	ToolDefault time.Duration
	DaemonMax time.Duration
	Grace time.Duration
}

// Dispatcher wires together the per-daemon singletons every connection
// shares.
type Dispatcher struct {
	Sessions *session.Manager
	Controller *concurrency.Controller
	Tools *toolregistry.Registry
	Conversations *conversation.Service
	Tokens *tokenmanager.Manager
	Version string
	Timeouts Timeouts

	// ToolFilter is the daemon-wide allow/deny list applied to hello_ack's
	// advertised tool names and list_tools, built from config.Daemon's
	// ToolAllowList/ToolDenyList. Zero value allows every registered tool.
	ToolFilter toolregistry.Filter

	// Cache is the Repository's best-effort dedup KV, used to serve a
	// just-completed result under "inflight:<fingerprint>" to a retry
	// that arrives after the single-flight entry has already been
	// removed. Nil disables this grace window without otherwise
	// affecting dispatch.
	Cache repository.Cache
}

// Connection is the per-WebSocket-connection dispatch state.
type Connection struct {
	d *Dispatcher
	sender Sender

	sessionID string

	mu sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewConnection starts dispatch state for a freshly accepted connection.
// The connection is not yet authenticated; a hello frame must arrive
// first.
func (d *Dispatcher) NewConnection(sender Sender) *Connection {
	return &Connection{d: d, sender: sender, cancels: make(map[string]context.CancelFunc)}
}

// Handle decodes and dispatches one inbound frame.
func (c *Connection) Handle(ctx context.Context, raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.sendError("", rpcerror.New(rpcerror.InvalidRequest, "malformed frame: %v", err))
		return
	}

	switch f.Op {
	case "hello":
		c.handleHello(ctx, f)
	case "list_tools":
		c.handleListTools(f)
	case "call_tool":
		c.handleCallTool(ctx, f)
	case "cancel":
		c.handleCancel(f)
	case "ping":
		c.sender.Send(Frame{Op: "pong"})
	default:
		c.sendError(f.RequestID, rpcerror.New(rpcerror.UnknownOp, "unknown op %q", f.Op))
	}
}

// Disconnect tears down the session and cancels every call in flight on
// it, matching an unclean WS close's failure semantics for IO errors.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()

	if c.sessionID != "" {
		c.d.Sessions.Close(c.sessionID)
	}
}

func (c *Connection) handleHello(ctx context.Context, f Frame) {
	if !c.d.Tokens.Accepts(f.Token) {
		c.sender.Send(Frame{Op: "hello_nak", Reason: "invalid token"})
		return
	}

	sum := sha256.Sum256([]byte(f.Token))
	tokenHash := hex.EncodeToString(sum[:])

	var clientInfo ClientInfo
	_ = json.Unmarshal(f.Client, &clientInfo)

	sess := c.d.Sessions.EnsureSession(tokenHash, map[string]any{"name": clientInfo.Name, "version": clientInfo.Version})
	c.sessionID = sess.ID

	var tools []string
	for _, desc := range c.d.Tools.List(c.d.ToolFilter) {
		tools = append(tools, desc.Name)
	}

	c.sender.Send(Frame{
		Op: "hello_ack",
		SessionID: sess.ID,
		Server: &ServerInfo{
			Version: c.d.Version,
			Caps: ServerCaps{Tools: tools},
		},
	})
}

func (c *Connection) handleListTools(f Frame) {
	descs := c.d.Tools.List(c.d.ToolFilter)

	items := make([]ToolItem, 0, len(descs))
	for _, d := range descs {
		items = append(items, ToolItem{Name: d.Name, Description: d.Description, Schema: d.Schema, Visibility: string(d.Visibility)})
	}

	c.sender.Send(Frame{Op: "tools", Items: items})
}

// validateCallTool enforces the pre-admission validation: a
// call_tool frame must carry {request_id, tool}; arguments must be a map;
// continuation_id, if present, must parse as a UUID. Failing this never
// acquires a concurrency permit.
func validateCallTool(f Frame) error {
	if f.RequestID == "" {
		return rpcerror.New(rpcerror.InvalidRequest, "call_tool requires request_id")
	}
	if f.Tool == "" {
		return rpcerror.New(rpcerror.InvalidRequest, "call_tool requires tool")
	}
	if f.ContinuationID != "" {
		if _, err := uuid.Parse(f.ContinuationID); err != nil {
			return rpcerror.New(rpcerror.InvalidRequest, "continuation_id must be a UUID")
		}
	}
	return nil
}

func (c *Connection) handleCallTool(ctx context.Context, f Frame) {
	if c.sessionID == "" {
		c.sendError(f.RequestID, rpcerror.New(rpcerror.Unauthenticated, "hello required before call_tool"))
		return
	}

	if err := validateCallTool(f); err != nil {
		c.sendError(f.RequestID, err)
		return
	}

	tool, ok := c.d.Tools.GetHandler(f.Tool)
	if !ok {
		c.sendError(f.RequestID, rpcerror.New(rpcerror.UnknownTool, "unknown tool %q", f.Tool))
		return
	}

	sess, ok := c.d.Sessions.Get(c.sessionID)
	if !ok {
		c.sendError(f.RequestID, rpcerror.New(rpcerror.Unauthenticated, "session %q no longer live", c.sessionID))
		return
	}

	deadline := c.d.Timeouts.ToolDefault
	if f.Timeout > 0 {
		requested := time.Duration(f.Timeout * float64(time.Second))
		if requested < deadline {
			deadline = requested
		}
	}

	// Derived from the session's own context, not the WS read loop's, so
	// Session Manager Close/Reap cancellation reaches in-flight calls too.
	callCtx, cancel := context.WithTimeout(sess.Context(), deadline)

	c.mu.Lock()
	c.cancels[f.RequestID] = cancel
	c.mu.Unlock()

	c.sender.Send(Frame{Op: "ack", RequestID: f.RequestID})

	go c.runCall(callCtx, cancel, f, tool)
}

func (c *Connection) runCall(ctx context.Context, cancel context.CancelFunc, f Frame, tool toolregistry.Tool) {
	defer func() {
		c.mu.Lock()
		delete(c.cancels, f.RequestID)
		c.mu.Unlock()
		cancel()

		if r := recover(); r != nil {
			slog.Error("dispatcher: tool panicked", "tool", f.Tool, "request_id", f.RequestID, "panic", r)
			c.sendError(f.RequestID, rpcerror.FromPanic(r))
		}
	}()

	fingerprint := concurrency.Fingerprint(f.Tool, f.Arguments, f.ContinuationID, c.sessionID)
	cacheKey := "inflight:" + fingerprint

	if c.d.Cache != nil {
		if cached, ok := c.d.Cache.Get(ctx, cacheKey); ok {
			var result toolregistry.Result
			if err := json.Unmarshal([]byte(cached), &result); err == nil {
				c.emitOutcome(f.RequestID, &result, nil)
				return
			}
		}
	}

	leader, wait, settle := c.d.Controller.Join(fingerprint)
	if !leader {
		result, err := wait(ctx)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				err = rpcerror.New(rpcerror.TimedOut, "tool %q exceeded its deadline", f.Tool)
			} else if ctx.Err() == context.Canceled {
				err = rpcerror.New(rpcerror.Cancelled, "call %s cancelled", f.RequestID)
			}
		}
		c.emitOutcome(f.RequestID, result, err)
		return
	}

	if err := c.d.Sessions.Acquire(ctx, c.sessionID); err != nil {
		settle(nil, err)
		c.sendError(f.RequestID, err)
		return
	}
	defer c.d.Sessions.Release(c.sessionID)

	continuationID := f.ContinuationID
	if continuationID == "" {
		var err error
		continuationID, err = c.d.Conversations.Start(ctx, c.sessionID, "", "")
		if err != nil {
			settle(nil, err)
			c.sendError(f.RequestID, err)
			return
		}
	}

	handle := conversation.NewHandle(c.d.Conversations, continuationID)
	sink := progressSink{conn: c, requestID: f.RequestID}

	result, err := tool.Execute(ctx, f.Arguments, handle, sink)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = rpcerror.New(rpcerror.TimedOut, "tool %q exceeded its deadline", f.Tool)
		} else if ctx.Err() == context.Canceled {
			err = rpcerror.New(rpcerror.Cancelled, "call %s cancelled", f.RequestID)
		}
	}

	if result != nil && result.ContinuationID == "" {
		result.ContinuationID = continuationID
	}

	if err == nil && result != nil && c.d.Cache != nil {
		if encoded, encErr := json.Marshal(result); encErr == nil {
			c.d.Cache.Set(ctx, cacheKey, string(encoded), inflightCacheTTL)
		}
	}

	settle(result, err)
	c.emitOutcome(f.RequestID, result, err)
}

func (c *Connection) emitOutcome(requestID string, result any, err error) {
	if err != nil {
		c.sendError(requestID, err)
		return
	}

	res, ok := result.(*toolregistry.Result)
	if !ok || res == nil {
		c.sender.Send(Frame{Op: "result", RequestID: requestID})
		return
	}

	frame := Frame{Op: "result", RequestID: requestID, Value: res.Value, ContinuationID: res.ContinuationID}
	if res.Usage != nil {
		frame.Usage = &FrameUsage{
			TokensIn: res.Usage.TokensIn,
			TokensOut: res.Usage.TokensOut,
			DurationMS: res.Usage.DurationMS,
			Provider: res.Usage.Provider,
			Model: res.Usage.Model,
		}
	}
	c.sender.Send(frame)
}

func (c *Connection) handleCancel(f Frame) {
	c.mu.Lock()
	cancel, ok := c.cancels[f.RequestID]
	c.mu.Unlock()

	if ok {
		cancel()
	}
}

func (c *Connection) sendError(requestID string, err error) {
	rerr, ok := rpcerror.AsRPCError(err)
	if !ok {
		rerr = rpcerror.Wrap(rpcerror.Internal, err)
	}

	c.sender.Send(Frame{
		Op: "error",
		RequestID: requestID,
		Kind: string(rerr.Kind),
		Message: rerr.Message,
		Retryable: rerr.Retryable,
		Details: rerr.Details,
	})
}

// progressSink adapts a Connection to toolregistry.ProgressSink, sending
// non-terminal progress frames. Progress emission is non-blocking and
// best-effort; a failed Send is logged and dropped rather than propagated
// to the tool.
type progressSink struct {
	conn *Connection
	requestID string
}

func (p progressSink) Emit(level, message string, fields map[string]any) {
	if err := p.conn.sender.Send(Frame{
		Op: "progress",
		RequestID: p.requestID,
		Level: level,
		Message: message,
		Fields: fields,
	}); err != nil {
		slog.Debug("dispatcher: progress emit dropped", "request_id", p.requestID, "error", err)
	}
}
