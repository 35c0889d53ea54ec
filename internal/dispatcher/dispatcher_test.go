package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/atd/internal/concurrency"
	"github.com/rakunlabs/atd/internal/config"
	"github.com/rakunlabs/atd/internal/conversation"
	"github.com/rakunlabs/atd/internal/repository"
	"github.com/rakunlabs/atd/internal/repository/memory"
	"github.com/rakunlabs/atd/internal/rpcerror"
	"github.com/rakunlabs/atd/internal/session"
	"github.com/rakunlabs/atd/internal/tokenmanager"
	"github.com/rakunlabs/atd/internal/toolregistry"
)

// recordingSender captures every Frame handed to it for later assertions.
type recordingSender struct {
	mu     sync.Mutex
	frames []Frame
}

func (s *recordingSender) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSender) last() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return Frame{}
	}
	return s.frames[len(s.frames)-1]
}

func (s *recordingSender) find(op string) (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if f.Op == op {
			return f, true
		}
	}
	return Frame{}, false
}

// echoTool returns its single "text" argument as the result value.
type echoTool struct{}

func (echoTool) Describe() toolregistry.Descriptor {
	return toolregistry.Descriptor{Name: "echo", Visibility: toolregistry.VisibilityPublic}
}

// countingTool returns the number of times Execute has run, to
// distinguish a genuine re-run from a cached replay.
type countingTool struct {
	calls *int
}

func (countingTool) Describe() toolregistry.Descriptor {
	return toolregistry.Descriptor{Name: "counting", Visibility: toolregistry.VisibilityPublic}
}

func (t countingTool) Execute(ctx context.Context, args map[string]any, conv toolregistry.ConversationHandle, progress toolregistry.ProgressSink) (*toolregistry.Result, error) {
	*t.calls++
	return &toolregistry.Result{Value: *t.calls}, nil
}

func (echoTool) Execute(ctx context.Context, args map[string]any, conv toolregistry.ConversationHandle, progress toolregistry.ProgressSink) (*toolregistry.Result, error) {
	progress.Emit("info", "echoing", nil)
	return &toolregistry.Result{Value: args["text"], ContinuationID: conv.ContinuationID()}, nil
}

// blockingTool never returns on its own; it waits for ctx to be cancelled or
// the deadline to expire, so handleCancel/timeout paths are exercisable.
type blockingTool struct{}

func (blockingTool) Describe() toolregistry.Descriptor {
	return toolregistry.Descriptor{Name: "blocking", Visibility: toolregistry.VisibilityPublic}
}

func (blockingTool) Execute(ctx context.Context, args map[string]any, conv toolregistry.ConversationHandle, progress toolregistry.ProgressSink) (*toolregistry.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	tools := toolregistry.New()
	tools.Add(func() toolregistry.Tool { return echoTool{} })
	tools.Add(func() toolregistry.Tool { return blockingTool{} })

	convSvc := conversation.New(memory.New(), time.Hour)

	return &Dispatcher{
		Sessions:      session.New(4, time.Hour),
		Controller:    concurrency.NewController(4, 4),
		Tools:         tools,
		Conversations: convSvc,
		Tokens:        tokenmanager.New("secret", time.Minute),
		Version:       "test",
		Timeouts:      Timeouts{ToolDefault: time.Second, DaemonMax: 2 * time.Second, Grace: time.Second},
	}
}

func helloFrame(t *testing.T) Frame {
	t.Helper()
	return Frame{Op: "hello", Token: "secret", Client: json.RawMessage(`{"name":"test-client"}`)}
}

func TestHandleHelloAcceptsValidToken(t *testing.T) {
	d := newTestDispatcher(t)
	sender := &recordingSender{}
	conn := d.NewConnection(sender)

	conn.Handle(context.Background(), mustMarshal(t, helloFrame(t)))

	frame, ok := sender.find("hello_ack")
	if !ok {
		t.Fatalf("expected a hello_ack frame, got %+v", sender.frames)
	}
	if frame.SessionID == "" {
		t.Error("hello_ack should carry a session id")
	}
	if frame.Server == nil || len(frame.Server.Caps.Tools) != 2 {
		t.Errorf("expected 2 advertised tools, got %+v", frame.Server)
	}
}

func TestHandleHelloRejectsInvalidToken(t *testing.T) {
	d := newTestDispatcher(t)
	sender := &recordingSender{}
	conn := d.NewConnection(sender)

	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "hello", Token: "wrong"}))

	frame, ok := sender.find("hello_nak")
	if !ok {
		t.Fatalf("expected a hello_nak frame, got %+v", sender.frames)
	}
	if frame.Reason == "" {
		t.Error("hello_nak should carry a reason")
	}
}

func TestHandleCallToolRequiresHello(t *testing.T) {
	d := newTestDispatcher(t)
	sender := &recordingSender{}
	conn := d.NewConnection(sender)

	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "call_tool", RequestID: "r1", Tool: "echo"}))

	frame, ok := sender.find("error")
	if !ok {
		t.Fatalf("expected an error frame, got %+v", sender.frames)
	}
	if frame.Kind == "" {
		t.Error("error frame should carry a kind")
	}
}

func TestHandleCallToolRunsToCompletion(t *testing.T) {
	d := newTestDispatcher(t)
	sender := &recordingSender{}
	conn := d.NewConnection(sender)

	conn.Handle(context.Background(), mustMarshal(t, helloFrame(t)))

	conn.Handle(context.Background(), mustMarshal(t, Frame{
		Op:        "call_tool",
		RequestID: "r1",
		Tool:      "echo",
		Arguments: map[string]any{"text": "hi"},
	}))

	if _, ok := sender.find("ack"); !ok {
		t.Fatalf("expected an ack frame, got %+v", sender.frames)
	}

	waitForFrame(t, sender, "result")

	result, _ := sender.find("result")
	if result.Value != "hi" {
		t.Errorf("result value = %v, want %q", result.Value, "hi")
	}
	if result.ContinuationID == "" {
		t.Error("result should carry a continuation id")
	}

	if _, ok := sender.find("progress"); !ok {
		t.Error("expected at least one progress frame from the tool's Emit call")
	}
}

func TestHandleCallToolReplaysFromCacheAfterFingerprintSettles(t *testing.T) {
	d := newTestDispatcher(t)

	store, err := repository.New(context.Background(), config.Store{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Cache = store.Cache()

	calls := 0
	d.Tools.Add(func() toolregistry.Tool { return countingTool{calls: &calls} })

	frame := Frame{Op: "call_tool", RequestID: "r1", Tool: "counting", Arguments: map[string]any{"x": 1}}

	sender := &recordingSender{}
	conn := d.NewConnection(sender)
	conn.Handle(context.Background(), mustMarshal(t, helloFrame(t)))
	conn.Handle(context.Background(), mustMarshal(t, frame))
	waitForFrame(t, sender, "result")

	first, _ := sender.find("result")

	// A retry of the identical call (same fingerprint) on the same
	// connection, after the single-flight entry has already settled and
	// been removed, should replay the cached result instead of
	// re-running the tool.
	frame.RequestID = "r2"
	conn.Handle(context.Background(), mustMarshal(t, frame))
	waitForResultCount(t, sender, 2)

	if calls != 1 {
		t.Errorf("tool ran %d times, want 1 (second call should replay from cache)", calls)
	}

	results := 0
	for _, f := range sender.frames {
		if f.Op == "result" {
			results++
			// The first result's Value is the tool's native int; a
			// cache replay round-trips through JSON and comes back as
			// a float64, so compare their string forms instead.
			if fmt.Sprint(f.Value) != fmt.Sprint(first.Value) {
				t.Errorf("result #%d value = %v, want replayed value %v", results, f.Value, first.Value)
			}
		}
	}
	if results != 2 {
		t.Fatalf("expected 2 result frames, got %d", results)
	}
}

func TestHandleCallToolUnknownTool(t *testing.T) {
	d := newTestDispatcher(t)
	sender := &recordingSender{}
	conn := d.NewConnection(sender)

	conn.Handle(context.Background(), mustMarshal(t, helloFrame(t)))
	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "call_tool", RequestID: "r1", Tool: "missing"}))

	frame, ok := sender.find("error")
	if !ok {
		t.Fatalf("expected an error frame, got %+v", sender.frames)
	}
	if frame.Kind != string(rpcerror.UnknownTool) {
		t.Errorf("error kind = %q, want %q", frame.Kind, rpcerror.UnknownTool)
	}
}

func TestHandleCancelStopsABlockingCall(t *testing.T) {
	d := newTestDispatcher(t)
	d.Timeouts.ToolDefault = 5 * time.Second
	sender := &recordingSender{}
	conn := d.NewConnection(sender)

	conn.Handle(context.Background(), mustMarshal(t, helloFrame(t)))
	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "call_tool", RequestID: "r1", Tool: "blocking"}))

	waitForFrame(t, sender, "ack")

	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "cancel", RequestID: "r1"}))

	waitForFrame(t, sender, "error")

	frame, _ := sender.find("error")
	if frame.RequestID != "r1" {
		t.Errorf("cancelled call's error frame request_id = %q, want %q", frame.RequestID, "r1")
	}
}

func TestHandleCancelOnlyDetachesTheWaiterNotTheLeader(t *testing.T) {
	d := newTestDispatcher(t)
	d.Timeouts.ToolDefault = 5 * time.Second
	sender := &recordingSender{}
	conn := d.NewConnection(sender)

	conn.Handle(context.Background(), mustMarshal(t, helloFrame(t)))

	// Both calls share a fingerprint (same tool, arguments, continuation id,
	// and session), so the second attaches as a waiter on the first's
	// single-flight entry rather than starting its own blockingTool run.
	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "call_tool", RequestID: "leader", Tool: "blocking"}))
	waitForFrame(t, sender, "ack")
	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "call_tool", RequestID: "waiter", Tool: "blocking"}))

	// Cancel only the waiter.
	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "cancel", RequestID: "waiter"}))

	deadline := time.Now().Add(2 * time.Second)
	var waiterErr Frame
	found := false
	for time.Now().Before(deadline) {
		sender.mu.Lock()
		for _, f := range sender.frames {
			if f.Op == "error" && f.RequestID == "waiter" {
				waiterErr = f
				found = true
			}
		}
		sender.mu.Unlock()
		if found {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !found {
		t.Fatalf("expected an error frame for the cancelled waiter, got %+v", sender.frames)
	}
	if waiterErr.Kind != string(rpcerror.Cancelled) {
		t.Errorf("waiter error kind = %q, want %q", waiterErr.Kind, rpcerror.Cancelled)
	}

	// The leader's own call is untouched by the waiter's cancel: no
	// terminal frame for "leader" should show up.
	sender.mu.Lock()
	for _, f := range sender.frames {
		if f.RequestID == "leader" && (f.Op == "result" || f.Op == "error") {
			t.Errorf("leader call received an unexpected terminal frame: %+v", f)
		}
	}
	sender.mu.Unlock()

	// Clean up the still-blocked leader so the goroutine doesn't outlive
	// the test.
	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "cancel", RequestID: "leader"}))
	waitForFrame(t, sender, "error")
}

func TestDisconnectCancelsInFlightCalls(t *testing.T) {
	d := newTestDispatcher(t)
	d.Timeouts.ToolDefault = 5 * time.Second
	sender := &recordingSender{}
	conn := d.NewConnection(sender)

	conn.Handle(context.Background(), mustMarshal(t, helloFrame(t)))
	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "call_tool", RequestID: "r1", Tool: "blocking"}))

	waitForFrame(t, sender, "ack")

	conn.Disconnect()

	waitForFrame(t, sender, "error")
}

func TestHandlePingRespondsWithPong(t *testing.T) {
	d := newTestDispatcher(t)
	sender := &recordingSender{}
	conn := d.NewConnection(sender)

	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "ping"}))

	if _, ok := sender.find("pong"); !ok {
		t.Fatalf("expected a pong frame, got %+v", sender.frames)
	}
}

func TestHandleUnknownOp(t *testing.T) {
	d := newTestDispatcher(t)
	sender := &recordingSender{}
	conn := d.NewConnection(sender)

	conn.Handle(context.Background(), mustMarshal(t, Frame{Op: "bogus"}))

	frame, ok := sender.find("error")
	if !ok {
		t.Fatalf("expected an error frame, got %+v", sender.frames)
	}
	if frame.Kind == "" {
		t.Error("unknown-op error frame should carry a kind")
	}
}

func mustMarshal(t *testing.T, f Frame) []byte {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

// waitForResultCount polls until at least n "result" frames have
// arrived, since runCall dispatches onto its own goroutine and terminal
// frames show up asynchronously.
func waitForResultCount(t *testing.T, sender *recordingSender, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sender.mu.Lock()
		count := 0
		for _, f := range sender.frames {
			if f.Op == "result" {
				count++
			}
		}
		sender.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d result frames", n)
}

// waitForFrame polls until op shows up among sender's frames or the test
// deadline is close; runCall dispatches onto its own goroutine so terminal
// frames arrive asynchronously.
func waitForFrame(t *testing.T, sender *recordingSender, op string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sender.find(op); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for a %q frame", op)
}
