package plugin

import (
	"fmt"
	"testing"

	"github.com/splone/splonebox-client-go/core"
	"github.com/splone/splonebox-client-go/rpc"
)

// loopSender wires a Client's outgoing frames straight into another
// Client's OnBytes, simulating a core on the other end of the wire.
type loopSender struct {
	peer *rpc.Client
}

func (s *loopSender) Send(data []byte) error {
	s.peer.OnBytes(data)
	return nil
}

func newWiredPair() (client *rpc.Client, fakeCoreClient *rpc.Client) {
	clientSender := &loopSender{}
	fakeCoreSender := &loopSender{}

	client = rpc.NewClient(clientSender)
	fakeCoreClient = rpc.NewClient(fakeCoreSender)

	clientSender.peer = fakeCoreClient
	fakeCoreSender.peer = client
	return client, fakeCoreClient
}

// hasCode reports whether an error code that came back over the wire equals
// want; decoding yields int64 or uint64, never int, so it goes through
// toCallID.
func hasCode(v interface{}, want uint32) bool {
	n, ok := toCallID(v)
	return ok && n == want
}

func deliverRun(t *testing.T, fakeCore *rpc.Client, target interface{}, callID uint32, function string, args []interface{}) *rpc.Response {
	t.Helper()
	var got *rpc.Response
	req := &rpc.Request{Function: "run", Arguments: []interface{}{
		[]interface{}{target, int64(callID)}, function, args,
	}}
	_, err := fakeCore.SendRequest(req, func(resp *rpc.Response, err error) {
		if err != nil {
			t.Fatalf("run request failed: %v", err)
		}
		got = resp
	})
	if err != nil {
		t.Fatalf("SendRequest(run): %v", err)
	}
	if got == nil {
		t.Fatalf("run request never answered")
	}
	return got
}

// TestHandleRunUnknownFunction covers the plugin-level 404 path: a run
// request for a function that was never added to the registry.
func TestHandleRunUnknownFunction(t *testing.T) {
	client, fakeCore := newWiredPair()
	c := core.New(client)
	p := New(client, c, core.Metadata{Name: "demo"})

	resp := deliverRun(t, fakeCore, nil, 1, "bogus", []interface{}{})
	if len(resp.Error) != 2 || !hasCode(resp.Error[0], 404) {
		t.Fatalf("resp.Error = %v, want [404 ...]", resp.Error)
	}
	p.Wait()
}

func TestHandleRunMalformedGets400(t *testing.T) {
	client, fakeCore := newWiredPair()
	c := core.New(client)
	New(client, c, core.Metadata{Name: "demo"})

	var got *rpc.Response
	req := &rpc.Request{Function: "run", Arguments: []interface{}{"not", "the", "right", "shape"}}
	_, err := fakeCore.SendRequest(req, func(resp *rpc.Response, err error) {
		got = resp
	})
	if err != nil {
		t.Fatalf("SendRequest(run): %v", err)
	}
	if got == nil || len(got.Error) != 2 || !hasCode(got.Error[0], 400) || got.Error[1] != "Message is not a valid run call" {
		t.Fatalf("resp = %+v, want [400 \"Message is not a valid run call\"]", got)
	}
}

// TestHandleRunAcknowledgesThenDeliversResult exercises the two-phase
// dispatch: an accepted call is acknowledged immediately with its call id,
// runs on its own goroutine, and delivers a "result" call once the handler
// returns.
func TestHandleRunAcknowledgesThenDeliversResult(t *testing.T) {
	client, fakeCore := newWiredPair()
	c := core.New(client)
	p := New(client, c, core.Metadata{Name: "demo"})

	called := make(chan []interface{}, 1)
	if err := p.AddFunction(FunctionDescriptor{
		Name:     "add",
		ArgTypes: []ArgType{ArgInt64, ArgInt64},
		Handler: func(args []interface{}) (interface{}, error) {
			called <- args
			a := args[0].(int64)
			b := args[1].(int64)
			return a + b, nil
		},
	}); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}

	var gotResultReq *rpc.Request
	fakeCore.RegisterFunction("result", func(req *rpc.Request) (*rpc.Response, error) {
		gotResultReq = req
		return &rpc.Response{Result: []interface{}{req.Arguments[0]}}, nil
	})

	ackResp := deliverRun(t, fakeCore, nil, 42, "add", []interface{}{int64(7), int64(8)})
	if len(ackResp.Result) != 1 || ackResp.Result[0] != int64(42) {
		t.Fatalf("ack = %v, want [42]", ackResp.Result)
	}

	p.Wait()

	select {
	case args := <-called:
		if len(args) != 2 || args[0] != int64(7) {
			t.Fatalf("handler args = %v", args)
		}
	default:
		t.Fatalf("handler was never invoked")
	}

	if gotResultReq == nil {
		t.Fatalf("result was never delivered")
	}
	ids, ok := gotResultReq.Arguments[0].([]interface{})
	if !ok || len(ids) != 1 || ids[0] != int64(42) {
		t.Fatalf("result call id = %v, want [42]", gotResultReq.Arguments[0])
	}
	values, ok := gotResultReq.Arguments[1].([]interface{})
	if !ok || len(values) != 1 || values[0] != int64(15) {
		t.Fatalf("result value = %v, want [15]", gotResultReq.Arguments[1])
	}
}

// TestHandleRunHandlerErrorSendsNoResult covers a handler that fails: no
// "result" call is sent, and the active task still completes so Wait
// returns.
func TestHandleRunHandlerErrorSendsNoResult(t *testing.T) {
	client, fakeCore := newWiredPair()
	c := core.New(client)
	p := New(client, c, core.Metadata{Name: "demo"})

	sentResult := false
	fakeCore.RegisterFunction("result", func(req *rpc.Request) (*rpc.Response, error) {
		sentResult = true
		return &rpc.Response{Result: []interface{}{}}, nil
	})

	if err := p.AddFunction(FunctionDescriptor{
		Name: "fail",
		Handler: func(args []interface{}) (interface{}, error) {
			return nil, fmt.Errorf("boom")
		},
	}); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}

	deliverRun(t, fakeCore, nil, 1, "fail", []interface{}{})
	p.Wait()

	if sentResult {
		t.Fatalf("expected no result call for a failed handler")
	}
}

// TestRegisterSendsAddedFunctions exercises Register converting the
// registry into the core's wire shape.
func TestRegisterSendsAddedFunctions(t *testing.T) {
	client, fakeCore := newWiredPair()
	c := core.New(client)
	p := New(client, c, core.Metadata{Name: "demo", Author: "alice"})

	if err := p.AddFunction(FunctionDescriptor{Name: "add", ArgTypes: []ArgType{ArgInt64, ArgInt64}}); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}

	var gotReq *rpc.Request
	fakeCore.RegisterFunction("register", func(req *rpc.Request) (*rpc.Response, error) {
		gotReq = req
		return &rpc.Response{Result: []interface{}{}}, nil
	})

	resp, err := p.Register()
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := resp.Wait(); err != nil {
		t.Fatalf("Response.Wait: %v", err)
	}

	fns, ok := gotReq.Arguments[1].([]interface{})
	if !ok || len(fns) != 1 {
		t.Fatalf("functions arg = %v", gotReq.Arguments[1])
	}
	fn, ok := fns[0].([]interface{})
	if !ok || fn[0] != "add" {
		t.Fatalf("function descriptor = %v", fn)
	}
	argDefaults, ok := fn[2].([]interface{})
	if !ok || len(argDefaults) != 2 || argDefaults[0] != int64(-1) {
		t.Fatalf("arg defaults = %v", fn[2])
	}
}

// TestRemotePluginRunRecordsHistory exercises RemotePlugin.Run delegating
// to core.Core.SendRun and recording the RunResult in History.
func TestRemotePluginRunRecordsHistory(t *testing.T) {
	client, fakeCore := newWiredPair()
	c := core.New(client)
	rp := NewRemotePlugin(c, "other-plugin")

	var gotReq *rpc.Request
	fakeCore.RegisterFunction("run", func(req *rpc.Request) (*rpc.Response, error) {
		gotReq = req
		return &rpc.Response{Result: []interface{}{int64(9)}}, nil
	})

	rr, err := rp.Run("add", []interface{}{int64(1), int64(2)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := rr.WaitAcknowledged(); err != nil {
		t.Fatalf("WaitAcknowledged: %v", err)
	}

	target, ok := gotReq.Arguments[0].([]interface{})
	if !ok || target[0] != "other-plugin" {
		t.Fatalf("target arg = %v, want [other-plugin nil]", gotReq.Arguments[0])
	}

	history := rp.History()
	if len(history) != 1 || history[0] != rr {
		t.Fatalf("History() = %v, want [rr]", history)
	}
}

func TestAddFunctionRejectsDuplicate(t *testing.T) {
	client, _ := newWiredPair()
	c := core.New(client)
	p := New(client, c, core.Metadata{Name: "demo"})

	if err := p.AddFunction(FunctionDescriptor{Name: "add"}); err != nil {
		t.Fatalf("first AddFunction: %v", err)
	}
	if err := p.AddFunction(FunctionDescriptor{Name: "add"}); err == nil {
		t.Fatalf("expected duplicate AddFunction to fail")
	}
}
