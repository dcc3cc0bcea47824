// Package core implements the plugin application protocol — register, run,
// result, broadcast, subscribe/unsubscribe — on top of an rpc.Client. It
// owns the pending-result table that gives a "run" call its asynchronous,
// observable lifecycle beyond the initial acknowledgement.
package core

import (
	"fmt"
	"sync"

	"github.com/hlandau/xlog"

	"github.com/splone/splonebox-client-go/rpc"
)

var log, Log = xlog.New("core")

// FunctionDescriptor is the [name, doc, arg-type-defaults] triple sent for
// each registered function as part of a register call.
type FunctionDescriptor struct {
	Name      string
	Doc       string
	ArgValues []interface{}
}

func (d FunctionDescriptor) toWire() []interface{} {
	return []interface{}{d.Name, d.Doc, d.ArgValues}
}

// Metadata is the [name, desc, author, license] 4-tuple identifying a
// plugin to the core.
type Metadata struct {
	Name        string
	Description string
	Author      string
	License     string
}

func (m Metadata) toWire() []interface{} {
	return []interface{}{m.Name, m.Description, m.Author, m.License}
}

// Core hosts the pending-result table and implements the application
// protocol's outgoing calls and the two inbound request/notify types
// (result, broadcast) it must service. Correlating outgoing requests with
// their Response is the rpc.Client's job; Core only needs its own table for
// call ids, a different key space assigned by the remote side only after
// the initial run acknowledgement.
type Core struct {
	client *rpc.Client

	mu            sync.Mutex
	resultPending map[uint32]*RunResult
	subscriptions map[string]*Subscription
}

// New wraps client with the application protocol. It registers the "result"
// and "broadcast" handlers client needs to service inbound traffic; it does
// not register "run" — that belongs to a Plugin.
func New(client *rpc.Client) *Core {
	c := &Core{
		client:        client,
		resultPending: make(map[uint32]*RunResult),
		subscriptions: make(map[string]*Subscription),
	}
	client.RegisterFunction("result", c.handleResult)
	client.RegisterNotifyHandler("broadcast", c.handleBroadcastNotify)
	return c
}

// Register sends the register call for meta and fns and returns a Response
// that settles once the core replies.
func (c *Core) Register(meta Metadata, fns []FunctionDescriptor) (*Response, error) {
	wireFns := make([]interface{}, len(fns))
	for i, fn := range fns {
		wireFns[i] = fn.toWire()
	}

	resp := newResponse()
	req := &rpc.Request{Function: "register", Arguments: []interface{}{meta.toWire(), wireFns}}

	_, err := c.client.SendRequest(req, func(rr *rpc.Response, err error) {
		if err != nil {
			resp.fail(err)
			return
		}
		if rr.Error == nil && len(rr.Result) == 0 {
			resp.complete(rr.Result)
			return
		}
		if rr.Error != nil {
			resp.fail(applicationError(rr.Error))
			return
		}
		resp.fail(&ApplicationError{Code: 400, Message: "Received invalid Response"})
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SendRun sends a run call for function on the plugin identified by
// targetPluginID (empty for "unaddressed") with args, and returns the
// RunResult slot immediately; it settles to Acknowledged, then Completed or
// Failed, asynchronously as the core's ack and eventual result arrive.
func (c *Core) SendRun(targetPluginID string, function string, args []interface{}) (*RunResult, error) {
	var target interface{}
	if targetPluginID != "" {
		target = targetPluginID
	}

	rr := newRunResult()
	req := &rpc.Request{Function: "run", Arguments: []interface{}{[]interface{}{target, nil}, function, args}}

	_, err := c.client.SendRequest(req, func(resp *rpc.Response, err error) {
		if err != nil {
			rr.fail(err)
			return
		}
		if resp.Error != nil {
			rr.fail(applicationError(resp.Error))
			return
		}
		if len(resp.Result) != 1 {
			rr.fail(&ApplicationError{Code: 400, Message: "Received invalid Response"})
			return
		}
		callID, ok := toCallID(resp.Result[0])
		if !ok {
			rr.fail(&ApplicationError{Code: 400, Message: "Received invalid Response"})
			return
		}
		rr.acknowledge(callID)
		c.trackResult(callID, rr)
	})
	if err != nil {
		return nil, err
	}
	return rr, nil
}

// SendResult delivers the outcome of a call this process was asked to run.
// The Response it elicits is informational only; failures are logged, not
// surfaced.
func (c *Core) SendResult(callID uint32, value interface{}) error {
	req := &rpc.Request{Function: "result", Arguments: []interface{}{
		[]interface{}{callID}, []interface{}{value},
	}}
	_, err := c.client.SendRequest(req, func(resp *rpc.Response, err error) {
		if err != nil {
			log.Warninge(err, "result delivery for call ", fmt.Sprint(callID), " failed")
			return
		}
		if resp.Error != nil {
			log.Warningf("result delivery for call %d rejected: %v", callID, resp.Error)
		}
	})
	return err
}

// Broadcast publishes event with args. As a Notify (the usual case) there
// is no reply to wait for; otherwise it is sent as a Request and the
// returned Response settles when the core answers.
func (c *Core) Broadcast(event string, args []interface{}, asNotification bool) (*Response, error) {
	if asNotification {
		return nil, c.client.SendNotify(&rpc.Notify{Function: "broadcast", Arguments: []interface{}{event, args}})
	}

	resp := newResponse()
	req := &rpc.Request{Function: "broadcast", Arguments: []interface{}{event, args}}
	_, err := c.client.SendRequest(req, c.genericResponseCallback(resp))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Subscribe registers a Subscription for event, sends the subscribe call,
// and blocks until the core confirms it. The Subscription is torn down if
// the call fails.
func (c *Core) Subscribe(event string) (*Subscription, error) {
	c.mu.Lock()
	if _, exists := c.subscriptions[event]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("core: already subscribed to %q", event)
	}
	sub := newSubscription(event)
	c.subscriptions[event] = sub
	c.mu.Unlock()

	resp := newResponse()
	req := &rpc.Request{Function: "subscribe", Arguments: []interface{}{event}}
	_, err := c.client.SendRequest(req, c.genericResponseCallback(resp))
	if err != nil {
		c.removeSubscription(event)
		return nil, err
	}

	if err := resp.Wait(); err != nil {
		c.removeSubscription(event)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes the Subscription for event locally and sends the
// unsubscribe call; it returns the Response future for the caller to await
// if desired.
func (c *Core) Unsubscribe(event string) (*Response, error) {
	c.removeSubscription(event)

	resp := newResponse()
	req := &rpc.Request{Function: "unsubscribe", Arguments: []interface{}{event}}
	_, err := c.client.SendRequest(req, c.genericResponseCallback(resp))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Core) removeSubscription(event string) {
	c.mu.Lock()
	sub, found := c.subscriptions[event]
	delete(c.subscriptions, event)
	c.mu.Unlock()
	if found {
		sub.close()
	}
}

func (c *Core) genericResponseCallback(resp *Response) rpc.ResponseCallback {
	return func(rr *rpc.Response, err error) {
		if err != nil {
			resp.fail(err)
			return
		}
		if rr.Error != nil {
			resp.fail(applicationError(rr.Error))
			return
		}
		resp.complete(rr.Result)
	}
}

func (c *Core) trackResult(callID uint32, rr *RunResult) {
	c.mu.Lock()
	c.resultPending[callID] = rr
	c.mu.Unlock()
}

// handleResult services an inbound "result" request: a remote caller
// delivering the outcome of a run this process initiated.
func (c *Core) handleResult(req *rpc.Request) (*rpc.Response, error) {
	callID, value, ok := parseApiResult(req.Arguments)
	if !ok {
		return &rpc.Response{Error: []interface{}{400, "Message is not a valid result call"}}, nil
	}

	c.mu.Lock()
	rr, found := c.resultPending[callID]
	if found {
		delete(c.resultPending, callID)
	}
	c.mu.Unlock()

	if !found {
		return &rpc.Response{Error: []interface{}{404, "Call id does not match any call"}}, nil
	}

	rr.complete(value)
	return &rpc.Response{Result: []interface{}{int64(callID)}}, nil
}

func (c *Core) handleBroadcastNotify(n *rpc.Notify) {
	if len(n.Arguments) != 2 {
		log.Warningf("malformed broadcast notify: %v", n.Arguments)
		return
	}
	event, ok := n.Arguments[0].(string)
	if !ok {
		log.Warningf("malformed broadcast notify: %v", n.Arguments)
		return
	}
	if _, ok := n.Arguments[1].([]interface{}); !ok {
		log.Warningf("malformed broadcast notify: %v", n.Arguments)
		return
	}

	c.mu.Lock()
	sub, found := c.subscriptions[event]
	c.mu.Unlock()

	if !found {
		log.Warningf("broadcast for %q with no subscriber", event)
		return
	}
	sub.push(n.Arguments)
}

// FailAll tears the session down: it fails every request still in flight
// at the rpc layer (which resolves any pending Register/Broadcast/
// Subscribe Response via its callback), then transitions every
// Acknowledged RunResult — which no longer has an rpc-level callback
// waiting, only an entry in resultPending — to Failed. This guarantees no
// caller of Register, SendRun, Broadcast or Subscribe blocks forever once
// the transport has gone away.
func (c *Core) FailAll(err error) {
	c.client.FailAll(err)

	c.mu.Lock()
	results := c.resultPending
	subs := c.subscriptions
	c.resultPending = make(map[uint32]*RunResult)
	c.subscriptions = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, rr := range results {
		rr.fail(err)
	}
	for _, sub := range subs {
		sub.close()
	}
}

func parseApiResult(args []interface{}) (callID uint32, value interface{}, ok bool) {
	if len(args) != 2 {
		return 0, nil, false
	}
	ids, ok := args[0].([]interface{})
	if !ok || len(ids) != 1 {
		return 0, nil, false
	}
	id, ok := toCallID(ids[0])
	if !ok {
		return 0, nil, false
	}
	values, ok := args[1].([]interface{})
	if !ok || len(values) != 1 {
		return 0, nil, false
	}
	return id, values[0], true
}

func toCallID(v interface{}) (uint32, bool) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case uint64:
		return uint32(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	default:
		return 0, false
	}
}
