// Package plugin is the user-facing façade over core.Core: a Plugin
// registers its functions and services inbound "run" requests; a
// RemotePlugin represents a remote endpoint to invoke.
package plugin

import (
	"fmt"
	"sync"

	"github.com/hlandau/xlog"

	"github.com/splone/splonebox-client-go/core"
	"github.com/splone/splonebox-client-go/rpc"
)

var log, Log = xlog.New("plugin")

// Plugin owns the local function registry and services inbound "run"
// requests on a Core's rpc.Client. Each accepted call runs on its own
// goroutine, tracked in activeTasks, so a slow handler never stalls the
// receive loop or delays the synchronous acknowledgement the caller needs.
type Plugin struct {
	meta core.Metadata
	core *core.Core

	mu        sync.Mutex
	functions map[string]FunctionDescriptor

	tasksMu    sync.Mutex
	activeTasks map[uint32]chan struct{}
}

// New constructs a Plugin identified by meta, installing its "run" handler
// on client. Call AddFunction to populate the registry before Register.
func New(client *rpc.Client, c *core.Core, meta core.Metadata) *Plugin {
	p := &Plugin{
		meta:        meta,
		core:        c,
		functions:   make(map[string]FunctionDescriptor),
		activeTasks: make(map[uint32]chan struct{}),
	}
	client.RegisterFunction("run", p.handleRun)
	return p
}

// AddFunction adds fn to the registry. Registering the same name twice is
// rejected — the dispatch table must exactly describe what Register
// announces to the core.
func (p *Plugin) AddFunction(fn FunctionDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.functions[fn.Name]; exists {
		return fmt.Errorf("plugin: function %q already added", fn.Name)
	}
	p.functions[fn.Name] = fn
	return nil
}

// Register sends the register call for every function added so far and
// returns the Response, which settles once the core replies; it does not
// wait for that reply itself.
func (p *Plugin) Register() (*core.Response, error) {
	p.mu.Lock()
	descriptors := make([]core.FunctionDescriptor, 0, len(p.functions))
	for _, fn := range p.functions {
		descriptors = append(descriptors, fn.toCoreDescriptor())
	}
	p.mu.Unlock()

	return p.core.Register(p.meta, descriptors)
}

// handleRun services an inbound run request: a target plugin id (ignored —
// this process is the target by construction) and a call id to acknowledge
// with, the function name, and its arguments.
func (p *Plugin) handleRun(req *rpc.Request) (*rpc.Response, error) {
	function, args, callID, ok := parseInboundRun(req.Arguments)
	if !ok {
		return &rpc.Response{Error: []interface{}{400, "Message is not a valid run call"}}, nil
	}

	p.mu.Lock()
	fn, found := p.functions[function]
	p.mu.Unlock()
	if !found {
		return &rpc.Response{Error: []interface{}{404, "Function does not exist!"}}, nil
	}

	done := make(chan struct{})
	p.tasksMu.Lock()
	p.activeTasks[callID] = done
	p.tasksMu.Unlock()

	go p.execute(fn, args, callID, done)

	return &rpc.Response{Result: []interface{}{int64(callID)}}, nil
}

func (p *Plugin) execute(fn FunctionDescriptor, args []interface{}, callID uint32, done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Warningf("function %q panicked: %v", fn.Name, r)
		}
		p.tasksMu.Lock()
		delete(p.activeTasks, callID)
		p.tasksMu.Unlock()
		close(done)
	}()

	value, err := fn.Handler(args)
	if err != nil {
		log.Warninge(err, "function ", fn.Name, " returned an error")
		return
	}
	if value == nil {
		return
	}

	if err := p.core.SendResult(callID, value); err != nil {
		log.Warninge(err, "failed to deliver result for ", fn.Name)
	}
}

// Wait blocks until every currently active call has finished. It is meant
// for tests and graceful shutdown, not normal operation.
func (p *Plugin) Wait() {
	p.tasksMu.Lock()
	tasks := make([]chan struct{}, 0, len(p.activeTasks))
	for _, done := range p.activeTasks {
		tasks = append(tasks, done)
	}
	p.tasksMu.Unlock()

	for _, done := range tasks {
		<-done
	}
}

func parseInboundRun(args []interface{}) (function string, callArgs []interface{}, callID uint32, ok bool) {
	if len(args) != 3 {
		return "", nil, 0, false
	}
	slot, ok := args[0].([]interface{})
	if !ok || len(slot) != 2 {
		return "", nil, 0, false
	}
	id, ok := toCallID(slot[1])
	if !ok {
		return "", nil, 0, false
	}
	fn, ok := args[1].(string)
	if !ok {
		return "", nil, 0, false
	}
	callArgs, ok = args[2].([]interface{})
	if !ok {
		return "", nil, 0, false
	}
	return fn, callArgs, id, true
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
