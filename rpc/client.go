package rpc

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hlandau/xlog"
)

var log, Log = xlog.New("rpc")

// Handler services an inbound Request for one registered function name. A
// nil error means resp is the final answer (possibly itself carrying an
// application-level error such as {404, ...} in resp.Error). A non-nil
// *ShapeError is reported to the caller as {400, "Could not handle
// request! <detail>"}; any other error is reported as {418, "Unexpected
// exception occurred!"}.
type Handler func(req *Request) (resp *Response, err error)

// NotifyHandler services an inbound Notify for one registered function
// name.
type NotifyHandler func(n *Notify)

// ResponseCallback receives the eventual Response to a Request this client
// sent, or a non-nil err if the session was torn down before one arrived.
type ResponseCallback func(resp *Response, err error)

// Sender delivers one complete plaintext frame downward; it is satisfied
// by *transport.Connection.
type Sender interface {
	Send(data []byte) error
}

// Client encodes outgoing MessagePack-RPC messages, decodes inbound
// plaintext frames, correlates responses to requests by message id, and
// dispatches inbound requests and notifications to registered handlers.
type Client struct {
	sender Sender

	mu             sync.Mutex
	handlers       map[string]Handler
	notifyHandlers map[string]NotifyHandler
	pending        map[uint32]ResponseCallback
}

// NewClient returns a Client that writes encoded frames to sender.
func NewClient(sender Sender) *Client {
	return &Client{
		sender:         sender,
		handlers:       make(map[string]Handler),
		notifyHandlers: make(map[string]NotifyHandler),
		pending:        make(map[uint32]ResponseCallback),
	}
}

// RegisterFunction adds handler under name. Registering the same name
// twice is rejected; the dispatch table must exactly describe what was
// announced via register.
func (c *Client) RegisterFunction(name string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[name]; exists {
		return fmt.Errorf("rpc: function %q already registered", name)
	}
	c.handlers[name] = handler
	return nil
}

// RegisterNotifyHandler adds a handler for inbound Notify frames whose
// function is name. There is no ack path for notifications, so there is no
// response to send if this is never called for a given name.
func (c *Client) RegisterNotifyHandler(name string, handler NotifyHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.notifyHandlers[name]; exists {
		return fmt.Errorf("rpc: notify handler %q already registered", name)
	}
	c.notifyHandlers[name] = handler
	return nil
}

// SendRequest assigns req a fresh message id (regenerating on collision
// with an in-flight request), marshals and sends it, and registers
// callback to receive the eventual Response. callback may be nil if no
// reply is expected. It returns the assigned message id.
func (c *Client) SendRequest(req *Request, callback ResponseCallback) (uint32, error) {
	c.mu.Lock()
	msgid, err := c.freshMsgIDLocked()
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	req.MsgID = msgid
	if callback != nil {
		c.pending[msgid] = callback
	}
	c.mu.Unlock()

	data, err := req.marshal()
	if err != nil {
		c.cancelPending(msgid)
		return 0, fmt.Errorf("rpc: %w", err)
	}
	if err := c.sender.Send(data); err != nil {
		c.cancelPending(msgid)
		return 0, err
	}
	return msgid, nil
}

// SendResponse marshals and sends resp, which must already carry the
// message id of the request it answers.
func (c *Client) SendResponse(resp *Response) error {
	data, err := resp.marshal()
	if err != nil {
		return fmt.Errorf("rpc: %w", err)
	}
	return c.sender.Send(data)
}

// SendNotify marshals and sends n. Notifications carry no message id and
// never receive a reply.
func (c *Client) SendNotify(n *Notify) error {
	data, err := n.marshal()
	if err != nil {
		return fmt.Errorf("rpc: %w", err)
	}
	return c.sender.Send(data)
}

func (c *Client) cancelPending(msgid uint32) {
	c.mu.Lock()
	delete(c.pending, msgid)
	c.mu.Unlock()
}

// freshMsgIDLocked draws a random message id in [0, 2^32) that is not
// already in flight. Caller holds c.mu.
func (c *Client) freshMsgIDLocked() (uint32, error) {
	var buf [4]byte
	for attempt := 0; attempt < 64; attempt++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("rpc: generate message id: %w", err)
		}
		id := binary.LittleEndian.Uint32(buf[:])
		if _, taken := c.pending[id]; !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("rpc: could not find a free message id")
}

// OnBytes feeds one decrypted frame into the decoder and dispatches every
// message it contains. The transport's reassembly loop calls this once per
// delivered plaintext frame.
func (c *Client) OnBytes(plain []byte) {
	messages, err := decode(plain)
	if err != nil {
		log.Warninge(err, "dropping malformed frame")
		c.SendResponse(&Response{MsgID: 0, Error: errorResult(400, "Invalid Message Format")})
		return
	}

	for _, m := range messages {
		switch msg := m.(type) {
		case *Request:
			c.handleRequest(msg)
		case *Response:
			c.handleResponse(msg)
		case *Notify:
			c.handleNotify(msg)
		}
	}
}

func (c *Client) handleRequest(req *Request) {
	c.mu.Lock()
	handler, ok := c.handlers[req.Function]
	c.mu.Unlock()

	if !ok {
		c.SendResponse(&Response{MsgID: req.MsgID, Error: errorResult(404, "Function does not exist!")})
		return
	}

	resp, err := c.invokeHandler(handler, req)
	if err != nil {
		var shapeErr *ShapeError
		if se, ok := err.(*ShapeError); ok {
			shapeErr = se
		}
		if shapeErr != nil {
			c.SendResponse(&Response{MsgID: req.MsgID, Error: errorResult(400, "Could not handle request! "+shapeErr.Detail)})
		} else {
			log.Warninge(err, "handler for ", req.Function, " failed unexpectedly")
			c.SendResponse(&Response{MsgID: req.MsgID, Error: errorResult(418, "Unexpected exception occurred!")})
		}
		return
	}

	resp.MsgID = req.MsgID
	if sendErr := c.SendResponse(resp); sendErr != nil {
		log.Warninge(sendErr, "failed to send response to ", req.Function)
	}
}

// invokeHandler recovers a panicking handler and reports it the same way
// as a returned error, so one misbehaving handler cannot take down the
// receive loop.
func (c *Client) invokeHandler(handler Handler, req *Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc: handler panicked: %v", r)
		}
	}()
	return handler(req)
}

func (c *Client) handleResponse(resp *Response) {
	c.mu.Lock()
	callback, ok := c.pending[resp.MsgID]
	if ok {
		delete(c.pending, resp.MsgID)
	}
	c.mu.Unlock()

	if !ok {
		log.Warningf("received response for unknown message id %d", resp.MsgID)
		return
	}
	callback(resp, nil)
}

func (c *Client) handleNotify(n *Notify) {
	c.mu.Lock()
	handler, ok := c.notifyHandlers[n.Function]
	c.mu.Unlock()

	if !ok {
		log.Warningf("received notification for unregistered function %q", n.Function)
		return
	}
	handler(n)
}

// FailAll resolves every pending request callback with err and clears the
// table. Call this when the underlying transport disconnects so no caller
// of SendRequest blocks forever waiting for a Response.
func (c *Client) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]ResponseCallback)
	c.mu.Unlock()

	for _, callback := range pending {
		callback(nil, err)
	}
}
