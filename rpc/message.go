// Package rpc implements MessagePack-RPC framing on top of a plaintext
// byte stream: encoding the three message shapes (Request, Response,
// Notify), decoding and shape-validating inbound frames, and dispatching
// them to registered handlers.
package rpc

import (
	"bytes"
	"fmt"

	"gopkg.in/vmihailenco/msgpack.v2"
)

const maxMsgID = (uint64(1) << 32) - 1

// Request is a MessagePack-RPC request: [0, msgid, function, arguments].
type Request struct {
	MsgID     uint32
	Function  string
	Arguments []interface{}
}

// Response is a MessagePack-RPC response: [1, msgid, error, result].
// Exactly one of Error and Result is non-nil.
type Response struct {
	MsgID  uint32
	Error  []interface{}
	Result []interface{}
}

// Notify is a MessagePack-RPC notification: [2, function, arguments]. It
// carries no message id; the server never replies to it.
type Notify struct {
	Function  string
	Arguments []interface{}
}

// ShapeError marks an inbound Request that a handler could parse enough to
// identify, but whose arguments don't have the shape the function expects.
// The dispatcher reports it to the caller as a 400.
type ShapeError struct {
	Detail string
}

func (e *ShapeError) Error() string { return e.Detail }

// ErrInvalidMessage is returned by decode for a frame that isn't a
// well-formed Request, Response or Notify array.
var ErrInvalidMessage = fmt.Errorf("rpc: invalid message format")

func errorResult(code int, message string) []interface{} {
	return []interface{}{code, message}
}

func (r *Request) marshal() ([]byte, error) {
	if r.Arguments == nil {
		r.Arguments = []interface{}{}
	}
	return msgpack.Marshal([]interface{}{0, r.MsgID, r.Function, r.Arguments})
}

func (r *Response) marshal() ([]byte, error) {
	if (r.Error == nil) == (r.Result == nil) {
		return nil, fmt.Errorf("rpc: response %d must carry exactly one of error and result", r.MsgID)
	}
	var errv, resv interface{}
	if r.Error != nil {
		errv = r.Error
	}
	if r.Result != nil {
		resv = r.Result
	}
	return msgpack.Marshal([]interface{}{1, r.MsgID, errv, resv})
}

func (n *Notify) marshal() ([]byte, error) {
	if n.Arguments == nil {
		n.Arguments = []interface{}{}
	}
	return msgpack.Marshal([]interface{}{2, n.Function, n.Arguments})
}

// decode unpacks buf (the full plaintext of one crypto frame, which may
// hold several concatenated MessagePack-RPC frames) into a slice of
// *Request, *Response or *Notify values.
func decode(buf []byte) ([]interface{}, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(buf))

	var messages []interface{}
	for {
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			if len(messages) == 0 {
				return nil, ErrInvalidMessage
			}
			break
		}

		msg, err := fromUnpacked(raw)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

func fromUnpacked(raw interface{}) (interface{}, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) < 3 || len(arr) > 4 {
		return nil, ErrInvalidMessage
	}

	typ, ok := toInt64(arr[0])
	if !ok {
		return nil, ErrInvalidMessage
	}

	switch typ {
	case 0:
		if len(arr) != 4 {
			return nil, ErrInvalidMessage
		}
		msgid, ok := toMsgID(arr[1])
		if !ok {
			return nil, ErrInvalidMessage
		}
		function, ok := arr[2].(string)
		if !ok {
			return nil, ErrInvalidMessage
		}
		args, ok := toSlice(arr[3])
		if !ok {
			return nil, ErrInvalidMessage
		}
		return &Request{MsgID: msgid, Function: function, Arguments: args}, nil

	case 1:
		if len(arr) != 4 {
			return nil, ErrInvalidMessage
		}
		msgid, ok := toMsgID(arr[1])
		if !ok {
			return nil, ErrInvalidMessage
		}
		if (arr[2] == nil) == (arr[3] == nil) {
			return nil, ErrInvalidMessage
		}
		var errBody, result []interface{}
		if arr[2] != nil {
			if errBody, ok = toSlice(arr[2]); !ok {
				return nil, ErrInvalidMessage
			}
		}
		if arr[3] != nil {
			if result, ok = toSlice(arr[3]); !ok {
				return nil, ErrInvalidMessage
			}
		}
		return &Response{MsgID: msgid, Error: errBody, Result: result}, nil

	case 2:
		if len(arr) != 3 {
			return nil, ErrInvalidMessage
		}
		function, ok := arr[1].(string)
		if !ok {
			return nil, ErrInvalidMessage
		}
		args, ok := toSlice(arr[2])
		if !ok {
			return nil, ErrInvalidMessage
		}
		return &Notify{Function: function, Arguments: args}, nil

	default:
		return nil, ErrInvalidMessage
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

// toMsgID validates that v is an integer within [0, 2^32).
func toMsgID(v interface{}) (uint32, bool) {
	n, ok := toInt64(v)
	if !ok || n < 0 || uint64(n) > maxMsgID {
		return 0, false
	}
	return uint32(n), true
}

func toSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}
