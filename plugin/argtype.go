package plugin

// ArgType is one of the fixed parameter kinds a remote function's
// arguments can be described with.
type ArgType int

const (
	ArgBool ArgType = iota
	ArgBytes
	ArgUint64
	ArgInt64
	ArgFloat64
	ArgString
)

func (t ArgType) String() string {
	switch t {
	case ArgBool:
		return "bool"
	case ArgBytes:
		return "bytes"
	case ArgUint64:
		return "u64"
	case ArgInt64:
		return "i64"
	case ArgFloat64:
		return "f64"
	case ArgString:
		return "string"
	default:
		return "unknown"
	}
}

// defaultValue returns the canary default msgpack would encode for t: a
// value chosen to be unambiguous about which type a remote caller should
// send, not a meaningful zero value.
func (t ArgType) defaultValue() interface{} {
	switch t {
	case ArgBool:
		return false
	case ArgBytes:
		return []byte{}
	case ArgUint64:
		return uint64(3)
	case ArgInt64:
		return int64(-1)
	case ArgFloat64:
		return 2.0
	case ArgString:
		return ""
	default:
		return nil
	}
}
