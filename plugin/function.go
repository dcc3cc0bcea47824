package plugin

import "github.com/splone/splonebox-client-go/core"

// Handler executes a remote function call locally; args has already been
// unpacked from the incoming run Request. A nil return value means "no
// result call is sent" — per-call completion is optional.
type Handler func(args []interface{}) (interface{}, error)

// FunctionDescriptor names one function a Plugin exposes, the types its
// arguments carry, and the handler that executes it.
type FunctionDescriptor struct {
	Name    string
	Doc     string
	ArgTypes []ArgType
	Handler Handler
}

// Defaults returns one canary value per ArgType, in order; this is the
// argument list sent to the core during register so a caller can infer the
// expected shape of a call without a separate type-description wire
// format.
func (d FunctionDescriptor) Defaults() []interface{} {
	defaults := make([]interface{}, len(d.ArgTypes))
	for i, t := range d.ArgTypes {
		defaults[i] = t.defaultValue()
	}
	return defaults
}

func (d FunctionDescriptor) toCoreDescriptor() core.FunctionDescriptor {
	return core.FunctionDescriptor{Name: d.Name, Doc: d.Doc, ArgValues: d.Defaults()}
}
