package plugin

import (
	"sync"

	"github.com/splone/splonebox-client-go/core"
)

// RemotePlugin addresses a single remote plugin by id and keeps a history
// of every run it has initiated, so a caller can inspect past calls without
// threading its own bookkeeping through the application.
type RemotePlugin struct {
	id   string
	core *core.Core

	mu      sync.Mutex
	history []*core.RunResult
}

// NewRemotePlugin returns a RemotePlugin that addresses calls at id through
// c. An empty id addresses whichever plugin the core chooses to dispatch
// unaddressed run calls to.
func NewRemotePlugin(c *core.Core, id string) *RemotePlugin {
	return &RemotePlugin{id: id, core: c}
}

// Run starts function on the remote plugin with args and records the
// resulting RunResult in History before returning it.
func (p *RemotePlugin) Run(function string, args []interface{}) (*core.RunResult, error) {
	rr, err := p.core.SendRun(p.id, function, args)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.history = append(p.history, rr)
	p.mu.Unlock()

	return rr, nil
}

// History returns every RunResult Run has produced so far, oldest first.
func (p *RemotePlugin) History() []*core.RunResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*core.RunResult, len(p.history))
	copy(out, p.history)
	return out
}
