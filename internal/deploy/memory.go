package deploy

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// MemoryProvider simulates a deploy target in process. Each successful deploy
// bumps the version of every function. Fail makes the next deploy fail.
type MemoryProvider struct {
	clock clockwork.Clock

	mu       sync.Mutex
	versions map[string]int
	deploys  []Request
	fail     error
	gate     chan struct{}
}

func NewMemoryProvider(clock clockwork.Clock) *MemoryProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryProvider{clock: clock, versions: make(map[string]int)}
}

// Fail makes the next Deploy return err.
func (p *MemoryProvider) Fail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

// Hold makes Deploy block until the returned function is called.
func (p *MemoryProvider) Hold() func() {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (p *MemoryProvider) Deploys() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.deploys...)
}

func (p *MemoryProvider) Deploy(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	p.mu.Lock()
	gate := p.gate
	p.deploys = append(p.deploys, req)
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Result{}, asDeployError(ctx.Err(), req.StackName)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		err := p.fail
		p.fail = nil
		return Result{}, asDeployError(err, req.StackName)
	}
	outputs := make(map[string]string)
	for _, fn := range req.Functions {
		if fn.OutputKey != "" {
			outputs[fn.OutputKey] = req.StackName + "-" + fn.Name
		}
	}
	functions, err := ResolveFunctions(req.Functions, outputs)
	if err != nil {
		return Result{}, err
	}
	versions := make([]domain.FunctionVersion, 0, len(functions))
	for _, fn := range functions {
		p.versions[fn.FunctionName]++
		versions = append(versions, domain.FunctionVersion{
			Function:     fn.Spec.Name,
			FunctionName: fn.FunctionName,
			Version:      strconv.Itoa(p.versions[fn.FunctionName]),
			Description:  versionDescription(req.RunID),
			CreatedAt:    p.clock.Now().UTC(),
		})
	}
	return Result{StackID: fmt.Sprintf("memory://%s", req.StackName), Outputs: outputs, Versions: versions}, nil
}
