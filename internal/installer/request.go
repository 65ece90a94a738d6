package installer

import (
	"context"
	"sync"

	"github.com/danmuck/edgeinstall/internal/envelope"
)

type (
	Request  = envelope.InstallRequest
	Response = envelope.InstallResponse
)

// Sink receives the response to one request. It runs off the worker, so it
// may submit further requests.
type Sink func(Response)

// Phase is where a request is in its lifecycle.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseValidated  Phase = "validated"
	PhaseResolved   Phase = "resolved"
	PhaseApplying   Phase = "applying"
	PhaseCommitted  Phase = "committed"
	PhaseRolledBack Phase = "rolled_back"
	PhaseResponded  Phase = "responded"
)

// Pending resolves once its request has been answered.
type Pending struct {
	once sync.Once
	done chan struct{}
	resp Response
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(resp Response) {
	p.once.Do(func() {
		p.resp = resp
		close(p.done)
	})
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the response arrives or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Response, error) {
	select {
	case <-p.done:
		return p.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Response returns the answer if it has arrived.
func (p *Pending) Response() (Response, bool) {
	select {
	case <-p.done:
		return p.resp, true
	default:
		return Response{}, false
	}
}

func respond(req Request, code envelope.ResponseCode, messages ...string) Response {
	if messages == nil {
		messages = []string{}
	}
	return Response{Code: code, Messages: messages, Request: req}
}
