package mux

import (
	"context"
	"sync"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// Request is a pull for the next sample of one stream. It is either
// resolved before RequestSample returns or completed later from a
// resolver goroutine.
type Request struct {
	Stream core.StreamID

	done     chan struct{}
	once     sync.Once
	release  func()
	deferred bool

	sample core.Sample
	err    error
}

func newRequest(id core.StreamID) *Request {
	return &Request{Stream: id, done: make(chan struct{})}
}

func resolvedRequest(id core.StreamID, err error) *Request {
	r := newRequest(id)
	r.finish(core.Sample{}, err)
	return r
}

// finish completes the request once; later calls are ignored.
func (r *Request) finish(s core.Sample, err error) {
	r.once.Do(func() {
		r.sample = s
		r.err = err
		if r.release != nil {
			r.release()
		}
		close(r.done)
	})
}

// Done is closed once the request has been resolved.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Deferred reports whether the request was completed asynchronously.
func (r *Request) Deferred() bool {
	return r.deferred
}

// Result returns the outcome without blocking. It returns
// core.ErrRequestPending while the request is unresolved.
func (r *Request) Result() (core.Sample, error) {
	select {
	case <-r.done:
		return r.sample, r.err
	default:
		return core.Sample{}, core.ErrRequestPending
	}
}

// Wait blocks until the request is resolved or ctx is done. A sample
// resolved after ctx expires is lost to this caller.
func (r *Request) Wait(ctx context.Context) (core.Sample, error) {
	select {
	case <-r.done:
		return r.sample, r.err
	case <-ctx.Done():
		return core.Sample{}, ctx.Err()
	}
}
