package syncmgr

import (
	"context"

	"storefront/api/internal/document"
)

// Result describes how a save settled.
type Result struct {
	Version document.Version
	Commit  string
	Message string
	// Superseded is set when a newer save replaced this one. The write may
	// still have reached the content host.
	Superseded bool
	// Local is set when no content host was involved (dev mode).
	Local bool
}

// Flight is a pending durable write. Several Save calls with the same content
// share one Flight.
type Flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	doc    document.Document
	done   chan struct{}
	result Result
	err    error
}

func newFlight(ctx context.Context, cancel context.CancelFunc, doc document.Document) *Flight {
	return &Flight{ctx: ctx, cancel: cancel, doc: doc, done: make(chan struct{})}
}

// Done is closed once the flight has settled.
func (f *Flight) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the write settles or ctx ends. Giving up on the wait does
// not cancel the write.
func (f *Flight) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Flight) supersede() {
	f.cancel()
}

// settle must be called exactly once, with the manager lock held.
func (f *Flight) settle(result Result, err error) {
	f.result = result
	f.err = err
	f.cancel()
	close(f.done)
}
