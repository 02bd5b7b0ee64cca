package shutdown

import (
	"context"
	"io"
	"net/http"
)

// HTTPServerComponent wraps an http.Server for graceful shutdown.
type HTTPServerComponent struct {
	name   string
	server *http.Server
}

// NewHTTPServerComponent creates a shutdown component for an HTTP server.
func NewHTTPServerComponent(name string, server *http.Server) *HTTPServerComponent {
	return &HTTPServerComponent{
		name:   name,
		server: server,
	}
}

func (h *HTTPServerComponent) Name() string {
	return h.name
}

func (h *HTTPServerComponent) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// CloserComponent wraps an io.Closer (database pools, log recorders)
// for graceful shutdown.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a shutdown component for an io.Closer.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{
		name:   name,
		closer: closer,
	}
}

func (c *CloserComponent) Name() string {
	return c.name
}

func (c *CloserComponent) Shutdown(_ context.Context) error {
	return c.closer.Close()
}

// Stopper is anything that stops synchronously without a context,
// such as the case worker pool.
type Stopper interface {
	Stop()
}

// StopperComponent wraps a Stopper for graceful shutdown. Stop is run
// in a goroutine so a hung component cannot block past the shutdown
// deadline.
type StopperComponent struct {
	name    string
	stopper Stopper
}

// NewStopperComponent creates a shutdown component for a Stopper.
func NewStopperComponent(name string, stopper Stopper) *StopperComponent {
	return &StopperComponent{
		name:    name,
		stopper: stopper,
	}
}

func (s *StopperComponent) Name() string {
	return s.name
}

func (s *StopperComponent) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.stopper.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FuncComponent wraps a function for graceful shutdown.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a shutdown component from a function.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{
		name: name,
		fn:   fn,
	}
}

func (f *FuncComponent) Name() string {
	return f.name
}

func (f *FuncComponent) Shutdown(ctx context.Context) error {
	return f.fn(ctx)
}
