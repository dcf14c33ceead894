// Package challenge wraps the human-verification widget the identity
// provider requires before it will send a code.
//
// The widget itself runs in the browser. On the server side a Widget only
// knows the parameters the page needs to mount it (container id, site key,
// size) and whether the login flow that owns it is still alive.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotInitialized = errors.New("challenge: widget not initialized")
	ErrDisposed       = errors.New("challenge: widget disposed")
)

// Size values understood by the browser widget.
const (
	SizeInvisible = "invisible"
	SizeNormal    = "normal"
	SizeCompact   = "compact"
)

// ConfigSource returns the site key for the widget. identity.Provider
// satisfies it through a small adapter in the service package.
type ConfigSource interface {
	SiteKey(ctx context.Context) (string, error)
}

// ConfigSourceFunc adapts a function to ConfigSource.
type ConfigSourceFunc func(ctx context.Context) (string, error)

func (f ConfigSourceFunc) SiteKey(ctx context.Context) (string, error) { return f(ctx) }

// Options tune how the widget is rendered.
type Options struct {
	Size string // defaults to SizeInvisible
}

// Handle is what the login page needs to mount the widget.
type Handle struct {
	ContainerID string
	SiteKey     string
	Size        string
	// Enabled is false when the provider does not ask for a challenge.
	Enabled bool
}

// Widget is bound to one container id and one login flow.
type Widget struct {
	source      ConfigSource
	containerID string
	size        string

	mu          sync.Mutex
	initialized bool
	disposed    bool
	siteKey     string
}

// New returns an uninitialized widget.
func New(source ConfigSource, containerID string, opts Options) *Widget {
	if opts.Size == "" {
		opts.Size = SizeInvisible
	}
	return &Widget{source: source, containerID: containerID, size: opts.Size}
}

// Initialize fetches the site key. It runs at most once successfully;
// later calls are no-ops. A failed attempt may be retried by the caller.
func (w *Widget) Initialize(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disposed {
		return ErrDisposed
	}
	if w.initialized {
		return nil
	}
	if w.containerID == "" {
		return errors.New("challenge: container id is required")
	}

	key, err := w.source.SiteKey(ctx)
	if err != nil {
		return fmt.Errorf("challenge: fetching site key: %w", err)
	}

	w.siteKey = key
	w.initialized = true
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (w *Widget) Initialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initialized && !w.disposed
}

// Handle returns the render parameters.
func (w *Widget) Handle() (Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.disposed:
		return Handle{}, ErrDisposed
	case !w.initialized:
		return Handle{}, ErrNotInitialized
	}
	return Handle{
		ContainerID: w.containerID,
		SiteKey:     w.siteKey,
		Size:        w.size,
		Enabled:     w.siteKey != "",
	}, nil
}

// Dispose releases the widget. Safe to call more than once.
func (w *Widget) Dispose() {
	w.mu.Lock()
	w.disposed = true
	w.siteKey = ""
	w.mu.Unlock()
}
