//go:build !linux

package procwatch

import "context"

// Start returns ErrUnsupported: no process-connector backend is wired for
// this platform.
func (w *Watcher) Start(ctx context.Context) error {
	return ErrUnsupported
}

// Stop is a no-op on platforms where Start always fails.
func (w *Watcher) Stop() {}
