// Package groutine starts named goroutines. The name shows up as a pprof
// label, which makes poll loops and connection watchers tellable apart in
// goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

// Go starts a goroutine labeled with name. If parentCtx is nil,
// context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	go pprof.Do(parentCtx, pprof.Labels("goroutine_name", name), fn)
}
