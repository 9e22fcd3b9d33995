// Package cache memoizes compiled programs by signature.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-mesh/internal/program"
)

var tracer = otel.Tracer("meshop-cache")

// BuildFunc compiles the program for a signature on a miss.
type BuildFunc func(ctx context.Context) (*program.Program, error)

// entry is either building (ready open) or ready (ready closed). prog and
// err are written once before ready is closed.
type entry struct {
	ready chan struct{}
	prog  *program.Program
	err   error
}

// ProgramCache maps signatures to programs. For each key at most one build
// runs at a time; callers arriving while it runs wait for its result. A
// failed build is not kept, so the next call builds again.
type ProgramCache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty cache.
func New() *ProgramCache {
	return &ProgramCache{entries: make(map[string]*entry)}
}

var shared = New()

// Shared is the process-wide cache.
func Shared() *ProgramCache {
	return shared
}

// GetOrBuild returns the program for sig, calling build if there is none.
// hit is false only for the caller whose build produced the program.
func (c *ProgramCache) GetOrBuild(ctx context.Context, sig program.Signature, build BuildFunc) (prog *program.Program, hit bool, err error) {
	key := sig.Key()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		c.entries[key] = e
	}
	c.mu.Unlock()

	if ok {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if e.err != nil {
			// The builder failed; its error belongs to its own caller.
			return c.GetOrBuild(ctx, sig, build)
		}
		cacheHits.WithLabelValues(sig.Kind()).Inc()
		log.Debug().Stringer("signature", sig).Msg("Program cache hit")
		return e.prog, true, nil
	}

	cacheMisses.WithLabelValues(sig.Kind()).Inc()
	e.prog, e.err = c.build(ctx, sig, build)

	c.mu.Lock()
	if e.err != nil {
		delete(c.entries, key)
	} else {
		cacheEntries.Inc()
	}
	c.mu.Unlock()
	close(e.ready)

	if e.err != nil {
		return nil, false, e.err
	}
	return e.prog, false, nil
}

func (c *ProgramCache) build(ctx context.Context, sig program.Signature, build BuildFunc) (prog *program.Program, err error) {
	ctx, span := tracer.Start(ctx, "cache.build")
	span.SetAttributes(attribute.String("signature", sig.String()))
	defer span.End()

	start := time.Now()
	defer func() {
		// A panicking builder must not leave waiters blocked forever.
		if r := recover(); r != nil {
			err = &BuildPanic{Signature: sig, Value: r}
		}
		buildDuration.WithLabelValues(sig.Kind()).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			log.Debug().Err(err).Stringer("signature", sig).Msg("Program build failed")
			return
		}
		log.Debug().Stringer("signature", sig).Str("program", prog.Name()).Dur("elapsed", time.Since(start)).Msg("Program built")
	}()

	prog, err = build(ctx)
	if err == nil && prog == nil {
		err = &BuildPanic{Signature: sig, Value: "builder returned no program"}
	}
	return prog, err
}

// Lookup returns a ready program for sig without building.
func (c *ProgramCache) Lookup(sig program.Signature) (*program.Program, bool) {
	c.mu.Lock()
	e, ok := c.entries[sig.Key()]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.prog, e.err == nil
	default:
		return nil, false
	}
}

// Len returns the number of entries, including builds in progress.
func (c *ProgramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every ready entry. Builds in progress stay and complete.
func (c *ProgramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		select {
		case <-e.ready:
			delete(c.entries, k)
			cacheEntries.Dec()
		default:
		}
	}
}

// BuildPanic reports a builder that panicked or returned neither a program
// nor an error.
type BuildPanic struct {
	Signature program.Signature
	Value     any
}

func (e *BuildPanic) Error() string {
	return "cache: building " + e.Signature.String() + ": " + fmt.Sprint(e.Value)
}
