// Package rhizome implements a bundle fetch scheduler and transport engine
// for a delay-tolerant, store-and-forward overlay network.
//
// Given an advertised manifest and the peer coordinate it was offered from,
// the engine decides whether the referenced payload is worth retrieving,
// queues the retrieval by size class, and executes it over one of two
// transports: a request/response stream socket, or a block-request/response
// datagram protocol carried over an overlay bus. Completed fetches are
// handed to an external importer.
//
// # Architecture
//
// [Engine] owns five size-classed [candidateQueue] instances and one
// [fetchSlot] per queue. The dispatcher (dispatcher.go) is the entry point
// for "consider this manifest" ([Engine.Suggest]); it performs
// duplicate/supersession checks
// against a [VersionCache] and an [IgnoreCache], places worthwhile
// candidates into a queue, and later activates free slots in priority
// order. Each slot drives its own state machine (see slot.go), beginning
// with the stream transport and falling back to the datagram transport on
// any transient transport fault.
//
// # Concurrency
//
// The engine is single-threaded and cooperative: all queue, slot, and cache
// state is touched only from the goroutine running [Engine.Run], which is
// driven by timer callbacks from a [Poller] and by completions the stream
// transport's I/O goroutines submit to its ingress queue. Calls
// to [Engine.Suggest] and friends are safe from any goroutine; they are
// marshalled onto the engine goroutine through an internal ingress queue,
// the same pattern used by eventloop.Loop.Submit in the package this one is
// modeled on.
//
// # Outbound dependencies
//
// The engine consumes, but does not implement, a [Store] (content-addressed
// backing database), an [OverlayBus] (datagram transport), an [Identity]
// (local subscriber id), and a [Poller] (I/O readiness and timers). A
// reference [Poller] implementation, backed by epoll or kqueue, is provided
// for tests and standalone use; production deployments are expected to
// supply their own, wired into the host daemon's existing event loop.
package rhizome
