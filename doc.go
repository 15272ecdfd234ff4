// Package eventer is a multi-threaded, multiplexed I/O and timer scheduler.
//
// It composes four independent scheduling disciplines behind a single
// reference-counted event record:
//
//   - level-triggered fd readiness (no backend requests edge-triggered
//     notification), backed by epoll (Linux), kqueue (Darwin), or poll
//     (other unix platforms);
//   - a time-ordered min-heap of timer deadlines, one per loop thread;
//   - a per-tick "recurrent" list run every iteration of the owning loop;
//   - a bounded worker pool for asynchronous (blocking) work, with
//     completions routed back to a specific loop thread.
//
// Callers allocate an [Event], set its callback/closure/mask/owner, and
// submit it with one of [Runtime.Add], [Runtime.AddTimed], or
// [Runtime.AddRecurrent] / [JobQueue.AddAsynch]. The callback runs on the
// event's owner thread and returns a new interest mask; returning zero
// removes the event.
//
// # Thread model
//
// A [Runtime] starts a fixed set of loop threads grouped into named
// [Pool]s; each is a goroutine, not locked to an OS thread. Each thread
// runs one [Loop], cooperatively single-threaded: user
// callbacks for events owned by a given thread never run concurrently with
// each other. [Runtime.ChooseOwner] and [Runtime.ChooseOwnerPool] give a
// deterministic mapping from an arbitrary integer (conventionally an fd+1)
// to an owner thread, so socket lifetime events bind to one thread for
// their whole life.
//
// # Scope
//
// This package does not parse any wire protocol, pool connections, or
// implement HTTP/TLS logic — only the plumbing ([FDOps]) that a protocol
// layer built on top of it would use to abstract plain vs. encrypted
// transports. Log sinks and CLI surfaces belong to the embedder; see
// [SetLogger] for the one hook this package exposes into an embedder's
// logging stack. [LoadConfigFile] is an optional TOML loader for [Config].
package eventer
