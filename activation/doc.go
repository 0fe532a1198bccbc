// Package activation resolves a fresh handler instance for every
// execution.
//
// A [Registry] maps a type name to a constructor closure. It is built once
// at startup and sealed when the host starts, so no type is resolved
// dynamically at execution time. Each execution opens a new [Scope]. The
// constructor receives the scope and may register cleanup on it (closing a
// unit of work, returning a connection). The host closes the scope when the
// execution ends. Handlers are never cached or reused, so scope-lifetime
// resources cannot leak state between unrelated executions.
package activation
