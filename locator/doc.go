// Package locator implements ResourceLocator: a cheap, copyable handle to
// either a whole GPU resource or a sub-range of one.
//
// A locator never owns its pool strongly — copying a sub-range locator
// around between threads must not keep a destroyed pool alive — so the
// pool back-reference goes through a PoolHandle that the pool invalidates
// at teardown (the same weak-reference shape as core.Snatchable, applied
// to a different owner/owned pair).
package locator
