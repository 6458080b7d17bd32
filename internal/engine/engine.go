// Package engine runs the deployment pipeline.
//
// The implementation is split across multiple files:
//   - pipeline.go: fetch, parse, per-task deploy and persist
//   - watch.go: revision-driven re-deploy loop
//   - factory.go: production dependencies from configuration
//   - safegroup.go: panic-safe concurrency for dependency levels
package engine
