// Package engine runs the asset pipelines of Revenant.
// This package consolidates the following functionality:
// - Stage graph with series and fan-out/join composition
// - Production build (clean, collect, compile, fingerprint, rewrite, compress)
// - Development watcher recompiling style and scripts on change
// - Dependency factory for the watcher and notifier
package engine

// The implementation is split across multiple files:
// - stage.go: Step, Series and Parallel stages
// - safegroup.go: Panic-safe concurrency utilities
// - production.go: Production pipeline
// - dev.go: Development watcher
// - interfaces.go: Collaborator interfaces (change notifier, build notifier, status)
// - factory.go: Dependency injection factory
