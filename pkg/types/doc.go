// Package types defines the Task entity, the replicated Store contract the
// access layer is built on, configuration, and the standard errors shared by
// every checklist package.
package types
