// Package checklist holds release metadata for the checklist module.
package checklist

// Version is the release version. Builds may override it with
// -ldflags "-X github.com/mesh-intelligence/checklist/pkg/checklist.Version=...".
var Version = "0.1.0"
