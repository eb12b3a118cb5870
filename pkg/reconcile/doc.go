// Package reconcile holds the work functions driven by the four
// reconciliation workers: Git-sync discovers new deployments,
// Build drives queued deployments through their image build, Container-GC
// and Files-GC remove anything the world model no longer references. Each
// is a plain func() wrapped by the host application in a pkg/worker.Worker,
// with a "log and continue" error policy: a failure on one item never
// aborts the rest of the pass.
package reconcile
