// Package observer re-architects the plugin-callback fan-out pattern
//
// as a set of typed observer interfaces, one per event family, registered
// with a Registry that visits them in registration order. This replaces
// the source's intrusive-list + nullable-function-pointer idiom.
//
// plugin_cb.c's full taxonomy also covers CPU-instrumentation events
// (instruction execution, memory access, breakpoints, interrupts) that
// have no source in a RAM-only migration engine with no instruction
// emulator; only the event families this engine can actually produce are
// kept here (see DESIGN.md).
package observer

import "sync"

// PreCopyRoundObserver is notified once per completed pre-copy round.
type PreCopyRoundObserver interface {
	OnPreCopyRound(round int, dirtyPages int64)
}

// BulkStageDoneObserver is notified when the scanner leaves bulk stage.
type BulkStageDoneObserver interface{ OnBulkStageDone() }

// PostCopyStartObserver is notified when post-copy begins.
type PostCopyStartObserver interface{ OnPostCopyStart() }

// MigrationCompleteObserver is notified when the lifecycle controller's
// Complete phase finishes.
type MigrationCompleteObserver interface {
	OnMigrationComplete(bytesTransferred uint64)
}

// VMShutdownObserver is notified when the engine tears down a completed
// or aborted migration (mirrors notify_vm_shutdown's role as a terminal
// lifecycle event, generalized from "guest shutdown" to "migration session
// shutdown" since this engine has no guest of its own).
type VMShutdownObserver interface{ OnVMShutdown() }

// Registry holds registered observer handles and fans out notifications
// in registration order. No callback may re-enter the registry during a
// notification: Notify* methods hold a read lock for the
// duration of the visit, so a reentrant Register/Unregister from inside
// a callback would deadlock against the registry's own write lock — this
// is a documented contract, not something the registry detects at
// runtime.
type Registry struct {
	mu sync.RWMutex

	preCopy     []PreCopyRoundObserver
	bulkDone    []BulkStageDoneObserver
	postCopy    []PostCopyStartObserver
	migComplete []MigrationCompleteObserver
	vmShutdown  []VMShutdownObserver
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds o to every event family it implements. A single observer
// implementing several interfaces is registered once per family.
func (r *Registry) Register(o any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := o.(PreCopyRoundObserver); ok {
		r.preCopy = append(r.preCopy, v)
	}

	if v, ok := o.(BulkStageDoneObserver); ok {
		r.bulkDone = append(r.bulkDone, v)
	}

	if v, ok := o.(PostCopyStartObserver); ok {
		r.postCopy = append(r.postCopy, v)
	}

	if v, ok := o.(MigrationCompleteObserver); ok {
		r.migComplete = append(r.migComplete, v)
	}

	if v, ok := o.(VMShutdownObserver); ok {
		r.vmShutdown = append(r.vmShutdown, v)
	}
}

// NotifyPreCopyRound visits every PreCopyRoundObserver in registration
// order.
func (r *Registry) NotifyPreCopyRound(round int, dirtyPages int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.preCopy {
		o.OnPreCopyRound(round, dirtyPages)
	}
}

// NotifyBulkStageDone visits every BulkStageDoneObserver.
func (r *Registry) NotifyBulkStageDone() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.bulkDone {
		o.OnBulkStageDone()
	}
}

// NotifyPostCopyStart visits every PostCopyStartObserver.
func (r *Registry) NotifyPostCopyStart() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.postCopy {
		o.OnPostCopyStart()
	}
}

// NotifyMigrationComplete visits every MigrationCompleteObserver.
func (r *Registry) NotifyMigrationComplete(bytesTransferred uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.migComplete {
		o.OnMigrationComplete(bytesTransferred)
	}
}

// NotifyVMShutdown visits every VMShutdownObserver.
func (r *Registry) NotifyVMShutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.vmShutdown {
		o.OnVMShutdown()
	}
}
