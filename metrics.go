package svm

import (
	"sync/atomic"
	"time"
)

// Bring-up metrics
var (
	// Operation counters
	bringupCount     uint64
	viewBuilds       uint64
	slotAllocations  uint64
	vcpuAllocations  uint64
	vcpuReleases     uint64
	coresVirtualized uint64
	coresSkipped     uint64
	coresFailed      uint64
	entriesRejected  uint64
	viewSwitches     uint64

	// Timing metrics (nanoseconds)
	totalBringupTime uint64
	totalLaunchTime  uint64
	launchCount      uint64

	// Error counters
	resourceErrors uint64
	stateErrors    uint64
)

// Metrics provides access to bring-up metrics
type Metrics struct {
	Bringups         uint64 `json:"bringups"`
	ViewBuilds       uint64 `json:"view_builds"`
	SlotAllocations  uint64 `json:"slot_allocations"`
	VcpuAllocations  uint64 `json:"vcpu_allocations"`
	VcpuReleases     uint64 `json:"vcpu_releases"`
	CoresVirtualized uint64 `json:"cores_virtualized"`
	CoresSkipped     uint64 `json:"cores_skipped"`
	CoresFailed      uint64 `json:"cores_failed"`
	EntriesRejected  uint64 `json:"entries_rejected"`
	ViewSwitches     uint64 `json:"view_switches"`
	Launches         uint64 `json:"launches"`
	AvgBringupTimeNs uint64 `json:"avg_bringup_time_ns"`
	AvgLaunchTimeNs  uint64 `json:"avg_launch_time_ns"`
	ResourceErrors   uint64 `json:"resource_errors"`
	GuestStateErrors uint64 `json:"guest_state_errors"`
}

// GetMetrics returns current bring-up metrics
func GetMetrics() Metrics {
	bringups := atomic.LoadUint64(&bringupCount)
	launches := atomic.LoadUint64(&launchCount)

	var avgBringup, avgLaunch uint64
	if bringups > 0 {
		avgBringup = atomic.LoadUint64(&totalBringupTime) / bringups
	}
	if launches > 0 {
		avgLaunch = atomic.LoadUint64(&totalLaunchTime) / launches
	}

	return Metrics{
		Bringups:         bringups,
		ViewBuilds:       atomic.LoadUint64(&viewBuilds),
		SlotAllocations:  atomic.LoadUint64(&slotAllocations),
		VcpuAllocations:  atomic.LoadUint64(&vcpuAllocations),
		VcpuReleases:     atomic.LoadUint64(&vcpuReleases),
		CoresVirtualized: atomic.LoadUint64(&coresVirtualized),
		CoresSkipped:     atomic.LoadUint64(&coresSkipped),
		CoresFailed:      atomic.LoadUint64(&coresFailed),
		EntriesRejected:  atomic.LoadUint64(&entriesRejected),
		ViewSwitches:     atomic.LoadUint64(&viewSwitches),
		Launches:         launches,
		AvgBringupTimeNs: avgBringup,
		AvgLaunchTimeNs:  avgLaunch,
		ResourceErrors:   atomic.LoadUint64(&resourceErrors),
		GuestStateErrors: atomic.LoadUint64(&stateErrors),
	}
}

// ResetMetrics clears all bring-up metrics
func ResetMetrics() {
	for _, p := range []*uint64{
		&bringupCount, &viewBuilds, &slotAllocations, &vcpuAllocations,
		&vcpuReleases, &coresVirtualized, &coresSkipped, &coresFailed,
		&entriesRejected, &viewSwitches, &totalBringupTime, &totalLaunchTime,
		&launchCount, &resourceErrors, &stateErrors,
	} {
		atomic.StoreUint64(p, 0)
	}
}

// Internal metric recording functions
func recordBringup(duration time.Duration) {
	atomic.AddUint64(&bringupCount, 1)
	atomic.AddUint64(&totalBringupTime, uint64(duration.Nanoseconds()))
}

func recordLaunch(duration time.Duration) {
	atomic.AddUint64(&launchCount, 1)
	atomic.AddUint64(&totalLaunchTime, uint64(duration.Nanoseconds()))
}

func recordViewBuild() {
	atomic.AddUint64(&viewBuilds, 1)
}

func recordSlotAllocation(n int) {
	atomic.AddUint64(&slotAllocations, uint64(n))
}

func recordVcpuAllocation() {
	atomic.AddUint64(&vcpuAllocations, 1)
}

func recordVcpuRelease() {
	atomic.AddUint64(&vcpuReleases, 1)
}

func recordCoreVirtualized() {
	atomic.AddUint64(&coresVirtualized, 1)
}

func recordCoreSkipped() {
	atomic.AddUint64(&coresSkipped, 1)
}

func recordCoreFailed() {
	atomic.AddUint64(&coresFailed, 1)
}

func recordEntryRejected() {
	atomic.AddUint64(&entriesRejected, 1)
}

func recordViewSwitch() {
	atomic.AddUint64(&viewSwitches, 1)
}

func recordResourceError() {
	atomic.AddUint64(&resourceErrors, 1)
}

func recordStateError() {
	atomic.AddUint64(&stateErrors, 1)
}
