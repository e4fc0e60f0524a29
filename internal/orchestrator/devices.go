// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package orchestrator

// Sampler reads the last sampled GPU memory utilisation vector, in
// percent per device index. The telemetry reader itself is an
// external collaborator.
type Sampler interface {
	Utilization() []int
}

// deviceTracker holds the fixed device inventory and the per-device
// pressure latch: a device that crosses the high watermark stays
// pressured until it drops to the low watermark (hysteresis).
type deviceTracker struct {
	count    int
	memoryMB int
	high     int
	low      int

	pressured []bool
}

func newDeviceTracker(count, memoryMB, high, low int) *deviceTracker {
	return &deviceTracker{
		count:     count,
		memoryMB:  memoryMB,
		high:      high,
		low:       low,
		pressured: make([]bool, count),
	}
}

// observe latches pressure state from a utilisation sample and reports
// whether any device is currently pressured. GPU-requiring requests
// are denied while that holds.
func (t *deviceTracker) observe(utils []int) bool {
	any := false
	for i := 0; i < t.count; i++ {
		util := 0
		if i < len(utils) {
			util = utils[i]
		}
		if util >= t.high {
			t.pressured[i] = true
		} else if util <= t.low {
			t.pressured[i] = false
		}
		if t.pressured[i] {
			any = true
		}
	}
	return any
}

// freeMB estimates free memory on a device from its utilisation.
func (t *deviceTracker) freeMB(utils []int, device int) int {
	util := 0
	if device < len(utils) {
		util = utils[device]
	}
	return t.memoryMB * (100 - util) / 100
}

// selectDevice picks the least-loaded non-pressured device with
// sufficient free memory: rank by free memory descending, then active
// lease count ascending, then device index ascending. Returns false
// when no device satisfies the request.
func (t *deviceTracker) selectDevice(utils []int, activeCounts map[int]int, minMemoryMB int) (int, bool) {
	best := -1
	bestFree := -1
	bestCount := 0

	for i := 0; i < t.count; i++ {
		if t.pressured[i] {
			continue
		}
		free := t.freeMB(utils, i)
		if free < minMemoryMB {
			continue
		}
		count := activeCounts[i]
		if best == -1 ||
			free > bestFree ||
			(free == bestFree && count < bestCount) {
			best, bestFree, bestCount = i, free, count
		}
	}
	return best, best != -1
}
