// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package leader

import (
	"sync/atomic"

	"github.com/juju/pubsub/v2"
)

// Flag tracks leadership changes published on the hub. It decouples
// the engine and reconciler from the elector worker instance, so the
// elector can be restarted without re-wiring its dependents.
type Flag struct {
	active atomic.Bool
	unsub  func()
}

// NewFlag subscribes to leadership changes. The flag starts down and
// follows every Change published on Topic.
func NewFlag(hub *pubsub.SimpleHub) *Flag {
	f := &Flag{}
	f.unsub = hub.Subscribe(Topic, f.onChange)
	return f
}

func (f *Flag) onChange(_ string, data interface{}) {
	if change, ok := data.(Change); ok {
		f.active.Store(change.Leader)
	}
}

// Check reports whether this process currently leads. It satisfies the
// engine's LeadershipFlag.
func (f *Flag) Check() bool {
	return f.active.Load()
}

// Close unsubscribes from the hub.
func (f *Flag) Close() {
	f.unsub()
}
