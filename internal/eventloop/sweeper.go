/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package eventloop

import (
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"
)

// sweeper defers destructors of removed handles by one loop turn.
//
// A handle is handed to the sweeper already detached and disabled. Its
// reclaim is posted to the owning mailbox, so it runs after the command
// currently executing returns, and after any callback on the stack unwinds.
type sweeper struct {
	log     logr.Logger
	post    func(func()) bool
	pending sets.Set[int]
}

func newSweeper(log logr.Logger, post func(func()) bool) *sweeper {
	return &sweeper{
		log:     log,
		post:    post,
		pending: sets.New[int](),
	}
}

// isPending reports whether id was removed and awaits its reclaim.
func (s *sweeper) isPending(id int) bool {
	return s.pending.Has(id)
}

// care takes ownership of a detached handle and schedules its reclaim.
// Calling care twice for the same id is a no-op.
func (s *sweeper) care(h *handle) {
	if s.pending.Has(h.id) {
		return
	}

	s.pending.Insert(h.id)

	reclaim := func() {
		s.pending.Delete(h.id)
		h.free()
		reclaimedTotal.Inc()
		s.log.V(2).Info("handle reclaimed", "id", h.id, "kind", h.kind)
	}

	// The mailbox is closed during shutdown. Nothing is executing a
	// callback at that point so the reclaim may run in place.
	if !s.post(reclaim) {
		reclaim()
	}
}

// len returns the number of reclaims still pending.
func (s *sweeper) len() int {
	return s.pending.Len()
}
