//go:build unit

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

package subscriber_test

import (
	"fmt"
	"testing"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/subscriber"
	"github.com/stretchr/testify/assert"
)

func TestPlan(t *testing.T) {
	state := func(s hypervisor.State) subscriber.Action {
		return subscriber.Action{Op: subscriber.OpSetState, State: s, Reconcile: true}
	}
	reconcileOnly := subscriber.Action{Reconcile: true}
	prepare := subscriber.Action{Op: subscriber.OpPrepareToSwitch, Reconcile: true}
	ignore := subscriber.Action{}

	for _, tc := range []struct {
		kind   hypervisor.LifecycleKind
		detail hypervisor.Detail
		want   subscriber.Action
	}{
		{hypervisor.LifecycleDefined, hypervisor.DetailFromSnapshot, prepare},
		{hypervisor.LifecycleDefined, hypervisor.DetailOther, reconcileOnly},
		{hypervisor.LifecycleUndefined, hypervisor.DetailOther, subscriber.Action{Op: subscriber.OpRemove}},
		{hypervisor.LifecycleStarted, hypervisor.DetailOther, state(hypervisor.StateRunning)},
		{hypervisor.LifecycleStarted, hypervisor.DetailFromSnapshot, state(hypervisor.StateRunning)},
		{hypervisor.LifecycleStarted, hypervisor.DetailRestored, state(hypervisor.StateRunning)},
		{hypervisor.LifecycleStarted, hypervisor.DetailMigrated, ignore},
		{hypervisor.LifecycleResumed, hypervisor.DetailOther, state(hypervisor.StateRunning)},
		{hypervisor.LifecycleResumed, hypervisor.DetailMigrated, state(hypervisor.StateRunning)},
		{hypervisor.LifecycleResumed, hypervisor.DetailFromSnapshot, reconcileOnly},
		{hypervisor.LifecycleSuspended, hypervisor.DetailFromSnapshot, prepare},
		{hypervisor.LifecycleSuspended, hypervisor.DetailPaused, state(hypervisor.StatePaused)},
		{hypervisor.LifecycleSuspended, hypervisor.DetailMigrated, state(hypervisor.StatePaused)},
		{hypervisor.LifecycleSuspended, hypervisor.DetailIOError, state(hypervisor.StatePaused)},
		{hypervisor.LifecycleSuspended, hypervisor.DetailWatchdog, state(hypervisor.StatePaused)},
		{hypervisor.LifecycleSuspended, hypervisor.DetailRestored, state(hypervisor.StatePaused)},
		{hypervisor.LifecycleSuspended, hypervisor.DetailAPIError, state(hypervisor.StatePaused)},
		{hypervisor.LifecycleSuspended, hypervisor.DetailOther, reconcileOnly},
		{hypervisor.LifecyclePMSuspended, hypervisor.DetailMemory, state(hypervisor.StatePaused)},
		{hypervisor.LifecyclePMSuspended, hypervisor.DetailDisk, state(hypervisor.StateSuspended)},
		{hypervisor.LifecyclePMSuspended, hypervisor.DetailOther, reconcileOnly},
		{hypervisor.LifecycleStopped, hypervisor.DetailSaved, state(hypervisor.StateSuspended)},
		{hypervisor.LifecycleStopped, hypervisor.DetailOther, state(hypervisor.StateStopped)},
		{hypervisor.LifecycleStopped, hypervisor.DetailFromSnapshot, state(hypervisor.StateStopped)},
		{hypervisor.LifecycleCrashed, hypervisor.DetailPanicked, subscriber.Action{
			Op: subscriber.OpSetState, State: hypervisor.StatePaused, Report: true, Reconcile: true,
		}},
		{hypervisor.LifecycleCrashed, hypervisor.DetailOther, state(hypervisor.StateStopped)},
		{hypervisor.LifecycleShutdown, hypervisor.DetailOther, ignore},
		{hypervisor.LifecycleUnknown, hypervisor.DetailOther, ignore},
	} {
		t.Run(fmt.Sprintf("%s/%s", tc.kind, tc.detail), func(t *testing.T) {
			got := subscriber.Plan(hypervisor.LifecycleEvent{Kind: tc.kind, Detail: tc.detail})
			assert.Equal(t, tc.want, got)
		})
	}
}
