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

package subscriber

import (
	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
)

// Op is what a lifecycle event does to the model.
type Op int

const (
	OpNone Op = iota
	OpSetState
	OpPrepareToSwitch
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpSetState:
		return "set-state"
	case OpPrepareToSwitch:
		return "prepare-to-switch"
	case OpRemove:
		return "remove"
	default:
		return "none"
	}
}

// Action is the reaction to one lifecycle event.
type Action struct {
	Op Op
	// State is the state applied by OpSetState.
	State hypervisor.State
	// Report asks for a problem report.
	Report bool
	// Reconcile schedules a reconciliation of the domain.
	Reconcile bool
}

// Plan maps a lifecycle event to its action.
func Plan(ev hypervisor.LifecycleEvent) Action {
	switch ev.Kind {
	case hypervisor.LifecycleDefined:
		if ev.Detail == hypervisor.DetailFromSnapshot {
			return Action{Op: OpPrepareToSwitch, Reconcile: true}
		}

		return Action{Reconcile: true}

	case hypervisor.LifecycleUndefined:
		return Action{Op: OpRemove}

	case hypervisor.LifecycleStarted:
		if ev.Detail == hypervisor.DetailMigrated {
			return Action{}
		}

		return setState(hypervisor.StateRunning)

	case hypervisor.LifecycleResumed:
		if ev.Detail == hypervisor.DetailFromSnapshot {
			return Action{Reconcile: true}
		}

		return setState(hypervisor.StateRunning)

	case hypervisor.LifecycleSuspended:
		switch ev.Detail {
		case hypervisor.DetailFromSnapshot:
			return Action{Op: OpPrepareToSwitch, Reconcile: true}
		case hypervisor.DetailPaused,
			hypervisor.DetailMigrated,
			hypervisor.DetailIOError,
			hypervisor.DetailWatchdog,
			hypervisor.DetailRestored,
			hypervisor.DetailAPIError:
			return setState(hypervisor.StatePaused)
		default:
			return Action{Reconcile: true}
		}

	case hypervisor.LifecyclePMSuspended:
		switch ev.Detail {
		case hypervisor.DetailMemory:
			return setState(hypervisor.StatePaused)
		case hypervisor.DetailDisk:
			return setState(hypervisor.StateSuspended)
		default:
			return Action{Reconcile: true}
		}

	case hypervisor.LifecycleStopped:
		if ev.Detail == hypervisor.DetailSaved {
			return setState(hypervisor.StateSuspended)
		}

		return setState(hypervisor.StateStopped)

	case hypervisor.LifecycleCrashed:
		if ev.Detail == hypervisor.DetailPanicked {
			a := setState(hypervisor.StatePaused)
			a.Report = true

			return a
		}

		return setState(hypervisor.StateStopped)

	default:
		// shutdown is always followed by a stopped event.
		return Action{}
	}
}

func setState(state hypervisor.State) Action {
	return Action{Op: OpSetState, State: state, Reconcile: true}
}
