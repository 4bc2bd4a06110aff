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

package types

import (
	"time"
)

// Owner is the principal a VM is attributed to.
type Owner struct {
	// Name is the user name.
	Name string `json:"name"`
	// UID is the numeric user id.
	UID int `json:"uid"`
	// Home is the directory VM bundles of this owner live in.
	Home string `json:"home,omitempty"`
}

// ProblemReport is the stored artifact produced when a guest panics.
type ProblemReport struct {
	// ID uniquely identifies the report.
	ID string `json:"id"`
	// DomainUUID is the uuid of the VM the report is about.
	DomainUUID string `json:"domainUUID"`
	// DomainName is the hypervisor-side name of the VM.
	DomainName string `json:"domainName,omitempty"`
	// Owner is the name of the VM owner.
	Owner string `json:"owner,omitempty"`
	// Reason describes what triggered the report.
	Reason string `json:"reason"`
	// CreatedAt is when the report was produced.
	CreatedAt time.Time `json:"createdAt"`
}

// Usage is one sample of a VM's resource consumption.
type Usage struct {
	// CPUTime is the cumulative CPU time consumed by the VM.
	CPUTime time.Duration `json:"cpuTime"`
	// MemoryActualKiB is the current balloon size.
	MemoryActualKiB uint64 `json:"memoryActualKiB"`
	// MemoryUnusedKiB is the memory left unused by the guest.
	MemoryUnusedKiB uint64 `json:"memoryUnusedKiB"`
	// MemoryAvailableKiB is the memory usable by the guest.
	MemoryAvailableKiB uint64 `json:"memoryAvailableKiB"`
	// MemoryRSSKiB is the resident set size of the VM process.
	MemoryRSSKiB uint64 `json:"memoryRSSKiB"`
	// SampledAt is when the counters were read.
	SampledAt time.Time `json:"sampledAt"`
}
