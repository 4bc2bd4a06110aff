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

// Package eventloop hosts the hypervisor's timer and I/O-watch registrations
// on a single owning goroutine.
//
// The native library registers callbacks through Access from whatever thread
// it is running on. Access never touches registry memory: it allocates an id
// and posts a closure onto the Registry mailbox. The Registry owns every
// handle, arms timers through a clock, watches descriptors through a poller
// goroutine, and invokes callbacks on its own goroutine only.
//
// Removal is two-phase. A removed handle is detached and disabled right away
// so it can never fire again, and its destructor runs one loop turn later,
// once no invocation can still be on the stack.
package eventloop
