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

package adapter

import (
	"errors"
	"fmt"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/alexandremahdhaoui/virtbridge/internal/model"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
)

var (
	ErrNoDefaultOwner = errors.New("no user owns the default VM directory")

	errCurrentUser = errors.New("cannot resolve current user")
)

// ------------------------------------------------- OWNER RESOLVER ------------------------------------------------- //

// NewOwnerResolver returns a resolver attributing every VM to the configured
// user whose home is vmDir. Without configured users the VMs belong to the
// user running the process.
func NewOwnerResolver(vmDir string, users []types.Owner) model.OwnerResolver {
	return &ownerResolver{
		vmDir: filepath.Clean(vmDir),
		users: users,
		current: func() (*user.User, error) {
			return user.Current()
		},
	}
}

type ownerResolver struct {
	vmDir   string
	users   []types.Owner
	current func() (*user.User, error)
}

func (r *ownerResolver) DefaultOwner(_ string) (types.Owner, error) {
	if len(r.users) == 0 {
		return r.processOwner()
	}

	for _, u := range r.users {
		if filepath.Clean(u.Home) == r.vmDir {
			return u, nil
		}
	}

	return types.Owner{}, fmt.Errorf("%w: %s", ErrNoDefaultOwner, r.vmDir)
}

func (r *ownerResolver) processOwner() (types.Owner, error) {
	u, err := r.current()
	if err != nil {
		return types.Owner{}, errors.Join(errCurrentUser, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return types.Owner{}, errors.Join(errCurrentUser, err)
	}

	return types.Owner{Name: u.Username, UID: uid, Home: r.vmDir}, nil
}
