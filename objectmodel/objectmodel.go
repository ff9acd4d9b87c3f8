// SPDX-License-Identifier: Apache-2.0
//
// Copyright (C) 2021 Renesas Electronics Corporation.
// Copyright (C) 2021 EPAM Systems, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package objectmodel keeps the live update object instances and their
// typed resources as the server sees them.
package objectmodel

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

/*******************************************************************************
 * Vars
 ******************************************************************************/

// ErrNotExist is returned when requested instance or resource not exist.
var ErrNotExist = errors.New("instance doesn't exist")

/*******************************************************************************
 * Types
 ******************************************************************************/

type instance struct {
	strings map[int]string
	ints    map[int]int64
}

// Model object model instance. Instance ids are allocated starting from 1:
// id 0 belongs to the firmware slot.
type Model struct {
	sync.Mutex

	nextID    int
	instances map[int]*instance
}

/*******************************************************************************
 * Public
 ******************************************************************************/

// New returns pointer to new object model with the firmware slot already
// present at id 0.
func New() (model *Model) {
	model = &Model{nextID: 1, instances: make(map[int]*instance)}

	model.instances[0] = &instance{
		strings: make(map[int]string),
		ints:    make(map[int]int64),
	}

	return model
}

// CreateInstance creates object instance at the given id, or at a newly
// allocated one if instanceID is negative.
func (model *Model) CreateInstance(instanceID int) (allocatedID int, err error) {
	model.Lock()
	defer model.Unlock()

	if instanceID < 0 {
		for model.instances[model.nextID] != nil {
			model.nextID++
		}

		instanceID = model.nextID
		model.nextID++
	} else if model.instances[instanceID] != nil {
		return instanceID, errors.Errorf("instance %d already exists", instanceID)
	}

	model.instances[instanceID] = &instance{
		strings: make(map[int]string),
		ints:    make(map[int]int64),
	}

	log.WithField("id", instanceID).Debug("Object instance created")

	return instanceID, nil
}

// DeleteInstance deletes object instance.
func (model *Model) DeleteInstance(instanceID int) (err error) {
	model.Lock()
	defer model.Unlock()

	if model.instances[instanceID] == nil {
		return ErrNotExist
	}

	delete(model.instances, instanceID)

	log.WithField("id", instanceID).Debug("Object instance deleted")

	return nil
}

// HasInstance returns true if the instance exists.
func (model *Model) HasInstance(instanceID int) (exists bool) {
	model.Lock()
	defer model.Unlock()

	return model.instances[instanceID] != nil
}

// InstanceIDs returns sorted ids of all instances.
func (model *Model) InstanceIDs() (ids []int) {
	model.Lock()
	defer model.Unlock()

	for id := range model.instances {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	return ids
}

// GetResourceString returns string resource value.
func (model *Model) GetResourceString(instanceID int, resourceID int) (value string, err error) {
	model.Lock()
	defer model.Unlock()

	object := model.instances[instanceID]
	if object == nil {
		return "", ErrNotExist
	}

	return object.strings[resourceID], nil
}

// SetResourceString sets string resource value.
func (model *Model) SetResourceString(instanceID int, resourceID int, value string) (err error) {
	model.Lock()
	defer model.Unlock()

	object := model.instances[instanceID]
	if object == nil {
		return ErrNotExist
	}

	object.strings[resourceID] = value

	return nil
}

// GetResourceInt returns integer resource value.
func (model *Model) GetResourceInt(instanceID int, resourceID int) (value int64, err error) {
	model.Lock()
	defer model.Unlock()

	object := model.instances[instanceID]
	if object == nil {
		return 0, ErrNotExist
	}

	return object.ints[resourceID], nil
}

// SetResourceInt sets integer resource value.
func (model *Model) SetResourceInt(instanceID int, resourceID int, value int64) (err error) {
	model.Lock()
	defer model.Unlock()

	object := model.instances[instanceID]
	if object == nil {
		return ErrNotExist
	}

	object.ints[resourceID] = value

	return nil
}
