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

package updatesession_test

import (
	"encoding/binary"
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aosedge/aos_avcagent/objectmodel"
	"github.com/aosedge/aos_avcagent/updatesession"
	"github.com/aosedge/aos_avcagent/workspace"
)

/*******************************************************************************
 * Types
 ******************************************************************************/

type testStorage struct {
	values    map[string][]byte
	instances map[string]int
}

type testRegistry struct {
	apps    []updatesession.AppInfo
	running map[string]bool
}

type testNotifier struct {
	notifyCount int
}

type testEngine struct {
	endCount int
}

/*******************************************************************************
 * Variables
 ******************************************************************************/

var tmpDir string

/*******************************************************************************
 * Init
 ******************************************************************************/

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: false,
		TimestampFormat:  "2006-01-02 15:04:05.000",
		FullTimestamp:    true})
	log.SetLevel(log.DebugLevel)
	log.SetOutput(os.Stdout)
}

/*******************************************************************************
 * Main
 ******************************************************************************/

func TestMain(m *testing.M) {
	var err error

	tmpDir, err = os.MkdirTemp("", "avc_")
	if err != nil {
		log.Fatalf("Error create temporary dir: %s", err)
	}

	ret := m.Run()

	if err = os.RemoveAll(tmpDir); err != nil {
		log.Fatalf("Error deleting tmp dir: %s", err)
	}

	os.Exit(ret)
}

/*******************************************************************************
 * Private
 ******************************************************************************/

func newTestStorage() (storage *testStorage) {
	return &testStorage{
		values:    make(map[string][]byte),
		instances: make(map[string]int),
	}
}

func (storage *testStorage) Get(key string) (value []byte, err error) {
	value, ok := storage.values[key]
	if !ok {
		return nil, workspace.ErrNotExist
	}

	return value, nil
}

func (storage *testStorage) Set(key string, value []byte) (err error) {
	storage.values[key] = value

	return nil
}

func (storage *testStorage) Delete(key string) (err error) {
	delete(storage.values, key)

	return nil
}

func (storage *testStorage) GetUint64(key string) (value uint64, err error) {
	data, err := storage.Get(key)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(data), nil
}

func (storage *testStorage) SetUint64(key string, value uint64) (err error) {
	data := make([]byte, 8)

	binary.LittleEndian.PutUint64(data, value)

	return storage.Set(key, data)
}

func (storage *testStorage) GetString(key string) (value string, err error) {
	data, err := storage.Get(key)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func (storage *testStorage) SetString(key, value string) (err error) {
	return storage.Set(key, []byte(value))
}

func (storage *testStorage) SetAppInstance(name string, instanceID int) (err error) {
	storage.instances[name] = instanceID

	return nil
}

func (storage *testStorage) GetAppInstance(name string) (instanceID int, err error) {
	instanceID, ok := storage.instances[name]
	if !ok {
		return 0, workspace.ErrNotExist
	}

	return instanceID, nil
}

func (storage *testStorage) RemoveAppInstance(name string) (err error) {
	delete(storage.instances, name)

	return nil
}

func (storage *testStorage) GetAppInstances() (instances map[string]int, err error) {
	instances = make(map[string]int)

	for name, instanceID := range storage.instances {
		instances[name] = instanceID
	}

	return instances, nil
}

func (storage *testStorage) ClearAppInstances() (err error) {
	storage.instances = make(map[string]int)

	return nil
}

func (storage *testStorage) ClearDownloadState() {
	for _, key := range []string{
		workspace.KeyUpdateState, workspace.KeyUpdateResult, workspace.KeyInstanceID,
		workspace.KeyBytesDownloaded, workspace.KeyInternalState, workspace.KeyResumeURI,
		workspace.KeyResumeType, workspace.KeyPackageSize,
	} {
		delete(storage.values, key)
	}
}

func (registry *testRegistry) InstalledApps() (apps []updatesession.AppInfo, err error) {
	return registry.apps, nil
}

func (registry *testRegistry) IsAppRunning(name string) (running bool, err error) {
	return registry.running[name], nil
}

func (notifier *testNotifier) RequestRegistrationUpdate() {
	notifier.notifyCount++
}

func (engine *testEngine) End() (err error) {
	engine.endCount++

	return nil
}

func newTestHandler() (handler *updatesession.Handler, storage *testStorage,
	objects *objectmodel.Model, notifier *testNotifier, engine *testEngine) {
	storage = newTestStorage()
	objects = objectmodel.New()
	notifier = &testNotifier{}
	engine = &testEngine{}

	handler = updatesession.New(storage, objects, &testRegistry{running: make(map[string]bool)},
		notifier, engine, tmpDir)

	return handler, storage, objects, notifier, engine
}

/*******************************************************************************
 * Tests
 ******************************************************************************/

func TestSetState(t *testing.T) {
	handler, storage, _, notifier, _ := newTestHandler()

	handler.SetState(handler.FirmwareInstance(), updatesession.StateDownloadStarted,
		updatesession.ResultDownloading)

	if notifier.notifyCount != 1 {
		t.Fatalf("Wrong notify count: %d", notifier.notifyCount)
	}

	state, err := storage.GetUint64(workspace.KeyUpdateState)
	if err != nil {
		t.Fatalf("Can't get update state: %s", err)
	}

	if updatesession.State(state) != updatesession.StateDownloadStarted {
		t.Fatalf("Wrong persisted state: %d", state)
	}

	result, err := storage.GetUint64(workspace.KeyUpdateResult)
	if err != nil {
		t.Fatalf("Can't get update result: %s", err)
	}

	if updatesession.Result(result) != updatesession.ResultDownloading {
		t.Fatalf("Wrong persisted result: %d", result)
	}

	// Nil instance is ignored
	handler.SetState(nil, updatesession.StateDownloaded, updatesession.ResultDownloaded)

	if notifier.notifyCount != 1 {
		t.Fatalf("Wrong notify count: %d", notifier.notifyCount)
	}
}

func TestGetState(t *testing.T) {
	handler, storage, _, _, _ := newTestHandler()

	if _, err := handler.GetState(42); !errors.Is(err, updatesession.ErrNotFound) {
		t.Fatalf("Expecting ErrNotFound, got: %s", err)
	}

	instance, err := handler.CreateInstance("app1", true)
	if err != nil {
		t.Fatalf("Can't create instance: %s", err)
	}

	// Non current slot answers from memory
	instance.State = updatesession.StateInstalled

	state, err := handler.GetState(instance.ID)
	if err != nil {
		t.Fatalf("Can't get state: %s", err)
	}

	if state != updatesession.StateInstalled {
		t.Fatalf("Wrong state: %s", state)
	}

	// Current slot answers from the workspace
	handler.SetCurrentInstance(instance)

	if err = storage.SetUint64(workspace.KeyUpdateState,
		uint64(updatesession.StateDelivered)); err != nil {
		t.Fatalf("Can't set update state: %s", err)
	}

	if state, err = handler.GetState(instance.ID); err != nil {
		t.Fatalf("Can't get state: %s", err)
	}

	if state != updatesession.StateDelivered {
		t.Fatalf("Wrong state: %s", state)
	}
}

func TestCreateInstance(t *testing.T) {
	handler, storage, objects, _, _ := newTestHandler()

	instance, err := handler.CreateInstance("app1", true)
	if err != nil {
		t.Fatalf("Can't create instance: %s", err)
	}

	if instance.ID == updatesession.FirmwareInstanceID {
		t.Fatal("Software instance got firmware id")
	}

	if storage.instances["app1"] != instance.ID {
		t.Fatalf("Wrong persisted mapping: %v", storage.instances)
	}

	// Same app resolves to the same slot
	existing, err := handler.CreateInstance("app1", true)
	if err != nil {
		t.Fatalf("Can't create instance: %s", err)
	}

	if existing != instance {
		t.Fatal("Expecting existing instance")
	}

	// Transient slot gets no mapping
	if _, err = handler.CreateInstance("app2", false); err != nil {
		t.Fatalf("Can't create instance: %s", err)
	}

	if _, ok := storage.instances["app2"]; ok {
		t.Fatal("Unexpected persisted mapping")
	}

	name, err := objects.GetResourceString(instance.ID, updatesession.ResourcePkgName)
	if err != nil {
		t.Fatalf("Can't get resource: %s", err)
	}

	if name != "app1" {
		t.Fatalf("Wrong package name resource: %s", name)
	}
}

func TestCreateInstanceRecycledMapping(t *testing.T) {
	handler, storage, objects, _, _ := newTestHandler()

	// Persisted mapping points to an object now owned by another app
	recycledID, err := objects.CreateInstance(updatesession.AnyInstance)
	if err != nil {
		t.Fatalf("Can't create object instance: %s", err)
	}

	if err = objects.SetResourceString(recycledID, updatesession.ResourcePkgName, "otherApp"); err != nil {
		t.Fatalf("Can't set resource: %s", err)
	}

	if err = storage.SetAppInstance("app1", recycledID); err != nil {
		t.Fatalf("Can't set app instance: %s", err)
	}

	instance, err := handler.CreateInstance("app1", false)
	if err != nil {
		t.Fatalf("Can't create instance: %s", err)
	}

	if instance.ID == recycledID {
		t.Fatal("Recycled id was reused")
	}

	// Stale mapping is rewritten even without persist request
	if storage.instances["app1"] != instance.ID {
		t.Fatalf("Wrong persisted mapping: %v", storage.instances)
	}
}

func TestCreateInstanceRestoredMapping(t *testing.T) {
	handler, storage, objects, _, _ := newTestHandler()

	// Persisted mapping with no live object: recreated at the exact id
	if err := storage.SetAppInstance("app1", 5); err != nil {
		t.Fatalf("Can't set app instance: %s", err)
	}

	instance, err := handler.CreateInstance("app1", false)
	if err != nil {
		t.Fatalf("Can't create instance: %s", err)
	}

	if instance.ID != 5 {
		t.Fatalf("Wrong instance id: %d", instance.ID)
	}

	if !objects.HasInstance(5) {
		t.Fatal("Object instance was not recreated")
	}
}

func TestDeleteInstance(t *testing.T) {
	handler, storage, objects, _, _ := newTestHandler()

	if err := handler.DeleteInstance(updatesession.FirmwareInstanceID); err == nil {
		t.Fatal("Expecting error deleting firmware instance")
	}

	instance, err := handler.CreateInstance("app1", true)
	if err != nil {
		t.Fatalf("Can't create instance: %s", err)
	}

	if err = handler.DeleteInstance(instance.ID); err != nil {
		t.Fatalf("Can't delete instance: %s", err)
	}

	if objects.HasInstance(instance.ID) {
		t.Fatal("Object instance was not deleted")
	}

	if _, ok := storage.instances["app1"]; ok {
		t.Fatal("Mapping was not removed")
	}

	if err = handler.DeleteInstance(instance.ID); !errors.Is(err, updatesession.ErrNotFound) {
		t.Fatalf("Expecting ErrNotFound, got: %s", err)
	}
}

func TestPopulateFromInstalledApps(t *testing.T) {
	storage := newTestStorage()
	objects := objectmodel.New()
	notifier := &testNotifier{}

	registry := &testRegistry{
		apps: []updatesession.AppInfo{
			{Name: "app1", Version: "1.0"},
			{Name: "avcService", Version: "1.0"},
			{Name: "app2", Version: "2.0"},
		},
		running: make(map[string]bool),
	}

	handler := updatesession.New(storage, objects, registry, notifier, &testEngine{}, tmpDir)

	if err := handler.PopulateFromInstalledApps(); err != nil {
		t.Fatalf("Can't populate instances: %s", err)
	}

	// Platform apps get no slot
	for name := range storage.instances {
		if name == "avcService" {
			t.Fatal("Hidden app got update slot")
		}
	}

	// The firmware slot stays out of the app instance mapping
	if len(storage.instances) != 2 {
		t.Fatalf("Wrong app instance mapping: %v", storage.instances)
	}

	instanceID, err := storage.GetAppInstance("app1")
	if err != nil {
		t.Fatalf("Can't get app instance: %s", err)
	}

	state, err := handler.GetState(instanceID)
	if err != nil {
		t.Fatalf("Can't get state: %s", err)
	}

	if state != updatesession.StateInstalled {
		t.Fatalf("Wrong state: %s", state)
	}

	if notifier.notifyCount != 1 {
		t.Fatalf("Wrong notify count: %d", notifier.notifyCount)
	}
}

func TestHandleFailure(t *testing.T) {
	handler, _, _, _, engine := newTestHandler()

	instance := handler.FirmwareInstance()

	handler.SetCurrentInstance(instance)
	handler.MarkEngineSession(true)

	handler.HandleFailure(updatesession.ResultConnectionLost)

	if handler.CurrentInstance() != nil {
		t.Fatal("Current instance was not cleared")
	}

	if instance.State != updatesession.StateInitial ||
		instance.Result != updatesession.ResultConnectionLost {
		t.Fatalf("Wrong instance state: %s %s", instance.State, instance.Result)
	}

	if engine.endCount != 1 {
		t.Fatalf("Wrong engine end count: %d", engine.endCount)
	}

	// No open session: engine is left alone
	handler.SetCurrentInstance(instance)
	handler.HandleFailure(updatesession.ResultDeviceError)

	if engine.endCount != 1 {
		t.Fatalf("Wrong engine end count: %d", engine.endCount)
	}
}

func TestResumeInfo(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()

	uri := "http://localhost/" + strings.Repeat("a", updatesession.MaxPackageURILen-17)

	if len(uri) != updatesession.MaxPackageURILen {
		t.Fatalf("Wrong test URI length: %d", len(uri))
	}

	if err := handler.SetResumeInfo(uri, updatesession.TypeSoftware); err != nil {
		t.Fatalf("Can't set resume info: %s", err)
	}

	getURI, updateType, err := handler.GetResumeInfo()
	if err != nil {
		t.Fatalf("Can't get resume info: %s", err)
	}

	if getURI != uri || updateType != updatesession.TypeSoftware {
		t.Fatalf("Wrong resume info: %s %s", getURI, updateType)
	}

	if err = handler.SetResumeInfo(uri+"a", updatesession.TypeSoftware); !errors.Is(
		err, updatesession.ErrURITooLong) {
		t.Fatalf("Expecting ErrURITooLong, got: %s", err)
	}
}

func TestInternalState(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()

	if state := handler.GetInternalState(); state != updatesession.InternalNone {
		t.Fatalf("Wrong internal state: %d", state)
	}

	if err := handler.SetInternalState(updatesession.InternalInstallRequested); err != nil {
		t.Fatalf("Can't set internal state: %s", err)
	}

	if state := handler.GetInternalState(); state != updatesession.InternalInstallRequested {
		t.Fatalf("Wrong internal state: %d", state)
	}
}
