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

// Package updatesession tracks firmware and software update slots through
// the download/install state machine and keeps them in sync with the object
// model, the persistent workspace and the server.
package updatesession

import (
	"os"
	"path"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aosedge/aos_avcagent/workspace"
)

/*******************************************************************************
 * Consts
 ******************************************************************************/

//
// Update slot state machine:
//
// StateInitial            -> download starts          -> StateDownloadStarted
// StateDownloadStarted    -> all bytes received       -> StateDownloaded
// StateDownloaded         -> package unpacked         -> StateDelivered
// StateDelivered          -> install launched         -> StateWaitInstallResult
// StateWaitInstallResult  -> install succeeded        -> StateInstalled
// StateInstalled          -> uninstall flow           -> StateInitial, slot deleted
//
// Any failure returns the slot to StateInitial with the matching failure
// result and cancels the in-flight session.
//

// Update slot states.
const (
	StateInitial State = iota
	StateDownloadStarted
	StateDownloaded
	StateDelivered
	StateInstalled
	StateWaitInstallResult
)

// Update slot results.
const (
	ResultInitial Result = iota
	ResultDownloading
	ResultDownloaded
	ResultInstalled
	ResultNotEnoughMemory
	ResultOutOfMemory
	ResultConnectionLost
	ResultCheckFailure
	ResultUnsupportedType
	ResultInvalidURI
	ResultDeviceError
	ResultInstallFailure
	ResultUninstallFailure
)

// Update types.
const (
	TypeFirmware UpdateType = iota
	TypeSoftware
)

// Internal states persisted between the agreement query and the operation
// itself, used by the restart logic to re-arm the right flow.
const (
	InternalNone InternalState = iota
	InternalDownloadRequested
	InternalInstallRequested
	InternalUninstallRequested
)

// Software update object resource ids (OMA object 9).
const (
	ResourcePkgName = iota
	ResourcePkgVersion
	ResourcePackage
	ResourcePackageURI
	ResourceInstall
	_
	ResourceUninstall
	ResourceUpdateState
	_
	ResourceUpdateResult
	ResourceActivate
	ResourceDeactivate
	ResourceActivationState
)

// AnyInstance requests allocation of a new instance id from the object
// model.
const AnyInstance = -1

// FirmwareInstanceID is the fixed slot of the single firmware update.
// Software instance ids are allocated by the object manager starting
// from 1.
const FirmwareInstanceID = 0

// MaxPackageURILen max length of a package URI, bytes.
const MaxPackageURILen = 255

/*******************************************************************************
 * Vars
 ******************************************************************************/

// ErrNotFound is returned when requested instance id does not resolve.
var ErrNotFound = errors.New("instance not found")

// ErrURITooLong is returned when a package URI exceeds MaxPackageURILen.
var ErrURITooLong = errors.New("package URI is too long")

// hiddenApps are platform apps which never get an update slot.
var hiddenApps = map[string]bool{
	"avcService":      true,
	"fwupdateService": true,
	"secStore":        true,
	"devMode":         true,
}

/*******************************************************************************
 * Types
 ******************************************************************************/

// State update slot state.
type State int

// Result update slot result.
type Result int

// UpdateType firmware or software update.
type UpdateType int

// InternalState persisted requested-operation marker.
type InternalState int

// Instance is one tracked update slot.
type Instance struct {
	ID             int
	AppName        string
	PackageName    string
	PackageVersion string
	State          State
	Result         Result
}

// AppInfo describes one installed application.
type AppInfo struct {
	Name    string
	Version string
}

// Storage provides API to persist session state between restarts.
type Storage interface {
	Get(key string) (value []byte, err error)
	Set(key string, value []byte) (err error)
	Delete(key string) (err error)
	GetUint64(key string) (value uint64, err error)
	SetUint64(key string, value uint64) (err error)
	GetString(key string) (value string, err error)
	SetString(key, value string) (err error)
	SetAppInstance(name string, instanceID int) (err error)
	GetAppInstance(name string) (instanceID int, err error)
	RemoveAppInstance(name string) (err error)
	GetAppInstances() (instances map[string]int, err error)
	ClearAppInstances() (err error)
	ClearDownloadState()
}

// ObjectModel manages live update object instances exposed to the server.
type ObjectModel interface {
	CreateInstance(instanceID int) (allocatedID int, err error)
	DeleteInstance(instanceID int) (err error)
	HasInstance(instanceID int) (exists bool)
	GetResourceString(instanceID int, resourceID int) (value string, err error)
	SetResourceString(instanceID int, resourceID int, value string) (err error)
	SetResourceInt(instanceID int, resourceID int, value int64) (err error)
}

// ServerNotifier notifies the server that object state changed.
type ServerNotifier interface {
	RequestRegistrationUpdate()
}

// AppRegistry provides API to enumerate and query installed applications.
type AppRegistry interface {
	InstalledApps() (apps []AppInfo, err error)
	IsAppRunning(name string) (running bool, err error)
}

// UpdateEngine is the install engine session the handler cancels on
// failure.
type UpdateEngine interface {
	End() (err error)
}

// Handler update session handler. All methods must be called from the
// control goroutine: instances are single-owner and need no locking.
type Handler struct {
	storage  Storage
	objects  ObjectModel
	notifier ServerNotifier
	registry AppRegistry
	engine   UpdateEngine

	downloadDir string

	instances  map[int]*Instance
	current    *Instance
	engineOpen bool
}

/*******************************************************************************
 * Public
 ******************************************************************************/

// New returns pointer to new session handler.
func New(storage Storage, objects ObjectModel, registry AppRegistry,
	notifier ServerNotifier, engine UpdateEngine, downloadDir string) (handler *Handler) {
	log.Debug("Create update session handler")

	handler = &Handler{
		storage:     storage,
		objects:     objects,
		notifier:    notifier,
		registry:    registry,
		engine:      engine,
		downloadDir: downloadDir,
		instances:   make(map[int]*Instance),
	}

	handler.instances[FirmwareInstanceID] = &Instance{ID: FirmwareInstanceID, PackageName: "firmware"}

	return handler
}

// FirmwareInstance returns the fixed firmware update slot.
func (handler *Handler) FirmwareInstance() (instance *Instance) {
	return handler.instances[FirmwareInstanceID]
}

// SetState writes state and result to the instance, persists them and
// notifies the server. Called with nil instance it warns and does nothing.
func (handler *Handler) SetState(instance *Instance, state State, result Result) {
	if instance == nil {
		log.Warn("Set state called without instance")

		return
	}

	log.WithFields(log.Fields{
		"id": instance.ID, "state": state, "result": result,
	}).Debug("Update state changed")

	instance.State = state
	instance.Result = result

	if err := handler.objects.SetResourceInt(instance.ID, ResourceUpdateState, int64(state)); err != nil {
		log.Errorf("Can't set update state resource: %s", err)
	}

	if err := handler.objects.SetResourceInt(instance.ID, ResourceUpdateResult, int64(result)); err != nil {
		log.Errorf("Can't set update result resource: %s", err)
	}

	// State and result are separate keys: a crash between the two writes is
	// repaired by the restart logic.
	if err := handler.storage.SetUint64(workspace.KeyUpdateState, uint64(state)); err != nil {
		log.Errorf("Can't store update state: %s", err)
	}

	if err := handler.storage.SetUint64(workspace.KeyUpdateResult, uint64(result)); err != nil {
		log.Errorf("Can't store update result: %s", err)
	}

	handler.notifier.RequestRegistrationUpdate()
}

// GetState returns the state of the instance with the given id.
func (handler *Handler) GetState(instanceID int) (state State, err error) {
	instance, ok := handler.instances[instanceID]
	if !ok {
		return StateInitial, ErrNotFound
	}

	if instance != handler.current {
		return instance.State, nil
	}

	// The current session slot is authoritative in the workspace so that a
	// restarted process and a live one answer the same.
	value, err := handler.storage.GetUint64(workspace.KeyUpdateState)
	if err != nil {
		if errors.Is(err, workspace.ErrNotExist) {
			return instance.State, nil
		}

		return StateInitial, errors.Wrap(err, "can't read update state")
	}

	return State(value), nil
}

// CreateInstance returns the update slot for the given app, creating it if
// needed. The persisted app to instance id mapping is verified against the
// live object model: ids are allocated by the object manager and can be
// recycled behind our back, in which case a fresh instance is allocated and
// the mapping rewritten.
func (handler *Handler) CreateInstance(appName string, persistMapping bool) (instance *Instance, err error) {
	for _, existing := range handler.instances {
		if existing.AppName == appName {
			return existing, nil
		}
	}

	instanceID, hadMapping := AnyInstance, false

	mappedID, err := handler.storage.GetAppInstance(appName)

	switch {
	case err == nil:
		hadMapping = true

		instanceID, err = handler.checkMappedInstance(appName, mappedID)
		if err != nil {
			return nil, err
		}

	case errors.Is(err, workspace.ErrNotExist):

	default:
		return nil, errors.Wrap(err, "can't read app instance mapping")
	}

	if instanceID == AnyInstance {
		if instanceID, err = handler.objects.CreateInstance(AnyInstance); err != nil {
			return nil, errors.Wrap(err, "can't create object instance")
		}

		// A stale mapping is always rewritten, a new one only on request.
		if persistMapping || hadMapping {
			if err = handler.storage.SetAppInstance(appName, instanceID); err != nil {
				log.Errorf("Can't store app instance mapping: %s", err)
			}
		}
	}

	instance = &Instance{ID: instanceID, AppName: appName, PackageName: appName}

	if err = handler.objects.SetResourceString(instanceID, ResourcePkgName, appName); err != nil {
		log.Errorf("Can't set package name resource: %s", err)
	}

	handler.instances[instanceID] = instance

	log.WithFields(log.Fields{"id": instanceID, "app": appName}).Debug("Update instance created")

	return instance, nil
}

// DeleteInstance removes the update slot and its mapping and clears the
// on-disk download workspace. Object deletion and package cleanup are
// independent best-effort steps.
func (handler *Handler) DeleteInstance(instanceID int) (err error) {
	if instanceID == FirmwareInstanceID {
		return errors.New("can't delete firmware instance")
	}

	instance, ok := handler.instances[instanceID]
	if !ok {
		return ErrNotFound
	}

	log.WithFields(log.Fields{"id": instanceID, "app": instance.AppName}).Debug("Delete update instance")

	if err := handler.objects.DeleteInstance(instanceID); err != nil {
		log.Errorf("Can't delete object instance: %s", err)
	}

	if err := handler.storage.RemoveAppInstance(instance.AppName); err != nil {
		log.Errorf("Can't remove app instance mapping: %s", err)
	}

	delete(handler.instances, instanceID)

	if handler.current == instance {
		handler.current = nil
	}

	handler.clearPackages()
	handler.storage.ClearDownloadState()

	return nil
}

// PopulateFromInstalledApps reconciles update slots with the applications
// currently installed on the device. Slot states are set without persisting
// to the workspace: this is a reconciliation pass, not a transition. The
// whole app to instance id mapping table is rewritten from scratch.
func (handler *Handler) PopulateFromInstalledApps() (err error) {
	apps, err := handler.registry.InstalledApps()
	if err != nil {
		return errors.Wrap(err, "can't enumerate installed apps")
	}

	for _, app := range apps {
		if hiddenApps[app.Name] {
			continue
		}

		instance, err := handler.CreateInstance(app.Name, false)
		if err != nil {
			log.WithField("app", app.Name).Errorf("Can't create update instance: %s", err)

			continue
		}

		instance.PackageVersion = app.Version
		instance.State = StateInstalled
		instance.Result = ResultInstalled

		if err := handler.objects.SetResourceString(instance.ID, ResourcePkgVersion, app.Version); err != nil {
			log.Errorf("Can't set package version resource: %s", err)
		}

		if err := handler.objects.SetResourceInt(instance.ID, ResourceUpdateState, int64(StateInstalled)); err != nil {
			log.Errorf("Can't set update state resource: %s", err)
		}

		if err := handler.objects.SetResourceInt(instance.ID, ResourceUpdateResult, int64(ResultInstalled)); err != nil {
			log.Errorf("Can't set update result resource: %s", err)
		}
	}

	if err = handler.storage.ClearAppInstances(); err != nil {
		return errors.Wrap(err, "can't clear app instance mapping")
	}

	for _, instance := range handler.instances {
		if instance.ID == FirmwareInstanceID {
			continue
		}

		if err := handler.storage.SetAppInstance(instance.AppName, instance.ID); err != nil {
			log.Errorf("Can't store app instance mapping: %s", err)
		}
	}

	handler.notifier.RequestRegistrationUpdate()

	return nil
}

// HandleFailure returns the current slot to the initial state with the
// given failure result and cancels the in-flight session. The current
// reference is cleared before the engine session is ended: the other order
// would double-report the failure.
func (handler *Handler) HandleFailure(result Result) {
	instance := handler.current

	handler.current = nil

	if instance != nil {
		handler.SetState(instance, StateInitial, result)
	}

	if handler.engineOpen {
		handler.engineOpen = false

		if err := handler.engine.End(); err != nil {
			log.Errorf("Can't end update engine session: %s", err)
		}
	}
}

// SetResumeInfo persists the download URI and update type before a download
// starts so an interrupted transfer can be resumed by a new process.
func (handler *Handler) SetResumeInfo(uri string, updateType UpdateType) (err error) {
	if len(uri) > MaxPackageURILen {
		return ErrURITooLong
	}

	if err = handler.storage.SetString(workspace.KeyResumeURI, uri); err != nil {
		return errors.Wrap(err, "can't store resume URI")
	}

	if err = handler.storage.SetUint64(workspace.KeyResumeType, uint64(updateType)); err != nil {
		return errors.Wrap(err, "can't store resume update type")
	}

	return nil
}

// GetResumeInfo returns the persisted download URI and update type.
func (handler *Handler) GetResumeInfo() (uri string, updateType UpdateType, err error) {
	if uri, err = handler.storage.GetString(workspace.KeyResumeURI); err != nil {
		return "", TypeFirmware, errors.Wrap(err, "can't read resume URI")
	}

	typeValue, err := handler.storage.GetUint64(workspace.KeyResumeType)
	if err != nil {
		return "", TypeFirmware, errors.Wrap(err, "can't read resume update type")
	}

	return uri, UpdateType(typeValue), nil
}

// SetInternalState persists the requested-operation marker.
func (handler *Handler) SetInternalState(state InternalState) (err error) {
	if err = handler.storage.SetUint64(workspace.KeyInternalState, uint64(state)); err != nil {
		return errors.Wrap(err, "can't store internal state")
	}

	return nil
}

// GetInternalState returns the persisted requested-operation marker,
// InternalNone if it was never set.
func (handler *Handler) GetInternalState() (state InternalState) {
	value, err := handler.storage.GetUint64(workspace.KeyInternalState)
	if err != nil {
		return InternalNone
	}

	return InternalState(value)
}

// GetActivationState returns whether the app bound to the instance is
// currently running. Derived on demand, never stored.
func (handler *Handler) GetActivationState(instanceID int) (running bool, err error) {
	instance, ok := handler.instances[instanceID]
	if !ok {
		return false, ErrNotFound
	}

	if running, err = handler.registry.IsAppRunning(instance.AppName); err != nil {
		return false, errors.Wrap(err, "can't query app state")
	}

	return running, nil
}

// Instance returns the slot with the given id.
func (handler *Handler) Instance(instanceID int) (instance *Instance, err error) {
	instance, ok := handler.instances[instanceID]
	if !ok {
		return nil, ErrNotFound
	}

	return instance, nil
}

// CurrentInstance returns the slot bound to the in-flight operation, nil if
// none.
func (handler *Handler) CurrentInstance() (instance *Instance) {
	return handler.current
}

// SetCurrentInstance binds the slot to the in-flight operation. At most one
// slot is ever bound; rebinding without a terminal transition in between is
// a caller bug and is logged.
func (handler *Handler) SetCurrentInstance(instance *Instance) {
	if instance != nil && handler.current != nil && handler.current != instance {
		log.WithFields(log.Fields{
			"current": handler.current.ID, "new": instance.ID,
		}).Warn("Replacing current instance without terminal transition")
	}

	handler.current = instance

	if instance != nil {
		if err := handler.storage.SetUint64(workspace.KeyInstanceID, uint64(instance.ID)); err != nil {
			log.Errorf("Can't store current instance id: %s", err)
		}
	}
}

// MarkEngineSession records whether an update engine session is open so a
// failure transition knows to end it.
func (handler *Handler) MarkEngineSession(open bool) {
	handler.engineOpen = open
}

/*******************************************************************************
 * Private
 ******************************************************************************/

func (state State) String() string {
	return [...]string{
		"initial", "downloadStarted", "downloaded",
		"delivered", "installed", "waitInstallResult",
	}[state]
}

func (result Result) String() string {
	return [...]string{
		"initial", "downloading", "downloaded", "installed",
		"notEnoughMemory", "outOfMemory", "connectionLost", "checkFailure",
		"unsupportedType", "invalidUri", "deviceError", "installFailure",
		"uninstallFailure",
	}[result]
}

func (updateType UpdateType) String() string {
	return [...]string{"firmware", "software"}[updateType]
}

// checkMappedInstance verifies that the live object at the mapped id still
// belongs to the app. Returns AnyInstance when a fresh id must be
// allocated.
func (handler *Handler) checkMappedInstance(appName string, mappedID int) (instanceID int, err error) {
	if !handler.objects.HasInstance(mappedID) {
		// Recreate the object at the exact persisted id.
		if _, err = handler.objects.CreateInstance(mappedID); err != nil {
			return AnyInstance, errors.Wrap(err, "can't recreate object instance")
		}

		return mappedID, nil
	}

	boundApp, err := handler.objects.GetResourceString(mappedID, ResourcePkgName)
	if err != nil {
		log.WithField("id", mappedID).Errorf("Can't read package name resource: %s", err)

		return mappedID, nil
	}

	if boundApp != "" && boundApp != appName {
		log.WithFields(log.Fields{
			"id": mappedID, "app": appName, "boundApp": boundApp,
		}).Warn("Mapped instance was recycled, allocating new one")

		return AnyInstance, nil
	}

	return mappedID, nil
}

func (handler *Handler) clearPackages() {
	entries, err := os.ReadDir(handler.downloadDir)
	if err != nil {
		log.Errorf("Can't read download dir: %s", err)

		return
	}

	for _, entry := range entries {
		if err := os.RemoveAll(path.Join(handler.downloadDir, entry.Name())); err != nil {
			log.Errorf("Can't remove package file: %s", err)
		}
	}
}
