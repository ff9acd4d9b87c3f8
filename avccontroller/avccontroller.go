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

// Package avccontroller glues the agreement arbiter, the update session
// state machine and the download pipeline together and reconstructs the
// interrupted update flow after a restart.
package avccontroller

import (
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aosedge/aos_avcagent/arbiter"
	"github.com/aosedge/aos_avcagent/config"
	"github.com/aosedge/aos_avcagent/downloader"
	"github.com/aosedge/aos_avcagent/updatesession"
	"github.com/aosedge/aos_avcagent/workspace"
)

/*******************************************************************************
 * Consts
 ******************************************************************************/

// Install engine progress statuses.
const (
	EngineUnpacking EngineStatus = iota
	EngineDownloadSuccess
	EngineApplying
	EngineSuccess
	EngineFailed
)

const dispatchChannelSize = 16

/*******************************************************************************
 * Types
 ******************************************************************************/

// EngineStatus install engine progress status.
type EngineStatus int

// EngineProgress install engine progress report.
type EngineProgress struct {
	Status   EngineStatus
	Progress int
	Error    string
}

// InstallEngine performs the actual package install/uninstall and reports
// progress.
type InstallEngine interface {
	StartInstall(instanceID int, packagePath string) (err error)
	StartUninstall(appName string) (err error)
	End() (err error)
	ProgressChannel() (progressChannel <-chan EngineProgress)
}

// Rebooter performs the system reboot once it is agreed.
type Rebooter interface {
	SystemReboot() (err error)
}

// Controller avc controller instance. All session and workspace mutation
// happens on the single control goroutine: external calls and worker
// completions are dispatched onto it as queued functions.
type Controller struct {
	cfg      *config.Config
	settings *config.Settings
	storage  updatesession.Storage
	session  *updatesession.Handler
	arbiter  *arbiter.Arbiter
	download *downloader.Handler
	engine   InstallEngine
	rebooter Rebooter

	currentOp   arbiter.Operation
	packagePath string

	dispatchChannel chan func()
	closeChannel    chan struct{}
}

/*******************************************************************************
 * Public
 ******************************************************************************/

// New returns pointer to new controller.
func New(cfg *config.Config, settings *config.Settings, storage updatesession.Storage,
	session *updatesession.Handler, agreement *arbiter.Arbiter, download *downloader.Handler,
	engine InstallEngine, rebooter Rebooter) (controller *Controller) {
	log.Debug("Create avc controller")

	return &Controller{
		cfg:             cfg,
		settings:        settings,
		storage:         storage,
		session:         session,
		arbiter:         agreement,
		download:        download,
		engine:          engine,
		rebooter:        rebooter,
		dispatchChannel: make(chan func(), dispatchChannelSize),
		closeChannel:    make(chan struct{}),
	}
}

// Start reconciles update slots with installed apps, restores the
// interrupted update flow from the workspace and starts the control loop.
func (controller *Controller) Start() {
	if err := controller.session.PopulateFromInstalledApps(); err != nil {
		log.Errorf("Can't populate update instances: %s", err)
	}

	controller.restore()

	go controller.run()
}

// Close stops the control loop.
func (controller *Controller) Close() {
	log.Debug("Close avc controller")

	close(controller.closeChannel)
}

// StartDownload requests a new package download. The request goes through
// the agreement arbiter: the transfer starts now, later or not at all.
func (controller *Controller) StartDownload(uri string, updateType updatesession.UpdateType,
	appName string, totalBytes uint64) (err error) {
	return controller.execute(func() error {
		instance := controller.session.FirmwareInstance()

		if updateType == updatesession.TypeSoftware {
			if instance, err = controller.session.CreateInstance(appName, true); err != nil {
				return err
			}
		}

		// Resume info goes to the workspace before anything else so a crash
		// mid-start is still resumable.
		if err = controller.session.SetResumeInfo(uri, updateType); err != nil {
			return err
		}

		controller.session.SetCurrentInstance(instance)

		if err = controller.session.SetInternalState(updatesession.InternalDownloadRequested); err != nil {
			log.Errorf("Can't store internal state: %s", err)
		}

		return controller.queryDownload(totalBytes, false)
	})
}

// RequestInstall requests install of the delivered package bound to the
// instance.
func (controller *Controller) RequestInstall(instanceID int) (err error) {
	return controller.execute(func() error {
		instance, err := controller.session.Instance(instanceID)
		if err != nil {
			return err
		}

		controller.session.SetCurrentInstance(instance)

		if err = controller.session.SetInternalState(updatesession.InternalInstallRequested); err != nil {
			log.Errorf("Can't store internal state: %s", err)
		}

		return controller.queryInstall(instance)
	})
}

// RequestUninstall requests uninstall of the application bound to the
// instance.
func (controller *Controller) RequestUninstall(instanceID int) (err error) {
	return controller.execute(func() error {
		instance, err := controller.session.Instance(instanceID)
		if err != nil {
			return err
		}

		controller.session.SetCurrentInstance(instance)

		if err = controller.session.SetInternalState(updatesession.InternalUninstallRequested); err != nil {
			log.Errorf("Can't store internal state: %s", err)
		}

		return controller.queryUninstall(instance)
	})
}

// RequestReboot requests a device reboot through the agreement arbiter.
func (controller *Controller) RequestReboot() (err error) {
	return controller.execute(func() error {
		return controller.queryReboot()
	})
}

// AbortDownload aborts the in-flight download and abandons the update.
func (controller *Controller) AbortDownload() (err error) {
	return controller.download.Abort()
}

// SuspendDownload suspends the in-flight download keeping the transfer
// offset, used on transport session teardown.
func (controller *Controller) SuspendDownload() (err error) {
	return controller.download.Suspend()
}

// ResumeDownload resumes a previously suspended download.
func (controller *Controller) ResumeDownload() (err error) {
	return controller.execute(func() error {
		return controller.launchDownload(true)
	})
}

// Accept grants the pending operation on behalf of the control app.
func (controller *Controller) Accept(operation arbiter.Operation) (err error) {
	return controller.arbiter.Accept(operation)
}

// Defer postpones the pending operation for the given number of minutes on
// behalf of the control app.
func (controller *Controller) Defer(operation arbiter.Operation, minutes int) (err error) {
	return controller.arbiter.Defer(operation, time.Duration(minutes)*time.Minute)
}

// BlockInstall takes a block lease for the owner connection.
func (controller *Controller) BlockInstall(owner string) {
	controller.arbiter.BlockInstall(owner)
}

// UnblockInstall releases one block lease of the owner connection.
func (controller *Controller) UnblockInstall(owner string) (err error) {
	return controller.arbiter.UnblockInstall(owner)
}

// ReleaseOwner force-releases all leases of a closed owner connection.
func (controller *Controller) ReleaseOwner(owner string) {
	controller.arbiter.ReleaseOwner(owner)
}

// RegisterControlApp marks the control app as registered and re-emits the
// pending notification.
func (controller *Controller) RegisterControlApp() {
	controller.arbiter.RegisterControlApp()
}

// UnregisterControlApp marks the control app handler as dropped.
func (controller *Controller) UnregisterControlApp() {
	controller.arbiter.UnregisterControlApp()
}

// Notify emits a session-level status event (session started/stopped,
// connection required, auth started/failed).
func (controller *Controller) Notify(status arbiter.Status) {
	controller.arbiter.Notify(arbiter.StatusEvent{Status: status})
}

// StatusChannel this channel is used to notify about update statuses.
func (controller *Controller) StatusChannel() (statusChannel <-chan arbiter.StatusEvent) {
	return controller.arbiter.StatusChannel()
}

// Settings returns the persisted settings surface.
func (controller *Controller) Settings() (settings *config.Settings) {
	return controller.settings
}

// GetPackageInfo returns package name and version of the instance.
func (controller *Controller) GetPackageInfo(instanceID int) (name, version string, err error) {
	err = controller.execute(func() error {
		instance, err := controller.session.Instance(instanceID)
		if err != nil {
			return err
		}

		name, version = instance.PackageName, instance.PackageVersion

		return nil
	})

	return name, version, err
}

// GetUpdateState returns the update state of the instance.
func (controller *Controller) GetUpdateState(instanceID int) (state updatesession.State, err error) {
	err = controller.execute(func() error {
		state, err = controller.session.GetState(instanceID)

		return err
	})

	return state, err
}

// SetUpdateState sets the update state and result of the instance.
func (controller *Controller) SetUpdateState(instanceID int,
	state updatesession.State, result updatesession.Result) (err error) {
	return controller.execute(func() error {
		instance, err := controller.session.Instance(instanceID)
		if err != nil {
			return err
		}

		controller.session.SetState(instance, state, result)

		return nil
	})
}

// GetActivationState returns whether the application bound to the instance
// is running.
func (controller *Controller) GetActivationState(instanceID int) (running bool, err error) {
	err = controller.execute(func() error {
		running, err = controller.session.GetActivationState(instanceID)

		return err
	})

	return running, err
}

/*******************************************************************************
 * Private
 ******************************************************************************/

func (controller *Controller) run() {
	for {
		select {
		case fn := <-controller.dispatchChannel:
			fn()

		case event := <-controller.download.EventChannel():
			controller.handleDownloadEvent(event)

		case progress := <-controller.engine.ProgressChannel():
			controller.handleEngineProgress(progress)

		case <-controller.closeChannel:
			return
		}
	}
}

// execute runs fn on the control goroutine and waits for its result.
func (controller *Controller) execute(fn func() error) (err error) {
	result := make(chan error, 1)

	controller.dispatchChannel <- func() {
		result <- fn()
	}

	return <-result
}

// dispatch posts fn onto the control goroutine without waiting.
func (controller *Controller) dispatch(fn func()) {
	controller.dispatchChannel <- fn
}

func (controller *Controller) queryDownload(totalBytes uint64, resume bool) (err error) {
	controller.currentOp = arbiter.OpDownload

	answer, err := controller.arbiter.QueryDownload(func() {
		controller.dispatch(func() {
			if err := controller.launchDownload(resume); err != nil {
				log.Errorf("Can't launch download: %s", err)
			}
		})
	}, totalBytes)
	if err != nil {
		return errors.Wrap(err, "can't query download")
	}

	if answer == arbiter.AnswerProceed {
		return controller.launchDownload(resume)
	}

	return nil
}

func (controller *Controller) launchDownload(resume bool) (err error) {
	uri, updateType, err := controller.session.GetResumeInfo()
	if err != nil {
		return errors.Wrap(err, "can't read resume info")
	}

	instance := controller.session.CurrentInstance()
	if instance == nil {
		return errors.New("no current update instance")
	}

	controller.session.SetState(instance, updatesession.StateDownloadStarted, updatesession.ResultDownloading)

	if err = controller.download.StartDownload(uri, updateType, resume); err != nil {
		controller.failDownload(updatesession.ResultDeviceError)

		return err
	}

	return nil
}

func (controller *Controller) handleDownloadEvent(event downloader.Event) {
	switch {
	case event.Result == updatesession.ResultDownloading:
		controller.arbiter.Notify(arbiter.StatusEvent{
			Status:     arbiter.StatusDownloadInProgress,
			TotalBytes: event.Total,
			Progress:   event.Progress,
			UpdateType: event.UpdateType,
		})

	case event.Suspended:
		log.WithField("downloaded", event.Downloaded).Debug("Download suspended")

	case event.Result == updatesession.ResultDownloaded:
		controller.packagePath = event.FileName

		instance := controller.session.CurrentInstance()

		controller.session.SetState(instance, updatesession.StateDownloaded, updatesession.ResultDownloaded)

		controller.arbiter.Notify(arbiter.StatusEvent{
			Status:     arbiter.StatusDownloadComplete,
			TotalBytes: event.Total,
			Progress:   100,
			UpdateType: event.UpdateType,
		})

		controller.deliver()

		controller.arbiter.EndOperation()

	default:
		controller.failDownload(event.Result)
	}
}

// deliver marks the downloaded package unpacked and ready to install.
func (controller *Controller) deliver() {
	instance := controller.session.CurrentInstance()
	if instance == nil {
		log.Warn("Deliver called without current instance")

		return
	}

	if instance.ID == updatesession.FirmwareInstanceID {
		if err := controller.storage.SetUint64(workspace.KeyFwInstallPending, 1); err != nil {
			log.Errorf("Can't store install pending flag: %s", err)
		}
	}

	controller.session.SetState(instance, updatesession.StateDelivered, updatesession.ResultDownloaded)
}

func (controller *Controller) failDownload(result updatesession.Result) {
	controller.arbiter.Notify(arbiter.StatusEvent{
		Status:    arbiter.StatusDownloadFailed,
		ErrorCode: result,
	})

	controller.session.HandleFailure(result)
	controller.clearDownload()
	controller.arbiter.EndOperation()
}

func (controller *Controller) queryInstall(instance *updatesession.Instance) (err error) {
	updateType := updatesession.TypeSoftware
	if instance.ID == updatesession.FirmwareInstanceID {
		updateType = updatesession.TypeFirmware
	}

	answer, err := controller.arbiter.QueryInstall(func() {
		controller.dispatch(controller.launchInstall)
	}, updateType, instance.ID)
	if err != nil {
		return errors.Wrap(err, "can't query install")
	}

	if answer == arbiter.AnswerProceed {
		controller.launchInstall()
	}

	return nil
}

func (controller *Controller) launchInstall() {
	instance := controller.session.CurrentInstance()
	if instance == nil {
		log.Warn("Install launched without current instance")

		return
	}

	controller.currentOp = arbiter.OpInstall

	// The firmware image already sits in the firmware tool, there is
	// no package file to pass for the firmware slot.
	if instance.ID != updatesession.FirmwareInstanceID && controller.packagePath == "" {
		controller.packagePath = controller.findPackage()
	}

	if err := controller.engine.StartInstall(instance.ID, controller.packagePath); err != nil {
		log.Errorf("Can't start install: %s", err)

		controller.failInstall(updatesession.ResultInstallFailure)

		return
	}

	controller.session.MarkEngineSession(true)
	controller.session.SetState(instance, updatesession.StateWaitInstallResult, instance.Result)
}

func (controller *Controller) handleEngineProgress(progress EngineProgress) {
	switch progress.Status {
	case EngineUnpacking, EngineDownloadSuccess, EngineApplying:
		status := arbiter.StatusInstallInProgress
		if controller.currentOp == arbiter.OpUninstall {
			status = arbiter.StatusUninstallInProgress
		}

		controller.arbiter.Notify(arbiter.StatusEvent{Status: status, Progress: progress.Progress})

	case EngineSuccess:
		if controller.currentOp == arbiter.OpUninstall {
			controller.finishUninstall()
		} else {
			controller.finishInstall()
		}

	case EngineFailed:
		log.Errorf("Update engine failed: %s", progress.Error)

		if controller.currentOp == arbiter.OpUninstall {
			controller.failUninstall()
		} else {
			controller.failInstall(updatesession.ResultInstallFailure)
		}
	}
}

func (controller *Controller) finishInstall() {
	instance := controller.session.CurrentInstance()

	controller.session.MarkEngineSession(false)

	if err := controller.engine.End(); err != nil {
		log.Errorf("Can't end update engine session: %s", err)
	}

	controller.session.SetState(instance, updatesession.StateInstalled, updatesession.ResultInstalled)
	controller.session.SetCurrentInstance(nil)

	firmware := instance != nil && instance.ID == updatesession.FirmwareInstanceID

	if firmware {
		if err := controller.storage.SetUint64(workspace.KeyFwNotification, 1); err != nil {
			log.Errorf("Can't store update notification flag: %s", err)
		}
	}

	controller.clearDownload()
	controller.arbiter.EndOperation()

	controller.arbiter.Notify(arbiter.StatusEvent{Status: arbiter.StatusInstallComplete})

	if firmware {
		if err := controller.queryReboot(); err != nil {
			log.Errorf("Can't query reboot: %s", err)
		}
	}
}

func (controller *Controller) failInstall(result updatesession.Result) {
	controller.arbiter.Notify(arbiter.StatusEvent{
		Status:    arbiter.StatusInstallFailed,
		ErrorCode: result,
	})

	controller.session.HandleFailure(result)
	controller.clearDownload()
	controller.arbiter.EndOperation()
}

func (controller *Controller) queryUninstall(instance *updatesession.Instance) (err error) {
	answer, err := controller.arbiter.QueryUninstall(func() {
		controller.dispatch(controller.launchUninstall)
	}, instance.ID)
	if err != nil {
		return errors.Wrap(err, "can't query uninstall")
	}

	if answer == arbiter.AnswerProceed {
		controller.launchUninstall()
	}

	return nil
}

func (controller *Controller) launchUninstall() {
	instance := controller.session.CurrentInstance()
	if instance == nil {
		log.Warn("Uninstall launched without current instance")

		return
	}

	controller.currentOp = arbiter.OpUninstall

	if err := controller.engine.StartUninstall(instance.AppName); err != nil {
		log.Errorf("Can't start uninstall: %s", err)

		controller.failUninstall()
	}
}

func (controller *Controller) finishUninstall() {
	instance := controller.session.CurrentInstance()
	if instance == nil {
		return
	}

	controller.session.SetState(instance, updatesession.StateInitial, updatesession.ResultInitial)

	if err := controller.session.DeleteInstance(instance.ID); err != nil {
		log.Errorf("Can't delete update instance: %s", err)
	}

	controller.arbiter.EndOperation()
	controller.arbiter.Notify(arbiter.StatusEvent{Status: arbiter.StatusUninstallComplete})
}

func (controller *Controller) failUninstall() {
	controller.arbiter.Notify(arbiter.StatusEvent{
		Status:    arbiter.StatusUninstallFailed,
		ErrorCode: updatesession.ResultUninstallFailure,
	})

	controller.session.HandleFailure(updatesession.ResultUninstallFailure)
	controller.arbiter.EndOperation()
}

func (controller *Controller) queryReboot() (err error) {
	answer, err := controller.arbiter.QueryReboot(func() {
		controller.dispatch(controller.doReboot)
	})
	if err != nil {
		return errors.Wrap(err, "can't query reboot")
	}

	if answer == arbiter.AnswerProceed {
		controller.doReboot()
	}

	return nil
}

func (controller *Controller) doReboot() {
	log.Debug("System reboot")

	if err := controller.rebooter.SystemReboot(); err != nil {
		log.Errorf("Can't perform system reboot: %s", err)
	}
}

// clearDownload removes package files and all per-session workspace keys.
// Failure to clean the download dir would silently corrupt update
// bookkeeping, so it is fatal.
func (controller *Controller) clearDownload() {
	controller.packagePath = ""

	entries, err := os.ReadDir(controller.cfg.DownloadDir)
	if err != nil {
		log.Fatalf("Can't read download dir: %s", err)
	}

	for _, entry := range entries {
		if err := os.RemoveAll(path.Join(controller.cfg.DownloadDir, entry.Name())); err != nil {
			log.Fatalf("Can't remove package file: %s", err)
		}
	}

	controller.storage.ClearDownloadState()
}

func (controller *Controller) findPackage() (packagePath string) {
	entries, err := os.ReadDir(controller.cfg.DownloadDir)
	if err != nil {
		log.Errorf("Can't read download dir: %s", err)

		return ""
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			return path.Join(controller.cfg.DownloadDir, entry.Name())
		}
	}

	return ""
}

// restore reconstructs the interrupted update flow strictly from the
// workspace. Unknown combinations are logged and left untouched.
func (controller *Controller) restore() {
	controller.reportFirmwareUpdate()

	stateValue, err := controller.storage.GetUint64(workspace.KeyUpdateState)
	if err != nil {
		log.Debug("No update session to restore")

		return
	}

	resultValue, err := controller.storage.GetUint64(workspace.KeyUpdateResult)
	if err != nil {
		log.Warn("Update result missing, session not restored")

		return
	}

	instanceValue, err := controller.storage.GetUint64(workspace.KeyInstanceID)
	if err != nil {
		log.Warn("Update instance id missing, session not restored")

		return
	}

	internal := controller.session.GetInternalState()
	state := updatesession.State(stateValue)

	instance, err := controller.restoreInstance(int(instanceValue))
	if err != nil {
		log.Warnf("Can't restore update instance: %s", err)

		return
	}

	instance.State = state
	instance.Result = updatesession.Result(resultValue)

	controller.session.SetCurrentInstance(instance)

	log.WithFields(log.Fields{
		"id": instance.ID, "state": state, "internal": internal,
	}).Info("Restore update session")

	switch {
	case state == updatesession.StateInitial && internal == updatesession.InternalDownloadRequested:
		size, _ := controller.storage.GetUint64(workspace.KeyPackageSize)

		if err := controller.queryDownload(size, false); err != nil {
			log.Errorf("Can't re-query download: %s", err)
		}

	case state == updatesession.StateDownloadStarted:
		if err := controller.launchDownload(true); err != nil {
			log.Errorf("Can't resume download: %s", err)
		}

	case state == updatesession.StateDownloaded:
		controller.deliver()

	case state == updatesession.StateDelivered && (internal == updatesession.InternalInstallRequested ||
		controller.firmwareInstallPending(instance)):
		if err := controller.queryInstall(instance); err != nil {
			log.Errorf("Can't re-query install: %s", err)
		}

	case state == updatesession.StateInstalled && internal == updatesession.InternalUninstallRequested:
		if err := controller.queryUninstall(instance); err != nil {
			log.Errorf("Can't re-query uninstall: %s", err)
		}

	default:
		log.WithFields(log.Fields{
			"state": state, "internal": internal,
		}).Warn("Invalid persisted update state, ignored")
	}
}

// reportFirmwareUpdate emits the install complete notification armed by a
// firmware install that finished right before the reboot.
func (controller *Controller) reportFirmwareUpdate() {
	value, err := controller.storage.GetUint64(workspace.KeyFwNotification)
	if err != nil || value != 1 {
		return
	}

	log.Info("Firmware updated on previous boot")

	instance := controller.session.FirmwareInstance()
	instance.State = updatesession.StateInstalled
	instance.Result = updatesession.ResultInstalled

	controller.arbiter.Notify(arbiter.StatusEvent{
		Status:     arbiter.StatusInstallComplete,
		UpdateType: updatesession.TypeFirmware,
		InstanceID: updatesession.FirmwareInstanceID,
	})

	if err := controller.storage.Delete(workspace.KeyFwNotification); err != nil {
		log.Errorf("Can't clear update notification flag: %s", err)
	}
}

// firmwareInstallPending reports whether a delivered firmware image still
// awaits its install. The flag is kept separately from the internal marker:
// the image survives reboots inside the firmware tool.
func (controller *Controller) firmwareInstallPending(instance *updatesession.Instance) (pending bool) {
	if instance.ID != updatesession.FirmwareInstanceID {
		return false
	}

	value, err := controller.storage.GetUint64(workspace.KeyFwInstallPending)

	return err == nil && value == 1
}

func (controller *Controller) restoreInstance(instanceID int) (instance *updatesession.Instance, err error) {
	if instanceID == updatesession.FirmwareInstanceID {
		return controller.session.FirmwareInstance(), nil
	}

	if instance, err = controller.session.Instance(instanceID); err == nil {
		return instance, nil
	}

	instances, err := controller.storage.GetAppInstances()
	if err != nil {
		return nil, errors.Wrap(err, "can't read app instance mapping")
	}

	for name, id := range instances {
		if id == instanceID {
			return controller.session.CreateInstance(name, false)
		}
	}

	return nil, errors.Errorf("no app mapped to instance %d", instanceID)
}
