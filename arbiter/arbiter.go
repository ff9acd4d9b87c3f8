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

// Package arbiter decides whether a pending update operation may proceed
// now, must wait for an explicit control app decision or is deferred for a
// fixed backoff.
package arbiter

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aosedge/aos_avcagent/config"
	"github.com/aosedge/aos_avcagent/updatesession"
)

/*******************************************************************************
 * Consts
 ******************************************************************************/

//
// Arbiter state machine:
//
// idle -> queryX            -> xPending
// xPending -> accept        -> xInProgress
// xInProgress -> finish     -> idle
// xPending -> finish        -> idle (abandoned operation)
//
// Reboot has no state of its own: a reboot query only occupies the reboot
// handler slot.
//

const (
	stateIdle                = "idle"
	stateDownloadPending     = "downloadPending"
	stateDownloadInProgress  = "downloadInProgress"
	stateInstallPending      = "installPending"
	stateInstallInProgress   = "installInProgress"
	stateUninstallPending    = "uninstallPending"
	stateUninstallInProgress = "uninstallInProgress"
)

// Operations arbitrated by the agreement state machine.
const (
	OpDownload Operation = iota
	OpInstall
	OpUninstall
	OpReboot
)

// Query answers.
const (
	// AnswerProceed the caller may proceed now, the handler will not be
	// invoked.
	AnswerProceed Answer = iota
	// AnswerDeferred the handler will be invoked exactly once when
	// permission is granted.
	AnswerDeferred
)

// Status event values.
const (
	StatusNoUpdate Status = iota
	StatusDownloadPending
	StatusDownloadInProgress
	StatusDownloadComplete
	StatusDownloadFailed
	StatusInstallPending
	StatusInstallInProgress
	StatusInstallComplete
	StatusInstallFailed
	StatusUninstallPending
	StatusUninstallInProgress
	StatusUninstallComplete
	StatusUninstallFailed
	StatusSessionStarted
	StatusSessionStopped
	StatusRebootPending
	StatusConnectionRequired
	StatusAuthStarted
	StatusAuthFailed
)

const defaultDeferBackoff = 3 * time.Minute

const statusChannelSize = 16

/*******************************************************************************
 * Vars
 ******************************************************************************/

// ErrDuplicateQuery is returned when a query of the same kind is already
// outstanding. This is a caller bug, not a retryable condition.
var ErrDuplicateQuery = errors.New("query already registered")

// ErrWrongState is returned on Accept/Defer outside the matching pending
// state.
var ErrWrongState = errors.New("no pending operation of this kind")

// ErrNoLease is returned when unblocking an owner that holds no lease.
var ErrNoLease = errors.New("owner holds no block lease")

/*******************************************************************************
 * Types
 ******************************************************************************/

// Operation arbitrated operation kind.
type Operation int

// Answer query answer.
type Answer int

// Status status event value.
type Status int

// StatusEvent is emitted to status subscribers on every operation
// transition.
type StatusEvent struct {
	Status     Status
	TotalBytes uint64
	Progress   int
	UpdateType updatesession.UpdateType
	InstanceID int
	ErrorCode  updatesession.Result
}

// Context carried by a pending query.
type queryContext struct {
	totalBytes uint64
	updateType updatesession.UpdateType
	instanceID int
}

// pendingQuery is a one-shot handler slot: the handler is taken exactly
// once, either by an accept or by the auto-accept path.
type pendingQuery struct {
	handler func()
	ctx     queryContext
}

// Arbiter agreement arbiter instance.
type Arbiter struct {
	sync.Mutex

	fsm *fsm.FSM

	agreement config.UserAgreement

	controlAppRegistered bool
	// Sticky: once any control app registered a handler the flag stays set
	// even if the app later disappears.
	controlAppInstalled bool

	blockOwners map[string]int
	blockCount  int

	pending map[Operation]*pendingQuery
	timers  map[Operation]*time.Timer

	deferBackoff time.Duration

	currentTotalBytes uint64
	currentProgress   int

	statusChannel chan StatusEvent
}

/*******************************************************************************
 * Public
 ******************************************************************************/

// New returns pointer to new arbiter in idle state with all operations
// requiring agreement.
func New() (arbiter *Arbiter) {
	log.Debug("Create agreement arbiter")

	arbiter = &Arbiter{
		agreement: config.UserAgreement{
			Connect: true, Download: true, Install: true, Uninstall: true, Reboot: true,
		},
		blockOwners:   make(map[string]int),
		pending:       make(map[Operation]*pendingQuery),
		timers:        make(map[Operation]*time.Timer),
		deferBackoff:  defaultDeferBackoff,
		statusChannel: make(chan StatusEvent, statusChannelSize),
	}

	arbiter.fsm = fsm.NewFSM(stateIdle,
		fsm.Events{
			{Name: "requestDownload", Src: []string{stateIdle}, Dst: stateDownloadPending},
			{Name: "acceptDownload", Src: []string{stateDownloadPending}, Dst: stateDownloadInProgress},
			{Name: "requestInstall", Src: []string{stateIdle}, Dst: stateInstallPending},
			{Name: "acceptInstall", Src: []string{stateInstallPending}, Dst: stateInstallInProgress},
			{Name: "requestUninstall", Src: []string{stateIdle}, Dst: stateUninstallPending},
			{Name: "acceptUninstall", Src: []string{stateUninstallPending}, Dst: stateUninstallInProgress},
			{Name: "finish", Src: []string{
				stateDownloadPending, stateDownloadInProgress,
				stateInstallPending, stateInstallInProgress,
				stateUninstallPending, stateUninstallInProgress,
			}, Dst: stateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, event *fsm.Event) {
				log.WithFields(log.Fields{"from": event.Src, "to": event.Dst}).Debug("Arbiter state changed")
			},
		})

	return arbiter
}

// SetUserAgreement configures which operations require agreement. An
// operation with agreement disabled bypasses the control app and follows
// the automatic path.
func (arbiter *Arbiter) SetUserAgreement(agreement config.UserAgreement) {
	arbiter.Lock()
	defer arbiter.Unlock()

	arbiter.agreement = agreement
}

// SetDeferBackoff overrides the automatic defer backoff.
func (arbiter *Arbiter) SetDeferBackoff(backoff time.Duration) {
	arbiter.Lock()
	defer arbiter.Unlock()

	arbiter.deferBackoff = backoff
}

// QueryDownload asks permission to start a download of totalBytes.
func (arbiter *Arbiter) QueryDownload(handler func(), totalBytes uint64) (answer Answer, err error) {
	return arbiter.query(OpDownload, &pendingQuery{handler: handler, ctx: queryContext{totalBytes: totalBytes}})
}

// QueryInstall asks permission to install the downloaded package.
func (arbiter *Arbiter) QueryInstall(handler func(),
	updateType updatesession.UpdateType, instanceID int) (answer Answer, err error) {
	return arbiter.query(OpInstall,
		&pendingQuery{handler: handler, ctx: queryContext{updateType: updateType, instanceID: instanceID}})
}

// QueryUninstall asks permission to uninstall the application bound to the
// instance.
func (arbiter *Arbiter) QueryUninstall(handler func(), instanceID int) (answer Answer, err error) {
	return arbiter.query(OpUninstall, &pendingQuery{handler: handler, ctx: queryContext{instanceID: instanceID}})
}

// QueryReboot asks permission to reboot the device.
func (arbiter *Arbiter) QueryReboot(handler func()) (answer Answer, err error) {
	return arbiter.query(OpReboot, &pendingQuery{handler: handler})
}

// Accept grants the pending operation. Valid only when a query of this kind
// is pending.
func (arbiter *Arbiter) Accept(operation Operation) (err error) {
	arbiter.Lock()

	query, ok := arbiter.pending[operation]
	if !ok {
		arbiter.Unlock()

		return ErrWrongState
	}

	handler := arbiter.grant(operation, query)

	arbiter.Unlock()

	if handler != nil {
		handler()
	}

	return nil
}

// Defer postpones the pending operation for the given duration. Valid only
// when a query of this kind is pending.
func (arbiter *Arbiter) Defer(operation Operation, duration time.Duration) (err error) {
	arbiter.Lock()
	defer arbiter.Unlock()

	if _, ok := arbiter.pending[operation]; !ok {
		return ErrWrongState
	}

	log.WithFields(log.Fields{"operation": operation, "duration": duration}).Debug("Operation deferred")

	arbiter.armTimer(operation, duration)

	return nil
}

// RegisterControlApp marks that a control app registered its status
// handler. Pending operations are not auto-accepted anymore; the pending
// notification is re-emitted so the app can decide.
func (arbiter *Arbiter) RegisterControlApp() {
	arbiter.Lock()
	defer arbiter.Unlock()

	log.Debug("Control app registered")

	arbiter.controlAppRegistered = true
	arbiter.controlAppInstalled = true

	arbiter.resendPendingLocked()
}

// UnregisterControlApp marks that the control app dropped its status
// handler. The installed flag intentionally stays set.
func (arbiter *Arbiter) UnregisterControlApp() {
	arbiter.Lock()
	defer arbiter.Unlock()

	arbiter.controlAppRegistered = false
}

// SetControlAppInstalled marks that a control app is installed on the
// device even though it has not registered yet.
func (arbiter *Arbiter) SetControlAppInstalled() {
	arbiter.Lock()
	defer arbiter.Unlock()

	arbiter.controlAppInstalled = true
}

// BlockInstall takes a block lease for the owner. Download, install and
// uninstall are not auto-accepted while any lease is held.
func (arbiter *Arbiter) BlockInstall(owner string) {
	arbiter.Lock()
	defer arbiter.Unlock()

	arbiter.blockOwners[owner]++
	arbiter.blockCount++

	log.WithFields(log.Fields{"owner": owner, "count": arbiter.blockCount}).Debug("Install blocked")
}

// UnblockInstall releases one block lease of the owner. When the last lease
// is released, operations deferred by the block are re-evaluated.
func (arbiter *Arbiter) UnblockInstall(owner string) (err error) {
	arbiter.Lock()

	if arbiter.blockOwners[owner] == 0 {
		arbiter.Unlock()

		return ErrNoLease
	}

	arbiter.releaseLocked(owner, 1)

	handlers := arbiter.reevaluateLocked()

	arbiter.Unlock()

	for _, handler := range handlers {
		handler()
	}

	return nil
}

// ReleaseOwner force-releases all leases of the owner, used when the owning
// connection closes.
func (arbiter *Arbiter) ReleaseOwner(owner string) {
	arbiter.Lock()

	count := arbiter.blockOwners[owner]
	if count == 0 {
		arbiter.Unlock()

		return
	}

	log.WithFields(log.Fields{"owner": owner, "leases": count}).Warn("Force releasing block leases")

	arbiter.releaseLocked(owner, count)

	handlers := arbiter.reevaluateLocked()

	arbiter.Unlock()

	for _, handler := range handlers {
		handler()
	}
}

// EndOperation returns the arbiter to idle when the operation finishes,
// successfully or not.
func (arbiter *Arbiter) EndOperation() {
	arbiter.Lock()
	defer arbiter.Unlock()

	if arbiter.fsm.Current() == stateIdle {
		return
	}

	for _, operation := range []Operation{OpDownload, OpInstall, OpUninstall} {
		arbiter.stopTimer(operation)
		delete(arbiter.pending, operation)
	}

	if err := arbiter.fsm.Event(context.Background(), "finish"); err != nil {
		log.Errorf("Can't finish arbiter operation: %s", err)
	}
}

// Current returns the current arbiter state name.
func (arbiter *Arbiter) Current() (state string) {
	arbiter.Lock()
	defer arbiter.Unlock()

	return arbiter.fsm.Current()
}

// Notify emits a status event to subscribers.
func (arbiter *Arbiter) Notify(event StatusEvent) {
	arbiter.Lock()
	defer arbiter.Unlock()

	arbiter.notifyLocked(event)
}

// ResendPendingNotification re-emits the status event matching the pending
// operation, used after restart or when the control app reconnects.
func (arbiter *Arbiter) ResendPendingNotification() {
	arbiter.Lock()
	defer arbiter.Unlock()

	arbiter.resendPendingLocked()
}

// StatusChannel this channel is used to notify about operation statuses.
func (arbiter *Arbiter) StatusChannel() (statusChannel <-chan StatusEvent) {
	return arbiter.statusChannel
}

/*******************************************************************************
 * Private
 ******************************************************************************/

func (operation Operation) String() string {
	return [...]string{"download", "install", "uninstall", "reboot"}[operation]
}

func requestEvent(operation Operation) string {
	switch operation {
	case OpDownload:
		return "requestDownload"
	case OpInstall:
		return "requestInstall"
	case OpUninstall:
		return "requestUninstall"
	default:
		return ""
	}
}

func acceptEvent(operation Operation) string {
	switch operation {
	case OpDownload:
		return "acceptDownload"
	case OpInstall:
		return "acceptInstall"
	case OpUninstall:
		return "acceptUninstall"
	default:
		return ""
	}
}

func pendingStatus(operation Operation) Status {
	switch operation {
	case OpDownload:
		return StatusDownloadPending
	case OpInstall:
		return StatusInstallPending
	case OpUninstall:
		return StatusUninstallPending
	default:
		return StatusRebootPending
	}
}

func inProgressStatus(operation Operation) (status Status, notify bool) {
	switch operation {
	case OpDownload:
		return StatusDownloadInProgress, true
	case OpInstall:
		return StatusInstallInProgress, true
	case OpUninstall:
		return StatusUninstallInProgress, true
	default:
		return StatusNoUpdate, false
	}
}

func (arbiter *Arbiter) agreementRequired(operation Operation) bool {
	switch operation {
	case OpDownload:
		return arbiter.agreement.Download
	case OpInstall:
		return arbiter.agreement.Install
	case OpUninstall:
		return arbiter.agreement.Uninstall
	default:
		return arbiter.agreement.Reboot
	}
}

func (arbiter *Arbiter) query(operation Operation, query *pendingQuery) (answer Answer, err error) {
	arbiter.Lock()

	if _, ok := arbiter.pending[operation]; ok {
		arbiter.Unlock()

		return AnswerDeferred, ErrDuplicateQuery
	}

	if event := requestEvent(operation); event != "" {
		if err = arbiter.fsm.Event(context.Background(), event); err != nil {
			arbiter.Unlock()

			return AnswerDeferred, errors.Wrap(err, "can't start operation")
		}
	}

	defer arbiter.Unlock()

	needsAgreement := arbiter.agreementRequired(operation)

	switch {
	case needsAgreement && arbiter.controlAppRegistered:
		arbiter.pending[operation] = query
		arbiter.notifyLocked(arbiter.pendingEvent(operation, query))

		return AnswerDeferred, nil

	case needsAgreement && arbiter.controlAppInstalled:
		// Give the installed control app time to start up and register.
		arbiter.pending[operation] = query
		arbiter.armTimer(operation, arbiter.deferBackoff)

		return AnswerDeferred, nil

	case operation != OpReboot && arbiter.blockCount > 0:
		arbiter.pending[operation] = query
		arbiter.armTimer(operation, arbiter.deferBackoff)

		return AnswerDeferred, nil

	default:
		if event := acceptEvent(operation); event != "" {
			if err = arbiter.fsm.Event(context.Background(), event); err != nil {
				return AnswerDeferred, errors.Wrap(err, "can't accept operation")
			}
		}

		if status, notify := inProgressStatus(operation); notify {
			arbiter.notifyLocked(StatusEvent{
				Status:     status,
				TotalBytes: query.ctx.totalBytes,
				UpdateType: query.ctx.updateType,
				InstanceID: query.ctx.instanceID,
			})
		}

		return AnswerProceed, nil
	}
}

// grant takes the one-shot handler, transitions to in-progress and returns
// the handler to be invoked without the lock held.
func (arbiter *Arbiter) grant(operation Operation, query *pendingQuery) (handler func()) {
	arbiter.stopTimer(operation)
	delete(arbiter.pending, operation)

	if event := acceptEvent(operation); event != "" {
		if err := arbiter.fsm.Event(context.Background(), event); err != nil {
			log.Errorf("Can't accept %s: %s", operation, err)
		}
	}

	if status, notify := inProgressStatus(operation); notify {
		arbiter.notifyLocked(StatusEvent{
			Status:     status,
			TotalBytes: query.ctx.totalBytes,
			UpdateType: query.ctx.updateType,
			InstanceID: query.ctx.instanceID,
		})
	}

	return query.handler
}

// reevaluateLocked re-applies the decision table to every pending operation
// and returns the handlers which became runnable.
func (arbiter *Arbiter) reevaluateLocked() (handlers []func()) {
	for _, operation := range []Operation{OpDownload, OpInstall, OpUninstall, OpReboot} {
		query, ok := arbiter.pending[operation]
		if !ok {
			continue
		}

		needsAgreement := arbiter.agreementRequired(operation)

		switch {
		case needsAgreement && arbiter.controlAppRegistered:
			// The control app decides: re-notify and keep waiting.
			arbiter.notifyLocked(arbiter.pendingEvent(operation, query))

		case needsAgreement && arbiter.controlAppInstalled:
			arbiter.armTimer(operation, arbiter.deferBackoff)

		case operation != OpReboot && arbiter.blockCount > 0:
			arbiter.armTimer(operation, arbiter.deferBackoff)

		default:
			if handler := arbiter.grant(operation, query); handler != nil {
				handlers = append(handlers, handler)
			}
		}
	}

	return handlers
}

func (arbiter *Arbiter) releaseLocked(owner string, count int) {
	arbiter.blockOwners[owner] -= count
	if arbiter.blockOwners[owner] <= 0 {
		delete(arbiter.blockOwners, owner)
	}

	arbiter.blockCount -= count

	log.WithFields(log.Fields{"owner": owner, "count": arbiter.blockCount}).Debug("Install unblocked")
}

func (arbiter *Arbiter) armTimer(operation Operation, duration time.Duration) {
	arbiter.stopTimer(operation)

	arbiter.timers[operation] = time.AfterFunc(duration, func() {
		arbiter.Lock()

		delete(arbiter.timers, operation)

		handlers := arbiter.reevaluateLocked()

		arbiter.Unlock()

		for _, handler := range handlers {
			handler()
		}
	})
}

func (arbiter *Arbiter) stopTimer(operation Operation) {
	if timer, ok := arbiter.timers[operation]; ok {
		timer.Stop()
		delete(arbiter.timers, operation)
	}
}

func (arbiter *Arbiter) pendingEvent(operation Operation, query *pendingQuery) StatusEvent {
	return StatusEvent{
		Status:     pendingStatus(operation),
		TotalBytes: query.ctx.totalBytes,
		UpdateType: query.ctx.updateType,
		InstanceID: query.ctx.instanceID,
	}
}

func (arbiter *Arbiter) resendPendingLocked() {
	// Totals are reset before the state dispatch, for every state.
	arbiter.currentTotalBytes = 0
	arbiter.currentProgress = 0

	var operation Operation

	switch arbiter.fsm.Current() {
	case stateDownloadPending:
		operation = OpDownload
	case stateInstallPending:
		operation = OpInstall
	case stateUninstallPending:
		operation = OpUninstall
	default:
		if _, ok := arbiter.pending[OpReboot]; ok {
			operation = OpReboot

			break
		}

		return
	}

	query, ok := arbiter.pending[operation]
	if !ok {
		return
	}

	arbiter.notifyLocked(arbiter.pendingEvent(operation, query))
}

func (arbiter *Arbiter) notifyLocked(event StatusEvent) {
	if event.TotalBytes != 0 {
		arbiter.currentTotalBytes = event.TotalBytes
	}

	if event.Progress != 0 {
		arbiter.currentProgress = event.Progress
	}

	// Progress notifications carry the last known totals when the sender
	// didn't have them.
	if event.Status == StatusDownloadInProgress || event.Status == StatusInstallInProgress ||
		event.Status == StatusUninstallInProgress {
		if event.TotalBytes == 0 {
			event.TotalBytes = arbiter.currentTotalBytes
		}

		if event.Progress == 0 {
			event.Progress = arbiter.currentProgress
		}
	}

	select {
	case arbiter.statusChannel <- event:

	default:
		log.Warn("Status channel full, event dropped")
	}
}
