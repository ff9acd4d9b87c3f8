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

package arbiter_test

import (
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aosedge/aos_avcagent/arbiter"
	"github.com/aosedge/aos_avcagent/config"
	"github.com/aosedge/aos_avcagent/updatesession"
)

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
 * Private
 ******************************************************************************/

func waitStatus(t *testing.T, statusChannel <-chan arbiter.StatusEvent) (event arbiter.StatusEvent) {
	t.Helper()

	select {
	case event = <-statusChannel:
		return event

	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for status event")

		return event
	}
}

func checkNoHandler(t *testing.T, handlerChannel <-chan struct{}) {
	t.Helper()

	select {
	case <-handlerChannel:
		t.Fatal("Handler should not be invoked")

	case <-time.After(100 * time.Millisecond):
	}
}

func waitHandler(t *testing.T, handlerChannel <-chan struct{}) {
	t.Helper()

	select {
	case <-handlerChannel:

	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for handler")
	}
}

/*******************************************************************************
 * Tests
 ******************************************************************************/

func TestAutoAccept(t *testing.T) {
	agreement := arbiter.New()

	handlerChannel := make(chan struct{}, 1)

	answer, err := agreement.QueryInstall(func() { handlerChannel <- struct{}{} },
		updatesession.TypeSoftware, 1)
	if err != nil {
		t.Fatalf("Can't query install: %s", err)
	}

	if answer != arbiter.AnswerProceed {
		t.Fatalf("Wrong answer: %v", answer)
	}

	if state := agreement.Current(); state != "installInProgress" {
		t.Fatalf("Wrong state: %s", state)
	}

	// On proceed the caller runs the operation itself
	checkNoHandler(t, handlerChannel)

	event := waitStatus(t, agreement.StatusChannel())
	if event.Status != arbiter.StatusInstallInProgress || event.InstanceID != 1 {
		t.Fatalf("Wrong status event: %v", event)
	}

	agreement.EndOperation()

	if state := agreement.Current(); state != "idle" {
		t.Fatalf("Wrong state: %s", state)
	}
}

func TestBlockedQuery(t *testing.T) {
	agreement := arbiter.New()
	agreement.SetUserAgreement(config.UserAgreement{})

	agreement.BlockInstall("owner1")

	handlerChannel := make(chan struct{}, 2)

	answer, err := agreement.QueryDownload(func() { handlerChannel <- struct{}{} }, 1024)
	if err != nil {
		t.Fatalf("Can't query download: %s", err)
	}

	if answer != arbiter.AnswerDeferred {
		t.Fatalf("Wrong answer: %v", answer)
	}

	if state := agreement.Current(); state != "downloadPending" {
		t.Fatalf("Wrong state: %s", state)
	}

	checkNoHandler(t, handlerChannel)

	if err = agreement.UnblockInstall("owner1"); err != nil {
		t.Fatalf("Can't unblock install: %s", err)
	}

	waitHandler(t, handlerChannel)
	checkNoHandler(t, handlerChannel)

	if state := agreement.Current(); state != "downloadInProgress" {
		t.Fatalf("Wrong state: %s", state)
	}

	if err = agreement.UnblockInstall("owner1"); !errors.Is(err, arbiter.ErrNoLease) {
		t.Fatalf("Expecting ErrNoLease, got: %s", err)
	}
}

func TestControlAppDecision(t *testing.T) {
	agreement := arbiter.New()
	agreement.RegisterControlApp()

	handlerChannel := make(chan struct{}, 1)

	answer, err := agreement.QueryInstall(func() { handlerChannel <- struct{}{} },
		updatesession.TypeFirmware, 0)
	if err != nil {
		t.Fatalf("Can't query install: %s", err)
	}

	if answer != arbiter.AnswerDeferred {
		t.Fatalf("Wrong answer: %v", answer)
	}

	event := waitStatus(t, agreement.StatusChannel())
	if event.Status != arbiter.StatusInstallPending {
		t.Fatalf("Wrong status event: %v", event)
	}

	if _, err = agreement.QueryInstall(func() {}, updatesession.TypeFirmware,
		0); !errors.Is(err, arbiter.ErrDuplicateQuery) {
		t.Fatalf("Expecting ErrDuplicateQuery, got: %s", err)
	}

	if err = agreement.Accept(arbiter.OpInstall); err != nil {
		t.Fatalf("Can't accept install: %s", err)
	}

	waitHandler(t, handlerChannel)

	if err = agreement.Accept(arbiter.OpInstall); !errors.Is(err, arbiter.ErrWrongState) {
		t.Fatalf("Expecting ErrWrongState, got: %s", err)
	}
}

func TestDefer(t *testing.T) {
	agreement := arbiter.New()
	agreement.RegisterControlApp()

	handlerChannel := make(chan struct{}, 1)

	if _, err := agreement.QueryDownload(func() { handlerChannel <- struct{}{} }, 2048); err != nil {
		t.Fatalf("Can't query download: %s", err)
	}

	if err := agreement.Defer(arbiter.OpDownload, 50*time.Millisecond); err != nil {
		t.Fatalf("Can't defer download: %s", err)
	}

	// Control app still registered: the timer re-notifies, never grants
	checkNoHandler(t, handlerChannel)

	if state := agreement.Current(); state != "downloadPending" {
		t.Fatalf("Wrong state: %s", state)
	}

	if err := agreement.Defer(arbiter.OpInstall, time.Minute); !errors.Is(err, arbiter.ErrWrongState) {
		t.Fatalf("Expecting ErrWrongState, got: %s", err)
	}
}

func TestInstalledControlAppBackoff(t *testing.T) {
	agreement := arbiter.New()
	agreement.SetControlAppInstalled()
	agreement.SetDeferBackoff(50 * time.Millisecond)

	handlerChannel := make(chan struct{}, 1)

	answer, err := agreement.QueryInstall(func() { handlerChannel <- struct{}{} },
		updatesession.TypeSoftware, 2)
	if err != nil {
		t.Fatalf("Can't query install: %s", err)
	}

	if answer != arbiter.AnswerDeferred {
		t.Fatalf("Wrong answer: %v", answer)
	}

	// Once agreement is switched off the next backoff expiry grants
	agreement.SetUserAgreement(config.UserAgreement{})

	waitHandler(t, handlerChannel)

	if state := agreement.Current(); state != "installInProgress" {
		t.Fatalf("Wrong state: %s", state)
	}
}

func TestReboot(t *testing.T) {
	agreement := arbiter.New()
	agreement.RegisterControlApp()

	handlerChannel := make(chan struct{}, 1)

	answer, err := agreement.QueryReboot(func() { handlerChannel <- struct{}{} })
	if err != nil {
		t.Fatalf("Can't query reboot: %s", err)
	}

	if answer != arbiter.AnswerDeferred {
		t.Fatalf("Wrong answer: %v", answer)
	}

	// Reboot occupies no machine state
	if state := agreement.Current(); state != "idle" {
		t.Fatalf("Wrong state: %s", state)
	}

	event := waitStatus(t, agreement.StatusChannel())
	if event.Status != arbiter.StatusRebootPending {
		t.Fatalf("Wrong status event: %v", event)
	}

	if err = agreement.Accept(arbiter.OpReboot); err != nil {
		t.Fatalf("Can't accept reboot: %s", err)
	}

	waitHandler(t, handlerChannel)
}

func TestReleaseOwner(t *testing.T) {
	agreement := arbiter.New()
	agreement.SetUserAgreement(config.UserAgreement{})

	agreement.BlockInstall("owner1")
	agreement.BlockInstall("owner1")

	handlerChannel := make(chan struct{}, 1)

	if _, err := agreement.QueryUninstall(func() { handlerChannel <- struct{}{} }, 3); err != nil {
		t.Fatalf("Can't query uninstall: %s", err)
	}

	if err := agreement.UnblockInstall("owner1"); err != nil {
		t.Fatalf("Can't unblock install: %s", err)
	}

	// One lease still held
	checkNoHandler(t, handlerChannel)

	agreement.ReleaseOwner("owner1")

	waitHandler(t, handlerChannel)
}

func TestResendPendingNotification(t *testing.T) {
	agreement := arbiter.New()
	agreement.RegisterControlApp()

	if _, err := agreement.QueryDownload(func() {}, 4096); err != nil {
		t.Fatalf("Can't query download: %s", err)
	}

	event := waitStatus(t, agreement.StatusChannel())
	if event.Status != arbiter.StatusDownloadPending || event.TotalBytes != 4096 {
		t.Fatalf("Wrong status event: %v", event)
	}

	agreement.ResendPendingNotification()

	event = waitStatus(t, agreement.StatusChannel())
	if event.Status != arbiter.StatusDownloadPending || event.TotalBytes != 4096 {
		t.Fatalf("Wrong status event: %v", event)
	}
}

func TestResendResetsProgressTotals(t *testing.T) {
	agreement := arbiter.New()

	agreement.Notify(arbiter.StatusEvent{Status: arbiter.StatusDownloadInProgress, TotalBytes: 4096, Progress: 25})

	event := waitStatus(t, agreement.StatusChannel())
	if event.TotalBytes != 4096 || event.Progress != 25 {
		t.Fatalf("Wrong status event: %v", event)
	}

	// Sparse progress notifications are backfilled with the last known
	// totals
	agreement.Notify(arbiter.StatusEvent{Status: arbiter.StatusDownloadInProgress})

	event = waitStatus(t, agreement.StatusChannel())
	if event.TotalBytes != 4096 || event.Progress != 25 {
		t.Fatalf("Wrong status event: %v", event)
	}

	// Resend drops the remembered totals even when nothing is pending
	agreement.ResendPendingNotification()

	agreement.Notify(arbiter.StatusEvent{Status: arbiter.StatusDownloadInProgress})

	event = waitStatus(t, agreement.StatusChannel())
	if event.TotalBytes != 0 || event.Progress != 0 {
		t.Fatalf("Wrong status event: %v", event)
	}
}
