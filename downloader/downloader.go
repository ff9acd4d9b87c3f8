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

// Package downloader implements the resumable package download pipeline:
// a download worker fetching package bytes and, for firmware, a store
// worker streaming them into the firmware update engine.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aosedge/aos_avcagent/updatesession"
	"github.com/aosedge/aos_avcagent/workspace"
)

/*******************************************************************************
 * Consts
 ******************************************************************************/

const (
	chunkSize       = 16 * 1024
	abortAckTimeout = 15 * time.Second
	progressPeriod  = 1 * time.Second
	eventChanSize   = 8
)

// Download status flag. This is the single piece of state shared between
// the control goroutine and the workers: the mutex guards it, the workers
// poll it once per chunk.
const (
	statusIdle = iota
	statusActive
	statusAbort
	statusSuspend
)

/*******************************************************************************
 * Vars
 ******************************************************************************/

// ErrWrongState is returned when a download is started or aborted from an
// incompatible state.
var ErrWrongState = errors.New("wrong download state")

// errTransferStopped terminates the pipe when the transfer stops before the
// full body arrived.
var errTransferStopped = errors.New("transfer stopped")

// hardFailureCodes are HTTP codes failed pre-emptively on the metadata
// probe instead of waiting for a partial-body failure.
var hardFailureCodes = map[int]updatesession.Result{
	http.StatusNotFound:            updatesession.ResultInvalidURI,
	http.StatusInternalServerError: updatesession.ResultConnectionLost,
	http.StatusBadGateway:          updatesession.ResultConnectionLost,
	http.StatusServiceUnavailable:  updatesession.ResultConnectionLost,
}

/*******************************************************************************
 * Types
 ******************************************************************************/

// Storage persists the transfer offset and resume info so a new process can
// reconstruct an interrupted download.
type Storage interface {
	GetUint64(key string) (value uint64, err error)
	SetUint64(key string, value uint64) (err error)
	SetString(key, value string) (err error)
}

// FirmwareEngine consumes a firmware package stream. StartInstall blocks
// until the whole stream is consumed or the engine rejects it.
type FirmwareEngine interface {
	StartInstall(reader io.Reader) (err error)
}

// Event is posted to the control goroutine when a transfer makes progress
// or finishes. Workers never touch control state directly.
type Event struct {
	UpdateType updatesession.UpdateType
	Result     updatesession.Result
	Suspended  bool
	FileName   string
	Downloaded uint64
	Total      uint64
	Progress   int
}

// storeVerdict is the store worker's outcome joined by the download side.
type storeVerdict struct {
	result         updatesession.Result
	requestedAbort bool
}

// Handler download pipeline handler.
type Handler struct {
	sync.Mutex

	storage     Storage
	engine      FirmwareEngine
	downloadDir string

	status  int
	doneSem chan struct{}

	eventChannel chan Event
}

/*******************************************************************************
 * Public
 ******************************************************************************/

// New returns pointer to new download handler. Failure to create the
// download dir is unrecoverable: continuing would corrupt update
// bookkeeping.
func New(storage Storage, engine FirmwareEngine, downloadDir string) (handler *Handler, err error) {
	log.Debug("Create download handler")

	if err = os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "can't create download dir")
	}

	return &Handler{
		storage:      storage,
		engine:       engine,
		downloadDir:  downloadDir,
		doneSem:      make(chan struct{}, 1),
		eventChannel: make(chan Event, eventChanSize),
	}, nil
}

// StartDownload starts or resumes a package download. Resume info is
// persisted before anything else so a crash mid-start is still resumable.
func (handler *Handler) StartDownload(uri string, updateType updatesession.UpdateType, resume bool) (err error) {
	handler.Lock()

	if handler.status != statusIdle {
		handler.Unlock()

		return ErrWrongState
	}

	if len(uri) > updatesession.MaxPackageURILen {
		handler.Unlock()

		return updatesession.ErrURITooLong
	}

	if err = handler.storage.SetString(workspace.KeyResumeURI, uri); err != nil {
		handler.Unlock()

		return errors.Wrap(err, "can't store resume URI")
	}

	if err = handler.storage.SetUint64(workspace.KeyResumeType, uint64(updateType)); err != nil {
		handler.Unlock()

		return errors.Wrap(err, "can't store resume update type")
	}

	handler.status = statusActive

	// Drop a stale completion token from the previous run.
	select {
	case <-handler.doneSem:
	default:
	}

	handler.Unlock()

	log.WithFields(log.Fields{"uri": uri, "type": updateType, "resume": resume}).Debug("Start download")

	if updateType == updatesession.TypeFirmware {
		go handler.downloadFirmware(uri, resume)
	} else {
		go handler.downloadSoftware(uri, resume)
	}

	return nil
}

// Abort aborts the running download. From idle it is an immediate no-op.
// From active it flips the status flag and waits for the workers to
// acknowledge, bounded by a fixed timeout which is logged, not escalated.
func (handler *Handler) Abort() (err error) {
	return handler.stop(statusAbort)
}

// Suspend stops the running download keeping the transfer offset so it can
// be resumed later, used when the transport session itself is being torn
// down rather than the update abandoned.
func (handler *Handler) Suspend() (err error) {
	return handler.stop(statusSuspend)
}

// EventChannel this channel is used to notify about transfer progress and
// completion.
func (handler *Handler) EventChannel() (eventChannel <-chan Event) {
	return handler.eventChannel
}

/*******************************************************************************
 * Private
 ******************************************************************************/

func (handler *Handler) stop(terminal int) (err error) {
	handler.Lock()

	switch handler.status {
	case statusIdle:
		handler.Unlock()

		return nil

	case statusActive:
		handler.status = terminal
		handler.Unlock()

	default:
		handler.Unlock()

		return ErrWrongState
	}

	select {
	case <-handler.doneSem:

	case <-time.After(abortAckTimeout):
		log.Warn("Timeout waiting for download worker to stop")
	}

	return nil
}

func (handler *Handler) checkStatus() (status int) {
	handler.Lock()
	defer handler.Unlock()

	return handler.status
}

func (handler *Handler) finishWorker() {
	handler.Lock()
	handler.status = statusIdle
	handler.Unlock()

	select {
	case handler.doneSem <- struct{}{}:
	default:
	}
}

// probeMetadata fetches the package size and response code without
// transferring the body.
func (handler *Handler) probeMetadata(uri string) (size uint64, result updatesession.Result, err error) {
	response, err := http.Get(uri) //nolint:gosec // package URI comes from the server
	if err != nil {
		return 0, updatesession.ResultConnectionLost, errors.Wrap(err, "can't probe package URI")
	}
	defer response.Body.Close()

	if result, ok := hardFailureCodes[response.StatusCode]; ok {
		return 0, result, errors.Errorf("package URI returned status %d", response.StatusCode)
	}

	if response.ContentLength > 0 {
		size = uint64(response.ContentLength)
	}

	return size, updatesession.ResultInitial, nil
}

func (handler *Handler) downloadFirmware(uri string, resume bool) {
	defer handler.finishWorker()

	size, failure, err := handler.probeMetadata(uri)
	if err != nil {
		log.Errorf("Download failed: %s", err)

		handler.eventChannel <- Event{UpdateType: updatesession.TypeFirmware, Result: failure}

		return
	}

	if err := handler.storage.SetUint64(workspace.KeyPackageSize, size); err != nil {
		log.Errorf("Can't store package size: %s", err)
	}

	var offset uint64

	if resume {
		if offset, err = handler.storage.GetUint64(workspace.KeyBytesDownloaded); err != nil {
			log.Errorf("Can't read transfer offset, aborting resume: %s", err)

			handler.eventChannel <- Event{UpdateType: updatesession.TypeFirmware, Result: updatesession.ResultDeviceError}

			return
		}
	}

	reader, writer := io.Pipe()

	// One-shot gate: the store worker starts consuming, and the engine
	// starts timing out, only once the transfer has actually begun.
	startGate := make(chan struct{})
	storeResult := make(chan storeVerdict, 1)

	go handler.storeWorker(reader, startGate, storeResult)

	downloaded, status, transferErr := handler.transfer(uri, offset, writer, startGate)

	if transferErr != nil || status != statusActive {
		writer.CloseWithError(errTransferStopped)
	} else {
		writer.Close()
	}

	// Join the store worker before reporting: its verdict wins when it
	// rejected the stream and requested the abort itself.
	verdict := <-storeResult

	event := Event{
		UpdateType: updatesession.TypeFirmware,
		Downloaded: offset + downloaded,
		Total:      size,
	}

	switch {
	case verdict.requestedAbort:
		event.Result = verdict.result

	case status == statusSuspend:
		event.Suspended = true

	case status == statusAbort:
		event.Result = updatesession.ResultInstallFailure

	case transferErr != nil:
		log.Errorf("Firmware transfer failed: %s", transferErr)

		event.Result = updatesession.ResultConnectionLost

	case verdict.result != updatesession.ResultInitial:
		event.Result = verdict.result

	default:
		event.Result = updatesession.ResultDownloaded
	}

	handler.eventChannel <- event
}

// transfer streams the package body into the pipe, chunk by chunk, checking
// the status flag before each chunk and persisting the confirmed offset
// after each one.
func (handler *Handler) transfer(uri string, offset uint64,
	writer io.Writer, startGate chan struct{}) (downloaded uint64, status int, err error) {
	gateOpen := false

	// The gate always ends closed so the store worker never waits forever
	// on a transfer that stopped before its first byte.
	defer func() {
		if !gateOpen {
			close(startGate)
		}
	}()

	request, err := http.NewRequestWithContext(context.Background(), http.MethodGet, uri, nil)
	if err != nil {
		return 0, statusActive, errors.Wrap(err, "can't create transfer request")
	}

	if offset > 0 {
		request.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return 0, statusActive, errors.Wrap(err, "can't start transfer")
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusPartialContent {
		return 0, statusActive, errors.Errorf("transfer returned status %d", response.StatusCode)
	}

	chunk := make([]byte, chunkSize)

	for {
		if status = handler.checkStatus(); status != statusActive {
			return downloaded, status, nil
		}

		read, readErr := response.Body.Read(chunk)

		if read > 0 {
			if !gateOpen {
				close(startGate)

				gateOpen = true
			}

			if err = writeFull(writer, chunk[:read]); err != nil {
				return downloaded, statusActive, errors.Wrap(err, "can't write package chunk")
			}

			downloaded += uint64(read)

			if err = handler.storage.SetUint64(workspace.KeyBytesDownloaded, offset+downloaded); err != nil {
				log.Errorf("Can't store transfer offset: %s", err)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return downloaded, statusActive, nil
			}

			return downloaded, statusActive, errors.Wrap(readErr, "can't read package chunk")
		}
	}
}

// storeWorker feeds the whole stream into the firmware update engine with
// one long blocking call. Engine errors are mapped to update results:
// early stream termination reads as a communication error, anything else as
// a package the engine can't handle.
func (handler *Handler) storeWorker(reader *io.PipeReader,
	startGate <-chan struct{}, storeResult chan<- storeVerdict) {
	<-startGate

	err := handler.engine.StartInstall(reader)
	if err == nil {
		storeResult <- storeVerdict{result: updatesession.ResultInitial}

		return
	}

	log.Errorf("Firmware engine rejected package: %s", err)

	result := updatesession.ResultUnsupportedType
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, errTransferStopped) {
		result = updatesession.ResultConnectionLost
	}

	// Stop the still-running download worker, without waiting: this runs on
	// the worker side of the semaphore. If the status already left active,
	// the stop came from outside and the engine error is only fallout.
	requested := false

	handler.Lock()
	if handler.status == statusActive {
		handler.status = statusAbort
		requested = true
	}
	handler.Unlock()

	reader.CloseWithError(err)

	storeResult <- storeVerdict{result: result, requestedAbort: requested}
}

// downloadSoftware fetches a software package to a file in the download
// dir. Unlike firmware there is no second worker: the application update
// engine requires single-threaded API usage, so the stored file is handed
// over to the control goroutine instead.
func (handler *Handler) downloadSoftware(uri string, resume bool) {
	defer handler.finishWorker()

	size, failure, err := handler.probeMetadata(uri)
	if err != nil {
		log.Errorf("Download failed: %s", err)

		handler.eventChannel <- Event{UpdateType: updatesession.TypeSoftware, Result: failure}

		return
	}

	if err := handler.storage.SetUint64(workspace.KeyPackageSize, size); err != nil {
		log.Errorf("Can't store package size: %s", err)
	}

	request, err := grab.NewRequest(handler.downloadDir, uri)
	if err != nil {
		log.Errorf("Can't create download request: %s", err)

		handler.eventChannel <- Event{UpdateType: updatesession.TypeSoftware, Result: updatesession.ResultInvalidURI}

		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	request = request.WithContext(ctx)
	request.NoResume = !resume

	response := grab.NewClient().Do(request)

	timer := time.NewTicker(progressPeriod)
	defer timer.Stop()

	status := statusActive
	lastProgress := -1

	for done := false; !done; {
		select {
		case <-timer.C:
			if status = handler.checkStatus(); status != statusActive {
				cancel()

				break
			}

			downloaded := uint64(response.BytesComplete())

			if err := handler.storage.SetUint64(workspace.KeyBytesDownloaded, downloaded); err != nil {
				log.Errorf("Can't store transfer offset: %s", err)
			}

			if progress := int(response.Progress() * 100); progress != lastProgress {
				lastProgress = progress

				handler.eventChannel <- Event{
					UpdateType: updatesession.TypeSoftware,
					Result:     updatesession.ResultDownloading,
					Downloaded: downloaded,
					Total:      size,
					Progress:   progress,
				}
			}

		case <-response.Done:
			done = true
		}
	}

	event := Event{
		UpdateType: updatesession.TypeSoftware,
		FileName:   response.Filename,
		Downloaded: uint64(response.BytesComplete()),
		Total:      size,
	}

	if err := handler.storage.SetUint64(workspace.KeyBytesDownloaded, event.Downloaded); err != nil {
		log.Errorf("Can't store transfer offset: %s", err)
	}

	switch {
	case status == statusSuspend:
		event.Suspended = true

	case status == statusAbort:
		event.Result = updatesession.ResultInstallFailure

	case response.Err() != nil:
		log.Errorf("Software download failed: %s", response.Err())

		event.Result = updatesession.ResultConnectionLost

	default:
		event.Result = updatesession.ResultDownloaded
	}

	handler.eventChannel <- event
}

func writeFull(writer io.Writer, data []byte) (err error) {
	for written := 0; written < len(data); {
		count, err := writer.Write(data[written:])
		if err != nil {
			return err
		}

		written += count
	}

	return nil
}
