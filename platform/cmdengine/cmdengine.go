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

// Package cmdengine drives the platform application and firmware tools
// through their command line interface.
package cmdengine

import (
	"encoding/json"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aosedge/aos_avcagent/avccontroller"
	"github.com/aosedge/aos_avcagent/updatesession"
)

/*******************************************************************************
 * Consts
 ******************************************************************************/

const progressChannelSize = 8

/*******************************************************************************
 * Types
 ******************************************************************************/

// Config platform tool commands.
type Config struct {
	InstallCmd   []string `json:"installCmd"`
	UninstallCmd []string `json:"uninstallCmd"`
	FirmwareCmd  []string `json:"firmwareCmd"`
	ApplyCmd     []string `json:"applyCmd"`
	ListCmd      []string `json:"listCmd"`
	StatusCmd    []string `json:"statusCmd"`
}

// Engine application install engine.
type Engine struct {
	config          Config
	progressChannel chan avccontroller.EngineProgress
}

// FirmwareStore streams a firmware package into the platform firmware
// tool.
type FirmwareStore struct {
	config Config
}

// Registry queries installed applications through the platform app tool.
type Registry struct {
	config Config
}

/*******************************************************************************
 * Public
 ******************************************************************************/

// New returns pointer to new command engine.
func New(configJSON json.RawMessage) (engine *Engine, err error) {
	config, err := parseConfig(configJSON)
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:          config,
		progressChannel: make(chan avccontroller.EngineProgress, progressChannelSize),
	}, nil
}

// NewFirmwareStore returns pointer to new firmware store.
func NewFirmwareStore(configJSON json.RawMessage) (store *FirmwareStore, err error) {
	config, err := parseConfig(configJSON)
	if err != nil {
		return nil, err
	}

	return &FirmwareStore{config: config}, nil
}

// NewRegistry returns pointer to new app registry.
func NewRegistry(configJSON json.RawMessage) (registry *Registry, err error) {
	config, err := parseConfig(configJSON)
	if err != nil {
		return nil, err
	}

	return &Registry{config: config}, nil
}

// StartInstall launches install of the package and reports progress
// asynchronously. The firmware slot carries no package file: its image is
// already held by the firmware tool, install applies it.
func (engine *Engine) StartInstall(instanceID int, packagePath string) (err error) {
	if instanceID == updatesession.FirmwareInstanceID {
		log.Debug("Start firmware apply")

		go engine.runOperation(append([]string{}, engine.config.ApplyCmd[1:]...), engine.config.ApplyCmd[0])

		return nil
	}

	if packagePath == "" {
		return errors.New("no package to install")
	}

	log.WithFields(log.Fields{"id": instanceID, "package": packagePath}).Debug("Start install")

	go engine.runOperation(append(engine.config.InstallCmd[1:], packagePath), engine.config.InstallCmd[0])

	return nil
}

// StartUninstall launches uninstall of the application and reports
// progress asynchronously.
func (engine *Engine) StartUninstall(appName string) (err error) {
	if appName == "" {
		return errors.New("no application to uninstall")
	}

	log.WithField("app", appName).Debug("Start uninstall")

	go engine.runOperation(append(engine.config.UninstallCmd[1:], appName), engine.config.UninstallCmd[0])

	return nil
}

// End ends the engine session.
func (engine *Engine) End() (err error) {
	return nil
}

// ProgressChannel this channel is used to notify about install progress.
func (engine *Engine) ProgressChannel() (progressChannel <-chan avccontroller.EngineProgress) {
	return engine.progressChannel
}

// StartInstall feeds the whole package stream into the firmware tool,
// blocking until it is consumed or rejected.
func (store *FirmwareStore) StartInstall(reader io.Reader) (err error) {
	cmd := exec.Command(store.config.FirmwareCmd[0], store.config.FirmwareCmd[1:]...) //nolint:gosec // configured tool

	cmd.Stdin = reader

	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "firmware tool failed: %s", strings.TrimSpace(string(output)))
	}

	return nil
}

// InstalledApps returns installed applications parsed from the app tool
// output, one "name version" pair per line.
func (registry *Registry) InstalledApps() (apps []updatesession.AppInfo, err error) {
	output, err := exec.Command(registry.config.ListCmd[0], registry.config.ListCmd[1:]...).Output() //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "can't list installed apps")
	}

	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		app := updatesession.AppInfo{Name: fields[0]}

		if len(fields) > 1 {
			app.Version = fields[1]
		}

		apps = append(apps, app)
	}

	return apps, nil
}

// IsAppRunning returns whether the application reports running status.
func (registry *Registry) IsAppRunning(name string) (running bool, err error) {
	args := append(append([]string{}, registry.config.StatusCmd[1:]...), name)

	if err = exec.Command(registry.config.StatusCmd[0], args...).Run(); err != nil { //nolint:gosec
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}

		return false, errors.Wrap(err, "can't query app status")
	}

	return true, nil
}

/*******************************************************************************
 * Private
 ******************************************************************************/

func parseConfig(configJSON json.RawMessage) (config Config, err error) {
	config = Config{
		InstallCmd:   []string{"app", "install"},
		UninstallCmd: []string{"app", "remove"},
		FirmwareCmd:  []string{"fwupdate", "download", "-"},
		ApplyCmd:     []string{"fwupdate", "install"},
		ListCmd:      []string{"app", "list"},
		StatusCmd:    []string{"app", "status"},
	}

	if len(configJSON) == 0 {
		return config, nil
	}

	if err = json.Unmarshal(configJSON, &config); err != nil {
		return config, errors.Wrap(err, "can't parse engine config")
	}

	return config, nil
}

func (engine *Engine) runOperation(args []string, command string) {
	engine.progressChannel <- avccontroller.EngineProgress{Status: avccontroller.EngineApplying}

	output, err := exec.Command(command, args...).CombinedOutput() //nolint:gosec // configured tool
	if err != nil {
		engine.progressChannel <- avccontroller.EngineProgress{
			Status: avccontroller.EngineFailed,
			Error:  strings.TrimSpace(string(output)),
		}

		return
	}

	engine.progressChannel <- avccontroller.EngineProgress{Status: avccontroller.EngineSuccess, Progress: 100}
}
