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

package cmdengine_test

import (
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosedge/aos_avcagent/avccontroller"
	"github.com/aosedge/aos_avcagent/platform/cmdengine"
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

func waitProgress(t *testing.T, engine *cmdengine.Engine) (progress avccontroller.EngineProgress) {
	t.Helper()

	select {
	case progress = <-engine.ProgressChannel():
		return progress

	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for progress")

		return progress
	}
}

/*******************************************************************************
 * Tests
 ******************************************************************************/

func TestInstall(t *testing.T) {
	engine, err := cmdengine.New(json.RawMessage(`{"installCmd": ["true"]}`))
	if err != nil {
		t.Fatalf("Can't create engine: %s", err)
	}

	if err = engine.StartInstall(1, "/tmp/package.pkg"); err != nil {
		t.Fatalf("Can't start install: %s", err)
	}

	if progress := waitProgress(t, engine); progress.Status != avccontroller.EngineApplying {
		t.Fatalf("Wrong progress status: %v", progress)
	}

	if progress := waitProgress(t, engine); progress.Status != avccontroller.EngineSuccess {
		t.Fatalf("Wrong progress status: %v", progress)
	}

	if err = engine.StartInstall(1, ""); err == nil {
		t.Fatal("Expecting error with no package")
	}
}

func TestFirmwareApply(t *testing.T) {
	engine, err := cmdengine.New(json.RawMessage(`{"applyCmd": ["true"]}`))
	if err != nil {
		t.Fatalf("Can't create engine: %s", err)
	}

	// Firmware slot is installed without a package file: the tool already
	// holds the downloaded image.
	if err = engine.StartInstall(updatesession.FirmwareInstanceID, ""); err != nil {
		t.Fatalf("Can't start firmware apply: %s", err)
	}

	if progress := waitProgress(t, engine); progress.Status != avccontroller.EngineApplying {
		t.Fatalf("Wrong progress status: %v", progress)
	}

	if progress := waitProgress(t, engine); progress.Status != avccontroller.EngineSuccess {
		t.Fatalf("Wrong progress status: %v", progress)
	}
}

func TestInstallFailure(t *testing.T) {
	engine, err := cmdengine.New(json.RawMessage(`{"uninstallCmd": ["false"]}`))
	if err != nil {
		t.Fatalf("Can't create engine: %s", err)
	}

	if err = engine.StartUninstall("app1"); err != nil {
		t.Fatalf("Can't start uninstall: %s", err)
	}

	if progress := waitProgress(t, engine); progress.Status != avccontroller.EngineApplying {
		t.Fatalf("Wrong progress status: %v", progress)
	}

	if progress := waitProgress(t, engine); progress.Status != avccontroller.EngineFailed {
		t.Fatalf("Wrong progress status: %v", progress)
	}
}

func TestFirmwareStore(t *testing.T) {
	store, err := cmdengine.NewFirmwareStore(json.RawMessage(`{"firmwareCmd": ["sh", "-c", "cat > /dev/null"]}`))
	if err != nil {
		t.Fatalf("Can't create firmware store: %s", err)
	}

	if err = store.StartInstall(strings.NewReader("firmware image")); err != nil {
		t.Fatalf("Can't store firmware: %s", err)
	}

	store, err = cmdengine.NewFirmwareStore(json.RawMessage(`{"firmwareCmd": ["false"]}`))
	if err != nil {
		t.Fatalf("Can't create firmware store: %s", err)
	}

	if err = store.StartInstall(strings.NewReader("firmware image")); err == nil {
		t.Fatal("Expecting error from firmware tool")
	}
}

func TestRegistry(t *testing.T) {
	registry, err := cmdengine.NewRegistry(json.RawMessage(
		`{"listCmd": ["printf", "app1 1.0\napp2 2.0\n"], "statusCmd": ["true"]}`))
	if err != nil {
		t.Fatalf("Can't create registry: %s", err)
	}

	apps, err := registry.InstalledApps()
	if err != nil {
		t.Fatalf("Can't list installed apps: %s", err)
	}

	expected := []updatesession.AppInfo{{Name: "app1", Version: "1.0"}, {Name: "app2", Version: "2.0"}}

	if !reflect.DeepEqual(apps, expected) {
		t.Fatalf("Wrong installed apps: %v", apps)
	}

	running, err := registry.IsAppRunning("app1")
	if err != nil {
		t.Fatalf("Can't query app status: %s", err)
	}

	if !running {
		t.Fatal("Expecting app running")
	}

	registry, err = cmdengine.NewRegistry(json.RawMessage(`{"statusCmd": ["false"]}`))
	if err != nil {
		t.Fatalf("Can't create registry: %s", err)
	}

	if running, err = registry.IsAppRunning("app1"); err != nil {
		t.Fatalf("Can't query app status: %s", err)
	}

	if running {
		t.Fatal("Expecting app not running")
	}
}
