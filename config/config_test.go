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

package config_test

import (
	"os"
	"path"
	"testing"

	"github.com/aosedge/aos_avcagent/config"
)

/*******************************************************************************
 * Tests
 ******************************************************************************/

func TestConfig(t *testing.T) {
	configJSON := `{
	"serverUrl": "coaps://bootstrap.example.com:5684",
	"id": "avc-device-01",
	"caCert": "/etc/aos/ca.pem",
	"workingDir": "/tmp/avcagent",
	"platform": {"installCmd": ["app", "install"]}
}`

	fileName := path.Join(t.TempDir(), "avcagent.cfg")

	if err := os.WriteFile(fileName, []byte(configJSON), 0o600); err != nil {
		t.Fatalf("Can't create config file: %s", err)
	}

	cfg, err := config.New(fileName)
	if err != nil {
		t.Fatalf("Can't create config: %s", err)
	}

	if cfg.ServerURL != "coaps://bootstrap.example.com:5684" {
		t.Errorf("Wrong server URL: %s", cfg.ServerURL)
	}

	if cfg.ID != "avc-device-01" {
		t.Errorf("Wrong id: %s", cfg.ID)
	}

	if cfg.CACert != "/etc/aos/ca.pem" {
		t.Errorf("Wrong CA cert: %s", cfg.CACert)
	}

	if cfg.WorkingDir != "/tmp/avcagent" {
		t.Errorf("Wrong working dir: %s", cfg.WorkingDir)
	}

	// Download dir defaults under the working dir
	if cfg.DownloadDir != "/tmp/avcagent/download" {
		t.Errorf("Wrong download dir: %s", cfg.DownloadDir)
	}

	if len(cfg.Platform) == 0 {
		t.Error("Platform config is empty")
	}
}

func TestConfigErrors(t *testing.T) {
	if _, err := config.New("nonExistingFile.cfg"); err == nil {
		t.Fatal("Expecting error with non existing file")
	}

	fileName := path.Join(t.TempDir(), "invalid.cfg")

	if err := os.WriteFile(fileName, []byte("not a json"), 0o600); err != nil {
		t.Fatalf("Can't create config file: %s", err)
	}

	if _, err := config.New(fileName); err == nil {
		t.Fatal("Expecting error with invalid json")
	}
}
