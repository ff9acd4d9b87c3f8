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

// Package systemdrebooter reboots the system using systemd.
package systemdrebooter

import (
	"os"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

/*******************************************************************************
 * Types
 ******************************************************************************/

// SystemdRebooter reboot system using systemd.
type SystemdRebooter struct{}

/*******************************************************************************
 * Public
 ******************************************************************************/

// SystemReboot reboots the system.
func (rebooter *SystemdRebooter) SystemReboot() (err error) {
	log.Info("System reboot")

	systemd, err := dbus.NewSystemConnection()
	if err != nil {
		return errors.Wrap(err, "can't connect to systemd")
	}
	defer systemd.Close()

	channel := make(chan string)

	if _, err = systemd.StartUnit("reboot.target", "replace-irreversibly", channel); err != nil {
		return errors.Wrap(err, "can't start reboot unit")
	}

	// The unit takes the system down, this process just waits for it.
	<-channel

	os.Exit(0)

	return nil
}
