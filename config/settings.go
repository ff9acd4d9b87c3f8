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

package config

import (
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

/*******************************************************************************
 * Consts
 ******************************************************************************/

const (
	// MaxPollingTimerMinutes max polling timer value: one year in minutes.
	MaxPollingTimerMinutes = 525600
	// MaxRetryTimerMinutes max retry timer value: two weeks in minutes.
	MaxRetryTimerMinutes = 20160
	// RetryTimersCount number of entries in the retry timer table.
	RetryTimersCount = 8

	maxAPNLen = 100
)

const (
	keyPollingTimer    = "settings.pollingTimer"
	keyRetryTimers     = "settings.retryTimers"
	keyAPN             = "settings.apn"
	keyActivityTimeout = "settings.activityTimeout"
	keyUserAgreement   = "settings.userAgreement"
)

const defaultActivityTimeout = 20

/*******************************************************************************
 * Vars
 ******************************************************************************/

// ErrOutOfRange is returned when a settings value is outside its documented
// range.
var ErrOutOfRange = errors.New("value is out of range")

/*******************************************************************************
 * Types
 ******************************************************************************/

// SettingsStorage provides API to persist settings values.
type SettingsStorage interface {
	Get(key string) (value []byte, err error)
	Set(key string, value []byte) (err error)
}

// Settings provides access to the tunables persisted in the workspace.
type Settings struct {
	storage SettingsStorage
}

// APNConfig APN override triple.
type APNConfig struct {
	APN      string `json:"apn"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// UserAgreement per-operation auto-accept configuration. An enabled
// operation still goes through the agreement arbiter; disabled means the
// arbiter may auto-accept it without asking the control app.
type UserAgreement struct {
	Connect   bool `json:"connect"`
	Download  bool `json:"download"`
	Install   bool `json:"install"`
	Uninstall bool `json:"uninstall"`
	Reboot    bool `json:"reboot"`
}

/*******************************************************************************
 * Public
 ******************************************************************************/

// NewSettings creates settings accessor on top of the given storage.
func NewSettings(storage SettingsStorage) (settings *Settings) {
	return &Settings{storage: storage}
}

// SetPollingTimer stores the server polling timer, in minutes. 0 disables
// polling.
func (settings *Settings) SetPollingTimer(minutes uint32) (err error) {
	if minutes > MaxPollingTimerMinutes {
		return ErrOutOfRange
	}

	log.WithField("minutes", minutes).Debug("Set polling timer")

	return settings.setJSON(keyPollingTimer, minutes)
}

// GetPollingTimer returns the server polling timer, in minutes.
func (settings *Settings) GetPollingTimer() (minutes uint32, err error) {
	err = settings.getJSON(keyPollingTimer, &minutes)

	return minutes, err
}

// SetRetryTimers stores the connection retry timer table. The table has
// exactly RetryTimersCount entries, each in minutes.
func (settings *Settings) SetRetryTimers(timers []uint32) (err error) {
	if len(timers) != RetryTimersCount {
		return errors.Errorf("retry timer table should have %d entries", RetryTimersCount)
	}

	for _, timer := range timers {
		if timer > MaxRetryTimerMinutes {
			return ErrOutOfRange
		}
	}

	log.WithField("timers", timers).Debug("Set retry timers")

	return settings.setJSON(keyRetryTimers, timers)
}

// GetRetryTimers returns the connection retry timer table.
func (settings *Settings) GetRetryTimers() (timers []uint32, err error) {
	err = settings.getJSON(keyRetryTimers, &timers)

	return timers, err
}

// SetAPNConfig stores the APN override.
func (settings *Settings) SetAPNConfig(apn APNConfig) (err error) {
	if len(apn.APN) > maxAPNLen || len(apn.User) > maxAPNLen || len(apn.Password) > maxAPNLen {
		return ErrOutOfRange
	}

	return settings.setJSON(keyAPN, apn)
}

// GetAPNConfig returns the APN override.
func (settings *Settings) GetAPNConfig() (apn APNConfig, err error) {
	err = settings.getJSON(keyAPN, &apn)

	return apn, err
}

// SetActivityTimeout stores the session activity timeout, in seconds.
func (settings *Settings) SetActivityTimeout(seconds uint32) (err error) {
	if seconds == 0 {
		return ErrOutOfRange
	}

	return settings.setJSON(keyActivityTimeout, seconds)
}

// GetActivityTimeout returns the session activity timeout, in seconds.
// Defaults if it was never set.
func (settings *Settings) GetActivityTimeout() (seconds uint32) {
	if err := settings.getJSON(keyActivityTimeout, &seconds); err != nil {
		return defaultActivityTimeout
	}

	return seconds
}

// SetUserAgreement stores the per-operation agreement configuration.
func (settings *Settings) SetUserAgreement(agreement UserAgreement) (err error) {
	return settings.setJSON(keyUserAgreement, agreement)
}

// GetUserAgreement returns the per-operation agreement configuration. All
// operations require agreement if it was never set.
func (settings *Settings) GetUserAgreement() (agreement UserAgreement) {
	if err := settings.getJSON(keyUserAgreement, &agreement); err != nil {
		return UserAgreement{Connect: true, Download: true, Install: true, Uninstall: true, Reboot: true}
	}

	return agreement
}

/*******************************************************************************
 * Private
 ******************************************************************************/

func (settings *Settings) setJSON(key string, value interface{}) (err error) {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "can't marshal settings value")
	}

	if err = settings.storage.Set(key, data); err != nil {
		return errors.Wrap(err, "can't store settings value")
	}

	return nil
}

func (settings *Settings) getJSON(key string, value interface{}) (err error) {
	data, err := settings.storage.Get(key)
	if err != nil {
		return err
	}

	if err = json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "can't unmarshal settings value")
	}

	return nil
}
