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

// Package workspace provides the persistent key-value store that keeps
// update session state across process restarts.
package workspace

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" //ignore lint
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

/*******************************************************************************
 * Consts
 ******************************************************************************/

const (
	busyTimeout = 60000
	journalMode = "WAL"
	syncMode    = "NORMAL"
)

// Keys used by the update session core. Callers are free to store other
// keys as long as they don't collide with these.
const (
	KeyUpdateState      = "updateState"
	KeyUpdateResult     = "updateResult"
	KeyInstanceID       = "updateInstanceId"
	KeyBytesDownloaded  = "bytesDownloaded"
	KeyInternalState    = "internalState"
	KeyResumeURI        = "resumeUri"
	KeyResumeType       = "resumeUpdateType"
	KeyPackageSize      = "packageSize"
	KeyFwInstallPending = "fwInstallPending"
	KeyFwNotification   = "fwUpdateNotification"
)

/*******************************************************************************
 * Vars
 ******************************************************************************/

// ErrNotExist is returned when requested entry not exist in the workspace.
var ErrNotExist = errors.New("entry doesn't exist")

// downloadStateKeys lists all keys which belong to one download/install
// session and are cleared together when the session is abandoned.
var downloadStateKeys = []string{
	KeyUpdateState, KeyUpdateResult, KeyInstanceID, KeyBytesDownloaded,
	KeyInternalState, KeyResumeURI, KeyResumeType, KeyPackageSize,
	KeyFwInstallPending,
}

/*******************************************************************************
 * Types
 ******************************************************************************/

// Workspace structure with workspace database information.
type Workspace struct {
	sql *sql.DB
}

/*******************************************************************************
 * Public
 ******************************************************************************/

// New creates new workspace handle.
func New(name string) (workspace *Workspace, err error) {
	log.WithField("name", name).Debug("Open workspace")

	// Check and create db path
	if _, err = os.Stat(filepath.Dir(name)); err != nil {
		if !os.IsNotExist(err) {
			return workspace, errors.Wrap(err, "can't stat workspace dir")
		}

		if err = os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			return workspace, errors.Wrap(err, "can't create workspace dir")
		}
	}

	sqlite, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=%s&_sync=%s",
		name, busyTimeout, journalMode, syncMode))
	if err != nil {
		return workspace, errors.Wrap(err, "can't open workspace db")
	}

	workspace = &Workspace{sqlite}

	defer func() {
		if err != nil {
			workspace.Close()
		}
	}()

	if _, err = workspace.sql.Exec(
		`CREATE TABLE IF NOT EXISTS state (key TEXT NOT NULL PRIMARY KEY, value BLOB)`); err != nil {
		return workspace, errors.Wrap(err, "can't create state table")
	}

	if _, err = workspace.sql.Exec(
		`CREATE TABLE IF NOT EXISTS apps (name TEXT NOT NULL PRIMARY KEY, instanceId INTEGER)`); err != nil {
		return workspace, errors.Wrap(err, "can't create apps table")
	}

	return workspace, nil
}

// Get returns value stored under key.
func (workspace *Workspace) Get(key string) (value []byte, err error) {
	rows, err := workspace.sql.Query("SELECT value FROM state WHERE key = ?", key)
	if err != nil {
		return nil, errors.Wrap(err, "can't query state")
	}
	defer rows.Close()

	for rows.Next() {
		if err = rows.Scan(&value); err != nil {
			return nil, errors.Wrap(err, "can't scan state")
		}

		return value, nil
	}

	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "can't read state")
	}

	return nil, ErrNotExist
}

// Set stores value under key, replacing any previous value.
func (workspace *Workspace) Set(key string, value []byte) (err error) {
	if _, err = workspace.sql.Exec("REPLACE INTO state (key, value) VALUES(?, ?)", key, value); err != nil {
		return errors.Wrap(err, "can't store state")
	}

	return nil
}

// Delete removes key from the workspace. Deleting an absent key is not an
// error.
func (workspace *Workspace) Delete(key string) (err error) {
	if _, err = workspace.sql.Exec("DELETE FROM state WHERE key = ?", key); err != nil {
		return errors.Wrap(err, "can't delete state")
	}

	return nil
}

// GetUint64 returns value stored under key as uint64.
func (workspace *Workspace) GetUint64(key string) (value uint64, err error) {
	data, err := workspace.Get(key)
	if err != nil {
		return 0, err
	}

	if len(data) != 8 {
		return 0, errors.Errorf("invalid size of %s value", key)
	}

	return binary.LittleEndian.Uint64(data), nil
}

// SetUint64 stores value under key as uint64.
func (workspace *Workspace) SetUint64(key string, value uint64) (err error) {
	data := make([]byte, 8)

	binary.LittleEndian.PutUint64(data, value)

	return workspace.Set(key, data)
}

// GetString returns value stored under key as string.
func (workspace *Workspace) GetString(key string) (value string, err error) {
	data, err := workspace.Get(key)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// SetString stores value under key as string.
func (workspace *Workspace) SetString(key, value string) (err error) {
	return workspace.Set(key, []byte(value))
}

// SetAppInstance stores app name to instance id mapping.
func (workspace *Workspace) SetAppInstance(name string, instanceID int) (err error) {
	if _, err = workspace.sql.Exec("REPLACE INTO apps (name, instanceId) VALUES(?, ?)",
		name, instanceID); err != nil {
		return errors.Wrap(err, "can't store app instance")
	}

	return nil
}

// GetAppInstance returns instance id mapped to app name.
func (workspace *Workspace) GetAppInstance(name string) (instanceID int, err error) {
	rows, err := workspace.sql.Query("SELECT instanceId FROM apps WHERE name = ?", name)
	if err != nil {
		return 0, errors.Wrap(err, "can't query app instance")
	}
	defer rows.Close()

	for rows.Next() {
		if err = rows.Scan(&instanceID); err != nil {
			return 0, errors.Wrap(err, "can't scan app instance")
		}

		return instanceID, nil
	}

	if err = rows.Err(); err != nil {
		return 0, errors.Wrap(err, "can't read app instance")
	}

	return 0, ErrNotExist
}

// RemoveAppInstance removes app name to instance id mapping.
func (workspace *Workspace) RemoveAppInstance(name string) (err error) {
	if _, err = workspace.sql.Exec("DELETE FROM apps WHERE name = ?", name); err != nil {
		return errors.Wrap(err, "can't remove app instance")
	}

	return nil
}

// GetAppInstances returns the whole app name to instance id mapping table.
func (workspace *Workspace) GetAppInstances() (instances map[string]int, err error) {
	rows, err := workspace.sql.Query("SELECT name, instanceId FROM apps")
	if err != nil {
		return nil, errors.Wrap(err, "can't query app instances")
	}
	defer rows.Close()

	instances = make(map[string]int)

	for rows.Next() {
		var (
			name       string
			instanceID int
		)

		if err = rows.Scan(&name, &instanceID); err != nil {
			return nil, errors.Wrap(err, "can't scan app instances")
		}

		instances[name] = instanceID
	}

	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "can't read app instances")
	}

	return instances, nil
}

// ClearAppInstances removes the whole app name to instance id mapping table.
func (workspace *Workspace) ClearAppInstances() (err error) {
	if _, err = workspace.sql.Exec("DELETE FROM apps"); err != nil {
		return errors.Wrap(err, "can't clear app instances")
	}

	return nil
}

// ClearDownloadState removes all keys which belong to the current
// download/install session. Each key is deleted independently: there is no
// transaction across keys and a partial clear is repaired on next restore.
func (workspace *Workspace) ClearDownloadState() {
	for _, key := range downloadStateKeys {
		if err := workspace.Delete(key); err != nil {
			log.WithField("key", key).Errorf("Can't delete workspace key: %s", err)
		}
	}
}

// Close closes workspace.
func (workspace *Workspace) Close() {
	workspace.sql.Close()
}
