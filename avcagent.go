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

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/aosedge/aos_avcagent/arbiter"
	"github.com/aosedge/aos_avcagent/avccontroller"
	"github.com/aosedge/aos_avcagent/config"
	"github.com/aosedge/aos_avcagent/downloader"
	"github.com/aosedge/aos_avcagent/objectmodel"
	"github.com/aosedge/aos_avcagent/platform/cmdengine"
	"github.com/aosedge/aos_avcagent/platform/systemdrebooter"
	"github.com/aosedge/aos_avcagent/updatesession"
	"github.com/aosedge/aos_avcagent/workspace"
)

/*******************************************************************************
 * Consts
 ******************************************************************************/

const dbFileName = "avcagent.db"

/*******************************************************************************
 * Vars
 ******************************************************************************/

// GitSummary provided by govvv at compile-time
var GitSummary string

/*******************************************************************************
 * Types
 ******************************************************************************/

// logNotifier logs registration update requests until a transport is
// attached.
type logNotifier struct{}

/*******************************************************************************
 * Init
 ******************************************************************************/

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: false,
		TimestampFormat:  "2006-01-02 15:04:05.000",
		FullTimestamp:    true})
	log.SetOutput(os.Stdout)
}

/*******************************************************************************
 * Private
 ******************************************************************************/

func (notifier *logNotifier) RequestRegistrationUpdate() {
	log.Debug("Registration update requested")
}

/*******************************************************************************
 * Main
 ******************************************************************************/

func main() {
	// Initialize command line flags
	configFile := flag.String("c", "aos_avcagent.cfg", "path to config file")
	strLogLevel := flag.String("v", "info", `log level: "debug", "info", "warn", "error", "fatal", "panic"`)
	showVersion := flag.Bool("version", false, "show version")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Version: %s\n", GitSummary)

		return
	}

	// Set log level
	logLevel, err := log.ParseLevel(*strLogLevel)
	if err != nil {
		log.Fatalf("Error: %s", err)
	}
	log.SetLevel(logLevel)

	log.WithFields(log.Fields{"configFile": *configFile, "version": GitSummary}).Info("Start avc agent")

	cfg, err := config.New(*configFile)
	if err != nil {
		log.Fatalf("Can't open config file: %s", err)
	}

	ws, err := workspace.New(path.Join(cfg.WorkingDir, dbFileName))
	if err != nil {
		log.Fatalf("Can't open workspace: %s", err)
	}
	defer ws.Close()

	settings := config.NewSettings(ws)

	engine, err := cmdengine.New(cfg.Platform)
	if err != nil {
		log.Fatalf("Can't create install engine: %s", err)
	}

	firmwareStore, err := cmdengine.NewFirmwareStore(cfg.Platform)
	if err != nil {
		log.Fatalf("Can't create firmware store: %s", err)
	}

	registry, err := cmdengine.NewRegistry(cfg.Platform)
	if err != nil {
		log.Fatalf("Can't create app registry: %s", err)
	}

	session := updatesession.New(ws, objectmodel.New(), registry, &logNotifier{}, engine, cfg.DownloadDir)

	agreement := arbiter.New()
	agreement.SetUserAgreement(settings.GetUserAgreement())

	download, err := downloader.New(ws, firmwareStore, cfg.DownloadDir)
	if err != nil {
		log.Fatalf("Can't create download handler: %s", err)
	}

	controller := avccontroller.New(cfg, settings, ws, session, agreement, download,
		engine, &systemdrebooter.SystemdRebooter{})
	controller.Start()
	defer controller.Close()

	if _, err = daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("Can't notify systemd: %s", err)
	}

	// Handle SIGTERM
	terminateChannel := make(chan os.Signal, 1)
	signal.Notify(terminateChannel, os.Interrupt, syscall.SIGTERM)

	<-terminateChannel
}
