// Copyright 2026 The vmcore Authors.
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

// Package cli is the main entrypoint for vmsc.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/vmcore/vmcore/pkg/log"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/vmsc/cmd"
	"github.com/vmcore/vmcore/vmsc/config"
)

// version is set at link time with -ldflags "-X".
var version = "dev"

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "vmsc version %s\n", version)
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Errorf("%v", err)
		os.Exit(128)
	}

	subcommand := flag.CommandLine.Arg(0)
	closeLog, err := setupLogging(conf, subcommand, time.Now())
	if err != nil {
		cmd.Errorf("%v", err)
		os.Exit(128)
	}

	const delimString = `**************** vmsc ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d", version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Page size: 0x%x (%d bytes), host page size: 0x%x", memarch.PageSize, memarch.PageSize, unix.Getpagesize())
	log.Infof("Args: %v", os.Args)
	log.Infof("Flags: %v", conf.ToFlags())
	log.Infof(delimString)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	subcmdCode := subcommands.Execute(ctx, conf)
	stop()

	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	closeLog()
	os.Exit(int(subcmdCode))
}

// setupLogging points the log package at the configured file, or stderr.
// The returned function closes the log file.
func setupLogging(conf *config.Config, subcommand string, start time.Time) (func(), error) {
	var w io.Writer = os.Stderr
	closeLog := func() {}
	f, err := log.OpenFile(conf.Log.File, subcommand, start)
	if err != nil {
		return nil, fmt.Errorf("opening log file %q: %w", conf.Log.File, err)
	}
	if f != nil {
		w = f
		closeLog = func() { _ = f.Close() }
	}
	e, err := log.NewEmitter(conf.Log.Format, w)
	if err != nil {
		closeLog()
		return nil, err
	}
	log.SetTarget(e)
	log.SetLevel(conf.LogLevel())
	return closeLog, nil
}

// forEachCmd invokes the passed callback for each command supported by vmsc.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.Validate), "")
	cb(new(cmd.Stats), "")
}
