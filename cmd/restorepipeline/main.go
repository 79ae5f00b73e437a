// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// restorepipeline watches the restore and analyse queues, restoring
// and analysing batches of images as they arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/internal/pipeline"
	"rescribe.xyz/uwmf/restore"
)

const usage = `Usage: restorepipeline [-v] [-c conn] [-cfg config.yml] [-j workers] [-bin] [-nr] [-na] [-shutdown]

Watches the restore and analyse queues for batch names. When one is
found this general process is followed:

- The batch name is hidden from the queue, and a 'heartbeat' is
  started which keeps it hidden (this will time out after 2 minutes
  if the program is terminated)
- The necessary files from batchname/ are downloaded
- The files are processed
- The resulting files are uploaded to batchname/restored/ or
  batchname/analysis/
- The heartbeat is stopped
- The batch name is removed from the queue it was taken from, and
  added to the next queue for future processing

A message on the restore queue may give filter parameters after the
batch name, as "batchname w p k". Any not given take their default
values.
`

const PauseBetweenChecks = 3 * time.Minute
const TimeBeforeShutdown = 5 * time.Minute

func stopTimer(t *time.Timer) {
	if t != nil && !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func restartTimer(t *time.Timer) {
	if t != nil {
		t.Reset(TimeBeforeShutdown)
	}
}

// check takes a message from a queue, if there is one, and processes
// it, returning whether it was processed successfully. A failed batch
// stays on the queue, so it shouldn't be checked for again at once.
func check(conn pipeline.Pipeliner, logger *zerolog.Logger, name string, qid string, process func(uwmf.Qmsg) error) bool {
	msg, err := conn.CheckQueue(qid, pipeline.HeartbeatSeconds*2)
	if err != nil {
		logger.Error().Err(err).Str("queue", name).Msg("Error checking queue")
		return false
	}
	if msg.Handle == "" {
		logger.Debug().Str("queue", name).Msg("No message received, sleeping")
		return false
	}
	logger.Info().Str("queue", name).Str("msg", msg.Body).Msg("Message received, processing")
	err = process(msg)
	if err != nil {
		logger.Error().Err(err).Str("queue", name).Str("msg", msg.Body).Msg("Error during processing")
		return false
	}
	logger.Info().Str("queue", name).Str("msg", msg.Body).Msg("Finished processing")
	return true
}

func main() {
	verbose := flag.Bool("v", false, "verbose")
	conntype := flag.String("c", "aws", "connection type ('aws' or 'local')")
	configpath := flag.String("cfg", "", "YAML configuration file")
	workers := flag.Int("j", 0, "number of goroutines to restore each image with (0 means use the configuration)")
	bin := flag.Bool("bin", false, "also binarise each restored image")
	norestore := flag.Bool("nr", false, "disable restoration")
	noanalyse := flag.Bool("na", false, "disable analysis")
	autoshutdown := flag.Bool("shutdown", false, "exit if no work has been available for 5 minutes")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := uwmf.DefaultConfig()
	if *configpath != "" {
		var err error
		cfg, err = uwmf.LoadConfig(*configpath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	logger := pipeline.NewLogger(os.Stdout, *verbose || cfg.Verbose, true)

	var conn pipeline.Pipeliner
	switch *conntype {
	case "aws":
		conn = &uwmf.AwsConn{Region: cfg.Region, Logger: logger}
	case "local":
		conn = &uwmf.LocalConn{Logger: logger}
	default:
		logger.Fatal().Str("type", *conntype).Msg("Unknown connection type")
	}

	logger.Debug().Msg("Setting up connection")
	err := conn.Init()
	if err != nil {
		logger.Fatal().Err(err).Msg("Error setting up cloud connection")
	}
	logger.Debug().Msg("Finished setting up connection")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	restoreBatch := func(msg uwmf.Qmsg) error {
		// an unparseable message is removed by ProcessBatch before
		// anything is run
		job, _ := pipeline.ParseMessage(msg.Body)
		f := restore.Filter{Params: job.Params, Classifier: cfg.Classifier(), Workers: cfg.Workers}
		return pipeline.ProcessBatch(ctx, msg, conn, pipeline.Restore(f, *bin), pipeline.ImagePattern, conn.RestoreQueueId(), conn.AnalyseQueueId())
	}
	analyseBatch := func(msg uwmf.Qmsg) error {
		return pipeline.ProcessBatch(ctx, msg, conn, pipeline.Analyse(conn), pipeline.StatsPattern, conn.AnalyseQueueId(), "")
	}

	var checkRestoreQueue <-chan time.Time
	var checkAnalyseQueue <-chan time.Time
	var shutdownIfQuiet *time.Timer
	var quiet <-chan time.Time
	if !*norestore {
		checkRestoreQueue = time.After(0)
	}
	if !*noanalyse {
		checkAnalyseQueue = time.After(0)
	}
	if *autoshutdown {
		shutdownIfQuiet = time.NewTimer(TimeBeforeShutdown)
		quiet = shutdownIfQuiet.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Interrupted, exiting")
			return
		case <-checkRestoreQueue:
			stopTimer(shutdownIfQuiet)
			ok := check(conn, logger, "restore", conn.RestoreQueueId(), restoreBatch)
			restartTimer(shutdownIfQuiet)
			// check again straight away if there was work, as there may be more
			if ok {
				checkRestoreQueue = time.After(0)
			} else {
				checkRestoreQueue = time.After(PauseBetweenChecks)
			}
		case <-checkAnalyseQueue:
			stopTimer(shutdownIfQuiet)
			ok := check(conn, logger, "analyse", conn.AnalyseQueueId(), analyseBatch)
			restartTimer(shutdownIfQuiet)
			if ok {
				checkAnalyseQueue = time.After(0)
			} else {
				checkAnalyseQueue = time.After(PauseBetweenChecks)
			}
		case <-quiet:
			logger.Info().Dur("quiet", TimeBeforeShutdown).Msg("No work available, exiting")
			return
		}
	}
}
