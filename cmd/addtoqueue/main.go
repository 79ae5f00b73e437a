// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// addtoqueue adds a job for an existing batch to a pipeline queue.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/internal/pipeline"
)

const usage = `Usage: addtoqueue [-c conn] qname batch [w p k]

addtoqueue adds a job to a queue. The batch must already have been
uploaded. Any filter parameters left out take their default values.

This is handy to rerun part of the pipeline, for example to analyse
a batch again, or to restore it with different parameters.

Valid queue names:
- restore
- analyse
`

type QueuePipeliner interface {
	Init() error
	AddToQueue(url string, msg string) error
	ListObjects(bucket string, prefix string) ([]string, error)
	RestoreQueueId() string
	AnalyseQueueId() string
	WIPStorageId() string
}

func main() {
	conntype := flag.String("c", "aws", "connection type ('aws' or 'local')")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	logger := pipeline.NewLogger(os.Stderr, false, false)

	var conn QueuePipeliner
	switch *conntype {
	case "aws":
		conn = &uwmf.AwsConn{Logger: logger}
	case "local":
		conn = &uwmf.LocalConn{Logger: logger}
	default:
		logger.Fatal().Str("type", *conntype).Msg("Unknown connection type")
	}

	job, err := pipeline.ParseMessage(strings.Join(flag.Args()[1:], " "))
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid job")
	}

	err = conn.Init()
	if err != nil {
		logger.Fatal().Err(err).Msg("Error setting up cloud connection")
	}

	qdetails := []struct {
		id, name string
	}{
		{conn.RestoreQueueId(), "restore"},
		{conn.AnalyseQueueId(), "analyse"},
	}

	qname := flag.Arg(0)
	var qid string
	for _, q := range qdetails {
		if q.name == qname {
			qid = q.id
			break
		}
	}
	if qid == "" {
		logger.Fatal().Str("queue", qname).Msg("No queue with that name")
	}

	objs, err := conn.ListObjects(conn.WIPStorageId(), job.Batch+"/")
	if err != nil {
		logger.Fatal().Err(err).Msg("Error listing batch")
	}
	if len(objs) == 0 {
		logger.Fatal().Str("batch", job.Batch).Msg("No files found for batch")
	}

	err = conn.AddToQueue(qid, job.String())
	if err != nil {
		logger.Fatal().Err(err).Str("queue", qname).Msg("Error adding message to queue")
	}
	fmt.Printf("Added %q to the %s queue.\n", job.String(), qname)
}
