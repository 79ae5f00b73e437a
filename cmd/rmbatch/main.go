// Copyright 2020 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// rmbatch removes a batch from cloud storage.
package main

import (
	"flag"
	"fmt"
	"os"

	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/internal/pipeline"
)

const usage = `Usage: rmbatch [-c conn] batchname

Removes a batch, and all results made from it, from cloud storage.
`

type RmPipeliner interface {
	MinimalInit() error
	WIPStorageId() string
	DeleteObjects(bucket string, keys []string) error
	ListObjects(bucket string, prefix string) ([]string, error)
}

func main() {
	conntype := flag.String("c", "aws", "connection type ('aws' or 'local')")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := pipeline.NewLogger(os.Stderr, false, false)

	var conn RmPipeliner
	switch *conntype {
	case "aws":
		conn = &uwmf.AwsConn{Logger: logger}
	case "local":
		conn = &uwmf.LocalConn{Logger: logger}
	default:
		logger.Fatal().Str("type", *conntype).Msg("Unknown connection type")
	}

	fmt.Println("Setting up cloud connection")
	err := conn.MinimalInit()
	if err != nil {
		logger.Fatal().Err(err).Msg("Error setting up cloud connection")
	}

	batchname := flag.Arg(0)

	fmt.Println("Getting list of files for batch")
	objs, err := conn.ListObjects(conn.WIPStorageId(), batchname+"/")
	if err != nil {
		logger.Fatal().Err(err).Msg("Error in listing batch items")
	}

	if len(objs) == 0 {
		logger.Fatal().Str("batch", batchname).Msg("No files found for batch")
	}

	fmt.Println("Deleting all files for batch")
	err = conn.DeleteObjects(conn.WIPStorageId(), objs)
	if err != nil {
		logger.Fatal().Err(err).Msg("Error deleting batch files")
	}

	fmt.Println("Finished deleting files")
}
