// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// mkpipeline sets up the necessary buckets and queues for the restore
// pipeline.
package main

import (
	"fmt"
	"os"

	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/internal/pipeline"
)

type MkPipeliner interface {
	MinimalInit() error
	MkPipeline() error
}

func main() {
	if len(os.Args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: mkpipeline\n\nSets up necessary buckets and queues for our cloud pipeline\n")
		os.Exit(2)
	}

	logger := pipeline.NewLogger(os.Stdout, true, false)

	var conn MkPipeliner
	conn = &uwmf.AwsConn{Logger: logger}
	err := conn.MinimalInit()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up cloud connection")
	}

	err = conn.MkPipeline()
	if err != nil {
		logger.Fatal().Err(err).Msg("MkPipeline failed")
	}
}
