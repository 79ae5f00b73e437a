// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// getpipelinebatch downloads the results of a batch from the pipeline.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/internal/pipeline"
)

const usage = `Usage: getpipelinebatch [-c conn] [-a] [-i] [-r] [-s] [-v] batchname

Downloads the pipeline results for a batch into a directory named
after it.

By default this downloads the summary table, graph and PDF report
made by the analyse stage. Use -r to download the restored images
and their statistics as well, -i to download only the restored
images, or -a to download every file of the batch. With -s the
summary table is also printed.
`

type GetPipeliner interface {
	Init() error
	Download(bucket string, key string, fn string) error
	ListObjects(bucket string, prefix string) ([]string, error)
	Log(v ...interface{})
	WIPStorageId() string
}

func main() {
	all := flag.Bool("a", false, "Get all files for batch")
	imagesonly := flag.Bool("i", false, "Only get the restored images")
	restored := flag.Bool("r", false, "Also get the restored images and their statistics")
	summary := flag.Bool("s", false, "Print the summary table")
	conntype := flag.String("c", "aws", "connection type ('aws' or 'local')")
	verbose := flag.Bool("v", false, "Verbose")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := pipeline.NewLogger(os.Stderr, *verbose, false)

	var conn GetPipeliner
	switch *conntype {
	case "aws":
		conn = &uwmf.AwsConn{Logger: logger}
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

	batchname := flag.Arg(0)

	err = os.MkdirAll(batchname, 0755)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", batchname).Msg("Failed to create directory")
	}

	if *all {
		logger.Debug().Str("batch", batchname).Msg("Downloading all files")
		err = pipeline.DownloadAll(batchname, batchname, conn)
		if err != nil {
			logger.Fatal().Err(err).Msg("Download failed")
		}
		return
	}

	if *imagesonly || *restored {
		logger.Debug().Str("batch", batchname).Msg("Downloading restored images")
		err = pipeline.DownloadRestored(batchname, batchname, *imagesonly, conn)
		if err != nil {
			logger.Fatal().Err(err).Msg("Download failed")
		}
		if *imagesonly {
			return
		}
	}

	logger.Debug().Str("batch", batchname).Msg("Downloading analysis files")
	err = pipeline.DownloadAnalyses(batchname, batchname, conn)
	if err != nil {
		logger.Fatal().Err(err).Msg("Download failed")
	}

	if *summary {
		header, rows, err := uwmf.ReadTable(filepath.Join(batchname, "summary.csv.zst"))
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to read summary")
		}
		fmt.Println(strings.Join(header, "\t"))
		for _, r := range rows {
			fmt.Println(strings.Join(r, "\t"))
		}
	}
}
