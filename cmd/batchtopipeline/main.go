// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// batchtopipeline uploads a directory of images to cloud storage and
// adds the batch name to a queue ready to be restored by the
// restorepipeline tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/internal/pipeline"
	"rescribe.xyz/uwmf/restore"
)

const usage = `Usage: batchtopipeline [-c conn] [-w radius] [-p exponent] [-k falloff] [-v] imagedir [batchname]

Checks that all images in imagedir can be read, uploads them to the
storage bucket and adds the batch to the 'restore' queue, along with
the filter parameters to restore it with.

If batchname is omitted the last part of the imagedir is used.
`

type BatchPipeliner interface {
	Init() error
	AddToQueue(url string, msg string) error
	ListObjects(bucket string, prefix string) ([]string, error)
	Log(v ...interface{})
	RestoreQueueId() string
	Upload(bucket string, key string, path string) error
	WIPStorageId() string
}

func main() {
	verbose := flag.Bool("v", false, "Verbose")
	conntype := flag.String("c", "aws", "connection type ('aws' or 'local')")
	def := restore.DefaultParams()
	w := flag.Int("w", def.W, "window radius")
	p := flag.Int("p", def.P, "minkowski distance exponent")
	k := flag.Int("k", def.K, "weight fall-off exponent")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		os.Exit(2)
	}

	imagedir := flag.Arg(0)
	batchname := filepath.Base(filepath.Clean(imagedir))
	if flag.NArg() > 1 {
		batchname = flag.Arg(1)
	}

	job := pipeline.Job{Batch: batchname, Params: restore.Params{W: *w, P: *p, K: *k}}
	// check the message will be accepted before uploading anything
	_, err := pipeline.ParseMessage(job.String())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := pipeline.NewLogger(os.Stderr, *verbose, false)

	var conn BatchPipeliner
	switch *conntype {
	case "aws":
		conn = &uwmf.AwsConn{Logger: logger}
	case "local":
		conn = &uwmf.LocalConn{Logger: logger}
	default:
		logger.Fatal().Str("type", *conntype).Msg("Unknown connection type")
	}
	err = conn.Init()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up cloud connection")
	}

	ctx := context.Background()

	logger.Debug().Str("dir", imagedir).Msg("Checking that all images are valid")
	err = pipeline.CheckImages(ctx, imagedir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Image check failed")
	}

	logger.Debug().Msg("Checking that a batch hasn't already been uploaded with that name")
	list, err := conn.ListObjects(conn.WIPStorageId(), batchname+"/")
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to list existing batches")
	}
	if len(list) > 0 {
		logger.Fatal().Str("batch", batchname).Msg("There is already a batch in storage with that name")
	}

	logger.Debug().Str("dir", imagedir).Msg("Uploading all images")
	err = pipeline.UploadImages(ctx, imagedir, batchname, conn)
	if err != nil {
		logger.Fatal().Err(err).Msg("Upload failed")
	}

	err = conn.AddToQueue(conn.RestoreQueueId(), job.String())
	if err != nil {
		logger.Fatal().Err(err).Msg("Error adding batch to queue")
	}

	fmt.Println("Uploaded batch", batchname, "to restore queue with", job.Params)
}
