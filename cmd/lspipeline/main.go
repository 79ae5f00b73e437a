// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// lspipeline lists useful things related to the restore pipeline.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/internal/pipeline"
)

const usage = `Usage: lspipeline [-c conn] [-nobatches]

Lists useful things related to the pipeline.

- Messages in each queue
- Batches not completed
- Batches done
`

type LsPipeliner interface {
	Init() error
	RestoreQueueId() string
	AnalyseQueueId() string
	GetQueueDetails(url string) (string, string, error)
	ListObjectsWithMeta(bucket string, prefix string) ([]uwmf.ObjMeta, error)
	ListObjectPrefixes(bucket string) ([]string, error)
	WIPStorageId() string
}

type queueDetails struct {
	name, numAvailable, numInProgress string
}

func getQueueDetails(conn LsPipeliner, logger *zerolog.Logger, qdetails chan queueDetails) {
	queues := []struct{ name, id string }{
		{"restore", conn.RestoreQueueId()},
		{"analyse", conn.AnalyseQueueId()},
	}
	for _, q := range queues {
		avail, inprog, err := conn.GetQueueDetails(q.id)
		if err != nil {
			logger.Error().Err(err).Str("queue", q.name).Msg("Error getting queue details")
		}
		qdetails <- queueDetails{q.name, avail, inprog}
	}
	close(qdetails)
}

// getBatchStatus returns a list of in progress and done batches.
// It determines this by finding all prefixes, and splitting them
// into two lists, those which have a PDF report (the done list),
// and those which do not (the inprogress list). They are sorted
// according to the date of the report, or the date of the first
// file with the prefix if no report was found.
func getBatchStatus(conn LsPipeliner) (inprogress []string, done []string, err error) {
	prefixes, err := conn.ListObjectPrefixes(conn.WIPStorageId())
	if err != nil {
		return nil, nil, err
	}
	var inprogressmeta, donemeta []uwmf.ObjMeta
	for _, p := range prefixes {
		objs, err := conn.ListObjectsWithMeta(conn.WIPStorageId(), p+"/"+pipeline.AnalysisDir+"/"+p+".pdf")
		if err == nil && len(objs) > 0 {
			donemeta = append(donemeta, uwmf.ObjMeta{Name: p, Date: objs[0].Date})
			continue
		}
		m := uwmf.ObjMeta{Name: p}
		objs, err = conn.ListObjectsWithMeta(conn.WIPStorageId(), p+"/")
		if err == nil && len(objs) > 0 {
			m.Date = objs[0].Date
		}
		inprogressmeta = append(inprogressmeta, m)
	}
	for _, l := range [][]uwmf.ObjMeta{donemeta, inprogressmeta} {
		sort.Slice(l, func(i, j int) bool { return l[i].Date.Before(l[j].Date) })
	}
	for _, i := range donemeta {
		done = append(done, i.Name)
	}
	for _, i := range inprogressmeta {
		inprogress = append(inprogress, i.Name)
	}
	return inprogress, done, nil
}

// getBatchStatusChan runs getBatchStatus and sends its results to
// channels for the inprogress and done lists.
func getBatchStatusChan(conn LsPipeliner, logger *zerolog.Logger, inprogressc chan string, donec chan string) {
	inprogress, done, err := getBatchStatus(conn)
	if err != nil {
		logger.Error().Err(err).Msg("Error getting batch status")
	}
	for _, i := range inprogress {
		inprogressc <- i
	}
	close(inprogressc)
	for _, i := range done {
		donec <- i
	}
	close(donec)
}

func main() {
	conntype := flag.String("c", "aws", "connection type ('aws' or 'local')")
	nobatches := flag.Bool("nobatches", false, "disable listing batches completed and not completed (which takes some time)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := pipeline.NewLogger(os.Stderr, false, false)

	var conn LsPipeliner
	switch *conntype {
	case "aws":
		conn = &uwmf.AwsConn{Logger: logger}
	case "local":
		conn = &uwmf.LocalConn{Logger: logger}
	default:
		logger.Fatal().Str("type", *conntype).Msg("Unknown connection type")
	}
	err := conn.Init()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up cloud connection")
	}

	queues := make(chan queueDetails)
	inprogress := make(chan string, 100)
	done := make(chan string, 100)

	go getQueueDetails(conn, logger, queues)
	if !*nobatches {
		go getBatchStatusChan(conn, logger, inprogress, done)
	}

	fmt.Println("# Queues")
	for i := range queues {
		fmt.Printf("%s: %s available, %s in progress\n", i.name, i.numAvailable, i.numInProgress)
	}

	if !*nobatches {
		fmt.Println("\n# Batches not completed")
		for i := range inprogress {
			fmt.Println(i)
		}

		fmt.Println("\n# Batches done")
		for i := range done {
			fmt.Println(i)
		}
	}
}
