// Copyright 2020 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// pipeline is a package used by the restorepipeline command, which
// handles the core functionality, using channels heavily to
// coordinate jobs. Note that it is considered an "internal" package,
// not intended for external use, and no guarantee is made of the
// stability of any interfaces provided.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"rescribe.xyz/preproc"
	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/restore"
)

const HeartbeatSeconds = 60

// Directories within a batch that each stage uploads its results to
const (
	RestoredDir = "restored"
	AnalysisDir = "analysis"
)

// ImagePattern matches the source images of a batch, which are stored
// at its top level. Results are stored in subdirectories, so are not
// matched.
var ImagePattern = regexp.MustCompile(`^[^/]+/[^/]+\.(?i:png|jpe?g|tiff?|bmp)$`)

// StatsPattern matches the statistics files written by the Restore
// stage.
var StatsPattern = regexp.MustCompile(`^[^/]+/` + RestoredDir + `/[^/]+\.stats\.yml$`)

// ErrBadMessage is returned when a queue message can't be parsed.
var ErrBadMessage = errors.New("bad queue message")

type Lister interface {
	ListObjects(bucket string, prefix string) ([]string, error)
	Log(v ...interface{})
	WIPStorageId() string
}

type Downloader interface {
	Download(bucket string, key string, fn string) error
	Log(v ...interface{})
	WIPStorageId() string
}

type DownloadLister interface {
	Download(bucket string, key string, fn string) error
	ListObjects(bucket string, prefix string) ([]string, error)
	Log(v ...interface{})
	WIPStorageId() string
}

type Uploader interface {
	Log(v ...interface{})
	Upload(bucket string, key string, path string) error
	WIPStorageId() string
}

type Queuer interface {
	AddToQueue(url string, msg string) error
	AnalyseQueueId() string
	CheckQueue(url string, timeout int64) (uwmf.Qmsg, error)
	DelFromQueue(url string, handle string) error
	Log(v ...interface{})
	QueueHeartbeat(msg uwmf.Qmsg, qurl string, duration int64) (uwmf.Qmsg, error)
	RestoreQueueId() string
}

type Pipeliner interface {
	AddToQueue(url string, msg string) error
	AnalyseQueueId() string
	CheckQueue(url string, timeout int64) (uwmf.Qmsg, error)
	DelFromQueue(url string, handle string) error
	Download(bucket string, key string, fn string) error
	GetLogger() *zerolog.Logger
	Init() error
	ListObjects(bucket string, prefix string) ([]string, error)
	Log(v ...interface{})
	QueueHeartbeat(msg uwmf.Qmsg, qurl string, duration int64) (uwmf.Qmsg, error)
	RestoreQueueId() string
	Upload(bucket string, key string, path string) error
	WIPStorageId() string
}

type MinPipeliner interface {
	Pipeliner
	MinimalInit() error
}

// Process is a pipeline stage. It reads local file paths from in,
// sends the paths of any files it creates to out, and closes out when
// in is exhausted. If it fails it sends the error to errc instead.
type Process func(ctx context.Context, in chan string, out chan string, errc chan error, logger *zerolog.Logger)

// Job is the content of a queue message: the name of a batch, and
// the filter parameters to restore it with.
type Job struct {
	Batch  string
	Params restore.Params
}

// ParseMessage parses a queue message body of the form
// "batch [w p k]". Missing parameters take their default values.
func ParseMessage(body string) (Job, error) {
	f := strings.Fields(body)
	if len(f) == 0 {
		return Job{}, fmt.Errorf("%w: empty message", ErrBadMessage)
	}
	j := Job{Batch: f[0], Params: restore.DefaultParams()}
	if strings.Contains(j.Batch, "/") {
		return j, fmt.Errorf("%w: batch name %s contains a slash", ErrBadMessage, j.Batch)
	}
	if len(f) > 4 {
		return j, fmt.Errorf("%w: too many fields in %q", ErrBadMessage, body)
	}
	params := []*int{&j.Params.W, &j.Params.P, &j.Params.K}
	for i, s := range f[1:] {
		n, err := strconv.Atoi(s)
		if err != nil {
			return j, fmt.Errorf("%w: parameter %q is not a number", ErrBadMessage, s)
		}
		*params[i] = n
	}
	err := j.Params.Validate()
	if err != nil {
		return j, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	return j, nil
}

// String formats a Job as a queue message body
func (j Job) String() string {
	return fmt.Sprintf("%s %d %d %d", j.Batch, j.Params.W, j.Params.P, j.Params.K)
}

// send passes s on to c, returning false if ctx is done first
func send(ctx context.Context, c chan string, s string) bool {
	select {
	case c <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// sendErr passes err on to errc, unless ctx is done first, in which
// case nobody is listening any more
func sendErr(ctx context.Context, errc chan error, err error) {
	select {
	case errc <- err:
	case <-ctx.Done():
	}
}

// download reads file names from a channel and downloads them into
// dir, putting each successfully downloaded file name into the
// process channel, which is closed on return. If an error occurs it
// is sent to the errc channel and the function returns early.
func download(ctx context.Context, dl chan string, process chan string, conn Downloader, dir string, errc chan error, logger *zerolog.Logger) {
	defer close(process)
	for key := range dl {
		if ctx.Err() != nil {
			return
		}
		fn := filepath.Join(dir, filepath.Base(key))
		logger.Info().Str("key", key).Msg("Downloading")
		err := conn.Download(conn.WIPStorageId(), key, fn)
		if err != nil {
			sendErr(ctx, errc, fmt.Errorf("Error downloading %s: %w", key, err))
			return
		}
		if !send(ctx, process, fn) {
			return
		}
	}
}

// up reads file names from a channel and uploads them with
// the prefix/ prefix, removing the local copy of each file
// once it has been successfully uploaded. The done channel is
// then written to to signal completion. If an error occurs it
// is sent to the errc channel and the function returns early.
func up(ctx context.Context, c chan string, done chan bool, conn Uploader, prefix string, errc chan error, logger *zerolog.Logger) {
	for path := range c {
		if ctx.Err() != nil {
			return
		}
		key := prefix + "/" + filepath.Base(path)
		logger.Info().Str("key", key).Msg("Uploading")
		err := conn.Upload(conn.WIPStorageId(), key, path)
		if err != nil {
			sendErr(ctx, errc, fmt.Errorf("Error uploading %s: %w", key, err))
			return
		}
		err = os.Remove(path)
		if err != nil {
			sendErr(ctx, errc, err)
			return
		}
	}

	select {
	case done <- true:
	case <-ctx.Done():
	}
}

// heartbeat keeps a message hidden from other readers of a queue
// while it is being processed, until ctx is done. If the message
// handle has to be replaced the new message is sent to msgc, which
// should have a buffer of one.
func heartbeat(ctx context.Context, conn Queuer, t *time.Ticker, msg uwmf.Qmsg, queue string, msgc chan uwmf.Qmsg, errc chan error) {
	defer t.Stop()
	currentmsg := msg
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		m, err := conn.QueueHeartbeat(currentmsg, queue, HeartbeatSeconds*2)
		if err != nil {
			conn.Log("Error with heartbeat", err)
			sendErr(ctx, errc, fmt.Errorf("Heartbeat failed: %w", err))
			return
		}
		if m.Id != "" {
			conn.Log("Replaced message handle as visibilitytimeout limit was reached")
			currentmsg = m
			select {
			case <-msgc:
			default:
			}
			msgc <- m
		}
	}
}

// ProcessBatch runs process over every object of a batch which match
// matches, uploading the results into a subdirectory of the batch.
// Once everything is done the message is passed on to toQueue, if it
// is set, and deleted from fromQueue. A message which can't be parsed
// is deleted straight away, as it would never succeed.
//
// Every goroutine started for the batch has finished, or will finish
// promptly, by the time ProcessBatch returns.
func ProcessBatch(ctx context.Context, msg uwmf.Qmsg, conn Pipeliner, process Process, match *regexp.Regexp, fromQueue string, toQueue string) error {
	job, err := ParseMessage(msg.Body)
	if err != nil {
		conn.Log("Deleting unparseable message from queue", fromQueue)
		err2 := conn.DelFromQueue(fromQueue, msg.Handle)
		if err2 != nil {
			conn.Log("Error deleting message from queue", err2)
		}
		return err
	}

	dl := make(chan string)
	msgc := make(chan uwmf.Qmsg, 1)
	processc := make(chan string)
	upc := make(chan string)
	done := make(chan bool)
	errc := make(chan error)

	outdir := AnalysisDir
	if fromQueue == conn.RestoreQueueId() {
		outdir = RestoredDir
	}

	d := filepath.Join(os.TempDir(), job.Batch)
	err = os.MkdirAll(d, 0755)
	if err != nil {
		return fmt.Errorf("Failed to create directory %s: %w", d, err)
	}
	defer os.RemoveAll(d)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbctx, stopHeartbeat := context.WithCancel(ctx)
	hbdone := make(chan struct{})
	t := time.NewTicker(HeartbeatSeconds * time.Second)
	go func() {
		heartbeat(hbctx, conn, t, msg, fromQueue, msgc, errc)
		close(hbdone)
	}()
	defer stopHeartbeat()

	// these functions will do their jobs when their channels have data
	go download(ctx, dl, processc, conn, d, errc, conn.GetLogger())
	go process(ctx, processc, upc, errc, conn.GetLogger())
	go up(ctx, upc, done, conn, job.Batch+"/"+outdir, errc, conn.GetLogger())

	conn.Log("Getting list of objects to download")
	objs, err := conn.ListObjects(conn.WIPStorageId(), job.Batch+"/")
	if err != nil {
		close(dl)
		return fmt.Errorf("Failed to get list of files for batch %s: %w", job.Batch, err)
	}
	var todl []string
	for _, n := range objs {
		if !match.MatchString(n) {
			continue
		}
		todl = append(todl, n)
	}
	if len(todl) == 0 {
		conn.Log("No files to process found in batch", job.Batch)
	}

	// dl is fed from its own goroutine so that an early error from a
	// later stage can't leave us blocked here
	go func() {
		defer close(dl)
		for _, a := range todl {
			if !send(ctx, dl, a) {
				return
			}
		}
	}()

	// wait for either the done or errc channel to be sent to
	select {
	case err = <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	// a stage stopped by cancellation still closes its output, so
	// done alone doesn't mean the batch was completed
	if err = ctx.Err(); err != nil {
		return err
	}

	stopHeartbeat()
	<-hbdone

	if toQueue != "" {
		conn.Log("Sending", job.Batch, "to queue", toQueue)
		err = conn.AddToQueue(toQueue, job.String())
		if err != nil {
			return fmt.Errorf("Error adding to queue %s: %w", job.Batch, err)
		}
	}

	// check whether we're using a newer msg handle
	select {
	case m := <-msgc:
		msg = m
		conn.Log("Using new message handle to delete message from queue")
	default:
		conn.Log("Using original message handle to delete message from queue")
	}

	conn.Log("Deleting original message from queue", fromQueue)
	err = conn.DelFromQueue(fromQueue, msg.Handle)
	if err != nil {
		return fmt.Errorf("Error deleting message from queue: %w", err)
	}

	return nil
}

// binarise runs preproc's binarisation over a restored image, returning
// the paths of the images it created
func binarise(path string) ([]string, error) {
	return preproc.PreProcMulti(path, []float64{0.1}, "binary", 0, true, 5, 30, 120, 30)
}
