// Copyright 2021 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/noise"
	"rescribe.xyz/uwmf/restore"
)

// StrLog is a simple logger that saves to a string,
// so it can be printed out only when needed.
type StrLog struct {
	log string
}

func (t *StrLog) Write(p []byte) (n int, err error) {
	t.log += string(p)
	return len(p), nil
}

type PipelineTester interface {
	Pipeliner
	DeleteObjects(bucket string, keys []string) error
	TestQueueId() string
}

type connection struct {
	name string
	c    PipelineTester
}

// testConns returns a local connection, and an AWS one too if the
// tests aren't short and UWMF_AWS_TESTS is set.
func testConns(t *testing.T, logger *zerolog.Logger) []connection {
	conns := []connection{{name: "local", c: &uwmf.LocalConn{TempDir: t.TempDir(), Logger: logger}}}
	if !testing.Short() && os.Getenv("UWMF_AWS_TESTS") != "" {
		conns = append(conns, connection{name: "aws", c: &uwmf.AwsConn{Logger: logger}})
	}
	return conns
}

func checkErr(t *testing.T, err error, errs []error, log string) {
	if len(errs) == 0 {
		t.Fatalf("Received an error when one was not expected, error: %v\nLog: %s", err, log)
	}
	for _, v := range errs {
		if strings.Contains(err.Error(), v.Error()) {
			return
		}
	}
	t.Fatalf("Received a different error than was expected, expected one of: %v, got %v\nLog: %s", errs, err, log)
}

var notPresentErrs = []error{errors.New("no such file or directory"), errors.New("NoSuchKey")}

// Test_download tests the download() function inside the pipeline
func Test_download(t *testing.T) {
	var slog StrLog
	vlog := zerolog.New(&slog)

	cases := []struct {
		dl       string
		contents []byte
		process  string
		errs     []error
	}{
		{"notpresent", []byte(""), "", notPresentErrs},
		{"empty", []byte{}, "empty", []error{}},
		{"justastring", []byte("I am just a basic string"), "justastring", []error{}},
	}

	for _, conn := range testConns(t, &vlog) {
		for _, c := range cases {
			t.Run(fmt.Sprintf("%s/%s", conn.name, c.dl), func(t *testing.T) {
				err := conn.c.Init()
				if err != nil {
					t.Fatalf("Could not initialise %s connection: %v\nLog: %s", conn.name, err, slog.log)
				}
				slog.log = ""
				tempDir := t.TempDir()

				// create and upload test file
				tempFile := filepath.Join(tempDir, "t")
				err = os.WriteFile(tempFile, c.contents, 0600)
				if err != nil {
					t.Fatalf("Could not create temporary file %s: %v\nLog: %s", tempFile, err, slog.log)
				}
				if c.dl != "notpresent" {
					err = conn.c.Upload(conn.c.WIPStorageId(), c.dl, tempFile)
					if err != nil {
						t.Fatalf("Could not upload file %s: %v\nLog: %s", tempFile, err, slog.log)
					}
				}

				dlchan := make(chan string)
				processchan := make(chan string)
				errchan := make(chan error)

				go download(context.Background(), dlchan, processchan, conn.c, tempDir, errchan, &vlog)

				dlchan <- c.dl
				close(dlchan)

				select {
				case err = <-errchan:
					checkErr(t, err, c.errs, slog.log)
				case process := <-processchan:
					expected := filepath.Join(tempDir, c.process)
					if expected != process {
						t.Fatalf("Received a different addition to the process channel than was expected, expected: %v, got %v\nLog: %s", expected, process, slog.log)
					}
				}

				if c.dl == "notpresent" {
					return
				}

				dled, err := os.ReadFile(filepath.Join(tempDir, c.dl))
				if err != nil {
					t.Fatalf("Could not read downloaded file: %v\nLog: %s", err, slog.log)
				}
				if !bytes.Equal(dled, c.contents) {
					t.Fatalf("Downloaded file differs from expected, expected: '%s', got '%s'\nLog: %s", c.contents, dled, slog.log)
				}

				err = conn.c.DeleteObjects(conn.c.WIPStorageId(), []string{c.dl})
				if err != nil {
					t.Fatalf("Could not delete storage object used for test %s: %v\nLog: %s", c.dl, err, slog.log)
				}
			})
		}
	}
}

// Test_up tests the up() function inside the pipeline
func Test_up(t *testing.T) {
	var slog StrLog
	vlog := zerolog.New(&slog)

	cases := []struct {
		ul       string
		contents []byte
		errs     []error
	}{
		{"notpresent", []byte(""), notPresentErrs},
		{"empty", []byte{}, []error{}},
		{"justastring", []byte("I am just a basic string"), []error{}},
	}

	for _, conn := range testConns(t, &vlog) {
		for _, c := range cases {
			t.Run(fmt.Sprintf("%s/%s", conn.name, c.ul), func(t *testing.T) {
				err := conn.c.Init()
				if err != nil {
					t.Fatalf("Could not initialise %s connection: %v\nLog: %s", conn.name, err, slog.log)
				}
				slog.log = ""
				tempDir := t.TempDir()

				tempFile := filepath.Join(tempDir, c.ul)
				if c.ul != "notpresent" {
					err = os.WriteFile(tempFile, c.contents, 0600)
					if err != nil {
						t.Fatalf("Could not create temporary file %s: %v\nLog: %s", tempFile, err, slog.log)
					}
				}

				ulchan := make(chan string)
				donechan := make(chan bool)
				errchan := make(chan error)

				go up(context.Background(), ulchan, donechan, conn.c, "pipelinetest", errchan, &vlog)

				ulchan <- tempFile
				close(ulchan)

				select {
				case err = <-errchan:
					checkErr(t, err, c.errs, slog.log)
				case <-donechan:
				}

				if c.ul == "notpresent" {
					return
				}

				_, err = os.Stat(tempFile)
				if !os.IsNotExist(err) {
					t.Fatalf("Uploaded file not removed as it should have been after uploading %s: %v\nLog: %s", tempFile, err, slog.log)
				}

				err = conn.c.Download(conn.c.WIPStorageId(), "pipelinetest/"+c.ul, tempFile)
				if err != nil {
					t.Fatalf("Could not download file %s: %v\nLog: %s", tempFile, err, slog.log)
				}
				dled, err := os.ReadFile(tempFile)
				if err != nil {
					t.Fatalf("Could not read downloaded file %s: %v\nLog: %s", tempFile, err, slog.log)
				}
				if !bytes.Equal(dled, c.contents) {
					t.Fatalf("Uploaded file differs from expected, expected: '%s', got '%s'\nLog: %s", c.contents, dled, slog.log)
				}

				err = conn.c.DeleteObjects(conn.c.WIPStorageId(), []string{"pipelinetest/" + c.ul})
				if err != nil {
					t.Fatalf("Could not delete storage object used for test %s: %v\nLog: %s", c.ul, err, slog.log)
				}
			})
		}
	}
}

func TestParseMessage(t *testing.T) {
	cases := []struct {
		body   string
		job    Job
		errors bool
	}{
		{"batch", Job{"batch", restore.Params{W: 1, P: 1, K: 4}}, false},
		{"batch 2", Job{"batch", restore.Params{W: 2, P: 1, K: 4}}, false},
		{"batch 3 2 5", Job{"batch", restore.Params{W: 3, P: 2, K: 5}}, false},
		{" batch  2 2 ", Job{"batch", restore.Params{W: 2, P: 2, K: 4}}, false},
		{"", Job{}, true},
		{"batch x", Job{}, true},
		{"batch 0 1 1", Job{}, true},
		{"batch 1 1 1 1", Job{}, true},
		{"nested/batch", Job{}, true},
	}

	for _, c := range cases {
		t.Run(c.body, func(t *testing.T) {
			job, err := ParseMessage(c.body)
			if c.errors {
				if !errors.Is(err, ErrBadMessage) {
					t.Fatalf("Expected ErrBadMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if job != c.job {
				t.Fatalf("Expected %+v, got %+v", c.job, job)
			}
			again, err := ParseMessage(job.String())
			if err != nil || again != job {
				t.Fatalf("Job did not survive being formatted as a message: %+v, %v", again, err)
			}
		})
	}
}

func TestPatterns(t *testing.T) {
	cases := []struct {
		key          string
		image, stats bool
	}{
		{"batch/0001.png", true, false},
		{"batch/scan_0002.TIF", true, false},
		{"batch/0003.jpeg", true, false},
		{"batch/notes.txt", false, false},
		{"batch/restored/0001_restored.png", false, false},
		{"batch/restored/0001.stats.yml", false, true},
		{"batch/analysis/graph.png", false, false},
		{"batch/0001.stats.yml", false, false},
	}
	for _, c := range cases {
		t.Run(c.key, func(t *testing.T) {
			if got := ImagePattern.MatchString(c.key); got != c.image {
				t.Fatalf("ImagePattern: expected %v, got %v", c.image, got)
			}
			if got := StatsPattern.MatchString(c.key); got != c.stats {
				t.Fatalf("StatsPattern: expected %v, got %v", c.stats, got)
			}
		})
	}
}

// noisyImage creates a smooth gradient image corrupted with salt and
// pepper noise
func noisyImage(t *testing.T, path string, w, h int, density float64, seed int64) {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = uint8(40 + 4*x + 2*y)
		}
	}
	noisy, err := noise.Corrupt(img, density, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("Could not corrupt image: %v", err)
	}
	err = uwmf.SavePNG(path, noisy)
	if err != nil {
		t.Fatalf("Could not save image: %v", err)
	}
}

// TestProcessBatch runs a batch through both the restore and analyse
// queues using a local connection
func TestProcessBatch(t *testing.T) {
	var slog StrLog
	vlog := zerolog.New(&slog)
	conn := &uwmf.LocalConn{TempDir: t.TempDir(), Logger: &vlog}
	err := conn.Init()
	if err != nil {
		t.Fatalf("Could not initialise local connection: %v", err)
	}
	ctx := context.Background()

	batch := fmt.Sprintf("uwmftest%d", rand.Int63())
	srcdir := t.TempDir()
	noisyImage(t, filepath.Join(srcdir, "a.png"), 24, 16, 0.3, 1)
	noisyImage(t, filepath.Join(srcdir, "b.png"), 16, 16, 0.5, 2)
	err = os.WriteFile(filepath.Join(srcdir, "notes.txt"), []byte("not an image"), 0644)
	if err != nil {
		t.Fatalf("Could not write file: %v", err)
	}

	err = CheckImages(ctx, srcdir)
	if err != nil {
		t.Fatalf("CheckImages failed: %v", err)
	}
	err = UploadImages(ctx, srcdir, batch, conn)
	if err != nil {
		t.Fatalf("UploadImages failed: %v", err)
	}

	job := Job{Batch: batch, Params: restore.Params{W: 1, P: 1, K: 4}}
	err = conn.AddToQueue(conn.RestoreQueueId(), job.String())
	if err != nil {
		t.Fatalf("Could not add to queue: %v", err)
	}

	msg, err := conn.CheckQueue(conn.RestoreQueueId(), HeartbeatSeconds*2)
	if err != nil {
		t.Fatalf("Error checking restore queue: %v", err)
	}
	f := restore.Filter{Params: job.Params, Workers: 2}
	err = ProcessBatch(ctx, msg, conn, Restore(f, false), ImagePattern, conn.RestoreQueueId(), conn.AnalyseQueueId())
	if err != nil {
		t.Fatalf("Error restoring batch: %v\nLog: %s", err, slog.log)
	}

	restored, err := conn.ListObjects(conn.WIPStorageId(), batch+"/"+RestoredDir+"/")
	if err != nil {
		t.Fatalf("Error listing restored files: %v", err)
	}
	sort.Strings(restored)
	expected := []string{
		batch + "/restored/a_0000.stats.yml",
		batch + "/restored/a_0000_restored.png",
		batch + "/restored/b_0001.stats.yml",
		batch + "/restored/b_0001_restored.png",
	}
	if strings.Join(restored, " ") != strings.Join(expected, " ") {
		t.Fatalf("Unexpected restored files, expected %v, got %v", expected, restored)
	}

	msg, err = conn.CheckQueue(conn.RestoreQueueId(), HeartbeatSeconds*2)
	if err != nil || msg.Handle != "" {
		t.Fatalf("Expected restore queue to be empty, got %q, %v", msg.Body, err)
	}

	msg, err = conn.CheckQueue(conn.AnalyseQueueId(), HeartbeatSeconds*2)
	if err != nil {
		t.Fatalf("Error checking analyse queue: %v", err)
	}
	if msg.Body != job.String() {
		t.Fatalf("Expected analyse message %q, got %q", job.String(), msg.Body)
	}
	err = ProcessBatch(ctx, msg, conn, Analyse(conn), StatsPattern, conn.AnalyseQueueId(), "")
	if err != nil {
		t.Fatalf("Error analysing batch: %v\nLog: %s", err, slog.log)
	}

	dir := t.TempDir()
	err = DownloadAnalyses(dir, batch, conn)
	if err != nil {
		t.Fatalf("Error downloading analyses: %v", err)
	}
	for _, n := range []string{"summary.csv.zst", batch + ".pdf", "graph.png"} {
		_, err = os.Stat(filepath.Join(dir, n))
		if err != nil {
			t.Fatalf("Expected %s to have been created: %v", n, err)
		}
	}

	header, rows, err := uwmf.ReadTable(filepath.Join(dir, "summary.csv.zst"))
	if err != nil {
		t.Fatalf("Error reading summary: %v", err)
	}
	if len(header) != len(SummaryHeader) || len(rows) != 2 {
		t.Fatalf("Unexpected summary: %v %v", header, rows)
	}
	if rows[0][0] != "a_0000.png" || rows[0][1] != "24" || rows[1][0] != "b_0001.png" {
		t.Fatalf("Unexpected summary rows: %v", rows)
	}

	err = DownloadRestored(dir, batch, true, conn)
	if err != nil {
		t.Fatalf("Error downloading restored images: %v", err)
	}
	img, err := uwmf.LoadGray(filepath.Join(dir, "b_0001_restored.png"))
	if err != nil {
		t.Fatalf("Error loading restored image: %v", err)
	}
	if d := noise.Density(img, restore.Naive); d > 0.05 {
		t.Fatalf("Expected restored image to be mostly clean, found density %f", d)
	}
	_, err = os.Stat(filepath.Join(dir, "b_0001.stats.yml"))
	if !os.IsNotExist(err) {
		t.Fatalf("Expected statistics files not to be downloaded with imagesOnly")
	}
}

// TestProcessBatchBadMessage checks that a message which can never
// succeed is removed from the queue
func TestProcessBatchBadMessage(t *testing.T) {
	vlog := zerolog.Nop()
	conn := &uwmf.LocalConn{TempDir: t.TempDir(), Logger: &vlog}
	err := conn.Init()
	if err != nil {
		t.Fatalf("Could not initialise local connection: %v", err)
	}
	err = conn.AddToQueue(conn.RestoreQueueId(), "batch 0 0 0")
	if err != nil {
		t.Fatalf("Could not add to queue: %v", err)
	}
	msg, err := conn.CheckQueue(conn.RestoreQueueId(), HeartbeatSeconds*2)
	if err != nil {
		t.Fatalf("Error checking queue: %v", err)
	}

	err = ProcessBatch(context.Background(), msg, conn, Restore(restore.Filter{}, false), ImagePattern, conn.RestoreQueueId(), conn.AnalyseQueueId())
	if !errors.Is(err, ErrBadMessage) {
		t.Fatalf("Expected ErrBadMessage, got %v", err)
	}
	msg, err = conn.CheckQueue(conn.RestoreQueueId(), HeartbeatSeconds*2)
	if err != nil || msg.Handle != "" {
		t.Fatalf("Expected bad message to be deleted, got %q, %v", msg.Body, err)
	}
}

// TestProcessBatchGoroutines checks that nothing is left running once
// ProcessBatch returns, whether the batch succeeded, failed part way
// through, or was cancelled
func TestProcessBatchGoroutines(t *testing.T) {
	var slog StrLog
	vlog := zerolog.New(&slog)
	conn := &uwmf.LocalConn{TempDir: t.TempDir(), Logger: &vlog}
	err := conn.Init()
	if err != nil {
		t.Fatalf("Could not initialise local connection: %v", err)
	}
	ctx := context.Background()

	good := fmt.Sprintf("uwmfgood%d", rand.Int63())
	bad := fmt.Sprintf("uwmfbad%d", rand.Int63())
	srcdir := t.TempDir()
	img := filepath.Join(srcdir, "a.png")
	notimg := filepath.Join(srcdir, "b.png")
	noisyImage(t, img, 8, 8, 0.2, 1)
	err = os.WriteFile(notimg, []byte("not really a png"), 0644)
	if err != nil {
		t.Fatalf("Could not write file: %v", err)
	}
	uploads := []struct{ key, path string }{
		{good + "/a.png", img},
		{bad + "/a.png", img},
		{bad + "/b.png", notimg},
	}
	for _, u := range uploads {
		err = conn.Upload(conn.WIPStorageId(), u.key, u.path)
		if err != nil {
			t.Fatalf("Could not upload %s: %v", u.key, err)
		}
	}

	f := restore.Filter{Params: restore.DefaultParams()}
	before := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		err = conn.AddToQueue(conn.RestoreQueueId(), good)
		if err != nil {
			t.Fatalf("Could not add to queue: %v", err)
		}
		msg, err := conn.CheckQueue(conn.RestoreQueueId(), HeartbeatSeconds*2)
		if err != nil {
			t.Fatalf("Error checking queue: %v", err)
		}
		err = ProcessBatch(ctx, msg, conn, Restore(f, false), ImagePattern, conn.RestoreQueueId(), "")
		if err != nil {
			t.Fatalf("Error processing good batch: %v\nLog: %s", err, slog.log)
		}

		msg = uwmf.Qmsg{Id: bad, Handle: bad, Body: bad}
		err = ProcessBatch(ctx, msg, conn, Restore(f, false), ImagePattern, conn.RestoreQueueId(), "")
		if err == nil {
			t.Fatalf("Expected an error processing a batch with an undecodable image")
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	msg := uwmf.Qmsg{Id: good, Handle: good, Body: good}
	err = ProcessBatch(cctx, msg, conn, Restore(f, false), ImagePattern, conn.RestoreQueueId(), "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("%d goroutines still running after processing batches", runtime.NumGoroutine()-before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
