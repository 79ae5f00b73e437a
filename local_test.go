// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package uwmf

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
)

func newTestConn(t *testing.T) *LocalConn {
	logger := zerolog.Nop()
	conn := &LocalConn{TempDir: t.TempDir(), Logger: &logger}
	err := conn.Init()
	if err != nil {
		t.Fatalf("Could not initialise local connection: %v", err)
	}
	return conn
}

func TestLocalQueue(t *testing.T) {
	conn := newTestConn(t)
	q := conn.TestQueueId()

	msg, err := conn.CheckQueue(q, 10)
	if err != nil {
		t.Fatalf("Error checking empty queue: %v", err)
	}
	if msg.Handle != "" {
		t.Fatalf("Expected no message from an empty queue, got %q", msg.Body)
	}

	for _, m := range []string{"first 1 1 4", "second", "third"} {
		err = conn.AddToQueue(q, m)
		if err != nil {
			t.Fatalf("Error adding %s to queue: %v", m, err)
		}
	}

	avail, _, err := conn.GetQueueDetails(q)
	if err != nil {
		t.Fatalf("Error getting queue details: %v", err)
	}
	if avail != "3" {
		t.Fatalf("Expected 3 messages available, got %s", avail)
	}

	msg, err = conn.CheckQueue(q, 10)
	if err != nil {
		t.Fatalf("Error checking queue: %v", err)
	}
	if msg.Body != "first 1 1 4" {
		t.Fatalf("Expected first message, got %q", msg.Body)
	}

	err = conn.DelFromQueue(q, msg.Handle)
	if err != nil {
		t.Fatalf("Error deleting message: %v", err)
	}
	msg, err = conn.CheckQueue(q, 10)
	if err != nil {
		t.Fatalf("Error checking queue: %v", err)
	}
	if msg.Body != "second" {
		t.Fatalf("Expected second message after deletion, got %q", msg.Body)
	}

	err = conn.DelFromQueue(q, "missing")
	if err == nil {
		t.Fatalf("Expected an error deleting a message which isn't in the queue")
	}
}

func TestLocalStorage(t *testing.T) {
	conn := newTestConn(t)
	src := filepath.Join(t.TempDir(), "src.txt")
	err := os.WriteFile(src, []byte("contents"), 0644)
	if err != nil {
		t.Fatalf("Could not write source file: %v", err)
	}

	bucket := conn.WIPStorageId()
	keys := []string{"batchA/0001.png", "batchA/0002.png", "batchB/0001.png"}
	for _, k := range keys {
		err = conn.Upload(bucket, k, src)
		if err != nil {
			t.Fatalf("Error uploading %s: %v", k, err)
		}
	}

	list, err := conn.ListObjects(bucket, "batchA/")
	if err != nil {
		t.Fatalf("Error listing objects: %v", err)
	}
	sort.Strings(list)
	if len(list) != 2 || list[0] != "batchA/0001.png" || list[1] != "batchA/0002.png" {
		t.Fatalf("Unexpected object list: %v", list)
	}

	prefixes, err := conn.ListObjectPrefixes(bucket)
	if err != nil {
		t.Fatalf("Error listing prefixes: %v", err)
	}
	if len(prefixes) != 2 || prefixes[0] != "batchA" || prefixes[1] != "batchB" {
		t.Fatalf("Unexpected prefixes: %v", prefixes)
	}

	dest := filepath.Join(t.TempDir(), "dest.txt")
	err = conn.Download(bucket, "batchB/0001.png", dest)
	if err != nil {
		t.Fatalf("Error downloading: %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("Could not read downloaded file: %v", err)
	}
	if string(b) != "contents" {
		t.Fatalf("Downloaded file has wrong contents: %q", b)
	}

	err = conn.DeleteObjects(bucket, list)
	if err != nil {
		t.Fatalf("Error deleting objects: %v", err)
	}
	list, err = conn.ListObjects(bucket, "batchA/")
	if err != nil {
		t.Fatalf("Error listing objects: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("Expected no objects after deletion, got %v", list)
	}

	err = conn.Download(bucket, "batchA/0001.png", dest)
	if err == nil {
		t.Fatalf("Expected an error downloading a deleted object")
	}
}
