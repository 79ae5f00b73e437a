// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
)

// downloadPrefix downloads every object of a batch with a prefix
// into dir, returning how many were downloaded
func downloadPrefix(dir string, prefix string, conn DownloadLister) (int, error) {
	objs, err := conn.ListObjects(conn.WIPStorageId(), prefix)
	if err != nil {
		return 0, fmt.Errorf("Failed to get list of files for %s: %w", prefix, err)
	}
	for _, i := range objs {
		fn := filepath.Join(dir, filepath.Base(i))
		conn.Log("Downloading", i)
		err = conn.Download(conn.WIPStorageId(), i, fn)
		if err != nil {
			return 0, fmt.Errorf("Failed to download file %s: %w", i, err)
		}
	}
	return len(objs), nil
}

// DownloadAnalyses downloads the summary table, graph and PDF report
// of a batch. The graph will not exist for a batch with only one
// image, so it is not required.
func DownloadAnalyses(dir string, name string, conn Downloader) error {
	for _, a := range []string{"summary.csv.zst", name + ".pdf", "graph.png"} {
		key := name + "/" + AnalysisDir + "/" + a
		fn := filepath.Join(dir, a)
		err := conn.Download(conn.WIPStorageId(), key, fn)
		if err != nil && a != "graph.png" {
			return fmt.Errorf("Failed to download analysis file %s: %w", key, err)
		}
	}
	return nil
}

// DownloadRestored downloads the restored images of a batch, along
// with their statistics files unless imagesOnly is set.
func DownloadRestored(dir string, name string, imagesOnly bool, conn DownloadLister) error {
	prefix := name + "/" + RestoredDir + "/"
	objs, err := conn.ListObjects(conn.WIPStorageId(), prefix)
	if err != nil {
		return fmt.Errorf("Failed to get list of restored files for batch %s: %w", name, err)
	}
	n := 0
	for _, i := range objs {
		if imagesOnly && strings.HasSuffix(i, ".stats.yml") {
			continue
		}
		fn := filepath.Join(dir, filepath.Base(i))
		conn.Log("Downloading", i)
		err = conn.Download(conn.WIPStorageId(), i, fn)
		if err != nil {
			return fmt.Errorf("Failed to download file %s: %w", i, err)
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("No restored files found for batch %s", name)
	}
	return nil
}

// DownloadAll downloads every file of a batch, flattening the
// directory structure.
func DownloadAll(dir string, name string, conn DownloadLister) error {
	n, err := downloadPrefix(dir, name+"/", conn)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("No files found for batch %s", name)
	}
	return nil
}
