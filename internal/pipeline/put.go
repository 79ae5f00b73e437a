// Copyright 2021 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

type fileWalk chan string

// Walk sends the path of all files to the channel, with the exception of
// any file which starts with "."
func (f fileWalk) Walk(path string, info os.FileInfo, err error) error {
	if err != nil {
		return err
	}
	// skip files starting with . to prevent automatically generated
	// files like .DS_Store getting in the way
	if strings.HasPrefix(filepath.Base(path), ".") {
		return nil
	}
	if !info.IsDir() {
		f <- path
	}
	return nil
}

// isImage reports whether a file name has a suffix of an image type
// that can be restored
func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".tif", ".tiff", ".bmp":
		return true
	}
	return false
}

// CheckImages checks that all image files in a directory can be
// decoded (skipping dotfiles)
func CheckImages(ctx context.Context, dir string) error {
	checker := make(fileWalk)
	go func() {
		_ = filepath.Walk(dir, checker.Walk)
		close(checker)
	}()

	n := 0
	for path := range checker {
		select {
		case <-ctx.Done():
			for range checker {
			} // consume the rest so the walk can finish
			return ctx.Err()
		default:
		}
		if !isImage(path) {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			for range checker {
			}
			return fmt.Errorf("Opening image %s failed: %w", path, err)
		}
		_, _, err = image.Decode(f)
		f.Close()
		if err != nil {
			for range checker {
			}
			return fmt.Errorf("Decoding image %s failed: %w", path, err)
		}
		n++
	}

	if n == 0 {
		return fmt.Errorf("No images found")
	}

	return nil
}

// UploadImages uploads all image files (except those which start
// with a ".") from the top level of a directory into
// conn.WIPStorageId(), prefixed with the given batch name and a
// slash. It also appends all file names with sequential numbers, like
// 0001, so that names are unique once the suffix is removed.
func UploadImages(ctx context.Context, dir string, batch string, conn Uploader) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("Failed to read directory %s: %w", dir, err)
	}

	filenum := 0
	for _, file := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if file.IsDir() || strings.HasPrefix(file.Name(), ".") || !isImage(file.Name()) {
			continue
		}
		origname := file.Name()
		origsuffix := filepath.Ext(origname)
		origbase := strings.TrimSuffix(origname, origsuffix)
		origpath := filepath.Join(dir, origname)

		newname := fmt.Sprintf("%s_%04d%s", origbase, filenum, origsuffix)
		conn.Log("Uploading", origpath, "as", newname)
		err = conn.Upload(conn.WIPStorageId(), batch+"/"+newname, origpath)
		if err != nil {
			return fmt.Errorf("Failed to upload %s: %w", origpath, err)
		}

		filenum++
	}

	if filenum == 0 {
		return fmt.Errorf("No images found in %s", dir)
	}

	return nil
}
