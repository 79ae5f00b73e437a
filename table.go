// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package uwmf

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// WriteTable saves a header and rows as CSV to path. If path ends in
// ".zst" the file is zstd compressed.
func WriteTable(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("Could not create %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var enc *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		enc, err = zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("Could not set up compression for %s: %w", path, err)
		}
		w = enc
	}

	c := csv.NewWriter(w)
	err = c.Write(header)
	if err == nil {
		err = c.WriteAll(rows)
	}
	if err != nil {
		return fmt.Errorf("Could not write table %s: %w", path, err)
	}

	if enc != nil {
		err = enc.Close()
		if err != nil {
			return fmt.Errorf("Could not finish compressing %s: %w", path, err)
		}
	}
	return f.Close()
}

// ReadTable reads a table saved by WriteTable, returning the header
// and the rows separately.
func ReadTable(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("Could not open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("Could not set up decompression for %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}

	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("Could not read table %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("Table %s is empty", path)
	}
	return records[0], records[1:], nil
}
