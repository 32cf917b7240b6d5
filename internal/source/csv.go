package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// CSVSource reads records from a local CSV file whose first row is the header.
type CSVSource struct {
	path string
}

// NewCSVSource creates a CSVSource for path.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

// ListRecords implements Source.
func (s *CSVSource) ListRecords(ctx context.Context) ([]types.Record, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read input header: %w", err)
	}
	// strip a UTF-8 BOM left by spreadsheet exports
	if len(header) > 0 && len(header[0]) >= 3 && header[0][:3] == "\xef\xbb\xbf" {
		header[0] = header[0][3:]
	}

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		rows = append(rows, row)
	}
	return RecordsFromTable(header, rows), nil
}
