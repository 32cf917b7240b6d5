// Package sheets connects the mapper to a Google spreadsheet: one worksheet
// is read as the record source and another receives a copy of every output row.
package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/ChuLiYu/phrase-mapper/internal/logging"
	"github.com/ChuLiYu/phrase-mapper/internal/source"
	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// Client wraps the Sheets API for a single spreadsheet.
type Client struct {
	svc           *sheetsapi.Service
	spreadsheetID string
	logger        *slog.Logger
}

// New creates a Client authenticated with a service-account credentials file.
// Extra options are appended after the credentials, so tests can point the
// client at a fake endpoint.
func New(ctx context.Context, credentialsFile, spreadsheetID string, logger *slog.Logger, opts ...option.ClientOption) (*Client, error) {
	base := []option.ClientOption{option.WithScopes(sheetsapi.SpreadsheetsScope)}
	if credentialsFile != "" {
		base = append(base, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := sheetsapi.NewService(ctx, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		logger:        logging.Component(logger, "sheets"),
	}, nil
}

// Source returns a record source reading the named worksheet.
func (c *Client) Source(sheet string) *Source {
	return &Source{client: c, sheet: sheet}
}

// Mirror returns a mirror appending to the named worksheet.
func (c *Client) Mirror(sheet string) *Mirror {
	return &Mirror{client: c, sheet: sheet}
}

// Source reads a worksheet whose first row is the header.
type Source struct {
	client *Client
	sheet  string
}

var _ source.Source = (*Source)(nil)

// ListRecords implements source.Source.
func (s *Source) ListRecords(ctx context.Context) ([]types.Record, error) {
	resp, err := s.client.svc.Spreadsheets.Values.
		Get(s.client.spreadsheetID, sheetRange(s.sheet)).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("read worksheet %q: %w", s.sheet, err)
	}
	if len(resp.Values) == 0 {
		return nil, nil
	}

	header := cellsToStrings(resp.Values[0])
	rows := make([][]string, 0, len(resp.Values)-1)
	for _, row := range resp.Values[1:] {
		rows = append(rows, cellsToStrings(row))
	}

	s.client.logger.Info("read worksheet",
		slog.String("sheet", s.sheet),
		slog.Int("rows", len(rows)))
	return source.RecordsFromTable(header, rows), nil
}

// Mirror appends rows to a worksheet, one API call per row.
type Mirror struct {
	client *Client
	sheet  string
}

// AppendRow appends one row verbatim (RAW input, no formula parsing).
func (m *Mirror) AppendRow(ctx context.Context, row []string) error {
	cells := make([]interface{}, len(row))
	for i, v := range row {
		cells[i] = v
	}

	_, err := m.client.svc.Spreadsheets.Values.
		Append(m.client.spreadsheetID, sheetRange(m.sheet), &sheetsapi.ValueRange{
			MajorDimension: "ROWS",
			Values:         [][]interface{}{cells},
		}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append to worksheet %q: %w", m.sheet, err)
	}
	return nil
}

// sheetRange quotes a worksheet name so it is read as a whole-sheet A1 range.
func sheetRange(sheet string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
}

func cellsToStrings(cells []interface{}) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		switch v := c.(type) {
		case nil:
			out[i] = ""
		case string:
			out[i] = v
		case float64:
			out[i] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[i] = strconv.FormatBool(v)
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}
