package sink

// ============================================================================
// 結果輸出檔（CSV Sink）
// 職責：
// 1. 以追加模式（O_APPEND）寫入輸出列，檔案不存在時先寫入表頭
// 2. 每次 Append 在 guard 內完成「寫入 + flush」，多個 worker 共用同一個檔案
// 3. 提供 ReadAll 給 mirror 階段依檔案順序讀回所有資料列
// ============================================================================

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("sink: already closed")

// Sink is an append-only CSV file shared by every worker.
type Sink struct {
	guard  sync.Locker // 保護並發寫入，由呼叫端注入
	file   *os.File
	writer *csv.Writer
	path   string
	rows   int
	closed bool
}

/*
Open 建立或開啟輸出檔

行為：
- 目錄不存在時自動建立
- 檔案不存在或為空時寫入 header
- 檔案已存在時直接追加，不重寫 header

guard 為 nil 時使用內部 mutex。
*/
func Open(path string, header []string, guard sync.Locker) (*Sink, error) {
	if guard == nil {
		guard = &sync.Mutex{}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	s := &Sink{
		guard:  guard,
		file:   file,
		writer: csv.NewWriter(file),
		path:   path,
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat output file: %w", err)
	}
	if stat.Size() == 0 && len(header) > 0 {
		if err := s.writeLocked(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	return s, nil
}

// Append serialises rec and writes it as one row.
func (s *Sink) Append(rec types.OutputRecord) error {
	row, err := rec.Row()
	if err != nil {
		return err
	}
	return s.AppendRow(row)
}

// AppendRow writes one raw row. The guard is held only for write + flush.
func (s *Sink) AppendRow(row []string) error {
	s.guard.Lock()
	defer s.guard.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.writeLocked(row); err != nil {
		return err
	}
	s.rows++
	return nil
}

// Rows returns the number of data rows written through this Sink.
func (s *Sink) Rows() int {
	s.guard.Lock()
	defer s.guard.Unlock()
	return s.rows
}

// Path returns the file path.
func (s *Sink) Path() string {
	return s.path
}

// Close flushes and closes the file. Calling Close twice is a no-op.
func (s *Sink) Close() error {
	s.guard.Lock()
	defer s.guard.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// writeLocked 假設呼叫者已經持有 guard
func (s *Sink) writeLocked(row []string) error {
	if err := s.writer.Write(row); err != nil {
		return err
	}
	s.writer.Flush()
	return s.writer.Error()
}

// ReadAll 讀回輸出檔的所有資料列（不含 header），順序與檔案相同
func ReadAll(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	var rows [][]string
	first := true
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if first {
			first = false
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
