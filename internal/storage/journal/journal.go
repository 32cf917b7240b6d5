package journal

// ============================================================================
// Run Journal 核心實作
// 職責：
// 1. 追加事件到 JSONL 檔案（append-only），每個任務一筆 DISPATCH、一筆 RESULT
// 2. 批次緩衝寫入，Flush / Close 時落盤
// 3. 提供 Replay 與 Failed，讓使用者找出需要手動重跑的任務
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

const (
	defaultBufferSize    = 64
	defaultFlushInterval = time.Second
	maxLineSize          = 16 * 1024 * 1024
)

// Journal is an append-only event log for one run.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	session string
	seq     uint64
	closed  bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

/*
Open 建立或開啟 journal

行為：
- 目錄不存在時自動建立
- 檔案已存在時讀取最後一個事件的 seq 並繼續編號
- 以追加模式（O_APPEND）開啟

session 會寫進每一個事件，用來區分同一個 run id 的多次執行。
*/
func Open(path, session string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	var seq uint64
	if last, err := LastEvent(path); err == nil && last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		session:       session,
		seq:           seq,
		buffer:        make([]Event, 0, defaultBufferSize),
		bufferSize:    defaultBufferSize,
		lastFlushTime: time.Now(),
		flushInterval: defaultFlushInterval,
	}, nil
}

// Append 追加一個事件
//
// 自動填入 Seq、Session、Timestamp 與 Checksum。事件先進 buffer，
// buffer 滿、超過 flush 間隔或 force 為 true 時才寫入檔案。
func (j *Journal) Append(event Event, force bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	event.Seq = j.seq
	event.Session = j.session
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	j.buffer = append(j.buffer, event)

	if force || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush writes buffered events and syncs the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Close flushes and closes the file. Calling Close twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.flushLocked(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// LastSeq returns the sequence number of the most recent event.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// flushLocked 假設呼叫者已經持有 j.mu
func (j *Journal) flushLocked() error {
	for _, event := range j.buffer {
		if err := j.encoder.Encode(event); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.file.Sync()
}

// ============================================================================
// 讀取工具
// ============================================================================

// Replay 依序讀取所有事件並驗證 checksum，遇到錯誤立即停止
func Replay(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if !VerifyChecksum(event) {
			return &CorruptionError{Line: line, Seq: event.Seq, Cause: ErrChecksumMismatch}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// LastEvent 回傳檔案中最後一個事件；檔案不存在或為空時回傳 nil
func LastEvent(path string) (*Event, error) {
	var last *Event
	err := Replay(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return last, err
}

// Failed 回傳最後狀態不是 succeeded 的任務，依來源列號排序。
//
// 同一次執行內以 (session, JobID) 為 key，重複的 objective id 各自獨立。
// 失敗的任務只有在之後（seq 較大）出現同一個 objective、同樣輸入的成功結果時才會被清除，
// 因此從較小的 CSV 重跑時列號改變也沒關係。
//
// 已派發但沒有 RESULT 的任務（執行被中斷）也算在內，Status 保持 pending。
func Failed(path string) ([]Event, error) {
	type runKey struct {
		session string
		job     types.JobID
	}
	latest := make(map[runKey]Event)
	inputs := make(map[runKey]*types.Job)
	var order []runKey
	var successes []Event

	err := Replay(path, func(e Event) error {
		key := runKey{session: e.Session, job: e.JobID}
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		if e.Type == EventDispatch && e.Job != nil {
			inputs[key] = e.Job
		}
		if e.Job == nil {
			e.Job = inputs[key]
		}
		latest[key] = e
		if e.Type == EventResult && e.Status == types.StatusSucceeded {
			successes = append(successes, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var failed []Event
	for _, key := range order {
		e := latest[key]
		if e.Status == types.StatusSucceeded || supersededBy(e, successes) {
			continue
		}
		failed = append(failed, e)
	}

	sort.SliceStable(failed, func(a, b int) bool {
		if failed[a].Row != failed[b].Row {
			return failed[a].Row < failed[b].Row
		}
		return failed[a].Seq < failed[b].Seq
	})
	return failed, nil
}

// supersededBy 檢查之後是否有同一個 objective、同樣輸入的成功結果
func supersededBy(e Event, successes []Event) bool {
	if e.Job == nil {
		return false
	}
	for _, s := range successes {
		if s.Seq <= e.Seq || s.ObjectiveID != e.ObjectiveID || s.Job == nil {
			continue
		}
		if slices.Equal(s.Job.Substandards, e.Job.Substandards) &&
			slices.Equal(s.Job.KeyPhrases, e.Job.KeyPhrases) {
			return true
		}
	}
	return false
}
