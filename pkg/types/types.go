// Package types 定義了 phrase-mapper 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
)

// JobID 任務唯一識別碼（objective + 來源列號）
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending           JobStatus = "pending"            // 待處理：已載入但尚未被 worker 取走
	StatusCalling           JobStatus = "calling"            // 呼叫中：正在呼叫 oracle
	StatusRetrying          JobStatus = "retrying"           // 重試中：上一次 oracle 呼叫失敗，等待下一次
	StatusSucceeded         JobStatus = "succeeded"          // 成功：已寫入輸出檔
	StatusDroppedValidation JobStatus = "dropped_validation" // 丟棄：oracle 回傳的 mapping 形狀錯誤
	StatusDroppedOracle     JobStatus = "dropped_oracle"     // 丟棄：oracle 重試耗盡
	StatusWriteFailed       JobStatus = "write_failed"       // 丟棄：本地寫檔失敗
)

// Terminal 回報狀態是否為終止狀態
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusDroppedValidation, StatusDroppedOracle, StatusWriteFailed:
		return true
	}
	return false
}

// Source column names shared by every record source and the output artifact.
const (
	ColumnObjective    = "Learning Objective"
	ColumnSubstandards = "Substandards"
	ColumnKeyPhrases   = "Key Phrases"
	ColumnThinking     = "Thinking"
	ColumnMapping      = "Substandards to Key Phrases Mapping"
	ColumnPhraseCount  = "Number of Key Phrases"
	ColumnTotalMapped  = "Total Key Phrases Mapped"
	ColumnAllUnique    = "All Key Phrases Mapped Unique?"
)

// Header is the fixed header row of the output artifact.
var Header = []string{
	ColumnObjective,
	ColumnSubstandards,
	ColumnKeyPhrases,
	ColumnThinking,
	ColumnMapping,
	ColumnPhraseCount,
	ColumnTotalMapped,
	ColumnAllUnique,
}

// Record 來源資料的一列，欄位以表頭名稱為 key
type Record struct {
	Row    int               // 1-based data row number (header excluded)
	Fields map[string]string // header -> cell text
}

// Job 一個 learning objective 的分類工作單元，載入後不可變
type Job struct {
	ID           JobID    `json:"id"`
	Row          int      `json:"row"`
	ObjectiveID  string   `json:"objective_id"`
	Substandards []string `json:"substandards"`
	KeyPhrases   []string `json:"key_phrases"`
}

// NewJobID builds the tracker key for an objective loaded from a given row.
func NewJobID(objective string, row int) JobID {
	return JobID(fmt.Sprintf("%s#%d", objective, row))
}

// OracleResponse is the structured payload of one successful oracle call.
// Mapping stays raw until the validator decides its shape.
type OracleResponse struct {
	Scratchpad string          `json:"scratchpad"`
	Mapping    json.RawMessage `json:"substandards"`
}

// CoverageStats 由 mapping 推導出的覆蓋統計
type CoverageStats struct {
	TotalMapped int  `json:"total_mapped"`
	AllUnique   bool `json:"all_unique"`
}

// Outcome 一次 Job Processor 執行的結果
type Outcome struct {
	JobID       JobID
	ObjectiveID string
	Status      JobStatus
	Attempts    int
	Stats       CoverageStats
	Err         error
}
