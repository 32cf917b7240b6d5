package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Seq + Type + JobID + Status + Attempts，不含 Timestamp
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write(strconv.AppendUint(nil, event.Seq, 10))
	h.Write([]byte{0})
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write([]byte(event.JobID))
	h.Write([]byte{0})
	h.Write([]byte(event.Status))
	h.Write([]byte{0})
	h.Write(strconv.AppendInt(nil, int64(event.Attempts), 10))
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
