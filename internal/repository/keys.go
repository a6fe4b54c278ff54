package repository

import (
	"encoding/binary"
	"fmt"
)

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func decodeID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// outLinkKey/inLinkKey are deliberately duplicated rows (out: keyed by the
// source task, in: keyed by the target task) so both listDependencies
// (inbound, per target) and cycle detection (outbound traversal, per
// source) are prefix scans rather than full bucket scans.
func outLinkKey(from int64, kind string, to int64) []byte {
	return []byte(fmt.Sprintf("out:%020d:%s:%020d", from, kind, to))
}

func outLinkPrefix(from int64) []byte {
	return []byte(fmt.Sprintf("out:%020d:", from))
}

func inLinkKey(to int64, kind string, from int64) []byte {
	return []byte(fmt.Sprintf("in:%020d:%s:%020d", to, kind, from))
}

func inLinkPrefix(to int64) []byte {
	return []byte(fmt.Sprintf("in:%020d:", to))
}

func embeddingKey(taskID int64, model string) []byte {
	return []byte(fmt.Sprintf("%020d:%s", taskID, model))
}

func embeddingPrefix(taskID int64) []byte {
	return []byte(fmt.Sprintf("%020d:", taskID))
}

func contextKey(taskID int64, label string) []byte {
	return []byte(fmt.Sprintf("%020d:%s", taskID, label))
}

func contextPrefix(taskID int64) []byte {
	return []byte(fmt.Sprintf("%020d:", taskID))
}

func evaluationKey(taskID int64, iteration int) []byte {
	return []byte(fmt.Sprintf("%020d:%010d", taskID, iteration))
}

func evaluationPrefix(taskID int64) []byte {
	return []byte(fmt.Sprintf("%020d:", taskID))
}
