// Package chunk defines the data types exchanged between the chunk sealing
// pipeline and its callers: tasks going in, metadata and results coming out.
package chunk

import (
	"time"
)

// Task is one unit of session-recording payload submitted for sealing.
// SequenceNo is the caller-assigned position within the session stream and
// is the only ordering key used when the session's Merkle tree is built.
type Task struct {
	SessionID  string
	ChunkID    string
	Payload    []byte
	SequenceNo uint64
	Metadata   map[string]string
}

// NewTask builds a Task that owns private copies of payload and metadata,
// so later mutation by the caller cannot leak into processing.
func NewTask(sessionID, chunkID string, seq uint64, payload []byte, metadata map[string]string) Task {
	p := make([]byte, len(payload))
	copy(p, payload)

	var md map[string]string
	if len(metadata) > 0 {
		md = make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}

	return Task{
		SessionID:  sessionID,
		ChunkID:    chunkID,
		Payload:    p,
		SequenceNo: seq,
		Metadata:   md,
	}
}

// Metadata describes one successfully sealed chunk.
type Metadata struct {
	ChunkID            string            `json:"chunk_id"`
	SessionID          string            `json:"session_id"`
	SequenceNo         uint64            `json:"sequence_no"`
	OriginalSize       int               `json:"original_size"`
	EncryptedSize      int               `json:"encrypted_size"`
	PlaintextHash      string            `json:"plaintext_hash"`
	CiphertextHash     string            `json:"ciphertext_hash"`
	Timestamp          time.Time         `json:"timestamp"`
	ProcessingDuration time.Duration     `json:"processing_duration_ns"`
	WorkerID           int               `json:"worker_id"`
	Compression        string            `json:"compression,omitempty"`
	KeyMode            string            `json:"key_mode"`
	Cipher             string            `json:"cipher"`
	Attributes         map[string]string `json:"attributes,omitempty"`
}

// CompressionRatio returns EncryptedSize / OriginalSize.
func (m *Metadata) CompressionRatio() float64 {
	if m == nil || m.OriginalSize == 0 {
		return 0
	}
	return float64(m.EncryptedSize) / float64(m.OriginalSize)
}

// Result is the outcome of one processing attempt.
type Result struct {
	Success  bool
	Metadata *Metadata
	Err      error
	Duration time.Duration
}

// Succeeded builds a successful result.
func Succeeded(md *Metadata, d time.Duration) Result {
	return Result{Success: true, Metadata: md, Duration: d}
}

// Failed builds a failed result.
func Failed(err error, d time.Duration) Result {
	return Result{Success: false, Err: err, Duration: d}
}

// Error returns the failure description, or "" on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
