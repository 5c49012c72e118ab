// Package audit provides PDR (Process Decision Record) writing for coderelay.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/coderelay/internal/models"
)

// Actions recorded for a run.
const (
	ActionRunStart  = "run.start"
	ActionRunFinish = "run.finish"
	ActionArchive   = "run.archive"
	ActionUpload    = "run.upload"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Recorder persists decision records.
type Recorder interface {
	WritePDR(action, inputsHash, outcome, runID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store Recorder
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Recorder) *PDRWriter {
	return &PDRWriter{store: s}
}

// Record writes a PDR entry for an action taken on a run.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, runID, details string) (*models.PDREntry, error) {
	inputsHash := HashInputs(inputs)
	return w.store.WritePDR(action, inputsHash, outcome, runID, details)
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
