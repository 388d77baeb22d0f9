// Package measure holds the shared measurement data model and the parser
// for inspection machine export payloads.
package measure

import "encoding/json"

// MaxDimensions caps the supported dimensional values per measurement.
// Dimensions are labelled a..z in the batch record store.
const MaxDimensions = 26

// Measurement is one machine's parsed measurement set.
// Immutable once parsed; a nil remark pointer means the field was absent
// from the payload and must never overwrite a stored value.
type Measurement struct {
	MachineID string
	Values    []float64
	Operator  string
	RemA      *string
	RemB      *string
	Attrib    *string

	// Deviations are the failed-correction entries extracted from the
	// same payload. They ride along with the measurement because both
	// are consumed by the same processing attempt.
	Deviations Deviations
}

// SamplingConfig controls how a load's measurements are sharded.
// Resolved per load index from the store; immutable for one attempt.
type SamplingConfig struct {
	SampleSize int
	BatchSize  int
	LotQty     int
}

// ShardCount returns the number of batch record shards for this config,
// or 0 if batch size or lot quantity is missing.
func (c SamplingConfig) ShardCount() int {
	if c.BatchSize <= 0 || c.LotQty <= 0 {
		return 0
	}
	return c.LotQty / c.BatchSize
}

// DimLabel returns the dimension label for a zero-based value position.
// Positions at or beyond MaxDimensions have no label.
func DimLabel(i int) string {
	if i < 0 || i >= MaxDimensions {
		return ""
	}
	return string(rune('a' + i))
}

// Deviations maps correction keys (e.g. "dobra_2", "giro_1", "tamanho_3")
// to the inverted deviation value pushed to operator terminals.
type Deviations map[string]float64

// Frame serializes the deviation set as one JSON wire frame, without the
// trailing delimiter. The fan-out server appends the newline.
func (d Deviations) Frame() ([]byte, error) {
	return json.Marshal(d)
}
