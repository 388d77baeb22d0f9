package measure

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// MaxPayloadSize caps a single export file at 10 MiB. Machines export a few
// kilobytes; anything larger is a runaway writer.
const MaxPayloadSize = 10 << 20

var (
	// ErrIncomplete marks a payload missing its machine id or dimensional
	// values. Non-retryable: the file will never become valid on its own.
	ErrIncomplete = errors.New("payload missing machine id or dimensional values")

	// ErrOversized marks a payload exceeding MaxPayloadSize.
	ErrOversized = errors.New("payload exceeds size limit")
)

// Wire structure of a machine export file. Field names are the machine
// vendor's contract and must not change.
type payload struct {
	TubeInspection inspection `json:"Tube_Inspection"`
}

type inspection struct {
	MachineID   string       `json:"Machine_id"`
	Operator    string       `json:"Operador"`
	RemA        *string      `json:"REM_A"`
	RemB        *string      `json:"REM_B"`
	Attrib      *string      `json:"ATRIB"`
	Dimensional []dimEntry   `json:"DIMENSIONAL"`
	Corrections []correction `json:"LRA_CORRECTION"`
}

type dimEntry struct {
	Value *float64 `json:"Medida"`
}

type correction struct {
	Items []correctionItem `json:"LRA"`
}

type correctionItem struct {
	Name      string  `json:"Nome"`
	Test      string  `json:"Teste"`
	Deviation float64 `json:"Desvio"`
}

// correctionPrefixes maps the vendor's correction name prefixes to the key
// prefixes terminals expect. Order matters: first matching prefix wins.
var correctionPrefixes = []struct {
	prefix string
	key    string
}{
	{"DOBRA", "dobra"},
	{"Length", "tamanho"},
	{"GIRO", "giro"},
}

// Parse decodes a raw export payload into a Measurement.
//
// Encoding is detected with a fallback chain: valid UTF-8 is used as-is,
// anything else is decoded as Windows-1252 (machines on the floor export
// either, depending on their controller firmware).
//
// Returns ErrOversized for payloads over MaxPayloadSize and ErrIncomplete
// when the machine id or all dimensional values are absent. Both are
// non-retryable parse failures.
func Parse(raw []byte) (Measurement, error) {
	if len(raw) > MaxPayloadSize {
		return Measurement{}, fmt.Errorf("%w: %d bytes", ErrOversized, len(raw))
	}

	text, err := decodeText(raw)
	if err != nil {
		return Measurement{}, fmt.Errorf("decode payload text: %w", err)
	}

	var p payload
	if err := json.Unmarshal(text, &p); err != nil {
		return Measurement{}, fmt.Errorf("decode payload json: %w", err)
	}

	insp := p.TubeInspection

	values := make([]float64, 0, len(insp.Dimensional))
	for _, entry := range insp.Dimensional {
		if entry.Value != nil {
			values = append(values, *entry.Value)
		}
	}

	if insp.MachineID == "" || len(values) == 0 {
		return Measurement{}, ErrIncomplete
	}

	operator := insp.Operator
	if operator == "" {
		operator = "Desconhecido"
	}

	return Measurement{
		MachineID:  insp.MachineID,
		Values:     values,
		Operator:   operator,
		RemA:       insp.RemA,
		RemB:       insp.RemB,
		Attrib:     insp.Attrib,
		Deviations: extractDeviations(insp.Corrections),
	}, nil
}

// decodeText returns UTF-8 text for the raw bytes, applying the
// Windows-1252 fallback for legacy controller exports.
func decodeText(raw []byte) ([]byte, error) {
	if utf8.Valid(raw) {
		return raw, nil
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("windows-1252 fallback: %w", err)
	}
	return decoded, nil
}

// extractDeviations collects failed correction entries.
//
// A correction named "DOBRA_2" that failed with deviation -0.25 becomes
// {"dobra_2": 0.25}: the sign is inverted because terminals apply the
// value as a correction, not as the measured error.
func extractDeviations(corrections []correction) Deviations {
	out := Deviations{}
	for _, c := range corrections {
		for _, item := range c.Items {
			if item.Test != "Fail" {
				continue
			}
			for _, m := range correctionPrefixes {
				if !strings.HasPrefix(item.Name, m.prefix) {
					continue
				}
				parts := strings.SplitN(item.Name, "_", 2)
				if len(parts) == 2 {
					out[m.key+"_"+parts[1]] = -item.Deviation
				}
				break
			}
		}
	}
	return out
}
