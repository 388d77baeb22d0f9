package measure

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullPayload = `{
  "Tube_Inspection": {
    "Machine_id": "CNC-07",
    "Operador": "Marcos",
    "REM_A": "ajuste leve",
    "ATRIB": "OK",
    "DIMENSIONAL": [
      {"Medida": 10.5},
      {"Medida": 7.25},
      {"Medida": null},
      {"Medida": 3.0}
    ],
    "LRA_CORRECTION": [
      {
        "LRA": [
          {"Nome": "DOBRA_1", "Teste": "Fail", "Desvio": -0.25},
          {"Nome": "GIRO_3", "Teste": "Fail", "Desvio": 1.5},
          {"Nome": "Length_2", "Teste": "Fail", "Desvio": -0.75},
          {"Nome": "DOBRA_2", "Teste": "Pass", "Desvio": 9.9},
          {"Nome": "UNKNOWN_4", "Teste": "Fail", "Desvio": 1.0}
        ]
      }
    ]
  }
}`

func TestParse_FullPayload(t *testing.T) {
	m, err := Parse([]byte(fullPayload))
	require.NoError(t, err)

	assert.Equal(t, "CNC-07", m.MachineID)
	assert.Equal(t, "Marcos", m.Operator)
	// Null entries are skipped, order preserved.
	assert.Equal(t, []float64{10.5, 7.25, 3.0}, m.Values)

	require.NotNil(t, m.RemA)
	assert.Equal(t, "ajuste leve", *m.RemA)
	assert.Nil(t, m.RemB, "absent remark stays nil")
	require.NotNil(t, m.Attrib)
	assert.Equal(t, "OK", *m.Attrib)
}

func TestParse_DeviationExtraction(t *testing.T) {
	m, err := Parse([]byte(fullPayload))
	require.NoError(t, err)

	// Only Fail entries with a known prefix survive, sign inverted.
	assert.Equal(t, Deviations{
		"dobra_1":   0.25,
		"giro_3":    -1.5,
		"tamanho_2": 0.75,
	}, m.Deviations)
}

func TestParse_MissingMachineID(t *testing.T) {
	payload := `{"Tube_Inspection": {"DIMENSIONAL": [{"Medida": 1.0}]}}`
	_, err := Parse([]byte(payload))
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestParse_NoDimensionalValues(t *testing.T) {
	payload := `{"Tube_Inspection": {"Machine_id": "CNC-07", "DIMENSIONAL": []}}`
	_, err := Parse([]byte(payload))
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestParse_MalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"Tube_Inspection": `))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIncomplete)
}

func TestParse_Oversized(t *testing.T) {
	_, err := Parse(make([]byte, MaxPayloadSize+1))
	require.ErrorIs(t, err, ErrOversized)
}

func TestParse_DefaultOperator(t *testing.T) {
	payload := `{"Tube_Inspection": {"Machine_id": "CNC-07", "DIMENSIONAL": [{"Medida": 2.0}]}}`
	m, err := Parse([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "Desconhecido", m.Operator)
}

func TestParse_Windows1252Fallback(t *testing.T) {
	// "José" with é as the single Windows-1252 byte 0xE9 - invalid UTF-8.
	payload := []byte(`{"Tube_Inspection": {"Machine_id": "CNC-07", "Operador": "Jos` + "\xe9" + `", "DIMENSIONAL": [{"Medida": 4.5}]}}`)

	m, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, "José", m.Operator)
	assert.Equal(t, []float64{4.5}, m.Values)
}

func TestShardCount(t *testing.T) {
	assert.Equal(t, 4, SamplingConfig{SampleSize: 5, BatchSize: 250, LotQty: 1000}.ShardCount())
	assert.Equal(t, 3, SamplingConfig{SampleSize: 5, BatchSize: 300, LotQty: 1000}.ShardCount(), "integer division floors")
	assert.Equal(t, 0, SamplingConfig{SampleSize: 5, BatchSize: 0, LotQty: 1000}.ShardCount())
	assert.Equal(t, 0, SamplingConfig{SampleSize: 5, BatchSize: 250, LotQty: 0}.ShardCount())
}

func TestDimLabel(t *testing.T) {
	assert.Equal(t, "a", DimLabel(0))
	assert.Equal(t, "z", DimLabel(25))
	assert.Equal(t, "", DimLabel(26))
	assert.Equal(t, "", DimLabel(-1))
}

func TestDeviations_FrameGolden(t *testing.T) {
	m, err := Parse([]byte(fullPayload))
	require.NoError(t, err)

	frame, err := m.Deviations.Frame()
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "deviation_frame", frame)
}
