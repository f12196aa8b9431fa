package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentify(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		want    Platform
		wantErr bool
	}{
		{"h7", "stmdsph", PlatformH7, false},
		{"l4", "stmdspl", PlatformL4, false},
		{"unknown platform byte", "stmdspx", PlatformUnknown, true},
		{"wrong prefix", "stmdzph", PlatformUnknown, true},
		{"short", "stmd", PlatformUnknown, true},
		{"empty", "", PlatformUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIdentify([]byte(tt.resp))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeSetBufferSize_LittleEndian(t *testing.T) {
	assert.Equal(t, []byte{'B', 0x00, 0x10}, EncodeSetBufferSize(4096))
	assert.Equal(t, []byte{'B', 100, 0}, EncodeSetBufferSize(100))
}

func TestEncodeSampleRate(t *testing.T) {
	assert.Equal(t, []byte{'r', 3}, EncodeSampleRate(3))
	assert.Equal(t, []byte{'r', 0xFF}, EncodeSampleRate(RateQuery))
}

func TestSamplesWireFormat(t *testing.T) {
	b := EncodeSamples([]Sample{0x0800, 0x0FFF, 1})
	assert.Equal(t, []byte{0x00, 0x08, 0xFF, 0x0F, 0x01, 0x00}, b)
	assert.Equal(t, []Sample{0x0800, 0x0FFF, 1}, DecodeSamples(b))
}

func TestDecodeMeasurement_Halves(t *testing.T) {
	assert.Equal(t, uint32(2000), DecodeMeasurement([]byte{0xA0, 0x0F, 0, 0})) // 4000
	assert.Equal(t, uint32(2), DecodeMeasurement([]byte{5, 0, 0, 0}))
}

func TestDecodeSize(t *testing.T) {
	assert.Equal(t, 0, DecodeSize([]byte{0, 0}))
	assert.Equal(t, 4096, DecodeSize([]byte{0x00, 0x10}))
}

func TestPadEven(t *testing.T) {
	assert.Equal(t, []Sample{1, 2}, PadEven([]Sample{1, 2}))
	assert.Equal(t, []Sample{1, 2, 3, 3}, PadEven([]Sample{1, 2, 3}))
	assert.Len(t, PadEven(nil), 0)
}

func TestRateTable(t *testing.T) {
	require.Equal(t, 6, NumSampleRates)
	assert.Equal(t, 8000, RateHz(0))
	assert.Equal(t, 96000, RateHz(5))
	assert.Equal(t, 0, RateHz(6))
	assert.Equal(t, 0, RateHz(-1))

	idx, ok := RateIndex(48000)
	assert.True(t, ok)
	assert.Equal(t, 4, idx)
	_, ok = RateIndex(44100)
	assert.False(t, ok)
}

func TestDecodeStatus(t *testing.T) {
	rs, de := DecodeStatus([]byte{'2', 6})
	assert.Equal(t, RunStatusRunning, rs)
	assert.Equal(t, ErrorConversionAborted, de)
	assert.Equal(t, "conversion aborted", de.String())
	assert.Equal(t, "unknown(42)", DeviceError(42).String())
}
