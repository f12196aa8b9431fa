package wav

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encode builds a PCM16 WAV with an extra LIST chunk before the data.
func encode(t *testing.T, channels, rate int, frames [][]int16) []byte {
	t.Helper()
	var data bytes.Buffer
	for _, f := range frames {
		require.Len(t, f, channels)
		for _, v := range f {
			binary.Write(&data, binary.LittleEndian, v)
		}
	}

	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(0))
	b.WriteString("WAVE")

	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(formatPCM))
	binary.Write(&b, binary.LittleEndian, uint16(channels))
	binary.Write(&b, binary.LittleEndian, uint32(rate))
	binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(16))

	b.WriteString("LIST")
	binary.Write(&b, binary.LittleEndian, uint32(3))
	b.Write([]byte{'a', 'b', 'c', 0}) // odd chunk plus pad byte

	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(data.Len()))
	b.Write(data.Bytes())
	return b.Bytes()
}

func TestDecode_FirstChannelLoops(t *testing.T) {
	raw := encode(t, 2, 8000, [][]int16{{1, -1}, {2, -2}, {-3, 3}})
	c, err := Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 8000, c.SampleRate)
	assert.Equal(t, 2, c.Channels)
	assert.Equal(t, 3, c.Len())

	buf := make([]int16, 7)
	c.Next(buf)
	assert.Equal(t, []int16{1, 2, -3, 1, 2, -3, 1}, buf)
	c.Next(buf[:2])
	assert.Equal(t, []int16{2, -3}, buf[:2])
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not a wav file at all")))
	assert.ErrorIs(t, err, ErrNotWAV)

	noData := encode(t, 1, 8000, nil)
	_, err = Decode(bytes.NewReader(noData))
	assert.ErrorIs(t, err, ErrNoData)

	eightBit := encode(t, 1, 8000, [][]int16{{0}})
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)
	_, err = Decode(bytes.NewReader(eightBit))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDecode_Truncated(t *testing.T) {
	raw := encode(t, 1, 8000, [][]int16{{10}, {20}, {30}})
	c, err := Decode(bytes.NewReader(raw[:len(raw)-2]))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
}

func TestDecode_OversizedChunkLengths(t *testing.T) {
	raw := encode(t, 1, 8000, [][]int16{{10}, {20}})
	binary.LittleEndian.PutUint32(raw[52:56], 0xFFFFFFFF) // data size

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	c, err := Decode(bytes.NewReader(raw))
	runtime.ReadMemStats(&after)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))

	badFmt := encode(t, 1, 8000, [][]int16{{10}})
	binary.LittleEndian.PutUint32(badFmt[16:20], 0xFFFFFFF0) // fmt size
	runtime.ReadMemStats(&before)
	_, err = Decode(bytes.NewReader(badFmt))
	runtime.ReadMemStats(&after)
	assert.Error(t, err)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, os.WriteFile(path, encode(t, 1, 16000, [][]int16{{100}}), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, c.SampleRate)

	_, err = Load(filepath.Join(t.TempDir(), "missing.wav"))
	assert.Error(t, err)
}
