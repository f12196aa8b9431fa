package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_FiltersBySignature(t *testing.T) {
	s := &Scanner{
		Signature: "VID_0483",
		List: func() ([]PortInfo, error) {
			return []PortInfo{
				{Name: "COM3", HardwareID: `USB\VID_ABC`},
				{Name: "COM7", HardwareID: `USB\VID_0483&PID_5740`},
			}, nil
		},
	}
	got, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, []string{"COM7"}, got)
}

func TestScan_NewestFirstAndCaseInsensitive(t *testing.T) {
	s := &Scanner{
		Signature: DefaultSignature,
		List: func() ([]PortInfo, error) {
			return []PortInfo{
				{Name: "/dev/ttyACM0", HardwareID: "USB VID:PID=0483:5740 SNR=1"},
				{Name: "/dev/ttyS0"},
				{Name: "/dev/ttyACM1", HardwareID: "usb vid:pid=0483:5740"},
			}, nil
		},
	}
	got, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyACM1", "/dev/ttyACM0"}, got)

	// Pure query: a second scan gives the same answer.
	again, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestScan_NoMatches(t *testing.T) {
	s := &Scanner{Signature: DefaultSignature, List: func() ([]PortInfo, error) { return nil, nil }}
	got, err := s.Scan()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScan_ListError(t *testing.T) {
	s := &Scanner{Signature: DefaultSignature, List: func() ([]PortInfo, error) {
		return nil, errors.New("permission denied")
	}}
	_, err := s.Scan()
	assert.ErrorContains(t, err, "permission denied")
}

func TestNewScanner_DefaultSignature(t *testing.T) {
	assert.Equal(t, DefaultSignature, NewScanner("").Signature)
	assert.Equal(t, "ABCD", NewScanner("ABCD").Signature)
}
