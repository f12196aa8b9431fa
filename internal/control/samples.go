package control

import (
	"errors"
	"strconv"

	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
)

var (
	ErrBadSampleList  = errors.New("bad data in sample list")
	ErrSampleTooLarge = errors.New("sample data value larger than max of 4095")
	ErrTooManySamples = errors.New("too many samples for signal generator")
)

// ParseSampleList reads decimal DAC values separated by whitespace or commas.
// The result is padded to an even length.
func ParseSampleList(text string) ([]protocol.Sample, error) {
	var out []protocol.Sample
	for i := 0; i < len(text); {
		c := text[i]
		if c == ' ' || c == ',' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}
		if c < '0' || c > '9' {
			return nil, ErrBadSampleList
		}
		j := i
		for j < len(text) && text[j] >= '0' && text[j] <= '9' {
			j++
		}
		n, err := strconv.ParseUint(text[i:j], 10, 32)
		if err != nil || n > uint64(protocol.MaxSample) {
			return nil, ErrSampleTooLarge
		}
		out = append(out, protocol.Sample(n))
		if len(out) >= protocol.MaxGeneratorSamples {
			return nil, ErrTooManySamples
		}
		i = j
	}
	if len(out) == 0 {
		return nil, ErrBadSampleList
	}
	return protocol.PadEven(out), nil
}

func sampleListMessage(err error) string {
	switch {
	case errors.Is(err, ErrSampleTooLarge):
		return "Error: Sample data value larger than max of 4095."
	case errors.Is(err, ErrTooManySamples):
		return "Error: Too many samples for signal generator."
	default:
		return "Error: Bad data in sample list."
	}
}
