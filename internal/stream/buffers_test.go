package stream

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffers_FIFO(t *testing.T) {
	b := NewBuffers()
	require.NoError(t, b.Append([]protocol.Sample{1, 2, 3}))
	require.NoError(t, b.Append([]protocol.Sample{4, 5}))
	assert.Equal(t, 5, b.Len())

	assert.Equal(t, []protocol.Sample{1, 2}, b.Pull(2))
	assert.Equal(t, []protocol.Sample{3, 4, 5}, b.Pull(10))
	assert.Empty(t, b.Pull(1))
	assert.Zero(t, b.Len())
}

func TestBuffers_ConcurrentOrdering(t *testing.T) {
	b := NewBuffers()
	const total = 50_000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(1))
		next := protocol.Sample(0)
		for sent := 0; sent < total; {
			n := min(1+rng.Intn(300), total-sent)
			chunk := make([]protocol.Sample, n)
			for i := range chunk {
				chunk[i] = next
				next = (next + 1) & protocol.MaxSample
			}
			require.NoError(t, b.Append(chunk))
			sent += n
		}
	}()

	var got []protocol.Sample
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < total && time.Now().Before(deadline) {
		got = append(got, b.Pull(97)...)
	}
	wg.Wait()

	require.Len(t, got, total)
	for i, v := range got {
		require.Equal(t, protocol.Sample(i&int(protocol.MaxSample)), v)
	}
}

func TestBuffers_InputQueueIndependent(t *testing.T) {
	b := NewBuffers()
	b.AppendInput([]protocol.Sample{9, 8})
	require.NoError(t, b.Append([]protocol.Sample{1}))
	assert.Equal(t, 2, b.InputLen())
	assert.Equal(t, []protocol.Sample{9, 8}, b.PullInput(5))
	assert.Equal(t, []protocol.Sample{1}, b.Pull(5))

	b.AppendInput([]protocol.Sample{7})
	require.NoError(t, b.Append([]protocol.Sample{7}))
	b.Reset()
	assert.Zero(t, b.Len())
	assert.Zero(t, b.InputLen())
}

type recordingSink struct {
	got []protocol.Sample
	err error
}

func (r *recordingSink) Record(s []protocol.Sample) error {
	r.got = append(r.got, s...)
	return r.err
}

func TestBuffers_MirrorsToSink(t *testing.T) {
	b := NewBuffers()
	sink := &recordingSink{}
	b.SetSink(sink)
	require.NoError(t, b.Append([]protocol.Sample{1, 2}))
	b.AppendInput([]protocol.Sample{3})
	assert.Equal(t, []protocol.Sample{1, 2}, sink.got)

	sink.err = errors.New("disk full")
	assert.Error(t, b.Append([]protocol.Sample{4}))
	assert.Equal(t, 3, b.Len(), "samples are queued even if the sink fails")

	b.SetSink(nil)
	assert.Nil(t, b.Sink())
}
