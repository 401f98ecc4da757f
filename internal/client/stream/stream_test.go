package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/opstream/internal/domain/operation"
)

func intPtr(v int) *int { return &v }

func TestParser_Feed_ChunkBoundaries(t *testing.T) {
	t.Parallel()

	const body = `{"processedItems":3}` + "\n" +
		`{"processedItems":7,"successfulItems":6,"failedItems":1}` + "\n" +
		`{"status":"completed","processedItems":10}` + "\n"

	tests := []struct {
		name       string
		chunkSizes []int
	}{
		{name: "single chunk", chunkSizes: []int{len(body)}},
		{name: "byte at a time", chunkSizes: []int{1}},
		{name: "split mid record", chunkSizes: []int{10, 25, 7, len(body)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := NewParser(nil)
			var events []operation.ProgressEvent

			rest := body
			for i := 0; len(rest) > 0; i++ {
				size := tt.chunkSizes[i%len(tt.chunkSizes)]
				if size > len(rest) {
					size = len(rest)
				}
				events = append(events, p.Feed([]byte(rest[:size]))...)
				rest = rest[size:]
			}

			require.Len(t, events, 3, "fragmentation must not change the decoded sequence")
			assert.Equal(t, intPtr(3), events[0].ProcessedItems)
			assert.Equal(t, intPtr(7), events[1].ProcessedItems)
			assert.Equal(t, intPtr(6), events[1].SuccessfulItems)
			assert.Equal(t, intPtr(1), events[1].FailedItems)
			require.NotNil(t, events[2].Status)
			assert.Equal(t, operation.StatusCompleted, *events[2].Status)
			assert.Zero(t, p.Dropped())
		})
	}
}

func TestParser_Feed_MalformedRecordDropped(t *testing.T) {
	t.Parallel()

	p := NewParser(nil)
	events := p.Feed([]byte(`{"processedItems":1}` + "\n" +
		`{not json` + "\n" +
		`{"processedItems":2}` + "\n"))

	require.Len(t, events, 2, "the bad record must be skipped, not fatal")
	assert.Equal(t, intPtr(1), events[0].ProcessedItems)
	assert.Equal(t, intPtr(2), events[1].ProcessedItems)
	assert.Equal(t, 1, p.Dropped())
}

func TestParser_Feed_BlankLinesIgnored(t *testing.T) {
	t.Parallel()

	p := NewParser(nil)
	events := p.Feed([]byte("\n\n" + `{"processedItems":5}` + "\n\n"))

	require.Len(t, events, 1)
	assert.Zero(t, p.Dropped(), "blank separators are not malformed records")
}

func TestParser_Flush_TrailingUnterminatedRecord(t *testing.T) {
	t.Parallel()

	p := NewParser(nil)
	events := p.Feed([]byte(`{"processedItems":9}` + "\n" + `{"status":"completed","processedItems":10}`))
	require.Len(t, events, 1, "unterminated record must stay buffered until end of stream")

	ev, ok := p.Flush()
	require.True(t, ok)
	require.NotNil(t, ev.Status)
	assert.Equal(t, operation.StatusCompleted, *ev.Status)
	assert.Equal(t, intPtr(10), ev.ProcessedItems)
}

func TestParser_Flush_EmptyBuffer(t *testing.T) {
	t.Parallel()

	p := NewParser(nil)
	_, ok := p.Flush()
	assert.False(t, ok)
}

func TestStream_Next_DrainsThenEOF(t *testing.T) {
	t.Parallel()

	body := `{"processedItems":1}` + "\n" + `{"processedItems":2}` + "\n"
	s := New(strings.NewReader(body), nil)
	ctx := context.Background()

	first, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, intPtr(1), first.ProcessedItems)

	second, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, intPtr(2), second.ProcessedItems)

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	// Exhausted streams stay exhausted.
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_Next_FinalRecordWithoutSeparator(t *testing.T) {
	t.Parallel()

	s := New(strings.NewReader(`{"status":"failed","processedItems":4}`), nil)

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ev.Status)
	assert.Equal(t, operation.StatusFailed, *ev.Status)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

type failingReader struct {
	data []byte
	err  error
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.read {
		return 0, r.err
	}
	r.read = true
	return copy(p, r.data), nil
}

func TestStream_Next_DeliversDecodedEventsBeforeReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	s := New(&failingReader{data: []byte(`{"processedItems":6}` + "\n"), err: boom}, nil)

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, intPtr(6), ev.ProcessedItems)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestStream_Next_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(strings.NewReader(`{"processedItems":1}`+"\n"), nil)
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
