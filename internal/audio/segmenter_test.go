package audio

import (
	"bytes"
	"testing"
	"time"
)

func newTestSegmenter(chunkDur time.Duration) *Segmenter {
	return NewSegmenter(SegmenterConfig{
		ChunkDuration: chunkDur,
		SampleRate:    24000,
		Chunking:      true,
	})
}

func TestSegmenterShortStream(t *testing.T) {
	// A stream shorter than one chunk threshold must yield exactly one
	// chunk, marked final, carrying all the audio.
	seg := newTestSegmenter(100 * time.Millisecond) // 4800 bytes at 24kHz

	delta := bytes.Repeat([]byte{0x01, 0x02}, 500) // 1000 bytes
	if chunks := seg.PushDelta("s1", delta); len(chunks) != 0 {
		t.Fatalf("Expected no chunks before threshold, got %d", len(chunks))
	}

	final := seg.EndOfStream("s1")
	if !final.Final {
		t.Error("Expected final chunk to be marked final")
	}
	if final.Index != 0 {
		t.Errorf("Expected index 0, got %d", final.Index)
	}
	if !bytes.Equal(final.PCM, delta) {
		t.Errorf("Expected %d bytes in final chunk, got %d", len(delta), len(final.PCM))
	}
}

func TestSegmenterThresholdMultiples(t *testing.T) {
	// 3.2x the threshold must yield 3 full chunks plus 1 partial final.
	seg := newTestSegmenter(100 * time.Millisecond)
	chunkBytes := 4800

	total := int(3.2 * float64(chunkBytes))
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i)
	}

	// Push in awkward delta sizes to exercise buffering.
	var got []Chunk
	for off := 0; off < total; off += 1111 {
		end := off + 1111
		if end > total {
			end = total
		}
		got = append(got, seg.PushDelta("s1", data[off:end])...)
	}
	got = append(got, seg.EndOfStream("s1"))

	if len(got) != 4 {
		t.Fatalf("Expected 4 chunks (3 full + 1 partial final), got %d", len(got))
	}
	for i, c := range got {
		if c.Index != i {
			t.Errorf("Chunk %d has index %d", i, c.Index)
		}
		if i < 3 {
			if len(c.PCM) != chunkBytes {
				t.Errorf("Chunk %d: expected %d bytes, got %d", i, chunkBytes, len(c.PCM))
			}
			if c.Final {
				t.Errorf("Chunk %d should not be final", i)
			}
		}
	}
	final := got[3]
	if !final.Final {
		t.Error("Last chunk should be final")
	}
	if len(final.PCM) != total-3*chunkBytes {
		t.Errorf("Final chunk: expected %d bytes, got %d", total-3*chunkBytes, len(final.PCM))
	}

	// No loss, no reorder: reassembled stream equals input.
	var reassembled []byte
	for _, c := range got {
		reassembled = append(reassembled, c.PCM...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Error("Reassembled chunks do not match the input stream")
	}
}

func TestSegmenterEmptyFinalChunk(t *testing.T) {
	seg := newTestSegmenter(100 * time.Millisecond)

	// Exactly one threshold of audio, then end: the final marker is empty.
	chunks := seg.PushDelta("s1", make([]byte, 4800))
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}

	final := seg.EndOfStream("s1")
	if !final.Final {
		t.Error("Expected final marker")
	}
	if len(final.PCM) != 0 {
		t.Errorf("Expected empty final chunk, got %d bytes", len(final.PCM))
	}
	if final.Index != 1 {
		t.Errorf("Expected final index 1, got %d", final.Index)
	}
}

func TestSegmenterRejectsDeltasAfterEnd(t *testing.T) {
	seg := newTestSegmenter(100 * time.Millisecond)
	seg.PushDelta("s1", make([]byte, 100))
	seg.EndOfStream("s1")

	if chunks := seg.PushDelta("s1", make([]byte, 9600)); len(chunks) != 0 {
		t.Errorf("Expected deltas after end-of-stream to be discarded, got %d chunks", len(chunks))
	}
	if n := seg.BufferedBytes("s1"); n != 0 {
		t.Errorf("Expected no buffered audio after end-of-stream, got %d bytes", n)
	}
}

func TestSegmenterSingleBlobMode(t *testing.T) {
	seg := NewSegmenter(SegmenterConfig{SampleRate: 24000, Chunking: false})

	for i := 0; i < 10; i++ {
		if chunks := seg.PushDelta("s1", make([]byte, 4800)); len(chunks) != 0 {
			t.Fatalf("Expected no chunks in single-blob mode, got %d", len(chunks))
		}
	}

	final := seg.EndOfStream("s1")
	if !final.Final || final.Index != 0 {
		t.Errorf("Expected one final chunk with index 0, got final=%v index=%d", final.Final, final.Index)
	}
	if len(final.PCM) != 48000 {
		t.Errorf("Expected 48000 bytes, got %d", len(final.PCM))
	}
}

func TestSegmenterIndependentSessions(t *testing.T) {
	seg := newTestSegmenter(100 * time.Millisecond)

	seg.PushDelta("a", make([]byte, 4800))
	seg.PushDelta("b", make([]byte, 100))

	finalB := seg.EndOfStream("b")
	if len(finalB.PCM) != 100 || finalB.Index != 0 {
		t.Errorf("Session b leaked state: %d bytes, index %d", len(finalB.PCM), finalB.Index)
	}
}

func TestSegmenterDrop(t *testing.T) {
	seg := newTestSegmenter(100 * time.Millisecond)
	seg.PushDelta("s1", make([]byte, 1000))
	seg.Drop("s1")

	if n := seg.BufferedBytes("s1"); n != 0 {
		t.Errorf("Expected buffer discarded after Drop, got %d bytes", n)
	}
}
