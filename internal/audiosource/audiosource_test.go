package audiosource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

type recordingSink struct {
	frames [][]int16
	resets int
}

func (r *recordingSink) PushAudio(ctx context.Context, frame []int16, ts time.Time, blockTimeout time.Duration) {
	cp := make([]int16, len(frame))
	copy(cp, frame)
	r.frames = append(r.frames, cp)
}

func (r *recordingSink) ResetOnAudioTruncation() {
	r.resets++
}

func wavBody(samples []int16) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 44)) // fixture header, contents irrelevant to SkipWAVHeader
	buf.Write(ai.Int16ToPCMBytes(samples))
	return buf.Bytes()
}

func TestWAVFixtureSourcePushesFramesOfConfiguredSize(t *testing.T) {
	samples := make([]int16, 40) // two frames of 20
	for i := range samples {
		samples[i] = int16(i)
	}
	data := wavBody(samples)
	r := bytes.NewReader(data)
	if err := SkipWAVHeader(r); err != nil {
		t.Fatalf("SkipWAVHeader: %v", err)
	}

	sink := &recordingSink{}
	src := NewWAVFixtureSource(WAVFixtureConfig{FrameSamples: 20, BlockTimeout: time.Second}, 16000, 1, sink, logger.NewNop())

	if err := src.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sink.frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(sink.frames))
	}
	if sink.frames[0][0] != 0 || sink.frames[1][0] != 20 {
		t.Fatalf("frame contents wrong: %v / %v", sink.frames[0][:1], sink.frames[1][:1])
	}
}

func TestWAVFixtureSourceStopsOnContextCancel(t *testing.T) {
	samples := make([]int16, 1000)
	data := wavBody(samples)
	r := bytes.NewReader(data)
	_ = SkipWAVHeader(r)

	sink := &recordingSink{}
	src := NewWAVFixtureSource(WAVFixtureConfig{FrameSamples: 20, BlockTimeout: time.Second, RealTime: true}, 16000, 1, sink, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := src.Run(ctx, r)
	if err == nil {
		t.Fatalf("expected context error, got nil")
	}
}

func TestSkipWAVHeaderErrorsOnShortInput(t *testing.T) {
	r := bytes.NewReader([]byte{1, 2, 3})
	if err := SkipWAVHeader(r); err == nil {
		t.Fatalf("expected error on truncated header")
	}
}

