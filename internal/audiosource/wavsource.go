package audiosource

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/aaronsb/livetranscripts/pkg/logger"
)

// WAVFixtureConfig configures playback of a canned WAV file, standing in
// for a live ffmpeg source in tests and offline demos.
type WAVFixtureConfig struct {
	FrameSamples int
	BlockTimeout time.Duration
	// RealTime paces playback to match the audio's sample rate; disabled it
	// runs as fast as the reader can supply bytes, for tests.
	RealTime bool
}

// WAVFixtureSource reads 16-bit PCM samples from an io.Reader positioned
// at the start of a WAV file's data chunk and pushes them to a Sink at
// FrameSamples granularity.
type WAVFixtureSource struct {
	cfg        WAVFixtureConfig
	sink       Sink
	log        *logger.Logger
	sampleRate int
	channels   int
}

// NewWAVFixtureSource creates a source. The reader is passed to Run and must
// already be positioned at the first PCM sample (see SkipWAVHeader).
func NewWAVFixtureSource(cfg WAVFixtureConfig, sampleRate, channels int, sink Sink, log *logger.Logger) *WAVFixtureSource {
	return &WAVFixtureSource{
		cfg:        cfg,
		sink:       sink,
		log:        log.Named("audiosource-wav"),
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// Run streams frames from r until EOF or ctx is canceled.
func (s *WAVFixtureSource) Run(ctx context.Context, r io.Reader) error {
	frameBytes := s.cfg.FrameSamples * 2
	buf := make([]byte, frameBytes)
	frameDuration := time.Duration(0)
	if s.cfg.RealTime && s.sampleRate > 0 {
		frameDuration = time.Duration(s.cfg.FrameSamples) * time.Second / time.Duration(s.sampleRate)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := io.ReadFull(r, buf)
		if n > 0 {
			s.pushFrame(ctx, buf[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading wav fixture: %w", err)
		}
		if frameDuration > 0 {
			select {
			case <-time.After(frameDuration):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *WAVFixtureSource) pushFrame(ctx context.Context, chunk []byte) {
	samples := make([]int16, len(chunk)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(chunk[i*2:]))
	}
	s.sink.PushAudio(ctx, samples, time.Now(), s.cfg.BlockTimeout)
}

// SkipWAVHeader advances r past a canonical 44-byte PCM WAV header, leaving
// it positioned at the start of sample data. It does not validate the
// header's fields; callers that need format detection should parse it
// themselves.
func SkipWAVHeader(r io.Reader) error {
	header := make([]byte, 44)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading wav header: %w", err)
	}
	return nil
}
