// Package audiosource turns a live or fixture audio stream into int16 PCM
// frames pushed to a Sink (normally a hub.Hub). FFmpegSource manages one
// ffmpeg subprocess with the auto-reconnect behavior the pack's audio
// ingestion code uses for flaky network sources.
package audiosource

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/aaronsb/livetranscripts/pkg/logger"
)

// Sink receives decoded PCM frames. hub.Hub implements this.
type Sink interface {
	PushAudio(ctx context.Context, frame []int16, ts time.Time, blockTimeout time.Duration)
	ResetOnAudioTruncation()
}

// FFmpegConfig configures the ffmpeg subprocess and frame decoding.
type FFmpegConfig struct {
	Path           string
	SourceURL      string
	SampleRate     int
	Channels       int
	FrameSamples   int // samples per pushed frame, per channel-interleaved sample count
	ReconnectDelay time.Duration
	BlockTimeout   time.Duration
}

// FFmpegSource pipes ffmpeg's raw PCM stdout into fixed-size frames and
// pushes them to a Sink, restarting the subprocess on read errors or
// unexpected exit.
type FFmpegSource struct {
	cfg  FFmpegConfig
	sink Sink
	log  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	cmd            *exec.Cmd
	stdout         io.ReadCloser
	running        bool
	reconnectTimer *time.Timer
	monitorTicker  *time.Ticker
	lastActivity   time.Time
	lastError      error
}

// NewFFmpegSource creates a source that has not yet started its subprocess.
func NewFFmpegSource(cfg FFmpegConfig, sink Sink, log *logger.Logger) *FFmpegSource {
	return &FFmpegSource{
		cfg:  cfg,
		sink: sink,
		log:  log.Named("audiosource-ffmpeg"),
	}
}

// Start launches the ffmpeg subprocess and begins pushing frames until ctx
// is canceled or Stop is called.
func (s *FFmpegSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.startFFmpeg(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}
	s.startMonitoring()
	s.running = true
	return nil
}

// Stop terminates the ffmpeg subprocess and stops monitoring.
func (s *FFmpegSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.monitorTicker != nil {
		s.monitorTicker.Stop()
		s.monitorTicker = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.stopFFmpeg()
	s.running = false
}

func (s *FFmpegSource) startFFmpeg() error {
	args := []string{
		"-loglevel", "error",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-reconnect", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_streamed", "1",
		"-i", s.cfg.SourceURL,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", fmt.Sprintf("%d", s.cfg.Channels),
		"-ar", fmt.Sprintf("%d", s.cfg.SampleRate),
		"-flush_packets", "1",
		"pipe:1",
	}

	s.cmd = exec.CommandContext(s.ctx, s.cfg.Path, args...)
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	s.stdout = stdout

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	go s.readLoop(s.stdout)
	return nil
}

func (s *FFmpegSource) stopFFmpeg() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// readLoop decodes raw little-endian s16 bytes into frames of FrameSamples
// and pushes each complete frame to the sink. It exits on ctx cancellation
// or a read error, scheduling a reconnect in the latter case.
func (s *FFmpegSource) readLoop(stdout io.ReadCloser) {
	frameBytes := s.cfg.FrameSamples * 2
	var carry bytes.Buffer
	buf := make([]byte, 4096)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, err := stdout.Read(buf)
		if n > 0 {
			carry.Write(buf[:n])
			s.mu.Lock()
			s.lastActivity = time.Now()
			s.mu.Unlock()

			for carry.Len() >= frameBytes {
				chunk := carry.Next(frameBytes)
				s.pushFrame(chunk)
			}
		}

		if err != nil {
			if err != io.EOF {
				s.log.Error("ffmpeg read error", logger.Error(err))
			}
			s.scheduleReconnect(err)
			return
		}
	}
}

func (s *FFmpegSource) pushFrame(chunk []byte) {
	samples := make([]int16, len(chunk)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(chunk[i*2:]))
	}
	s.sink.PushAudio(s.ctx, samples, time.Now(), s.cfg.BlockTimeout)
}

func (s *FFmpegSource) scheduleReconnect(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.reconnectTimer != nil {
		return
	}
	s.lastError = cause
	s.sink.ResetOnAudioTruncation()
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.reconnectTimer = nil
		if !s.running {
			return
		}
		s.stopFFmpeg()
		if err := s.startFFmpeg(); err != nil {
			s.log.Error("ffmpeg restart failed", logger.Error(err))
		}
	})
}

func (s *FFmpegSource) startMonitoring() {
	s.monitorTicker = time.NewTicker(5 * time.Second)
	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.monitorTicker.C:
				s.mu.Lock()
				exited := s.running && s.cmd != nil && s.cmd.ProcessState != nil
				s.mu.Unlock()
				if exited {
					s.log.Warn("ffmpeg process exited unexpectedly")
					s.scheduleReconnect(fmt.Errorf("process exited"))
				}
			}
		}
	}()
}

// Status reports the last known health of the subprocess.
func (s *FFmpegSource) Status() (running bool, lastActivity time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.lastActivity, s.lastError
}
