// Package config loads and validates the TOML configuration for the pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Audio         AudioConfig         `toml:"audio"`
	Batching      BatchingConfig      `toml:"batching"`
	VAD           VADConfig           `toml:"vad"`
	Transcription TranscriptionConfig `toml:"transcription"`
	ContextMgr    ContextMgrConfig    `toml:"context_manager"`
	Logging       LoggingConfig       `toml:"logging"`
	Storage       StorageConfig       `toml:"storage"`
	Knowledge     KnowledgeConfig     `toml:"knowledge"`
}

type ServerConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	AdditionalPorts  []int  `toml:"additional_ports"`
	ReadTimeoutSecs  int    `toml:"read_timeout_secs"`
	WriteTimeoutSecs int    `toml:"write_timeout_secs"`
	IdleTimeoutSecs  int    `toml:"idle_timeout_secs"`
}

type AudioConfig struct {
	SampleRate               int     `toml:"sample_rate"`
	ChunkSize                int     `toml:"chunk_size"`
	BufferDuration           float64 `toml:"buffer_duration"`
	SourceURL                string  `toml:"source_url"`
	SourceType               string  `toml:"source_type"` // "ffmpeg" or "wav_fixture"
	FFmpegPath               string  `toml:"ffmpeg_path"`
	FFmpegReconnectDelaySecs float64 `toml:"ffmpeg_reconnect_delay_secs"`
}

type BatchingConfig struct {
	MinBatchDuration         float64 `toml:"min_batch_duration"`
	MaxBatchDuration         float64 `toml:"max_batch_duration"`
	SilenceDurationThreshold float64 `toml:"silence_duration_threshold"`
	BatchOverlap             float64 `toml:"batch_overlap"`
	QueueDepth               int     `toml:"queue_depth"`
	QueueBlockTimeoutSecs    float64 `toml:"queue_block_timeout_secs"`
}

type VADConfig struct {
	EnterThreshold   float64 `toml:"enter_threshold"`
	ExitThreshold    float64 `toml:"exit_threshold"`
	MinUnvoiceFrames int     `toml:"min_unvoice_frames"`
	FrameDurationMs  int     `toml:"frame_duration_ms"`
}

type TranscriptionConfig struct {
	Model          string   `toml:"model"`
	ModelFallback  []string `toml:"model_fallback"`
	APITimeoutSecs float64  `toml:"api_timeout_secs"`
	MaxRetries     int      `toml:"max_retries"`
	RetryDelaySecs float64  `toml:"retry_delay_secs"`
	Parallelism    int      `toml:"parallelism"`
	OpenAIAPIKey   string   `toml:"openai_api_key"`
	OpenAIBaseURL  string   `toml:"openai_base_url"`
	GeminiAPIKey   string   `toml:"gemini_api_key"`
}

type ContextMgrConfig struct {
	InsightIntervalSecs        float64 `toml:"insight_interval_secs"`
	QuestionUpdateIntervalSecs float64 `toml:"question_update_interval_secs"`
	NumDynamicQuestions        int     `toml:"num_dynamic_questions"`
	KnowledgeByteBudget        int     `toml:"knowledge_byte_budget"`
	ChatModel                  string  `toml:"chat_model"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"`
}

type KnowledgeConfig struct {
	DocsDir string `toml:"docs_dir"`
}

// Load reads and parses a TOML config file from path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadWithFallback tries preferredPath, then configs/config.toml, then config.toml.
func LoadWithFallback(preferredPath string) (*Config, error) {
	var candidates []string
	if preferredPath != "" {
		candidates = append(candidates, preferredPath)
	}
	candidates = append(candidates, filepath.Join("configs", "config.toml"), "config.toml")

	seen := make(map[string]bool)
	var lastErr error
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		if _, err := os.Stat(c); err != nil {
			lastErr = err
			continue
		}
		return Load(c)
	}

	if preferredPath == "" {
		// No config file found anywhere: run on defaults.
		return &Config{}, nil
	}

	return nil, fmt.Errorf("no config file found (last error: %w)", lastErr)
}

// Validate checks cross-field constraints and fills in defaults for unset fields.
func (c *Config) Validate() error {
	c.validateServer()
	c.validateAudio()
	if err := c.validateBatching(); err != nil {
		return err
	}
	c.validateVAD()
	c.validateTranscription()
	c.validateContextMgr()
	c.validateLogging()
	c.validateStorage()
	return nil
}

func (c *Config) validateServer() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8765
	}
	if c.Server.ReadTimeoutSecs <= 0 {
		c.Server.ReadTimeoutSecs = 15
	}
	if c.Server.WriteTimeoutSecs <= 0 {
		c.Server.WriteTimeoutSecs = 15
	}
	if c.Server.IdleTimeoutSecs <= 0 {
		c.Server.IdleTimeoutSecs = 60
	}
}

func (c *Config) validateAudio() {
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.ChunkSize <= 0 {
		c.Audio.ChunkSize = 1024
	}
	if c.Audio.BufferDuration <= 0 {
		c.Audio.BufferDuration = 10.0
	}
	if c.Audio.SourceType == "" {
		c.Audio.SourceType = "ffmpeg"
	}
	if c.Audio.FFmpegPath == "" {
		c.Audio.FFmpegPath = "ffmpeg"
	}
	if c.Audio.FFmpegReconnectDelaySecs <= 0 {
		c.Audio.FFmpegReconnectDelaySecs = 2.0
	}
}

func (c *Config) validateBatching() error {
	if c.Batching.MinBatchDuration <= 0 {
		c.Batching.MinBatchDuration = 3.0
	}
	if c.Batching.MaxBatchDuration <= 0 {
		c.Batching.MaxBatchDuration = 30.0
	}
	if c.Batching.MaxBatchDuration <= c.Batching.MinBatchDuration {
		return fmt.Errorf("max_batch_duration (%.2f) must be greater than min_batch_duration (%.2f)",
			c.Batching.MaxBatchDuration, c.Batching.MinBatchDuration)
	}
	if c.Batching.SilenceDurationThreshold <= 0 {
		c.Batching.SilenceDurationThreshold = 0.5
	}
	if c.Batching.BatchOverlap <= 0 {
		c.Batching.BatchOverlap = 0.5
	}
	if c.Batching.QueueDepth <= 0 {
		c.Batching.QueueDepth = 16
	}
	if c.Batching.QueueBlockTimeoutSecs <= 0 {
		c.Batching.QueueBlockTimeoutSecs = 10.0
	}
	return nil
}

func (c *Config) validateVAD() {
	if c.VAD.EnterThreshold <= 0 {
		c.VAD.EnterThreshold = 500
	}
	if c.VAD.ExitThreshold <= 0 {
		c.VAD.ExitThreshold = c.VAD.EnterThreshold * 0.6
	}
	if c.VAD.MinUnvoiceFrames <= 0 {
		c.VAD.MinUnvoiceFrames = 3
	}
	if c.VAD.FrameDurationMs <= 0 {
		c.VAD.FrameDurationMs = 20
	}
}

func (c *Config) validateTranscription() {
	if c.Transcription.APITimeoutSecs <= 0 {
		c.Transcription.APITimeoutSecs = 30
	}
	if c.Transcription.MaxRetries <= 0 {
		c.Transcription.MaxRetries = 3
	}
	if c.Transcription.RetryDelaySecs <= 0 {
		c.Transcription.RetryDelaySecs = 1.0
	}
	if c.Transcription.Parallelism <= 0 {
		c.Transcription.Parallelism = 1
	}
	if c.Transcription.Model == "" {
		c.Transcription.Model = "whisper-1"
	}
}

func (c *Config) validateContextMgr() {
	if c.ContextMgr.InsightIntervalSecs <= 0 {
		c.ContextMgr.InsightIntervalSecs = 60
	}
	if c.ContextMgr.QuestionUpdateIntervalSecs <= 0 {
		c.ContextMgr.QuestionUpdateIntervalSecs = 15
	}
	if c.ContextMgr.NumDynamicQuestions <= 0 {
		c.ContextMgr.NumDynamicQuestions = 4
	}
	if c.ContextMgr.KnowledgeByteBudget <= 0 {
		c.ContextMgr.KnowledgeByteBudget = 32 * 1024
	}
	if c.ContextMgr.ChatModel == "" {
		c.ContextMgr.ChatModel = "gpt-4o-mini"
	}
}

func (c *Config) validateLogging() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

func (c *Config) validateStorage() {
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "livetranscripts.db"
	}
}
