package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LibraryConfig struct {
	Root           string `yaml:"root"`
	AudioExt       string `yaml:"audio_ext"`
	SourceEncoding string `yaml:"source_encoding"`
}

// SynthesisConfig carries the connection settings and the fixed tuning
// parameters sent with every /voice request.
type SynthesisConfig struct {
	Host             string  `yaml:"host"`
	Port             int     `yaml:"port"`
	ModelID          int     `yaml:"model_id"`
	Language         string  `yaml:"language"`
	Style            string  `yaml:"style"`
	StyleWeight      float64 `yaml:"style_weight"`
	SDPRatio         float64 `yaml:"sdp_ratio"`
	Noise            float64 `yaml:"noise"`
	NoiseW           float64 `yaml:"noise_w"`
	LengthScale      float64 `yaml:"length_scale"`
	AutoSplit        bool    `yaml:"auto_split"`
	SplitInterval    float64 `yaml:"split_interval"`
	AssistTextWeight float64 `yaml:"assist_text_weight"`
	TimeoutMS        int     `yaml:"timeout_ms"`
}

type RecorderConfig struct {
	Concurrency      int `yaml:"concurrency"`
	MaxSegmentRunes  int `yaml:"max_segment_runes"`
	MaxDocumentRunes int `yaml:"max_document_runes"`
}

type MergerConfig struct {
	Concurrency        int    `yaml:"concurrency"`
	ChunkThreshold     int    `yaml:"chunk_threshold"`
	ChunkSize          int    `yaml:"chunk_size"`
	Transcode          bool   `yaml:"transcode"`
	Bitrate            string `yaml:"bitrate"`
	FfmpegCommand      string `yaml:"ffmpeg_command"`
	ToolTimeoutMS      int    `yaml:"tool_timeout_ms"`
	MaxToolOutputBytes int    `yaml:"max_tool_output_bytes"`
}

type LocaleConfig struct {
	Path    string `yaml:"path"`
	Default string `yaml:"default"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
	Library     LibraryConfig   `yaml:"library"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Recorder    RecorderConfig  `yaml:"recorder"`
	Merger      MergerConfig    `yaml:"merger"`
	Locale      LocaleConfig    `yaml:"locale"`
}

func Default() Config {
	return Config{
		RuntimeName: "aozorastation",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/aozora-journal.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		Library: LibraryConfig{
			Root:           "./file",
			AudioExt:       ".wav",
			SourceEncoding: "utf-8",
		},
		Synthesis: SynthesisConfig{
			Host:             "127.0.0.1",
			Port:             5000,
			ModelID:          0,
			Language:         "JP",
			Style:            "Neutral",
			StyleWeight:      5.0,
			SDPRatio:         0.2,
			Noise:            0.6,
			NoiseW:           0.8,
			LengthScale:      1.1,
			AutoSplit:        true,
			SplitInterval:    2,
			AssistTextWeight: 1.0,
			TimeoutMS:        0,
		},
		Recorder: RecorderConfig{
			Concurrency:      4,
			MaxSegmentRunes:  500,
			MaxDocumentRunes: 1000000,
		},
		Merger: MergerConfig{
			Concurrency:        2,
			ChunkThreshold:     1000,
			ChunkSize:          500,
			Transcode:          true,
			Bitrate:            "96k",
			FfmpegCommand:      "ffmpeg",
			ToolTimeoutMS:      10000,
			MaxToolOutputBytes: 1 << 20,
		},
		Locale: LocaleConfig{
			Path:    "./file/language.txt",
			Default: "japanese",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "AOZORA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AOZORA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AOZORA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AOZORA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AOZORA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AOZORA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AOZORA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "AOZORA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AOZORA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "AOZORA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AOZORA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AOZORA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AOZORA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AOZORA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AOZORA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "AOZORA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "AOZORA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "AOZORA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRuns, "AOZORA_JOURNAL_MAX_RUNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "AOZORA_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Library.Root, "AOZORA_LIBRARY_ROOT")
	overrideString(&cfg.Library.AudioExt, "AOZORA_LIBRARY_AUDIO_EXT")
	overrideString(&cfg.Library.SourceEncoding, "AOZORA_LIBRARY_SOURCE_ENCODING")
	overrideString(&cfg.Synthesis.Host, "AOZORA_SYNTHESIS_HOST")
	overrideInt(&cfg.Synthesis.Port, "AOZORA_SYNTHESIS_PORT")
	overrideInt(&cfg.Synthesis.ModelID, "AOZORA_SYNTHESIS_MODEL_ID")
	overrideString(&cfg.Synthesis.Language, "AOZORA_SYNTHESIS_LANGUAGE")
	overrideString(&cfg.Synthesis.Style, "AOZORA_SYNTHESIS_STYLE")
	overrideFloat(&cfg.Synthesis.StyleWeight, "AOZORA_SYNTHESIS_STYLE_WEIGHT")
	overrideFloat(&cfg.Synthesis.SDPRatio, "AOZORA_SYNTHESIS_SDP_RATIO")
	overrideFloat(&cfg.Synthesis.Noise, "AOZORA_SYNTHESIS_NOISE")
	overrideFloat(&cfg.Synthesis.NoiseW, "AOZORA_SYNTHESIS_NOISE_W")
	overrideFloat(&cfg.Synthesis.LengthScale, "AOZORA_SYNTHESIS_LENGTH_SCALE")
	overrideBool(&cfg.Synthesis.AutoSplit, "AOZORA_SYNTHESIS_AUTO_SPLIT")
	overrideFloat(&cfg.Synthesis.SplitInterval, "AOZORA_SYNTHESIS_SPLIT_INTERVAL")
	overrideFloat(&cfg.Synthesis.AssistTextWeight, "AOZORA_SYNTHESIS_ASSIST_TEXT_WEIGHT")
	overrideInt(&cfg.Synthesis.TimeoutMS, "AOZORA_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Recorder.Concurrency, "AOZORA_RECORDER_CONCURRENCY")
	overrideInt(&cfg.Recorder.MaxSegmentRunes, "AOZORA_RECORDER_MAX_SEGMENT_RUNES")
	overrideInt(&cfg.Recorder.MaxDocumentRunes, "AOZORA_RECORDER_MAX_DOCUMENT_RUNES")
	overrideInt(&cfg.Merger.Concurrency, "AOZORA_MERGER_CONCURRENCY")
	overrideInt(&cfg.Merger.ChunkThreshold, "AOZORA_MERGER_CHUNK_THRESHOLD")
	overrideInt(&cfg.Merger.ChunkSize, "AOZORA_MERGER_CHUNK_SIZE")
	overrideBool(&cfg.Merger.Transcode, "AOZORA_MERGER_TRANSCODE")
	overrideString(&cfg.Merger.Bitrate, "AOZORA_MERGER_BITRATE")
	overrideString(&cfg.Merger.FfmpegCommand, "AOZORA_MERGER_FFMPEG_COMMAND")
	overrideInt(&cfg.Merger.ToolTimeoutMS, "AOZORA_MERGER_TOOL_TIMEOUT_MS")
	overrideInt(&cfg.Merger.MaxToolOutputBytes, "AOZORA_MERGER_MAX_TOOL_OUTPUT_BYTES")
	overrideString(&cfg.Locale.Path, "AOZORA_LOCALE_PATH")
	overrideString(&cfg.Locale.Default, "AOZORA_LOCALE_DEFAULT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty")
	}
	if cfg.Library.Root == "" {
		return errors.New("library.root must not be empty")
	}
	if !strings.HasPrefix(cfg.Library.AudioExt, ".") {
		return errors.New("library.audio_ext must start with a dot")
	}
	switch strings.ToLower(cfg.Library.SourceEncoding) {
	case "utf-8", "utf8", "shift_jis", "shift-jis", "sjis":
	default:
		return fmt.Errorf("library.source_encoding %q is not supported", cfg.Library.SourceEncoding)
	}
	if cfg.Synthesis.Port <= 0 || cfg.Synthesis.Port > 65535 {
		return errors.New("synthesis.port must be between 1 and 65535")
	}
	if cfg.Recorder.Concurrency <= 0 {
		return errors.New("recorder.concurrency must be positive")
	}
	if cfg.Recorder.MaxSegmentRunes <= 0 {
		return errors.New("recorder.max_segment_runes must be positive")
	}
	if cfg.Merger.ChunkSize <= 0 {
		return errors.New("merger.chunk_size must be positive")
	}
	if cfg.Merger.ChunkThreshold < cfg.Merger.ChunkSize {
		return errors.New("merger.chunk_threshold must not be below merger.chunk_size")
	}
	if cfg.Merger.FfmpegCommand == "" {
		return errors.New("merger.ffmpeg_command must not be empty")
	}
	return nil
}
