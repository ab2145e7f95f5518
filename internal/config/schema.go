package config

import "time"

// Config holds snapshelf configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Server      ServerCfg      `mapstructure:"server" yaml:"server"`
	Store       StoreCfg       `mapstructure:"store" yaml:"store"`
	Defra       DefraConfig    `mapstructure:"defra" yaml:"defra"`
	Blob        BlobCfg        `mapstructure:"blob" yaml:"blob"`
	LLM         LLMCfg         `mapstructure:"llm" yaml:"llm"`
	OCR         OCRCfg         `mapstructure:"ocr" yaml:"ocr"`
	GoogleBooks GoogleBooksCfg `mapstructure:"google_books" yaml:"google_books"`
	Libgen      LibgenCfg      `mapstructure:"libgen" yaml:"libgen"`
	Pipeline    PipelineCfg    `mapstructure:"pipeline" yaml:"pipeline"`
	Acquisition AcquisitionCfg `mapstructure:"acquisition" yaml:"acquisition"`
	Queue       QueueCfg       `mapstructure:"queue" yaml:"queue"`
}

// ServerCfg is the HTTP listen address.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// StoreCfg selects the durable store.
type StoreCfg struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // "sqlite", "defra" or "memory"
	// Path is the SQLite file. Empty means {home}/snapshelf.db.
	Path string `mapstructure:"path" yaml:"path"`
}

// DefraConfig holds DefraDB container configuration.
type DefraConfig struct {
	// ContainerName is the Docker container name (default: snapshelf-defra)
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Image is the Docker image to use (default: sourcenetwork/defradb:latest)
	Image string `mapstructure:"image" yaml:"image"`
	// Port is the host port to bind (default: 9181)
	Port string `mapstructure:"port" yaml:"port"`
}

// BlobCfg selects where cover images live.
type BlobCfg struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // "fs" or "minio"
	// Dir is the fs root. Empty means {home}/blobs.
	Dir        string        `mapstructure:"dir" yaml:"dir"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket     string        `mapstructure:"bucket" yaml:"bucket"`
	AccessKey  string        `mapstructure:"access_key" yaml:"access_key"` // supports ${ENV_VAR}
	SecretKey  string        `mapstructure:"secret_key" yaml:"secret_key"` // supports ${ENV_VAR}
	Region     string        `mapstructure:"region" yaml:"region"`
	UseSSL     bool          `mapstructure:"use_ssl" yaml:"use_ssl"`
	PresignTTL time.Duration `mapstructure:"presign_ttl" yaml:"presign_ttl"`
}

// LLMCfg configures the OpenAI-compatible chat endpoint.
type LLMCfg struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey        string        `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR}
	VisionModel   string        `mapstructure:"vision_model" yaml:"vision_model"`
	ClassifyModel string        `mapstructure:"classify_model" yaml:"classify_model"`
	FormatModel   string        `mapstructure:"format_model" yaml:"format_model"`
	RateLimit     float64       `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second, 0 for none
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`

	// Prompts overrides embedded prompt text by key, e.g. "cover.system".
	Prompts map[string]string `mapstructure:"prompts" yaml:"prompts,omitempty"`
}

// OCRCfg configures the Mistral OCR fallback for image-only PDFs.
type OCRCfg struct {
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`       // supports ${ENV_VAR}
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second
}

type GoogleBooksCfg struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"` // optional, supports ${ENV_VAR}
}

type LibgenCfg struct {
	SearchURL string        `mapstructure:"search_url" yaml:"search_url"`
	MirrorURL string        `mapstructure:"mirror_url" yaml:"mirror_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PipelineCfg tunes the vision gate and the content locator.
type PipelineCfg struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	ScanLimit           int     `mapstructure:"scan_limit" yaml:"scan_limit"`
	MinTextLength       int     `mapstructure:"min_text_length" yaml:"min_text_length"`
	SampleChars         int     `mapstructure:"sample_chars" yaml:"sample_chars"`
	DedupeWindow        int     `mapstructure:"dedupe_window" yaml:"dedupe_window"`
	DedupeThreshold     float64 `mapstructure:"dedupe_threshold" yaml:"dedupe_threshold"`
	Reformat            bool    `mapstructure:"reformat" yaml:"reformat"`
	KeepDownloads       bool    `mapstructure:"keep_downloads" yaml:"keep_downloads"`
}

// AcquisitionCfg controls which catalogue candidates are downloaded.
type AcquisitionCfg struct {
	FictionFormats    []string      `mapstructure:"fiction_formats" yaml:"fiction_formats"`
	NonfictionFormats []string      `mapstructure:"nonfiction_formats" yaml:"nonfiction_formats"`
	MaxBytes          int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`
}

// QueueCfg sizes the task queue.
type QueueCfg struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns host:port for the HTTP server.
func (s ServerCfg) Addr() string {
	return s.Host + ":" + s.Port
}
