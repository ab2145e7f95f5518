package config

import (
	"path/filepath"
	"time"

	"github.com/jackzampolin/snapshelf/internal/blob"
	"github.com/jackzampolin/snapshelf/internal/catalog"
	"github.com/jackzampolin/snapshelf/internal/locator"
	"github.com/jackzampolin/snapshelf/internal/pipeline"
	"github.com/jackzampolin/snapshelf/internal/providers"
	"github.com/jackzampolin/snapshelf/internal/queue"
)

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	pl := pipeline.DefaultConfig()
	loc := locator.DefaultConfig()
	return &Config{
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Store: StoreCfg{
			Driver: "sqlite",
		},
		Defra: DefraConfig{
			ContainerName: "snapshelf-defra",
			Image:         "sourcenetwork/defradb:latest",
			Port:          "9181",
		},
		Blob: BlobCfg{
			Driver:     "fs",
			Bucket:     "snapshelf",
			AccessKey:  "${MINIO_ACCESS_KEY}",
			SecretKey:  "${MINIO_SECRET_KEY}",
			Region:     "us-east-1",
			PresignTTL: 15 * time.Minute,
		},
		LLM: LLMCfg{
			BaseURL:       providers.OpenAIBaseURL,
			APIKey:        "${OPENAI_API_KEY}",
			VisionModel:   providers.OpenAIModel,
			ClassifyModel: providers.OpenAIModel,
			FormatModel:   providers.OpenAIModel,
			RateLimit:     5,
			Timeout:       2 * time.Minute,
			MaxRetries:    2,
		},
		OCR: OCRCfg{
			Enabled:   false,
			APIKey:    "${MISTRAL_API_KEY}",
			RateLimit: 6.0,
		},
		GoogleBooks: GoogleBooksCfg{
			BaseURL: catalog.GoogleBooksBaseURL,
			APIKey:  "${GOOGLE_BOOKS_API_KEY}",
		},
		Libgen: LibgenCfg{
			SearchURL: catalog.LibgenSearchURL,
			MirrorURL: catalog.LibgenMirrorURL,
			Timeout:   30 * time.Second,
		},
		Pipeline: PipelineCfg{
			ConfidenceThreshold: pl.ConfidenceThreshold,
			ScanLimit:           loc.ScanLimit,
			MinTextLength:       loc.MinTextLength,
			SampleChars:         loc.SampleChars,
			DedupeWindow:        loc.DedupeWindow,
			DedupeThreshold:     loc.DedupeThreshold,
			Reformat:            loc.Reformat,
		},
		Acquisition: AcquisitionCfg{
			FictionFormats:    pl.FictionFormats,
			NonfictionFormats: pl.NonfictionFormats,
			MaxBytes:          pl.MaxBytes,
			DownloadTimeout:   pl.DownloadTimeout,
		},
		Queue: QueueCfg{
			Workers:         4,
			MaxAttempts:     3,
			BackoffBase:     time.Second,
			BackoffMax:      30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// ProvidersConfig converts the llm and ocr sections for providers.Registry.
// It resolves all ${ENV_VAR} references in API keys.
func (c *Config) ProvidersConfig() providers.Config {
	prompts := make(map[string]string, len(c.LLM.Prompts))
	for k, v := range c.LLM.Prompts {
		prompts[k] = v
	}
	return providers.Config{
		BaseURL:       c.LLM.BaseURL,
		APIKey:        ResolveEnvVars(c.LLM.APIKey),
		VisionModel:   c.LLM.VisionModel,
		ClassifyModel: c.LLM.ClassifyModel,
		FormatModel:   c.LLM.FormatModel,
		RateLimit:     c.LLM.RateLimit,
		Timeout:       c.LLM.Timeout,
		MaxRetries:    c.LLM.MaxRetries,
		OCR: providers.OCRConfig{
			Enabled:   c.OCR.Enabled,
			APIKey:    ResolveEnvVars(c.OCR.APIKey),
			RateLimit: c.OCR.RateLimit,
		},
		Prompts: prompts,
	}
}

// BlobConfig converts the blob section. An empty fs dir defaults to
// homeDir/blobs.
func (c *Config) BlobConfig(homeDir string) blob.Config {
	dir := c.Blob.Dir
	if dir == "" && homeDir != "" {
		dir = filepath.Join(homeDir, "blobs")
	}
	return blob.Config{
		Driver:    c.Blob.Driver,
		Dir:       dir,
		Endpoint:  c.Blob.Endpoint,
		Bucket:    c.Blob.Bucket,
		AccessKey: ResolveEnvVars(c.Blob.AccessKey),
		SecretKey: ResolveEnvVars(c.Blob.SecretKey),
		Region:    c.Blob.Region,
		UseSSL:    c.Blob.UseSSL,
	}
}

// PipelineConfig converts the pipeline and acquisition sections. The
// caller fills in the spool and download directories.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		ConfidenceThreshold: c.Pipeline.ConfidenceThreshold,
		FictionFormats:      c.Acquisition.FictionFormats,
		NonfictionFormats:   c.Acquisition.NonfictionFormats,
		MaxBytes:            c.Acquisition.MaxBytes,
		DownloadTimeout:     c.Acquisition.DownloadTimeout,
		KeepDownloads:       c.Pipeline.KeepDownloads,
		Locator: locator.Config{
			ScanLimit:       c.Pipeline.ScanLimit,
			MinTextLength:   c.Pipeline.MinTextLength,
			SampleChars:     c.Pipeline.SampleChars,
			DedupeWindow:    c.Pipeline.DedupeWindow,
			DedupeThreshold: c.Pipeline.DedupeThreshold,
			Reformat:        c.Pipeline.Reformat,
		},
	}
}

func (c *Config) GoogleBooksConfig() catalog.GoogleBooksConfig {
	return catalog.GoogleBooksConfig{
		BaseURL: c.GoogleBooks.BaseURL,
		APIKey:  ResolveEnvVars(c.GoogleBooks.APIKey),
	}
}

func (c *Config) LibgenConfig() catalog.LibgenConfig {
	return catalog.LibgenConfig{
		SearchURL: c.Libgen.SearchURL,
		MirrorURL: c.Libgen.MirrorURL,
		Timeout:   c.Libgen.Timeout,
	}
}

// QueueOptions converts the queue section into queue.New options.
func (c *Config) QueueOptions() []queue.Option {
	return []queue.Option{
		queue.WithWorkers(c.Queue.Workers),
		queue.WithMaxAttempts(c.Queue.MaxAttempts),
		queue.WithBackoff(c.Queue.BackoffBase, c.Queue.BackoffMax),
		queue.WithShutdownTimeout(c.Queue.ShutdownTimeout),
	}
}
