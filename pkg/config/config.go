// Package config holds the settings shared by the graph server and client. Values come
// from the environment first and can be overridden by command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gogpu/gputypes"

	"k8s.io/examples/AI/texturenet/pkg/engine/texture"
)

type Config struct {
	GRPCListen string
	HTTPListen string
	// ServerAddr is where clients find the graph server.
	ServerAddr string

	// ModelPath is a local JSON model description; ModelBlob names one by hash on the
	// blob server instead.
	ModelPath  string
	ModelBlob  string
	BlobServer string
	CacheDir   string

	// MaxTextureDimension overrides the compute context's reported limit when non-zero.
	MaxTextureDimension int
	TextureFormat       string
	PoolBudgetBytes     int64
	TickInterval        time.Duration
	CompileShaders      bool
}

// Load reads the configuration from the environment.
func Load() *Config {
	return &Config{
		GRPCListen:          envStr("TEXTURENET_GRPC_LISTEN", ":9876"),
		HTTPListen:          envStr("TEXTURENET_HTTP_LISTEN", ":8080"),
		ServerAddr:          envStr("TEXTURENET_SERVER", "127.0.0.1:9876"),
		ModelPath:           envStr("TEXTURENET_MODEL", ""),
		ModelBlob:           envStr("TEXTURENET_MODEL_BLOB", ""),
		BlobServer:          envStr("BLOBSERVER", "http://blobserver"),
		CacheDir:            envStr("CACHE_DIR", "~/.cache/texturenet/blobs"),
		MaxTextureDimension: envInt("TEXTURENET_MAX_TEXTURE_DIMENSION", 0),
		TextureFormat:       envStr("TEXTURENET_TEXTURE_FORMAT", "rgba32f"),
		PoolBudgetBytes:     int64(envInt("TEXTURENET_POOL_BUDGET_BYTES", 0)),
		TickInterval:        time.Duration(envInt("TEXTURENET_TICK_MS", 16)) * time.Millisecond,
		CompileShaders:      envBool("TEXTURENET_COMPILE_SHADERS", false),
	}
}

// AddFlags registers flags that override the loaded values.
func (c *Config) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.GRPCListen, "grpc-listen", c.GRPCListen, "gRPC listen address")
	fs.StringVar(&c.HTTPListen, "http-listen", c.HTTPListen, "HTTP listen address for inspection")
	fs.StringVar(&c.ServerAddr, "server", c.ServerAddr, "graph server address")
	fs.StringVar(&c.ModelPath, "model", c.ModelPath, "path to a JSON model description")
	fs.StringVar(&c.ModelBlob, "model-blob", c.ModelBlob, "hash of a model description on the blob server")
	fs.StringVar(&c.BlobServer, "blobserver", c.BlobServer, "base URL of the blob server")
	fs.StringVar(&c.CacheDir, "cache-dir", c.CacheDir, "directory for downloaded blobs")
	fs.IntVar(&c.MaxTextureDimension, "max-texture-dimension", c.MaxTextureDimension, "override the maximum 2-D texture dimension (0 uses the device limit)")
	fs.StringVar(&c.TextureFormat, "texture-format", c.TextureFormat, "texel format: rgba32f or rgba16f")
	fs.Int64Var(&c.PoolBudgetBytes, "pool-budget-bytes", c.PoolBudgetBytes, "cap on live texture bytes (0 for unlimited)")
	fs.DurationVar(&c.TickInterval, "tick-interval", c.TickInterval, "interval between evaluation ticks")
	fs.BoolVar(&c.CompileShaders, "compile-shaders", c.CompileShaders, "compile every kernel shader at startup")
}

// Validate checks values that flags and the environment cannot constrain.
func (c *Config) Validate() error {
	if _, err := texture.ParseFormat(c.TextureFormat); err != nil {
		return err
	}
	if c.MaxTextureDimension < 0 {
		return fmt.Errorf("max texture dimension must not be negative, got %d", c.MaxTextureDimension)
	}
	if c.PoolBudgetBytes < 0 {
		return fmt.Errorf("pool budget must not be negative, got %d", c.PoolBudgetBytes)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v", c.TickInterval)
	}
	return nil
}

// Format returns the parsed texel format.
func (c *Config) Format() texture.Format {
	f, err := texture.ParseFormat(c.TextureFormat)
	if err != nil {
		return texture.RGBA32F
	}
	return f
}

// Limits returns the limits the compute context should report.
func (c *Config) Limits() gputypes.Limits {
	limits := gputypes.DefaultLimits()
	if c.MaxTextureDimension > 0 {
		limits.MaxTextureDimension2D = uint32(c.MaxTextureDimension)
	}
	return limits
}

// BlobDir expands a leading ~/ in CacheDir and creates the directory.
func (c *Config) BlobDir() (string, error) {
	dir := c.CacheDir
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~/"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory %q: %w", dir, err)
	}
	return dir, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
