package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "queue capacity must be > 0",
			mutate: func(c *Config) { c.Queue.Capacity = 0 },
		},
		{
			name:   "unknown admission mode",
			mutate: func(c *Config) { c.Queue.Admission = "lossy" },
		},
		{
			name:   "learning rate above 1",
			mutate: func(c *Config) { c.Anonymizer.LearningRate = 1.5 },
		},
		{
			name:   "negative track history",
			mutate: func(c *Config) { c.Anonymizer.TrackHistory = -1 },
		},
		{
			name:   "unknown anonymizer mode",
			mutate: func(c *Config) { c.Anonymizer.Mode = "pixelate" },
		},
		{
			name: "dilation max below min",
			mutate: func(c *Config) {
				c.Anonymizer.Dilation.Min = 10
				c.Anonymizer.Dilation.Max = 5
			},
		},
		{
			name:   "keyframe initial outside bounds",
			mutate: func(c *Config) { c.Keyframe.Initial = 20 * time.Second },
		},
		{
			name:   "keyframe max below min",
			mutate: func(c *Config) { c.Keyframe.Max = time.Second },
		},
		{
			name:   "vb pool count must be > 0",
			mutate: func(c *Config) { c.Encoder.VBPoolCount = 0 },
		},
		{
			name:   "unknown pixel format",
			mutate: func(c *Config) { c.Capture.PixelFormat = "nv12" },
		},
		{
			name: "redis enabled without address",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
		{
			name: "auth enabled without secret",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.JWTSecret = ""
			},
		},
		{
			name:   "detector endpoint must be http",
			mutate: func(c *Config) { c.Detector.Endpoint = "tcp://localhost:9000" },
		},
		{
			name:   "stream name with spaces",
			mutate: func(c *Config) { c.Transport.StreamName = "front door" },
		},
		{
			name:   "detector endpoint required when anonymizing",
			mutate: func(c *Config) { c.Detector.Endpoint = "" },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_DetectorEndpointOptionalWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Anonymizer.Enabled = false
	cfg.Detector.Endpoint = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid with anonymizer disabled, got: %v", err)
	}
}

func TestEncoderNormalize_Fallbacks(t *testing.T) {
	enc := EncoderConfig{Width: -1, Height: 0, FPS: 0}
	enc.Normalize()

	if enc.Width != 1280 || enc.Height != 720 {
		t.Errorf("expected 1280x720, got %dx%d", enc.Width, enc.Height)
	}
	if enc.FPS != 30 {
		t.Errorf("expected fps 30, got %d", enc.FPS)
	}
	// 1280*720*30*0.1 = 2764800
	if enc.Bitrate != 2_764_800 {
		t.Errorf("expected derived bitrate 2764800, got %d", enc.Bitrate)
	}
	if enc.GOP != 30 {
		t.Errorf("expected gop to follow fps, got %d", enc.GOP)
	}
	if enc.Profile != "baseline" || enc.RateControl != "cbr" {
		t.Errorf("unexpected profile/rate control: %s/%s", enc.Profile, enc.RateControl)
	}
}

func TestEncoderNormalize_BitrateClamp(t *testing.T) {
	small := EncoderConfig{Width: 160, Height: 120, FPS: 5}
	small.Normalize()
	if small.Bitrate != 1_000_000 {
		t.Errorf("expected bitrate clamped to 1Mbps, got %d", small.Bitrate)
	}

	large := EncoderConfig{Width: 3840, Height: 2160, FPS: 60}
	large.Normalize()
	if large.Bitrate != 10_000_000 {
		t.Errorf("expected bitrate clamped to 10Mbps, got %d", large.Bitrate)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.Capacity != 10 {
		t.Errorf("expected default queue capacity 10, got %d", cfg.Queue.Capacity)
	}
	if cfg.Anonymizer.TrackHistory != 15 {
		t.Errorf("expected default track_history 15, got %d", cfg.Anonymizer.TrackHistory)
	}
}

func TestLoad_YAMLOverridesAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
queue:
  capacity: 4
  admission: blocking
keyframe:
  initial: 3s
anonymizer:
  track_history: 3
  dilation:
    enabled: false
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ANONSTREAM_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.Capacity != 4 || cfg.Queue.Admission != "blocking" {
		t.Errorf("queue section not applied: %+v", cfg.Queue)
	}
	if cfg.Keyframe.Initial != 3*time.Second {
		t.Errorf("expected keyframe.initial 3s, got %v", cfg.Keyframe.Initial)
	}
	if cfg.Anonymizer.Dilation.Enabled {
		t.Errorf("expected dilation disabled")
	}
	if cfg.Anonymizer.TrackHistory != 3 {
		t.Errorf("expected track_history 3, got %d", cfg.Anonymizer.TrackHistory)
	}
	if cfg.Anonymizer.Dilation.Max != 30 {
		t.Errorf("expected untouched defaults to survive, got dilation.max=%d", cfg.Anonymizer.Dilation.Max)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override for log level, got %s", cfg.Logging.Level)
	}
}
