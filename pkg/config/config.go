package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"anonstream/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Anonymizer AnonymizerConfig `yaml:"anonymizer"`
	Detector   DetectorConfig   `yaml:"detector"`
	Queue      QueueConfig      `yaml:"queue"`
	Keyframe   KeyframeConfig   `yaml:"keyframe"`
	Encoder    EncoderConfig    `yaml:"encoder"`
	Capture    CaptureConfig    `yaml:"capture"`
	Transport  TransportConfig  `yaml:"transport"`
	Stats      StatsConfig      `yaml:"stats"`
	Status     StatusConfig     `yaml:"status"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		ViewerTokenTTL time.Duration `yaml:"viewer_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AnonymizerConfig controls masking and background learning.
type AnonymizerConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Mode                 string  `yaml:"mode"` // background, solid, blur
	Confidence           float64 `yaml:"confidence"`
	IoU                  float64 `yaml:"iou"`
	LearningRate         float64 `yaml:"learning_rate"`
	FillColor            []int   `yaml:"fill_color"`
	WarmupFrames         int     `yaml:"warmup_frames"`
	WarmupDilationFactor float64 `yaml:"warmup_dilation_factor"`

	// TrackHistory keeps a person's region masked for this many frames
	// after the detector last reported it.
	TrackHistory int `yaml:"track_history"`

	Dilation struct {
		Enabled    bool    `yaml:"enabled"`
		Factor     float64 `yaml:"factor"`
		Min        int     `yaml:"min"`
		Max        int     `yaml:"max"`
		Iterations int     `yaml:"iterations"`
	} `yaml:"dilation"`
}

type DetectorConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Timeout       time.Duration `yaml:"timeout"`
	PersonClassID int           `yaml:"person_class_id"`
	JPEGQuality   int           `yaml:"jpeg_quality"`
	FailOpen      bool          `yaml:"fail_open"`

	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		SuccessThreshold int           `yaml:"success_threshold"`
		Timeout          time.Duration `yaml:"timeout"`
	} `yaml:"breaker"`
}

// QueueConfig controls admission into the encoding worker.
type QueueConfig struct {
	Capacity      int           `yaml:"capacity"`
	Admission     string        `yaml:"admission"` // drop_oldest, blocking
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type KeyframeConfig struct {
	Initial      time.Duration `yaml:"initial"`
	Min          time.Duration `yaml:"min"`
	Max          time.Duration `yaml:"max"`
	IncreaseStep time.Duration `yaml:"increase_step"`
	DecreaseStep time.Duration `yaml:"decrease_step"`
	WarmupFrames uint64        `yaml:"warmup_frames"`
}

type EncoderConfig struct {
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	FPS             int           `yaml:"fps"`
	Bitrate         int           `yaml:"bitrate"`
	GOP             int           `yaml:"gop"`
	Profile         string        `yaml:"profile"`
	RateControl     string        `yaml:"rate_control"`
	QPMin           int           `yaml:"qp_min"`
	QPMax           int           `yaml:"qp_max"`
	QPInit          int           `yaml:"qp_init"`
	VBPoolCount     int           `yaml:"vb_pool_count"`
	AcquireRetries  int           `yaml:"acquire_retries"`
	SubmitTimeout   time.Duration `yaml:"submit_timeout"`
	RetrieveTimeout time.Duration `yaml:"retrieve_timeout"`
}

type CaptureConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	Input       string `yaml:"input"`
	Format      string `yaml:"format"`
	PixelFormat string `yaml:"pixel_format"` // bgr24, rgb24, gray
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
}

type TransportConfig struct {
	Enabled      bool          `yaml:"enabled"`
	StreamName   string        `yaml:"stream_name"`
	ICEServers   []string      `yaml:"ice_servers"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	MaxViewers   int           `yaml:"max_viewers"`
}

type StatsConfig struct {
	ReportInterval time.Duration `yaml:"report_interval"`
	RedisChannel   string        `yaml:"redis_channel"`
}

type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Anonymizer
	switch c.Anonymizer.Mode {
	case "background", "solid", "blur":
	default:
		return fmt.Errorf("anonymizer.mode must be one of background, solid, blur")
	}
	if c.Anonymizer.LearningRate <= 0 || c.Anonymizer.LearningRate > 1 {
		return fmt.Errorf("anonymizer.learning_rate must be in (0, 1]")
	}
	if c.Anonymizer.Confidence < 0 || c.Anonymizer.Confidence > 1 {
		return fmt.Errorf("anonymizer.confidence must be in [0, 1]")
	}
	if c.Anonymizer.WarmupFrames < 0 {
		return fmt.Errorf("anonymizer.warmup_frames must be >= 0")
	}
	if c.Anonymizer.TrackHistory < 0 {
		return fmt.Errorf("anonymizer.track_history must be >= 0")
	}
	if c.Anonymizer.Dilation.Min < 0 || c.Anonymizer.Dilation.Max < c.Anonymizer.Dilation.Min {
		return fmt.Errorf("anonymizer.dilation.min must be >= 0 and <= max")
	}
	if c.Anonymizer.WarmupDilationFactor < c.Anonymizer.Dilation.Factor {
		return fmt.Errorf("anonymizer.warmup_dilation_factor must be >= dilation.factor")
	}
	if c.Anonymizer.Dilation.Enabled && c.Anonymizer.Dilation.Iterations <= 0 {
		return fmt.Errorf("anonymizer.dilation.iterations must be > 0 when dilation is enabled")
	}

	// Detector
	if c.Anonymizer.Enabled {
		if err := validation.ValidateEndpoint(c.Detector.Endpoint); err != nil {
			return fmt.Errorf("detector.endpoint: %w", err)
		}
	}
	if c.Detector.Timeout <= 0 {
		return fmt.Errorf("detector.timeout must be > 0")
	}

	// Queue
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Queue.Admission != "drop_oldest" && c.Queue.Admission != "blocking" {
		return fmt.Errorf("queue.admission must be drop_oldest or blocking")
	}
	if c.Queue.SubmitTimeout <= 0 {
		return fmt.Errorf("queue.submit_timeout must be > 0")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be > 0")
	}

	// Keyframe
	if c.Keyframe.Min <= 0 || c.Keyframe.Max < c.Keyframe.Min {
		return fmt.Errorf("keyframe.min must be > 0 and <= max")
	}
	if c.Keyframe.Initial < c.Keyframe.Min || c.Keyframe.Initial > c.Keyframe.Max {
		return fmt.Errorf("keyframe.initial must be within [min, max]")
	}
	if c.Keyframe.IncreaseStep <= 0 || c.Keyframe.DecreaseStep <= 0 {
		return fmt.Errorf("keyframe steps must be > 0")
	}

	// Encoder
	if c.Encoder.VBPoolCount <= 0 {
		return fmt.Errorf("encoder.vb_pool_count must be > 0")
	}
	if c.Encoder.AcquireRetries < 0 {
		return fmt.Errorf("encoder.acquire_retries must be >= 0")
	}
	if c.Encoder.SubmitTimeout <= 0 || c.Encoder.RetrieveTimeout <= 0 {
		return fmt.Errorf("encoder submit and retrieve timeouts must be > 0")
	}
	if c.Encoder.QPMin > c.Encoder.QPMax {
		return fmt.Errorf("encoder.qp_min must be <= qp_max")
	}

	// Capture
	if c.Capture.Input == "" {
		return fmt.Errorf("capture.input must not be empty")
	}
	switch c.Capture.PixelFormat {
	case "bgr24", "rgb24", "gray":
	default:
		return fmt.Errorf("capture.pixel_format must be one of bgr24, rgb24, gray")
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return fmt.Errorf("capture.width and capture.height must be > 0")
	}

	// Transport
	if err := validation.ValidateStreamName(c.Transport.StreamName); err != nil {
		return fmt.Errorf("transport.stream_name: %w", err)
	}

	// Stats
	if c.Stats.ReportInterval <= 0 {
		return fmt.Errorf("stats.report_interval must be > 0")
	}
	if c.Status.Interval <= 0 {
		return fmt.Errorf("status.interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.ViewerTokenTTL <= 0 {
			return fmt.Errorf("auth.viewer_token_ttl must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
	}

	return nil
}

// Normalize replaces unset or out-of-range encoder parameters with usable
// values. Bitrate defaults to w*h*fps*0.1 clamped to [1, 10] Mbps.
func (e *EncoderConfig) Normalize() {
	if e.Width <= 0 || e.Height <= 0 {
		e.Width, e.Height = 1280, 720
	}
	if e.FPS <= 0 || e.FPS > 120 {
		e.FPS = 30
	}
	if e.Bitrate <= 0 {
		bitrate := int(float64(e.Width*e.Height*e.FPS) * 0.1)
		if bitrate < 1_000_000 {
			bitrate = 1_000_000
		}
		if bitrate > 10_000_000 {
			bitrate = 10_000_000
		}
		e.Bitrate = bitrate
	}
	if e.GOP <= 0 {
		e.GOP = e.FPS
	}
	switch e.Profile {
	case "baseline", "main", "high":
	default:
		e.Profile = "baseline"
	}
	switch e.RateControl {
	case "cbr", "vbr", "avbr", "fixqp":
	default:
		e.RateControl = "cbr"
	}
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		cfg.Encoder.Normalize()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.Encoder.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Anonymizer.Enabled = true
	cfg.Anonymizer.Mode = "background"
	cfg.Anonymizer.Confidence = 0.5
	cfg.Anonymizer.IoU = 0.45
	cfg.Anonymizer.LearningRate = 0.2
	cfg.Anonymizer.FillColor = []int{127, 127, 127}
	cfg.Anonymizer.WarmupFrames = 30
	cfg.Anonymizer.WarmupDilationFactor = 0.15
	cfg.Anonymizer.TrackHistory = 15
	cfg.Anonymizer.Dilation.Enabled = true
	cfg.Anonymizer.Dilation.Factor = 0.1
	cfg.Anonymizer.Dilation.Min = 5
	cfg.Anonymizer.Dilation.Max = 30
	cfg.Anonymizer.Dilation.Iterations = 1

	cfg.Detector.Endpoint = "http://localhost:9000"
	cfg.Detector.Timeout = 200 * time.Millisecond
	cfg.Detector.PersonClassID = 0
	cfg.Detector.JPEGQuality = 85
	cfg.Detector.FailOpen = true
	cfg.Detector.Breaker.FailureThreshold = 5
	cfg.Detector.Breaker.SuccessThreshold = 2
	cfg.Detector.Breaker.Timeout = 10 * time.Second

	cfg.Queue.Capacity = 10
	cfg.Queue.Admission = "drop_oldest"
	cfg.Queue.SubmitTimeout = 5 * time.Second
	cfg.Queue.PollInterval = 50 * time.Millisecond

	cfg.Keyframe.Initial = 5 * time.Second
	cfg.Keyframe.Min = 2 * time.Second
	cfg.Keyframe.Max = 10 * time.Second
	cfg.Keyframe.IncreaseStep = time.Second
	cfg.Keyframe.DecreaseStep = 500 * time.Millisecond
	cfg.Keyframe.WarmupFrames = 100

	cfg.Encoder.FFmpegPath = "ffmpeg"
	cfg.Encoder.Width = 1280
	cfg.Encoder.Height = 720
	cfg.Encoder.FPS = 30
	cfg.Encoder.Bitrate = 4_000_000
	cfg.Encoder.GOP = 30
	cfg.Encoder.Profile = "baseline"
	cfg.Encoder.RateControl = "cbr"
	cfg.Encoder.QPMin = 20
	cfg.Encoder.QPMax = 45
	cfg.Encoder.QPInit = 30
	cfg.Encoder.VBPoolCount = 8
	cfg.Encoder.AcquireRetries = 2
	cfg.Encoder.SubmitTimeout = 500 * time.Millisecond
	cfg.Encoder.RetrieveTimeout = 300 * time.Millisecond

	cfg.Capture.FFmpegPath = "ffmpeg"
	cfg.Capture.Input = "/dev/video0"
	cfg.Capture.Format = "v4l2"
	cfg.Capture.PixelFormat = "bgr24"
	cfg.Capture.Width = 1280
	cfg.Capture.Height = 720
	cfg.Capture.FPS = 30

	cfg.Transport.Enabled = true
	cfg.Transport.StreamName = "live"
	cfg.Transport.ICEServers = []string{"stun:stun.l.google.com:19302"}
	cfg.Transport.PingInterval = 30 * time.Second
	cfg.Transport.PongTimeout = 60 * time.Second
	cfg.Transport.MaxViewers = 32

	cfg.Stats.ReportInterval = 10 * time.Second
	cfg.Stats.RedisChannel = "anonstream:stats"
	cfg.Status.Interval = 5 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.ViewerTokenTTL = time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("ANONSTREAM_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("ANONSTREAM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("ANONSTREAM_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if input := os.Getenv("ANONSTREAM_CAPTURE_INPUT"); input != "" {
		c.Capture.Input = input
	}
	if endpoint := os.Getenv("ANONSTREAM_DETECTOR_ENDPOINT"); endpoint != "" {
		c.Detector.Endpoint = endpoint
	}
	if v := os.Getenv("ANONSTREAM_DISABLE_ANONYMIZATION"); v != "" {
		if disabled, err := strconv.ParseBool(v); err == nil {
			c.Anonymizer.Enabled = !disabled
		}
	}
	if v := os.Getenv("ANONSTREAM_DISABLE_TRANSPORT"); v != "" {
		if disabled, err := strconv.ParseBool(v); err == nil {
			c.Transport.Enabled = !disabled
		}
	}
	if addr := os.Getenv("ANONSTREAM_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
