package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yolopipe/internal/auth"
	"yolopipe/internal/engine"
	"yolopipe/internal/pipeline"
	"yolopipe/internal/source"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config represents the complete detector configuration
type Config struct {
	Camera     CameraConfig     `yaml:"camera"`
	Network    NetworkConfig    `yaml:"network"`
	Detection  DetectionConfig  `yaml:"detection"`
	Publishers PublishersConfig `yaml:"publishers"`
	Auth       AuthConfig       `yaml:"auth"`
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
}

// CameraConfig describes the frame source
type CameraConfig struct {
	Name   string `yaml:"name"`
	Device string `yaml:"device"` // rtsp://, http(s)://, /dev/videoN, file, pattern:bars
	FPS    int    `yaml:"fps"`
	Width  int    `yaml:"frame_width"`
	Height int    `yaml:"frame_height"`
}

// NetworkConfig describes the inference backend and its output layout
type NetworkConfig struct {
	Endpoint string               `yaml:"endpoint"`
	Width    int                  `yaml:"width"`
	Height   int                  `yaml:"height"`
	Layers   []engine.LayerConfig `yaml:"layers"`
	Timeout  time.Duration        `yaml:"timeout"`
}

// DetectionConfig holds the post-processing parameters
type DetectionConfig struct {
	Threshold     float32  `yaml:"threshold"`
	NMSThreshold  float32  `yaml:"nms_threshold"`
	NMSKind       string   `yaml:"nms_kind"` // obj or sort
	AverageFrames int      `yaml:"average_frames"`
	MinBoxSize    float32  `yaml:"min_box_size"`
	Names         []string `yaml:"names"`
	MaxCycles     uint64   `yaml:"max_cycles"`
}

// PublishersConfig selects the result sinks
type PublishersConfig struct {
	Console        bool `yaml:"console"`
	WebSocket      bool `yaml:"websocket"`
	Database       bool `yaml:"database"`
	DetectionImage bool `yaml:"detection_image"`
	ImageQuality   int  `yaml:"image_quality"` // JPEG quality of the detection image
}

// AuthConfig guards the HTTP and WebSocket outputs
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"` // Plaintext or bcrypt hash
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
	Sources   []string      `yaml:"sources"` // Detection sources tokens may read, empty for all
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig configures detection persistence
type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	RecordEmpty bool          `yaml:"record_empty"`
	Retention   time.Duration `yaml:"retention"`
}

// Default returns a configuration for yolov3-tiny on a 640x480 camera
func Default() *Config {
	anchors := []float32{10, 14, 23, 27, 37, 58, 81, 82, 135, 169, 344, 319}
	return &Config{
		Camera: CameraConfig{
			Name:   "camera",
			Device: "/dev/video0",
			FPS:    15,
			Width:  640,
			Height: 480,
		},
		Network: NetworkConfig{
			Endpoint: "localhost:50051",
			Width:    416,
			Height:   416,
			Layers: []engine.LayerConfig{
				{Width: 13, Height: 13, Anchors: anchors, Mask: []int{3, 4, 5}},
				{Width: 26, Height: 26, Anchors: anchors, Mask: []int{1, 2, 3}},
			},
			Timeout: 5 * time.Second,
		},
		Detection: DetectionConfig{
			Threshold:     0.3,
			NMSThreshold:  0.4,
			NMSKind:       engine.NMSObjectness,
			AverageFrames: 1,
			MinBoxSize:    0.01,
			Names:         append([]string(nil), cocoNames...),
		},
		Publishers: PublishersConfig{
			Console:        true,
			WebSocket:      true,
			DetectionImage: true,
			ImageQuality:   80,
		},
		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: 24 * time.Hour,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Database: DatabaseConfig{
			Path:      "yolopipe.db",
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides values from environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("YOLO_ENDPOINT"); v != "" {
		c.Network.Endpoint = v
	}
	if v := os.Getenv("CAMERA_SOURCE"); v != "" {
		c.Camera.Device = v
	}
	if v := os.Getenv("DETECTION_THRESHOLD"); v != "" {
		var val float32
		if _, err := fmt.Sscanf(v, "%f", &val); err == nil {
			c.Detection.Threshold = val
		}
	}
	if v := os.Getenv("NMS_THRESHOLD"); v != "" {
		var val float32
		if _, err := fmt.Sscanf(v, "%f", &val); err == nil {
			c.Detection.NMSThreshold = val
		}
	}
	if v := os.Getenv("AVERAGE_FRAMES"); v != "" {
		var val int
		if _, err := fmt.Sscanf(v, "%d", &val); err == nil {
			c.Detection.AverageFrames = val
		}
	}
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		c.Auth.Enabled = v == "true"
	}
	if v := os.Getenv("AUTH_USERNAME"); v != "" {
		c.Auth.Username = v
	}
	if v := os.Getenv("AUTH_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.JWTExpiry = d
		}
	}
	if v := os.Getenv("AUTH_SOURCES"); v != "" {
		c.Auth.Sources = strings.Split(v, ",")
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []string

	if c.Camera.Device == "" {
		errs = append(errs, "camera.device is required")
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		errs = append(errs, "camera frame size must not be negative")
	}
	if c.Network.Endpoint == "" {
		errs = append(errs, "network.endpoint is required")
	}
	if c.Network.Width <= 0 || c.Network.Height <= 0 {
		errs = append(errs, fmt.Sprintf("network size %dx%d must be positive", c.Network.Width, c.Network.Height))
	}
	if c.Detection.AverageFrames < 1 {
		errs = append(errs, fmt.Sprintf("detection.average_frames must be at least 1, got %d", c.Detection.AverageFrames))
	}
	if c.Detection.Threshold < 0 || c.Detection.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("detection.threshold %.2f outside [0,1]", c.Detection.Threshold))
	}
	if c.Detection.NMSThreshold < 0 || c.Detection.NMSThreshold > 1 {
		errs = append(errs, fmt.Sprintf("detection.nms_threshold %.2f outside [0,1]", c.Detection.NMSThreshold))
	}
	if _, err := engine.ParseNMSKind(c.Detection.NMSKind); err != nil {
		errs = append(errs, err.Error())
	}
	if len(c.Detection.Names) == 0 {
		errs = append(errs, "detection.names must list at least one class")
	}
	if _, err := engine.NewDecoder(c.Network.Width, c.Network.Height, len(c.Detection.Names), c.Network.Layers); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Publishers.ImageQuality < 0 || c.Publishers.ImageQuality > 100 {
		errs = append(errs, "publishers.image_quality outside [0,100]")
	}
	if c.Database.Retention < 0 {
		errs = append(errs, "database.retention must not be negative")
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		errs = append(errs, "auth.password is required when auth is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// PipelineConfig returns the values the scheduler consumes
func (c *Config) PipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.FrameWidth = c.Camera.Width
	cfg.FrameHeight = c.Camera.Height
	cfg.AverageFrames = c.Detection.AverageFrames
	cfg.Threshold = c.Detection.Threshold
	cfg.NMSThreshold = c.Detection.NMSThreshold
	cfg.MinBoxSize = c.Detection.MinBoxSize
	cfg.ClassNames = c.Detection.Names
	cfg.MaxCycles = c.Detection.MaxCycles
	return cfg
}

// EngineConfig returns the inference engine configuration
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Endpoint:    c.Network.Endpoint,
		InputWidth:  c.Network.Width,
		InputHeight: c.Network.Height,
		Classes:     len(c.Detection.Names),
		Layers:      c.Network.Layers,
		NMSKind:     c.Detection.NMSKind,
		Timeout:     c.Network.Timeout,
	}
}

// SourceConfig returns the frame source configuration
func (c *Config) SourceConfig() source.Config {
	return source.Config{
		Name:   c.Camera.Name,
		Device: c.Camera.Device,
		FPS:    c.Camera.FPS,
		Width:  c.Camera.Width,
		Height: c.Camera.Height,
	}
}

// AuthConfig returns the authenticator configuration
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		Enabled:   c.Auth.Enabled,
		Username:  c.Auth.Username,
		Password:  c.Auth.Password,
		JWTSecret: c.Auth.JWTSecret,
		JWTExpiry: c.Auth.JWTExpiry,
		Sources:   c.Auth.Sources,
	}
}
