// SPDX-License-Identifier: MIT

// Package config holds the typed daemon configuration. Sections are
// statically enumerated; unknown YAML keys fail loading. Defaults are applied
// before validation so a missing file yields a runnable configuration.
package config

import (
	"time"
)

// Config is the full daemon configuration document.
type Config struct {
	General     GeneralConfig     `yaml:"general" json:"general"`
	Network     NetworkConfig     `yaml:"network" json:"network"`
	Audio       AudioConfig       `yaml:"audio" json:"audio"`
	Video       VideoConfig       `yaml:"video" json:"video"`
	Motion      MotionConfig      `yaml:"motion" json:"motion"`
	LEDs        LEDConfig         `yaml:"leds" json:"leds"`
	AI          AIConfig          `yaml:"ai" json:"ai"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Fusion      FusionConfig      `yaml:"fusion" json:"fusion"`
	Security    SecurityConfig    `yaml:"security" json:"security"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit" json:"ratelimit"`
}

// GeneralConfig identifies the robot and selects driver implementations.
type GeneralConfig struct {
	RobotName      string `yaml:"robot_name" json:"robot_name"`
	SimulationMode bool   `yaml:"simulation_mode" json:"simulation_mode"`
}

// NetworkConfig controls the HTTP surface.
type NetworkConfig struct {
	MiddlewarePort   int           `yaml:"middleware_port" json:"middleware_port"`
	MetricsPort      int           `yaml:"metrics_port" json:"metrics_port"`
	WSMaxConnections int           `yaml:"ws_max_connections" json:"ws_max_connections"`
	ReadTimeout      time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// AudioConfig tunes the speech subsystem.
type AudioConfig struct {
	DefaultVolume   int           `yaml:"default_volume" json:"default_volume"`
	DefaultVoice    string        `yaml:"default_voice" json:"default_voice"`
	MaxSpeechLength int           `yaml:"max_speech_length" json:"max_speech_length"`
	ListenTimeout   time.Duration `yaml:"listen_timeout" json:"listen_timeout"`
}

// VideoConfig tunes the capture subsystem.
type VideoConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	DefaultSource  string `yaml:"default_source" json:"default_source"`
	DefaultQuality string `yaml:"default_quality" json:"default_quality"`
}

// MotionSafetyConfig bounds what the motion manager will accept.
type MotionSafetyConfig struct {
	MaxVelocity          float64 `yaml:"max_velocity" json:"max_velocity"`
	MaxAngularVelocity   float64 `yaml:"max_angular_velocity" json:"max_angular_velocity"`
	CommandTimeoutFactor float64 `yaml:"command_timeout_factor" json:"command_timeout_factor"`
}

// MotionConfig tunes locomotion and gestures.
type MotionConfig struct {
	Safety          MotionSafetyConfig `yaml:"safety" json:"safety"`
	DefaultDuration time.Duration      `yaml:"default_duration" json:"default_duration"`
}

// LEDConfig tunes the RGB feedback subsystem.
type LEDConfig struct {
	SampleRateHz      int  `yaml:"sample_rate_hz" json:"sample_rate_hz"`
	DefaultBrightness int  `yaml:"default_brightness" json:"default_brightness"`
	ContextColors     bool `yaml:"context_colors" json:"context_colors"`
}

// AIConfig tunes speech understanding.
type AIConfig struct {
	WakeWord            string  `yaml:"wake_word" json:"wake_word"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	Language            string  `yaml:"language" json:"language"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`
	Service string `yaml:"service" json:"service"`
}

// PerformanceConfig sizes internal queues and monitor intervals.
type PerformanceConfig struct {
	HealthCheckInterval    time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	PerformanceLogInterval time.Duration `yaml:"performance_log_interval" json:"performance_log_interval"`
	EventQueueSize         int           `yaml:"event_queue_size" json:"event_queue_size"`
	SubscriberBuffer       int           `yaml:"subscriber_buffer" json:"subscriber_buffer"`
}

// FusionConfig tunes the sensor fusion supervisor. Weights and rates are
// configuration, not code.
type FusionConfig struct {
	TickRateHz    int                `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	PredictRateHz int                `yaml:"predict_rate_hz" json:"predict_rate_hz"`
	SyncTolerance time.Duration      `yaml:"sync_tolerance" json:"sync_tolerance"`
	BufferSize    int                `yaml:"buffer_size" json:"buffer_size"`
	SensorTimeout time.Duration      `yaml:"sensor_timeout" json:"sensor_timeout"`
	Filter        string             `yaml:"filter" json:"filter"`
	FilterGain    float64            `yaml:"filter_gain" json:"filter_gain"`
	Weights       map[string]float64 `yaml:"weights" json:"weights"`
}

// APIKey maps a static key to a role.
type APIKey struct {
	Key  string `yaml:"key" json:"key"`
	Role string `yaml:"role" json:"role"`
}

// SecurityConfig controls gateway authentication.
type SecurityConfig struct {
	JWTSecret      string        `yaml:"jwt_secret" json:"jwt_secret"`
	JWTIssuer      string        `yaml:"jwt_issuer" json:"jwt_issuer"`
	JWTAudience    string        `yaml:"jwt_audience" json:"jwt_audience"`
	TokenTTL       time.Duration `yaml:"token_ttl" json:"token_ttl"`
	APIKeys        []APIKey      `yaml:"api_keys" json:"api_keys"`
	AllowAnonymous bool          `yaml:"allow_anonymous" json:"allow_anonymous"`
	DebugErrors    bool          `yaml:"debug_errors" json:"debug_errors"`
}

// RateLimitRule is one accounting bucket definition.
type RateLimitRule struct {
	Name      string        `yaml:"name" json:"name"`
	Scope     string        `yaml:"scope" json:"scope"`         // global|user|ip|api_key|endpoint
	Algorithm string        `yaml:"algorithm" json:"algorithm"` // token_bucket|sliding_window|fixed_window|leaky_bucket
	Limit     int           `yaml:"limit" json:"limit"`
	Window    time.Duration `yaml:"window" json:"window"`
	Endpoint  string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// RateLimitConfig carries the active rule set.
type RateLimitConfig struct {
	Enabled bool            `yaml:"enabled" json:"enabled"`
	Rules   []RateLimitRule `yaml:"rules" json:"rules"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		General: GeneralConfig{
			RobotName:      "g1",
			SimulationMode: true,
		},
		Network: NetworkConfig{
			MiddlewarePort:   8080,
			MetricsPort:      9090,
			WSMaxConnections: 64,
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     30 * time.Second,
			ShutdownTimeout:  15 * time.Second,
		},
		Audio: AudioConfig{
			DefaultVolume:   50,
			DefaultVoice:    "default",
			MaxSpeechLength: 500,
			ListenTimeout:   10 * time.Second,
		},
		Video: VideoConfig{
			Enabled:        false,
			DefaultSource:  "front",
			DefaultQuality: "720p",
		},
		Motion: MotionConfig{
			Safety: MotionSafetyConfig{
				MaxVelocity:          1.0,
				MaxAngularVelocity:   1.5,
				CommandTimeoutFactor: 2.0,
			},
			DefaultDuration: time.Second,
		},
		LEDs: LEDConfig{
			SampleRateHz:      30,
			DefaultBrightness: 80,
			ContextColors:     true,
		},
		AI: AIConfig{
			WakeWord:            "hey g1",
			ConfidenceThreshold: 0.6,
			Language:            "en",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Service: "g1d",
		},
		Performance: PerformanceConfig{
			HealthCheckInterval:    5 * time.Second,
			PerformanceLogInterval: 30 * time.Second,
			EventQueueSize:         1024,
			SubscriberBuffer:       64,
		},
		Fusion: FusionConfig{
			TickRateHz:    100,
			PredictRateHz: 50,
			SyncTolerance: 20 * time.Millisecond,
			BufferSize:    256,
			SensorTimeout: time.Second,
			Filter:        "complementary",
			FilterGain:    0.98,
			Weights: map[string]float64{
				"imu":      0.4,
				"odometry": 0.3,
				"lidar":    0.2,
				"vision":   0.1,
			},
		},
		Security: SecurityConfig{
			JWTIssuer:   "g1d",
			JWTAudience: "g1d-api",
			TokenTTL:    15 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rules: []RateLimitRule{
				{Name: "global", Scope: "global", Algorithm: "token_bucket", Limit: 100, Window: time.Second},
				{Name: "per_user", Scope: "user", Algorithm: "sliding_window", Limit: 120, Window: time.Minute},
				{Name: "per_ip", Scope: "ip", Algorithm: "sliding_window", Limit: 300, Window: time.Minute},
			},
		},
	}
}
