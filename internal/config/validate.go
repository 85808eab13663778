// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
)

var validScopes = map[string]bool{
	"global": true, "user": true, "ip": true, "api_key": true, "endpoint": true,
}

var validAlgorithms = map[string]bool{
	"token_bucket": true, "sliding_window": true, "fixed_window": true, "leaky_bucket": true,
}

var validFilters = map[string]bool{
	"complementary": true, "kalman": true,
}

// Validate checks every section's ranges. It returns all violations joined
// so operators see the full picture in one pass.
func Validate(c Config) error {
	var errs []error

	if c.General.RobotName == "" {
		errs = append(errs, errors.New("general.robot_name must not be empty"))
	}

	if c.Network.MiddlewarePort < 1024 || c.Network.MiddlewarePort > 65535 {
		errs = append(errs, fmt.Errorf("network.middleware_port %d out of range [1024,65535]", c.Network.MiddlewarePort))
	}
	if c.Network.MetricsPort != 0 && (c.Network.MetricsPort < 1024 || c.Network.MetricsPort > 65535) {
		errs = append(errs, fmt.Errorf("network.metrics_port %d out of range [1024,65535]", c.Network.MetricsPort))
	}
	if c.Network.WSMaxConnections < 1 {
		errs = append(errs, fmt.Errorf("network.ws_max_connections %d must be >= 1", c.Network.WSMaxConnections))
	}
	if c.Network.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("network.shutdown_timeout must be > 0"))
	}

	if c.Audio.DefaultVolume < 0 || c.Audio.DefaultVolume > 100 {
		errs = append(errs, fmt.Errorf("audio.default_volume %d out of range [0,100]", c.Audio.DefaultVolume))
	}
	if c.Audio.MaxSpeechLength < 1 {
		errs = append(errs, errors.New("audio.max_speech_length must be >= 1"))
	}
	if c.Audio.ListenTimeout <= 0 {
		errs = append(errs, errors.New("audio.listen_timeout must be > 0"))
	}

	if v := c.Motion.Safety.MaxVelocity; v < 0.1 || v > 3.0 {
		errs = append(errs, fmt.Errorf("motion.safety.max_velocity %.2f out of range [0.1,3.0]", v))
	}
	if v := c.Motion.Safety.MaxAngularVelocity; v <= 0 || v > 6.0 {
		errs = append(errs, fmt.Errorf("motion.safety.max_angular_velocity %.2f out of range (0,6.0]", v))
	}
	if v := c.Motion.Safety.CommandTimeoutFactor; v < 1.0 {
		errs = append(errs, fmt.Errorf("motion.safety.command_timeout_factor %.2f must be >= 1.0", v))
	}
	if c.Motion.DefaultDuration <= 0 {
		errs = append(errs, errors.New("motion.default_duration must be > 0"))
	}

	if c.LEDs.SampleRateHz < 20 {
		errs = append(errs, fmt.Errorf("leds.sample_rate_hz %d must be >= 20", c.LEDs.SampleRateHz))
	}
	if c.LEDs.DefaultBrightness < 0 || c.LEDs.DefaultBrightness > 100 {
		errs = append(errs, fmt.Errorf("leds.default_brightness %d out of range [0,100]", c.LEDs.DefaultBrightness))
	}

	if v := c.AI.ConfidenceThreshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("ai.confidence_threshold %.2f out of range [0,1]", v))
	}

	if c.Performance.HealthCheckInterval <= 0 {
		errs = append(errs, errors.New("performance.health_check_interval must be > 0"))
	}
	if c.Performance.EventQueueSize < 16 {
		errs = append(errs, fmt.Errorf("performance.event_queue_size %d must be >= 16", c.Performance.EventQueueSize))
	}
	if c.Performance.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("performance.subscriber_buffer %d must be >= 1", c.Performance.SubscriberBuffer))
	}

	if c.Fusion.TickRateHz < 1 || c.Fusion.TickRateHz > 1000 {
		errs = append(errs, fmt.Errorf("fusion.tick_rate_hz %d out of range [1,1000]", c.Fusion.TickRateHz))
	}
	if c.Fusion.PredictRateHz < 1 || c.Fusion.PredictRateHz > 1000 {
		errs = append(errs, fmt.Errorf("fusion.predict_rate_hz %d out of range [1,1000]", c.Fusion.PredictRateHz))
	}
	if c.Fusion.SyncTolerance <= 0 {
		errs = append(errs, errors.New("fusion.sync_tolerance must be > 0"))
	}
	if c.Fusion.BufferSize < 8 {
		errs = append(errs, fmt.Errorf("fusion.buffer_size %d must be >= 8", c.Fusion.BufferSize))
	}
	if c.Fusion.SensorTimeout <= 0 {
		errs = append(errs, errors.New("fusion.sensor_timeout must be > 0"))
	}
	if !validFilters[c.Fusion.Filter] {
		errs = append(errs, fmt.Errorf("fusion.filter %q must be one of complementary|kalman", c.Fusion.Filter))
	}
	if v := c.Fusion.FilterGain; v <= 0 || v >= 1 {
		errs = append(errs, fmt.Errorf("fusion.filter_gain %.3f out of range (0,1)", v))
	}
	for name, w := range c.Fusion.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("fusion.weights.%s %.2f must be >= 0", name, w))
		}
	}

	if c.Security.TokenTTL <= 0 {
		errs = append(errs, errors.New("security.token_ttl must be > 0"))
	}
	for i, key := range c.Security.APIKeys {
		if key.Key == "" {
			errs = append(errs, fmt.Errorf("security.api_keys[%d].key must not be empty", i))
		}
		switch key.Role {
		case "admin", "operator", "viewer", "guest":
		default:
			errs = append(errs, fmt.Errorf("security.api_keys[%d].role %q unknown", i, key.Role))
		}
	}

	seen := map[string]bool{}
	for i, rule := range c.RateLimit.Rules {
		if rule.Name == "" {
			errs = append(errs, fmt.Errorf("ratelimit.rules[%d].name must not be empty", i))
		} else if seen[rule.Name] {
			errs = append(errs, fmt.Errorf("ratelimit.rules[%d]: duplicate rule name %q", i, rule.Name))
		}
		seen[rule.Name] = true
		if !validScopes[rule.Scope] {
			errs = append(errs, fmt.Errorf("ratelimit.rules[%d].scope %q unknown", i, rule.Scope))
		}
		if !validAlgorithms[rule.Algorithm] {
			errs = append(errs, fmt.Errorf("ratelimit.rules[%d].algorithm %q unknown", i, rule.Algorithm))
		}
		if rule.Limit < 1 {
			errs = append(errs, fmt.Errorf("ratelimit.rules[%d].limit %d must be >= 1", i, rule.Limit))
		}
		if rule.Window <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.rules[%d].window must be > 0", i))
		}
		if rule.Scope == "endpoint" && rule.Endpoint == "" {
			errs = append(errs, fmt.Errorf("ratelimit.rules[%d]: endpoint scope requires endpoint path", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
