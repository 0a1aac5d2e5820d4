package admission

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Option is a functional option for configuring a Controller.
type Option func(*Controller) error

// WithConfig sets the configuration for the controller.
func WithConfig(config *Config) Option {
	return func(c *Controller) error {
		if config == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := config.Validate(); err != nil {
			return err
		}
		c.config = config
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(c *Controller) error {
		config, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		c.config = config
		return nil
	}
}

// WithRedis wires the replicated store through the given client. Pass a
// failover client for sentinel-monitored clusters; the controller does not
// care which topology the client speaks.
func WithRedis(client redis.UniversalClient) Option {
	return func(c *Controller) error {
		if client == nil {
			return fmt.Errorf("%w: redis client cannot be nil", ErrInvalidConfig)
		}
		c.redisClient = client
		return nil
	}
}

// WithNotifier sets the sink for violation events.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) error {
		if n == nil {
			return fmt.Errorf("%w: notifier cannot be nil", ErrInvalidConfig)
		}
		c.notifier = n
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Controller) error {
		if log == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		c.log = log
		return nil
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Controller) error {
		if m == nil {
			return fmt.Errorf("%w: metrics recorder cannot be nil", ErrInvalidConfig)
		}
		c.metrics = m
		return nil
	}
}
