package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/metric"
)

// ClientOption configures a Client. An option returns an error for a value
// the client cannot use; NewClient fails with it.
type ClientOption func(*Client) error

// duration rejects negative values and leaves the default in place for zero.
func duration(name string, d time.Duration, dst *time.Duration) error {
	switch {
	case d < 0:
		return fmt.Errorf("%w: %s must not be negative, got %s", errors.ErrInvalidConfig, name, d)
	case d > 0:
		*dst = d
	}
	return nil
}

// WithMaxReconnects sets the reconnection attempts; -1 retries forever.
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the pause between reconnection attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		return duration("reconnect wait", d, &c.reconnectWait)
	}
}

// WithPingInterval sets how often the server is pinged.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		return duration("ping interval", d, &c.pingInterval)
	}
}

// WithTimeout bounds a single dial.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		return duration("connect timeout", d, &c.timeout)
	}
}

// WithDrainTimeout bounds the flush of pending traffic on Close.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		return duration("drain timeout", d, &c.drainTimeout)
	}
}

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger.With("component", "natsclient")
		}
		return nil
	}
}

// WithCircuitBreakerThreshold sets the consecutive failures that open the
// circuit. Values below 1 select 5.
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff caps the open-circuit backoff. Values under a second
// select one minute.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// WithCredentials authenticates with a username and password.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken authenticates with a token.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLS sets the client certificate and the CA used to verify the server.
// Either part may be empty, but a certificate needs its key.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		if (certFile == "") != (keyFile == "") {
			return fmt.Errorf("%w: client certificate and key must be set together", errors.ErrInvalidConfig)
		}
		c.tlsCertFile = certFile
		c.tlsKeyFile = keyFile
		c.tlsCAFile = caFile
		return nil
	}
}

// WithName sets the connection name the server reports.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithMetrics records connection state in the registry's core metrics.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
		return nil
	}
}
