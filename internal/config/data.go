package config

import (
	"fmt"
	"time"
)

// DataPlaneConfig configures the evaluation API server.
type DataPlaneConfig struct {
	Port              string        `envconfig:"PORT" default:"8081"`
	Host              string        `envconfig:"HOST" default:"0.0.0.0"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"MAX_HEADER_BYTES" default:"524288" validate:"min=1"` // 512KB

	// Security. An empty key hash leaves the evaluation surface open, which is
	// a supported deployment for public client-side flags.
	EvalKeyHash string `envconfig:"EVAL_KEY_HASH"`
	TLSEnabled  bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCert     string `envconfig:"TLS_CERT_FILE"`
	TLSKey      string `envconfig:"TLS_KEY_FILE"`

	// Rate limiting per client IP.
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"300" validate:"min=1"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m" validate:"gt=0"`
}

// Validate performs validation on the DataPlaneConfig.
func (c *DataPlaneConfig) Validate() error {
	if err := validatePort(c.Port, "data plane"); err != nil {
		return err
	}

	if err := validateHost(c.Host, "data plane"); err != nil {
		return err
	}

	if c.EvalKeyHash != "" {
		if err := validateSHA256Hash(c.EvalKeyHash); err != nil {
			return fmt.Errorf("invalid eval key hash: %w", err)
		}
	}

	if c.TLSEnabled && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("TLS enabled but cert or key file not specified")
	}

	return nil
}
