package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/nfrund/topichub/internal/tracing"
)

// Config holds all configuration for the broker process.
type Config struct {
	Addr           string        `validate:"required"`
	WSPath         string        `validate:"required,startswith=/"`
	Codec          string        `validate:"oneof=json msgpack"`
	QueueSize      int           `validate:"min=1,max=1000000"`
	CloseGrace     time.Duration `validate:"gt=0"`
	WriteTimeout   time.Duration `validate:"gt=0"`
	MaxFrameBytes  int64         `validate:"min=128"`
	AcceptRate     float64       `validate:"gte=0"`
	PolicyFile     string
	AllowedOrigins []string
	LogFormat      string `validate:"omitempty,oneof=text json"`
	LogLevel       string `validate:"omitempty,oneof=debug info warn warning error"`
	Tracing        tracing.Config
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		Addr:          ":8080",
		WSPath:        "/ws",
		Codec:         "json",
		QueueSize:     256,
		CloseGrace:    5 * time.Second,
		WriteTimeout:  10 * time.Second,
		MaxFrameBytes: 1 << 20,
		LogFormat:     "text",
		LogLevel:      "info",
		Tracing:       tracing.DefaultConfig(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads envFiles into the environment and then builds the
// configuration from it. Without envFiles an optional .env in the working
// directory is read.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if len(envFiles) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment.
func FromEnv() (*Config, error) {
	cfg := Default()
	p := parser{}

	p.str("TOPICHUB_ADDR", &cfg.Addr)
	p.str("TOPICHUB_WS_PATH", &cfg.WSPath)
	p.str("TOPICHUB_CODEC", &cfg.Codec)
	p.integer("TOPICHUB_QUEUE_SIZE", &cfg.QueueSize)
	p.duration("TOPICHUB_CLOSE_GRACE", &cfg.CloseGrace)
	p.duration("TOPICHUB_WRITE_TIMEOUT", &cfg.WriteTimeout)
	p.integer64("TOPICHUB_MAX_FRAME_BYTES", &cfg.MaxFrameBytes)
	p.float("TOPICHUB_ACCEPT_RATE", &cfg.AcceptRate)
	p.str("TOPICHUB_POLICY_FILE", &cfg.PolicyFile)
	p.list("TOPICHUB_ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	p.str("LOG_FORMAT", &cfg.LogFormat)
	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.boolean("TOPICHUB_TRACING_ENABLED", &cfg.Tracing.Enabled)
	p.str("TOPICHUB_TRACING_SERVICE_NAME", &cfg.Tracing.ServiceName)
	p.str("TOPICHUB_TRACING_ZIPKIN_URL", &cfg.Tracing.ZipkinURL)

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	cfg.Codec = strings.ToLower(cfg.Codec)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// parser collects conversion errors so every bad variable is reported at once.
type parser struct {
	errs []error
}

func (p *parser) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (p *parser) fail(key, raw string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %w", key, raw, err))
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = v
	}
}

func (p *parser) integer(key string, dst *int) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) integer64(key string, dst *int64) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) float(key string, dst *float64) {
	if v, ok := p.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (p *parser) boolean(key string, dst *bool) {
	if v, ok := p.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	if v, ok := p.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (p *parser) list(key string, dst *[]string) {
	if v, ok := p.lookup(key); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}
