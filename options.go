package docsession

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultPutRetryMaxDelay = 500 * time.Millisecond

// Params are the connection parameters of a Session.
type Params struct {
	// AutoSave saves a document in the background whenever it is updated
	AutoSave bool `yaml:"auto_save"`

	// HandleConflicts fetches sibling revisions and routes them through the
	// registered conflict handler. When false the store's winning revision
	// is taken as is.
	HandleConflicts bool `yaml:"handle_conflicts"`

	// PutRetries is how many times a conflicting save is retried
	PutRetries int `yaml:"put_retries"`

	// PutRetryMaxDelay bounds the random wait before each retry
	PutRetryMaxDelay time.Duration `yaml:"put_retry_max_delay"`
}

// DefaultParams returns the parameters used when none are given.
func DefaultParams() Params {
	return Params{PutRetryMaxDelay: defaultPutRetryMaxDelay}
}

// Validate checks that the parameters are usable.
func (p Params) Validate() error {
	if p.PutRetries < 0 {
		return fmt.Errorf("put_retries must be non-negative")
	}
	if p.PutRetryMaxDelay < 0 {
		return fmt.Errorf("put_retry_max_delay must be non-negative")
	}
	return nil
}

// ParseParams decodes YAML parameters on top of DefaultParams.
func ParseParams(data []byte) (Params, error) {
	p := DefaultParams()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("failed to parse params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// LoadParams reads YAML parameters from path.
func LoadParams(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("failed to read params: %w", err)
	}
	return ParseParams(data)
}

// Option is a functional option for configuring a Session.
type Option func(*config)

type config struct {
	params     Params
	logger     *slog.Logger
	onAutoSave func(id string, err error)
}

// WithParams replaces all connection parameters.
func WithParams(p Params) Option {
	return func(c *config) {
		c.params = p
	}
}

// WithAutoSave enables or disables background saving on Update.
func WithAutoSave(enabled bool) Option {
	return func(c *config) {
		c.params.AutoSave = enabled
	}
}

// WithConflictHandling enables or disables the conflict handler path.
func WithConflictHandling(enabled bool) Option {
	return func(c *config) {
		c.params.HandleConflicts = enabled
	}
}

// WithRetries sets the save retry budget and the ceiling of the random
// delay before each retry.
func WithRetries(retries int, maxDelay time.Duration) Option {
	return func(c *config) {
		c.params.PutRetries = retries
		c.params.PutRetryMaxDelay = maxDelay
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithAutoSaveErrorHandler receives errors from background saves
// triggered by Update. They are logged either way.
func WithAutoSaveErrorHandler(fn func(id string, err error)) Option {
	return func(c *config) {
		c.onAutoSave = fn
	}
}
