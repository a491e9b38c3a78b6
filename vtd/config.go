package vtd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/vtd/qi"
)

// Config configures a Platform.
type Config struct {

	// Poll bounds every wait for hardware-acknowledged state.
	Poll Poll

	// QueueSizeClass selects the invalidation queue size: 256<<QueueSizeClass
	// descriptors. The default, 0, is one 4K page.
	QueueSizeClass uint8

	// RegisterInvalidation forces register-based invalidation even on units
	// that support the invalidation queue.
	RegisterInvalidation bool

	// RequireQueued makes DiscoverAndValidate fail with ErrUnsupported when
	// a unit newer than version 5 lacks queued invalidation. By default such
	// a unit falls back to register-based invalidation.
	RequireQueued bool

	// Parallel runs the per-engine enable and disable sequences
	// concurrently. Engines still settle before the platform state changes.
	Parallel bool

	// FaultStatusCode is the status code attached to fault reports.
	// If FaultStatusCode is 0, DefaultFaultStatusCode is used.
	FaultStatusCode uint32

	// Allocator provides invalidation queue memory. It is required.
	Allocator dma.Allocator

	// Reporter receives fault reports.
	// If Reporter is nil, reports are only logged.
	Reporter Reporter

	// Logger is the destination for log records.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

// Poll bounds a hardware wait. A wait gives up with ErrTimeout once it has
// read the awaited register Limit times or Timeout has elapsed, whichever
// comes first.
type Poll struct {

	// Limit is the maximum number of reads. If Limit is 0, only Timeout applies.
	Limit int

	// Timeout is the maximum wait.
	// If Timeout is 0, DefaultPollTimeout is used.
	Timeout time.Duration
}

const (
	DefaultPollTimeout     = 5 * time.Second
	DefaultFaultStatusCode = 0xa0000003
)

func (cfg Config) validate() error {
	if cfg.Allocator == nil {
		return errors.New("allocator is not set")
	}

	if cfg.QueueSizeClass > qi.MaxSizeClass {
		return fmt.Errorf("queue size class is too large: %d > %d", cfg.QueueSizeClass, qi.MaxSizeClass)
	}

	if cfg.Poll.Limit < 0 {
		return fmt.Errorf("poll limit is negative: %d", cfg.Poll.Limit)
	}

	if cfg.Poll.Timeout < 0 {
		return fmt.Errorf("poll timeout is negative: %v", cfg.Poll.Timeout)
	}

	if cfg.RegisterInvalidation && cfg.RequireQueued {
		return errors.New("register invalidation and require queued are mutually exclusive")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Poll.Timeout == 0 {
		cfg.Poll.Timeout = DefaultPollTimeout
	}

	if cfg.FaultStatusCode == 0 {
		cfg.FaultStatusCode = DefaultFaultStatusCode
	}

	if cfg.Reporter == nil {
		cfg.Reporter = NopReporter{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
