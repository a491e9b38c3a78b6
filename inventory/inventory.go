// Package inventory loads the list of remapping units to drive and the
// driver settings, from a YAML file with environment overrides.
package inventory

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c35s/iommu/vtd"
	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"
)

// Inventory is the content of an inventory file.
type Inventory struct {
	Units []Unit `json:"units"`

	PollLimit            int           `json:"pollLimit,omitempty"`
	PollTimeout          time.Duration `json:"-"`
	QueueSizeClass       uint8         `json:"queueSizeClass,omitempty"`
	RegisterInvalidation bool          `json:"registerInvalidation,omitempty"`
	RequireQueued        bool          `json:"requireQueued,omitempty"`
	Parallel             bool          `json:"parallel,omitempty"`
	FaultDB              string        `json:"faultDB,omitempty"`

	// PollTimeoutString is the YAML form of PollTimeout, e.g. "5s".
	PollTimeoutString string `json:"pollTimeout,omitempty"`
}

// Unit is one remapping unit, as the platform's DMAR table describes it.
type Unit struct {
	Base         uint64 `json:"base"`
	Size         int    `json:"size,omitempty"`
	DeviceCount  int    `json:"deviceCount"`
	RootTable    uint64 `json:"rootTable"`
	ExtRootTable uint64 `json:"extRootTable,omitempty"`
}

// DefaultUnitSize is the register window size of a unit that doesn't set one.
const DefaultUnitSize = 0x1000

// environment overrides
const (
	EnvPollLimit            = "VTD_POLL_LIMIT"
	EnvPollTimeout          = "VTD_POLL_TIMEOUT"
	EnvQueueSizeClass       = "VTD_QUEUE_SIZE_CLASS"
	EnvRegisterInvalidation = "VTD_REGISTER_INVALIDATION"
	EnvRequireQueued        = "VTD_REQUIRE_QUEUED"
	EnvParallel             = "VTD_PARALLEL"
	EnvFaultDB              = "VTD_FAULT_DB"
)

var (
	ErrRead  = errors.New("inventory: read failed")
	ErrParse = errors.New("inventory: parse failed")
	ErrEnv   = errors.New("inventory: bad environment override")
	ErrUnit  = errors.New("inventory: bad unit")
)

// Load reads the inventory at path and applies overrides. Overrides come
// from the process environment and, if envFile isn't empty, from that
// dotenv file; the process environment wins. If path is empty, Load starts
// from an empty inventory.
func Load(path, envFile string) (*Inventory, error) {
	inv := new(Inventory)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRead, err)
		}

		inv, err = Parse(data)
		if err != nil {
			return nil, err
		}
	}

	var err error

	env := map[string]string{}
	if envFile != "" {
		env, err = godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRead, err)
		}
	}

	for _, k := range []string{EnvPollLimit, EnvPollTimeout, EnvQueueSizeClass, EnvRegisterInvalidation, EnvRequireQueued, EnvParallel, EnvFaultDB} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}

	if err := inv.Override(env); err != nil {
		return nil, err
	}

	return inv, nil
}

// Parse parses and checks an inventory.
func Parse(data []byte) (*Inventory, error) {
	inv := new(Inventory)
	if err := yaml.UnmarshalStrict(data, inv); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	if inv.PollTimeoutString != "" {
		d, err := time.ParseDuration(inv.PollTimeoutString)
		if err != nil {
			return nil, fmt.Errorf("%w: poll timeout: %w", ErrParse, err)
		}

		inv.PollTimeout = d
	}

	for i := range inv.Units {
		u := &inv.Units[i]
		if u.Size == 0 {
			u.Size = DefaultUnitSize
		}

		if err := u.check(); err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrUnit, i, err)
		}
	}

	return inv, nil
}

func (u Unit) check() error {
	if u.Base == 0 || u.Base%4096 != 0 {
		return fmt.Errorf("base %#x is not a page address", u.Base)
	}

	if u.Size < 0 || u.Size%4096 != 0 {
		return fmt.Errorf("size %#x is not a multiple of the page size", u.Size)
	}

	if u.RootTable == 0 && u.ExtRootTable == 0 {
		return errors.New("no root table")
	}

	if u.RootTable%4096 != 0 || u.ExtRootTable%4096 != 0 {
		return errors.New("root table is not page aligned")
	}

	return nil
}

// Override applies the VTD_* settings in env.
func (inv *Inventory) Override(env map[string]string) error {
	for k, v := range env {
		var err error

		switch k {
		case EnvPollLimit:
			inv.PollLimit, err = strconv.Atoi(v)

		case EnvPollTimeout:
			inv.PollTimeout, err = time.ParseDuration(v)

		case EnvQueueSizeClass:
			var n uint64
			n, err = strconv.ParseUint(v, 10, 8)
			inv.QueueSizeClass = uint8(n)

		case EnvRegisterInvalidation:
			inv.RegisterInvalidation, err = strconv.ParseBool(v)

		case EnvRequireQueued:
			inv.RequireQueued, err = strconv.ParseBool(v)

		case EnvParallel:
			inv.Parallel, err = strconv.ParseBool(v)

		case EnvFaultDB:
			inv.FaultDB = v
		}

		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrEnv, k, v, err)
		}
	}

	return nil
}

// Config returns the driver settings as a vtd.Config. The caller supplies
// the allocator, reporter and logger.
func (inv *Inventory) Config() vtd.Config {
	return vtd.Config{
		Poll: vtd.Poll{
			Limit:   inv.PollLimit,
			Timeout: inv.PollTimeout,
		},
		QueueSizeClass:       inv.QueueSizeClass,
		RegisterInvalidation: inv.RegisterInvalidation,
		RequireQueued:        inv.RequireQueued,
		Parallel:             inv.Parallel,
	}
}
