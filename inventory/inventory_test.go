package inventory_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c35s/iommu/inventory"
	"github.com/c35s/iommu/vtd"
	"github.com/google/go-cmp/cmp"
)

const sample = `
units:
  - base: 0xfed90000
    deviceCount: 32
    rootTable: 0x7f000000
  - base: 0xfed91000
    size: 0x2000
    deviceCount: 8
    extRootTable: 0x7f001000
pollLimit: 100
pollTimeout: 250ms
queueSizeClass: 1
parallel: true
faultDB: /var/lib/iommu/faults.db
`

func TestParse(t *testing.T) {
	inv, err := inventory.Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}

	want := &inventory.Inventory{
		Units: []inventory.Unit{
			{Base: 0xfed90000, Size: inventory.DefaultUnitSize, DeviceCount: 32, RootTable: 0x7f000000},
			{Base: 0xfed91000, Size: 0x2000, DeviceCount: 8, ExtRootTable: 0x7f001000},
		},
		PollLimit:         100,
		PollTimeout:       250 * time.Millisecond,
		PollTimeoutString: "250ms",
		QueueSizeClass:    1,
		Parallel:          true,
		FaultDB:           "/var/lib/iommu/faults.db",
	}

	if diff := cmp.Diff(want, inv); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		err  error
	}{
		{"syntax", "units: [", inventory.ErrParse},
		{"unknown field", "unit: []", inventory.ErrParse},
		{"bad timeout", "pollTimeout: soon", inventory.ErrParse},
		{"unaligned base", "units: [{base: 0xfed90010, rootTable: 0x1000}]", inventory.ErrUnit},
		{"zero base", "units: [{rootTable: 0x1000}]", inventory.ErrUnit},
		{"no root table", "units: [{base: 0xfed90000}]", inventory.ErrUnit},
		{"unaligned root table", "units: [{base: 0xfed90000, rootTable: 0x1008}]", inventory.ErrUnit},
		{"odd size", "units: [{base: 0xfed90000, size: 0x800, rootTable: 0x1000}]", inventory.ErrUnit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := inventory.Parse([]byte(tt.data)); !errors.Is(err, tt.err) {
				t.Errorf("got %v, want %v", err, tt.err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	env := filepath.Join(dir, "vtd.env")
	if err := os.WriteFile(env, []byte("VTD_POLL_LIMIT=7\nVTD_PARALLEL=false\nVTD_REQUIRE_QUEUED=true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// the process environment beats the file
	t.Setenv(inventory.EnvPollLimit, "9")
	t.Setenv(inventory.EnvPollTimeout, "2s")

	inv, err := inventory.Load(path, env)
	if err != nil {
		t.Fatal(err)
	}

	want := vtd.Config{
		Poll:           vtd.Poll{Limit: 9, Timeout: 2 * time.Second},
		QueueSizeClass: 1,
		RequireQueued:  true,
	}

	if diff := cmp.Diff(want, inv.Config()); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	if len(inv.Units) != 2 {
		t.Errorf("got %d units, want 2", len(inv.Units))
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("missing file", func(t *testing.T) {
		if _, err := inventory.Load(filepath.Join(dir, "nope.yaml"), ""); !errors.Is(err, inventory.ErrRead) {
			t.Errorf("got %v, want ErrRead", err)
		}
	})

	t.Run("missing env file", func(t *testing.T) {
		if _, err := inventory.Load(path, filepath.Join(dir, "nope.env")); !errors.Is(err, inventory.ErrRead) {
			t.Errorf("got %v, want ErrRead", err)
		}
	})

	t.Run("bad override", func(t *testing.T) {
		t.Setenv(inventory.EnvQueueSizeClass, "many")
		if _, err := inventory.Load(path, ""); !errors.Is(err, inventory.ErrEnv) {
			t.Errorf("got %v, want ErrEnv", err)
		}
	})
}
