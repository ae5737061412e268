// Package bootcfg loads the kernel's boot-time tunables from a TOML file.
// BiscuitOS hardcodes these (aplim := 7, a 10ms-ish rearm baked into the
// scheduler) directly in main(); this repo externalizes them so the same
// binary can be tuned per boot without a rebuild.
package bootcfg

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds every boot-time tunable named or implied by spec.md.
type Config struct {
	// Scheduler time slice, exposed as TimeSlice(); internal/sched does not
	// read it.
	TimeSliceMillis int `toml:"time_slice_millis"`
	// Hard cap on CPUs the kernel will bring up, independent of how many
	// the hardware reports (spec.md §4.1 "maximum is a build-time bound").
	MaxCPUs int `toml:"max_cpus"`
	// Default kernel stack size in KiB for a new TCB (spec.md §4.8).
	KernelStackKiB int `toml:"kernel_stack_kib"`
	// Max window, in MiB, a user stack may be randomized within (spec.md §4.8).
	UserStackWindowMiB int `toml:"user_stack_window_mib"`
	// Path to the boot-time ("initial") NablaDB catalog, seeded from the
	// ramdisk per spec.md §6.
	BootDriverDatabasePath string `toml:"boot_driver_database_path"`
	// IPI delivery-status spin timeout (spec.md §4.6, "100 µs per delivery").
	IPIDeliveryTimeoutMicros int `toml:"ipi_delivery_timeout_micros"`
}

// Default returns the tunables BiscuitOS's main() hardcodes, translated to
// this repo's explicit config surface.
func Default() Config {
	return Config{
		TimeSliceMillis:          10,
		MaxCPUs:                  8,
		KernelStackKiB:           8,
		UserStackWindowMiB:       16,
		BootDriverDatabasePath:   "/boot/drivers.ndb",
		IPIDeliveryTimeoutMicros: 100,
	}
}

// TimeSlice returns the configured scheduler quantum as a time.Duration.
func (c Config) TimeSlice() time.Duration {
	return time.Duration(c.TimeSliceMillis) * time.Millisecond
}

// IPIDeliveryTimeout returns the configured IPI delivery-status spin
// timeout as a time.Duration.
func (c Config) IPIDeliveryTimeout() time.Duration {
	return time.Duration(c.IPIDeliveryTimeoutMicros) * time.Microsecond
}

// Load reads and decodes a boot config file, filling any field the file
// omits with the Default() value.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "bootcfg: decoding %s", path)
	}
	return cfg, nil
}
