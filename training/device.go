package training

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// ErrUnsupportedDevice is returned for device names other than the CPU.
var ErrUnsupportedDevice = errors.New("unsupported device")

// Device describes where the numeric work runs.
type Device struct {
	Name          string
	Brand         string
	PhysicalCores int
	LogicalCores  int
	Vectorized    bool // AVX2 and FMA3 available
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, %d cores, %d threads, vectorized=%t)",
		d.Name, d.Brand, d.PhysicalCores, d.LogicalCores, d.Vectorized)
}

// ResolveDevices maps the configured device list to devices. Only "cpu" is
// supported; an empty list selects it.
func ResolveDevices(names []string) ([]Device, error) {
	if len(names) == 0 {
		names = []string{"cpu"}
	}
	devices := make([]Device, 0, len(names))
	for _, name := range names {
		if strings.ToLower(strings.TrimSpace(name)) != "cpu" {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedDevice, name)
		}
		devices = append(devices, cpuDevice())
	}
	return devices, nil
}

func cpuDevice() Device {
	d := Device{
		Name:          "cpu",
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Vectorized:    cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3),
	}
	if d.Brand == "" {
		d.Brand = runtime.GOARCH
	}
	if d.LogicalCores == 0 {
		d.LogicalCores = runtime.NumCPU()
	}
	return d
}
