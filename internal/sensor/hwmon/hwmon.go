// Package hwmon reads the host's own temperature sensors (SoC, CPU, NVMe)
// from the Linux hwmon sysfs interface
package hwmon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"sensorhub/internal/sensor"
)

// DriverName is the registry name of this driver
const DriverName = "hwmon"

// DefaultRoot is where the kernel exposes hwmon devices
const DefaultRoot = "/sys/class/hwmon"

// Sensor reports every temperature input of the matching hwmon devices.
// The descriptor bus field optionally names one device (e.g. "cpu_thermal").
type Sensor struct {
	*sensor.Base

	root string
}

// Driver returns the registry entry for host temperature sensors
func Driver() sensor.Driver {
	return sensor.Driver{
		Name:        DriverName,
		DefaultType: sensor.TypeCustom,
		Factory:     New,
	}
}

// New creates a hwmon sensor
func New(desc sensor.Descriptor, env sensor.Env) (sensor.Sensor, error) {
	desc.Bus = strings.TrimSpace(desc.Bus)
	return &Sensor{
		Base: sensor.NewBase(desc, env.Timeout, env.Logger),
		root: DefaultRoot,
	}, nil
}

// Available checks that at least one temperature input exists
func (s *Sensor) Available() bool {
	return s.Probe(func() error {
		inputs, err := s.inputs()
		if err != nil {
			return err
		}
		if len(inputs) == 0 {
			return fmt.Errorf("no temperature inputs under %s", s.root)
		}
		return nil
	})
}

// Read samples all temperature inputs. A single input is reported as
// "temperature", several are keyed by their label.
func (s *Sensor) Read(ctx context.Context) (sensor.Reading, error) {
	return s.Transact(ctx, func() (map[string]float64, error) {
		inputs, err := s.inputs()
		if err != nil {
			return nil, err
		}

		values := make(map[string]float64, len(inputs))
		for _, in := range inputs {
			milli, err := readInt(in.path)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", in.path, err)
			}
			values[in.name] = sensor.Round(float64(milli)/1000, 2)
		}
		if len(values) == 1 {
			for _, v := range values {
				return map[string]float64{"temperature": v}, nil
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("no temperature inputs under %s", s.root)
		}
		return values, nil
	})
}

type input struct {
	name string
	path string
}

// inputs lists temp*_input files, sorted by measurement name
func (s *Sensor) inputs() ([]input, error) {
	devices, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	filter := s.Descriptor().Bus
	var result []input
	seen := make(map[string]int)

	for _, dev := range devices {
		devicePath := filepath.Join(s.root, dev.Name())
		deviceName, err := readString(filepath.Join(devicePath, "name"))
		if err != nil {
			continue
		}
		if filter != "" && deviceName != filter {
			continue
		}

		files, err := os.ReadDir(devicePath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if !strings.HasPrefix(f.Name(), "temp") || !strings.HasSuffix(f.Name(), "_input") {
				continue
			}

			label := deviceName
			labelFile := strings.Replace(f.Name(), "_input", "_label", 1)
			if l, err := readString(filepath.Join(devicePath, labelFile)); err == nil && l != "" {
				label = deviceName + "_" + l
			}
			name := measurementName(label)
			seen[name]++
			if n := seen[name]; n > 1 {
				name = fmt.Sprintf("%s_%d", name, n)
			}
			result = append(result, input{name: name, path: filepath.Join(devicePath, f.Name())})
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].name < result[j].name })
	return result, nil
}

// measurementName lowercases and replaces everything but letters and digits
func measurementName(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readInt(path string) (int64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}
