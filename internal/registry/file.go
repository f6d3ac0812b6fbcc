package registry

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"sensorhub/internal/sensor"
)

// entry is the YAML shape of one descriptor, with addresses in hex
type entry struct {
	ID         string      `yaml:"id"`
	Name       string      `yaml:"name,omitempty"`
	Type       sensor.Type `yaml:"type,omitempty"`
	Driver     string      `yaml:"driver"`
	Location   string      `yaml:"location,omitempty"`
	Bus        string      `yaml:"bus,omitempty"`
	Address    string      `yaml:"address,omitempty"`
	MuxAddress string      `yaml:"mux_address,omitempty"`
	MuxChannel *uint8      `yaml:"mux_channel,omitempty"`
	Pin        string      `yaml:"pin,omitempty"`
	Timeout    string      `yaml:"timeout,omitempty"`
}

type file struct {
	Sensors []entry `yaml:"sensors"`
}

func hex(addr uint16) string {
	return fmt.Sprintf("0x%02x", addr)
}

// Encode writes descriptors in the format ReadFile accepts
func Encode(w io.Writer, descs []sensor.Descriptor) error {
	f := file{Sensors: make([]entry, 0, len(descs))}
	for _, d := range descs {
		e := entry{
			ID:         d.ID,
			Name:       d.Name,
			Type:       d.Type,
			Driver:     d.Driver,
			Location:   d.Location,
			Bus:        d.Bus,
			MuxChannel: d.MuxChannel,
			Pin:        d.Pin,
		}
		if d.Address != 0 {
			e.Address = hex(d.Address)
		}
		if d.MuxAddress != nil {
			e.MuxAddress = hex(*d.MuxAddress)
		}
		if d.Timeout > 0 {
			e.Timeout = d.Timeout.String()
		}
		f.Sensors = append(f.Sensors, e)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("failed to encode sensors: %w", err)
	}
	return enc.Close()
}
