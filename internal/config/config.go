// Package config decodes and validates the construction-time configuration
// spec.md §6 describes: the node's Uid, its opaque LoRa radio parameters,
// its device class/capability byte, and the engine's tunable bounds.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/quadranet/meshnode/internal/message"
)

// DeviceClass is the LoRaWAN-style device class a node advertises in
// Discovery payloads (spec.md GLOSSARY).
type DeviceClass uint8

const (
	ClassA DeviceClass = iota
	ClassB
	ClassC
)

// Capabilities is the radio/companion-link capability set a node
// advertises.
type Capabilities uint8

const (
	CapLora Capabilities = iota
	CapLoraBLE
	CapLoraWifi
)

// CapabilitiesByte encodes (class, capabilities) into the single byte
// Discovery payloads carry, per the table in spec.md's GLOSSARY.
func CapabilitiesByte(class DeviceClass, caps Capabilities) (uint8, error) {
	if class > ClassC || caps > CapLoraWifi {
		return 0, fmt.Errorf("config: invalid device class/capability combination")
	}
	return uint8(class)*3 + uint8(caps), nil
}

// DecodeCapabilitiesByte reverses CapabilitiesByte.
func DecodeCapabilitiesByte(b uint8) (DeviceClass, Capabilities, error) {
	if b > 8 {
		return 0, 0, fmt.Errorf("config: capabilities byte %d out of range", b)
	}
	return DeviceClass(b / 3), Capabilities(b % 3), nil
}

// LoraConfig is opaque to the engine (spec.md §6): frequency, tx power,
// modulation and packet params are passed straight through to the radio
// driver.
type LoraConfig struct {
	FrequencyHz     uint32 `mapstructure:"frequency_hz" validate:"required"`
	TxPowerDBm      int8   `mapstructure:"tx_power_dbm" validate:"gte=-9,lte=22"`
	SpreadingFactor uint8  `mapstructure:"spreading_factor" validate:"gte=6,lte=12"`
	Bandwidth       uint32 `mapstructure:"bandwidth_hz" validate:"required"`
	CodingRate      uint8  `mapstructure:"coding_rate" validate:"gte=5,lte=8"`
}

// DeviceConfig names the device's class and capability set.
type DeviceConfig struct {
	Class        DeviceClass  `mapstructure:"class"`
	Capabilities Capabilities `mapstructure:"capabilities"`
}

// EngineConfig bounds the engine's queues and tables. Load replaces an
// all-zero EngineConfig with DefaultEngineConfig; individual zero fields of
// a partly set EngineConfig are not filled in and fail validation.
type EngineConfig struct {
	InQueueSize          int  `mapstructure:"inqueue_size" validate:"gte=8,lte=32"`
	OutQueueSize         int  `mapstructure:"outqueue_size" validate:"gte=8,lte=32"`
	MaxInQueueProcess    int  `mapstructure:"max_inqueue_process" validate:"gte=1,lte=8"`
	MaxOutQueueTransmit  int  `mapstructure:"max_outqueue_transmit" validate:"gte=1,lte=8"`
	MaxRoutes            int  `mapstructure:"max_routes" validate:"gte=1,lte=128"`
	MaxRoutesPerDest     int  `mapstructure:"max_routes_per_dest" validate:"gte=1,lte=3"`
	StrictBackoffCeiling bool `mapstructure:"strict_backoff_ceiling"`
}

// DefaultEngineConfig returns the mid-range defaults spec.md §6 allows.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		InQueueSize:         16,
		OutQueueSize:        16,
		MaxInQueueProcess:   5,
		MaxOutQueueTransmit: 5,
		MaxRoutes:           128,
		MaxRoutesPerDest:    2,
	}
}

// NodeConfig is the full construction-time configuration for one mesh
// node.
type NodeConfig struct {
	UID    message.Uid
	Lora   LoraConfig
	Device DeviceConfig
	Engine EngineConfig
}

var validate = validator.New()

// Load decodes raw, generic maps for lora/device config (the shape
// spec.md §6 leaves implementation-defined) the way
// pkg/scalers/beanstalkd_scaler.go decodes trigger metadata, validates the
// result with the go-playground validator (as
// pkg/scalers/predictkube_scaler.go does for its own config), and returns
// a ready-to-use NodeConfig.
func Load(uid uint8, loraRaw, deviceRaw map[string]any, engine EngineConfig) (NodeConfig, error) {
	u, err := message.NewUid(uid)
	if err != nil {
		return NodeConfig{}, errors.Wrap(err, "config: node uid")
	}

	var lora LoraConfig
	if err := decodeAndValidate(loraRaw, &lora); err != nil {
		return NodeConfig{}, errors.Wrap(err, "config: lora_config")
	}

	var device DeviceConfig
	if err := decodeAndValidate(deviceRaw, &device); err != nil {
		return NodeConfig{}, errors.Wrap(err, "config: device_config")
	}

	if engine == (EngineConfig{}) {
		engine = DefaultEngineConfig()
	}
	if err := validate.Struct(engine); err != nil {
		return NodeConfig{}, errors.Wrap(err, "config: engine bounds")
	}

	return NodeConfig{UID: u, Lora: lora, Device: device, Engine: engine}, nil
}

func decodeAndValidate(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return err
	}
	return validate.Struct(out)
}
