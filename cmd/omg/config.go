package main

import (
	"bufio"
	"fmt"
	"os"
	"reflect"

	"github.com/naoina/toml"
)

// omgConfig is the TOML runtime configuration accepted via --config.
type omgConfig struct {
	// FuelLimit bounds the instruction count of each run; 0 means
	// unlimited.
	FuelLimit uint64
	// NoColor disables colored diagnostics.
	NoColor bool
	// CacheSize is the verified-image cache size of the engine.
	CacheSize int
}

func defaultConfig() omgConfig {
	return omgConfig{CacheSize: 16}
}

// These settings ensure that TOML keys use the same names as Go struct
// fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

func loadConfig(file string, cfg *omgConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = fmt.Errorf("%s: %v", file, err)
	}
	return err
}

func dumpConfig(cfg omgConfig) error {
	return tomlSettings.NewEncoder(os.Stdout).Encode(cfg)
}
