package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment-variable overrides.
const EnvPrefix = "MACHINA"

// Load reads a YAML config file, applies environment overrides and
// validates the result. An empty path starts from Default().
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := applyEnvOverrides(EnvPrefix, reflect.ValueOf(&cfg).Elem()); err != nil {
		return cfg, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides walks the struct and overrides fields from variables
// named PREFIX_FIELD_SUBFIELD (upper-cased field names).
func applyEnvOverrides(prefix string, val reflect.Value) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !field.CanSet() {
			continue
		}

		envKey := prefix + "_" + strings.ToUpper(fieldType.Name)

		if field.Kind() == reflect.Struct {
			if err := applyEnvOverrides(envKey, field); err != nil {
				return err
			}
			continue
		}
		// Slices (the shard list) are file-only; per-element env override
		// is not supported.
		if field.Kind() == reflect.Slice {
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("field %s from env %s: %w", fieldType.Name, envKey, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
			return fmt.Errorf("invalid integer %q", value)
		}
		field.SetInt(n)
	case reflect.Bool:
		field.SetBool(strings.EqualFold(value, "true") || value == "1")
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
