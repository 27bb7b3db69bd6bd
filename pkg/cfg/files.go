package cfg

import (
	"os"
	"strconv"
	"strings"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// YAML returns a Source reading the YAML file f. With expandEnv, ${VAR}
// references are replaced by environment values before parsing. With
// strict, unknown fields are an error.
func YAML(f string, expandEnv, strict bool) Source {
	return func(dst flagext.Registerer) error {
		y, err := os.ReadFile(f)
		if err != nil {
			return errors.Wrap(err, "read yaml")
		}
		if expandEnv {
			y = []byte(os.ExpandEnv(string(y)))
		}
		return errors.Wrap(dYAML(y, strict)(dst), "parse yaml")
	}
}

// dYAML returns a Source parsing y.
func dYAML(y []byte, strict bool) Source {
	return func(dst flagext.Registerer) error {
		if strict {
			return yaml.UnmarshalStrict(y, dst)
		}
		return yaml.Unmarshal(y, dst)
	}
}

// ConfigFileLoader scans args for the config file flag and the environment
// expansion flag without parsing the other flags.
func ConfigFileLoader(args []string, name, expandEnvName string) (file string, expandEnv bool) {
	for i := 0; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "-") {
			continue
		}
		key, value, hasValue := strings.Cut(strings.TrimLeft(args[i], "-"), "=")
		switch key {
		case name:
			if !hasValue && i+1 < len(args) {
				i++
				value = args[i]
			}
			file = value
		case expandEnvName:
			expandEnv = true
			if hasValue {
				expandEnv, _ = strconv.ParseBool(value)
			}
		}
	}
	return file, expandEnv
}
