// Package cfg loads configuration from flag defaults, a YAML file and
// command line flags, in that order of precedence.
package cfg

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// Source is a generic configuration source. It is passed a pointer to the
// destination, which may already contain data from previous sources.
type Source func(dst flagext.Registerer) error

// Unmarshal applies sources to dst in order.
func Unmarshal(dst flagext.Registerer, sources ...Source) error {
	if len(sources) == 0 {
		panic("no sources supplied to cfg.Unmarshal")
	}
	for _, source := range sources {
		if err := source(dst); err != nil {
			return errors.Wrap(err, "sourcing")
		}
	}
	return nil
}

// Defaults registers the flags of dst on fs, which sets them to their
// default values.
func Defaults(fs *flag.FlagSet) Source {
	return func(dst flagext.Registerer) error {
		dst.RegisterFlags(fs)
		return nil
	}
}

// DefaultUnmarshal loads dst from flag defaults, the YAML file named by
// -config.file and the flags in args.
func DefaultUnmarshal(dst flagext.Registerer, args []string, fs *flag.FlagSet) error {
	file, expandEnv := ConfigFileLoader(args, "config.file", "config.expand-env")
	sources := []Source{Defaults(fs)}
	if file != "" {
		sources = append(sources, YAML(file, expandEnv, true))
	}
	sources = append(sources, Flags(args, fs))
	return Unmarshal(dst, sources...)
}
