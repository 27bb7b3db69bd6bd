package cfg

import (
	"flag"

	"github.com/grafana/dskit/flagext"
)

// Flags parses args into the flags registered on fs. Only flags present in
// args change dst.
func Flags(args []string, fs *flag.FlagSet) Source {
	return func(_ flagext.Registerer) error {
		return fs.Parse(args)
	}
}
