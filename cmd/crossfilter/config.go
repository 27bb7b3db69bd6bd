package main

import (
	"flag"
	"fmt"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"

	"github.com/grafana/crossfilter/pkg/connector/sqldb"
	"github.com/grafana/crossfilter/pkg/coordinator"
	util_log "github.com/grafana/crossfilter/pkg/util/log"
)

const (
	backendSQLite = "sqlite"
	backendSQL    = "sql"
)

// Config is the root config of the crossfilter binary.
type Config struct {
	ConfigFile      string `yaml:"-"`
	ConfigExpandEnv bool   `yaml:"-"`
	PrintConfig     bool   `yaml:"-"`
	PrintVersion    bool   `yaml:"-"`

	Log         util_log.Config    `yaml:"log"`
	Coordinator coordinator.Config `yaml:"coordinator"`

	Backend    string              `yaml:"backend"`
	SQLitePath string              `yaml:"sqlite_path"`
	SQLDB      sqldb.Config        `yaml:"sqldb"`
	Setup      flagext.StringSlice `yaml:"setup"`
	Format     string              `yaml:"format"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigFile, "config.file", "", "YAML file to load.")
	f.BoolVar(&c.ConfigExpandEnv, "config.expand-env", false, "Expand ${VAR} references in the config file from the environment.")
	f.BoolVar(&c.PrintConfig, "print-config-stderr", false, "Dump the effective config to stderr.")
	f.BoolVar(&c.PrintVersion, "version", false, "Print this build's version information.")

	c.Log.RegisterFlags(f)
	c.Coordinator.RegisterFlags(f)
	c.SQLDB.RegisterFlags(f)

	f.StringVar(&c.Backend, "backend", backendSQLite, fmt.Sprintf("Database backend. Valid values: [%s, %s]", backendSQLite, backendSQL))
	f.StringVar(&c.SQLitePath, "sqlite.path", ":memory:", "Database file of the sqlite backend.")
	f.Var(&c.Setup, "setup", "Statement executed before running queries. May be repeated.")
	f.StringVar(&c.Format, "format", "arrow", "Result format requested from the backend. Valid formats: [arrow, json]")
}

func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return errors.Wrap(err, "invalid log config")
	}
	if err := c.Coordinator.Validate(); err != nil {
		return errors.Wrap(err, "invalid coordinator config")
	}
	switch c.Backend {
	case backendSQLite:
	case backendSQL:
		if err := c.SQLDB.Validate(); err != nil {
			return errors.Wrap(err, "invalid sqldb config")
		}
	default:
		return errors.Errorf("unsupported backend %q", c.Backend)
	}
	switch c.Format {
	case "arrow", "json":
	default:
		return errors.Errorf("unsupported result format %q", c.Format)
	}
	return nil
}
