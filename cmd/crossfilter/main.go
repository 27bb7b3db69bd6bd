// Command crossfilter runs SQL queries through a coordinator and prints
// their results as JSON lines.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/grafana/crossfilter/pkg/cfg"
	"github.com/grafana/crossfilter/pkg/connector"
	"github.com/grafana/crossfilter/pkg/connector/arrowconv"
	"github.com/grafana/crossfilter/pkg/connector/sqldb"
	"github.com/grafana/crossfilter/pkg/connector/sqlite"
	"github.com/grafana/crossfilter/pkg/coordinator"
	util_log "github.com/grafana/crossfilter/pkg/util/log"
)

func main() {
	var config Config
	if err := cfg.DefaultUnmarshal(&config, os.Args[1:], flag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if config.PrintVersion {
		fmt.Println(version.Print("crossfilter"))
		os.Exit(0)
	}
	logger := util_log.InitLogger(&config.Log)

	if err := config.Validate(); err != nil {
		level.Error(logger).Log("msg", "validating config", "err", err.Error())
		os.Exit(1)
	}
	if config.PrintConfig {
		if err := printConfig(os.Stderr, &config); err != nil {
			level.Error(logger).Log("msg", "failed to print config to stderr", "err", err.Error())
		}
	}

	level.Info(logger).Log("msg", "starting crossfilter", "version", version.Info(), "backend", config.Backend)

	conn, closer, err := openBackend(&config)
	util_log.CheckFatal("opening backend", err)
	defer closer.Close()

	co, err := coordinator.New(config.Coordinator, conn, nil, logger, prometheus.DefaultRegisterer)
	util_log.CheckFatal("initialising coordinator", err)
	defer co.Clear()

	ctx := context.Background()
	if len(config.Setup) > 0 {
		_, err := co.Exec(config.Setup...).Wait(ctx)
		util_log.CheckFatal("running setup statements", err)
	}

	out := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	for _, sql := range flag.Args() {
		data, err := co.Query(sql, coordinator.WithType(connector.Type(config.Format))).Wait(ctx)
		util_log.CheckFatal("running query", err)
		util_log.CheckFatal("writing result", out.Encode(resultLine{SQL: sql, Rows: rows(data)}))
	}
}

type resultLine struct {
	SQL  string           `json:"sql"`
	Rows []map[string]any `json:"rows"`
}

func rows(data any) []map[string]any {
	switch d := data.(type) {
	case arrow.Record:
		return arrowconv.ToRows(d)
	case []map[string]any:
		return d
	}
	return nil
}

func openBackend(config *Config) (connector.Connector, io.Closer, error) {
	logger := util_log.Logger
	switch config.Backend {
	case backendSQL:
		c, err := sqldb.Open(config.SQLDB, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case backendSQLite:
		c, err := sqlite.Open(config.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	}
	return nil, nil, errors.Errorf("unsupported backend %q", config.Backend)
}

func printConfig(w io.Writer, config *Config) error {
	lc, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "---\n# crossfilter config\n%s\n", lc)
	return nil
}
