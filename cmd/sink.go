package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/citystream/tripflow/internal/sink"
)

// openSink builds the configured output backend and runs migrations.
func openSink(ctx context.Context) (sink.Sink, error) {
	var (
		out sink.Sink
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite", "":
		out, err = sink.NewSQLite(cfg.Store.DatabaseURL, cfg.Store.AuditStream)
	case "postgres":
		out, err = sink.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.AuditStream)
	default:
		return nil, eris.Errorf("unknown store driver %q (want sqlite or postgres)", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := out.Migrate(ctx); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}
