// Package destination assembles the delivery target the pipeline writes
// through. The variant set is closed: snowflake, kafka, postgres, and the
// Multi fan-out wrapper over any combination of them. Adding a kind means a
// new case in the construction switch, nothing else.
package destination

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/catalog"
	"github.com/mehmetymw/cdc2snow/internal/config"
	"github.com/mehmetymw/cdc2snow/internal/sink/kafka"
	"github.com/mehmetymw/cdc2snow/internal/sink/postgres"
	"github.com/mehmetymw/cdc2snow/internal/sink/snowflake"
	"github.com/mehmetymw/cdc2snow/internal/types"
)

// MultiID keys dead letter entries when the pipeline writes through a
// fan-out of several destinations.
const MultiID = "multi"

// Build constructs the configured destination. A single entry yields that
// sink directly with its config id; several entries are wrapped in a Multi
// and keyed under MultiID.
func Build(ctx context.Context, cfgs []config.DestinationConfig, cat *catalog.Resolver, logger *zap.Logger) (types.Destination, string, error) {
	if len(cfgs) == 0 {
		return nil, "", errors.New("no destinations configured")
	}

	children := make([]types.Destination, 0, len(cfgs))
	for _, cfg := range cfgs {
		child, err := build(ctx, cfg, cat, logger)
		if err != nil {
			return nil, "", fmt.Errorf("destination %q: %w", cfg.ID, err)
		}
		logger.Info("destination configured",
			zap.String("id", cfg.ID),
			zap.String("type", cfg.Type))
		children = append(children, child)
	}

	if len(children) == 1 {
		return children[0], cfgs[0].ID, nil
	}
	return NewMulti(children, logger), MultiID, nil
}

func build(ctx context.Context, cfg config.DestinationConfig, cat *catalog.Resolver, logger *zap.Logger) (types.Destination, error) {
	switch cfg.Type {
	case "snowflake":
		return snowflake.New(cfg.Snowflake, cat, logger)
	case "kafka":
		return kafka.New(cfg.Kafka, cat, logger)
	case "postgres":
		return postgres.New(ctx, cfg.Postgres, cat, logger)
	default:
		return nil, fmt.Errorf("unknown destination type %q", cfg.Type)
	}
}
