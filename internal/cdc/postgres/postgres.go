// Package postgres captures committed row changes from a PostgreSQL logical
// replication slot (pgoutput) and emits them as typed events. Changes are
// buffered per transaction and released on commit, so consumers only ever
// see committed data.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/config"
	"github.com/mehmetymw/cdc2snow/internal/types"
)

type column struct {
	name string
	oid  uint32
}

type relation struct {
	id      uint32
	schema  string
	table   string
	columns []column
}

type PostgresCDC struct {
	cfg       config.PostgresSource
	logger    *zap.Logger
	stopCh    chan struct{}
	relations map[uint32]relation
	pending   []types.Event
	lastLSN   atomic.Uint64
}

func New(cfg config.PostgresSource, logger *zap.Logger) (*PostgresCDC, error) {
	logger.Info("creating postgres capture source",
		zap.String("publication", cfg.Publication),
		zap.String("slot", cfg.Slot),
		zap.Strings("tables", cfg.Tables))

	return &PostgresCDC{
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		relations: make(map[uint32]relation),
	}, nil
}

// LastLSN reports the most recently committed position, for health output.
func (p *PostgresCDC) LastLSN() string {
	return pglogrepl.LSN(p.lastLSN.Load()).String()
}

// Run streams events into out until Stop is called. Connection failures are
// retried with a fixed backoff; the replication slot keeps unacknowledged
// changes across reconnects.
func (p *PostgresCDC) Run(out chan<- types.Event) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-p.stopCh
		cancel()
	}()

	for {
		if err := p.run(ctx, out); err != nil {
			if ctx.Err() != nil {
				p.logger.Info("capture stopped")
				return
			}
			p.logger.Error("replication failed, retrying in 5s", zap.Error(err))
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				p.logger.Info("capture stopped")
				return
			}
			continue
		}
		return
	}
}

func (p *PostgresCDC) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
}

func (p *PostgresCDC) run(ctx context.Context, out chan<- types.Event) error {
	cfg, err := pgconn.ParseConfig(p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	defer conn.Close(context.Background())

	if p.cfg.Publication != "" && p.cfg.CreatePublication {
		p.createPublication(ctx)
	}
	if p.cfg.Slot != "" && p.cfg.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, p.cfg.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
		if err != nil {
			p.logger.Warn("create replication slot failed (may already exist)",
				zap.String("slot", p.cfg.Slot), zap.Error(err))
		} else {
			p.logger.Info("replication slot created", zap.String("slot", p.cfg.Slot))
		}
	}

	startLSN := pglogrepl.LSN(0)
	if p.cfg.StartLSN != "" {
		startLSN, err = pglogrepl.ParseLSN(p.cfg.StartLSN)
		if err != nil {
			return fmt.Errorf("parse start lsn %q: %w", p.cfg.StartLSN, err)
		}
	}

	opts := pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", p.cfg.Publication),
		},
	}
	if err := pglogrepl.StartReplication(ctx, conn, p.cfg.Slot, startLSN, opts); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	p.logger.Info("replication started",
		zap.String("slot", p.cfg.Slot),
		zap.String("publication", p.cfg.Publication),
		zap.String("start_lsn", startLSN.String()))

	statusLSN := startLSN
	deadline := time.Now().Add(10 * time.Second)

	for {
		if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: statusLSN}); err != nil {
			return fmt.Errorf("send standby status: %w", err)
		}

		ctxR, cancel := context.WithDeadline(ctx, deadline)
		msg, err := conn.ReceiveMessage(ctxR)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				deadline = time.Now().Add(10 * time.Second)
				continue
			}
			return fmt.Errorf("receive message: %w", err)
		}

		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}
		switch copyData.Data[0] {
		case pglogrepl.XLogDataByteID:
			x, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlog data: %w", err)
			}
			if err := p.handleMessage(ctx, out, x.WALData); err != nil {
				return err
			}
			statusLSN = x.WALStart
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				p.logger.Warn("parse keepalive failed", zap.Error(err))
				continue
			}
			if ka.ReplyRequested {
				deadline = time.Now()
			}
		default:
			p.logger.Debug("unknown replication message", zap.Uint8("type", copyData.Data[0]))
		}
	}
}

// createPublication provisions the publication over a regular connection.
// Scoped to the configured tables when given, otherwise all tables.
func (p *PostgresCDC) createPublication(ctx context.Context) {
	std, err := pgx.Connect(ctx, p.cfg.DSN)
	if err != nil {
		p.logger.Error("connect for publication creation failed", zap.Error(err))
		return
	}
	defer std.Close(ctx)

	stmt := "CREATE PUBLICATION " + p.cfg.Publication + " FOR ALL TABLES"
	if len(p.cfg.Tables) > 0 {
		stmt = "CREATE PUBLICATION " + p.cfg.Publication + " FOR TABLE " + strings.Join(p.cfg.Tables, ", ")
	}
	if _, err := std.Exec(ctx, stmt); err != nil {
		p.logger.Warn("create publication failed (may already exist)",
			zap.String("publication", p.cfg.Publication), zap.Error(err))
		return
	}
	p.logger.Info("publication created", zap.String("publication", p.cfg.Publication))
}

func (p *PostgresCDC) handleMessage(ctx context.Context, out chan<- types.Event, data []byte) error {
	logicalMsg, err := pglogrepl.Parse(data)
	if err != nil {
		p.logger.Error("parse logical message failed", zap.Error(err))
		return nil
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rel := relation{
			id:      msg.RelationID,
			schema:  msg.Namespace,
			table:   msg.RelationName,
			columns: make([]column, len(msg.Columns)),
		}
		for i, col := range msg.Columns {
			rel.columns[i] = column{name: col.Name, oid: col.DataType}
		}
		p.relations[rel.id] = rel
		p.logger.Debug("relation registered",
			zap.Uint32("id", rel.id),
			zap.String("table", rel.schema+"."+rel.table),
			zap.Int("columns", len(rel.columns)))

	case *pglogrepl.BeginMessage:
		p.logger.Debug("transaction begin", zap.String("final_lsn", msg.FinalLSN.String()))

	case *pglogrepl.InsertMessage:
		rel, ok := p.relations[msg.RelationID]
		if !ok || !p.wanted(rel) {
			return nil
		}
		p.pending = append(p.pending, types.Event{
			Kind:    types.EventInsert,
			TableID: types.TableID(msg.RelationID),
			Row:     decodeTuple(msg.Tuple, rel.columns),
		})

	case *pglogrepl.UpdateMessage:
		rel, ok := p.relations[msg.RelationID]
		if !ok || !p.wanted(rel) {
			return nil
		}
		p.pending = append(p.pending, types.Event{
			Kind:    types.EventUpdate,
			TableID: types.TableID(msg.RelationID),
			Row:     decodeTuple(msg.NewTuple, rel.columns),
		})

	case *pglogrepl.DeleteMessage:
		rel, ok := p.relations[msg.RelationID]
		if !ok || !p.wanted(rel) {
			return nil
		}
		ev := types.Event{
			Kind:    types.EventDelete,
			TableID: types.TableID(msg.RelationID),
		}
		if msg.OldTuple != nil {
			old := decodeTuple(msg.OldTuple, rel.columns)
			ev.OldRow = &old
		}
		p.pending = append(p.pending, ev)

	case *pglogrepl.CommitMessage:
		p.lastLSN.Store(uint64(msg.CommitLSN))
		if len(p.pending) == 0 {
			return nil
		}
		p.logger.Debug("transaction committed",
			zap.String("lsn", msg.CommitLSN.String()),
			zap.Int("events", len(p.pending)))
		for _, ev := range p.pending {
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		p.pending = nil

	default:
		p.logger.Debug("skipping logical message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
	return nil
}

// wanted filters by the configured table list. An empty list captures
// everything the publication carries.
func (p *PostgresCDC) wanted(rel relation) bool {
	if len(p.cfg.Tables) == 0 {
		return true
	}
	qualified := rel.schema + "." + rel.table
	for _, t := range p.cfg.Tables {
		if t == qualified || t == rel.table {
			return true
		}
	}
	return false
}
