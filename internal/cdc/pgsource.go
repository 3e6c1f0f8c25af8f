package cdc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// PGSourceConfig 邏輯複製來源配置
type PGSourceConfig struct {
	DSN            string // 需帶 replication=database
	Slot           string
	Publication    string
	StandbyTimeout time.Duration
}

// PGSource 以 pgoutput 外掛讀取邏輯複製串流
//
// 只回報已完整轉發的交易位置，未回報的交易在重連後由 slot 重播。
type PGSource struct {
	cfg    PGSourceConfig
	logger *slog.Logger

	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	committed pglogrepl.LSN
	deadline  time.Time

	pending *Batch // Begin 之後、Commit 之前
}

// NewPGSource 建立邏輯複製來源
func NewPGSource(cfg PGSourceConfig, logger *slog.Logger) *PGSource {
	if cfg.StandbyTimeout <= 0 {
		cfg.StandbyTimeout = 10 * time.Second
	}
	return &PGSource{
		cfg:    cfg,
		logger: logger.With("component", "pg-source", "slot", cfg.Slot),
	}
}

// Open 連線、確保 slot 存在並開始複製
func (s *PGSource) Open(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect replication: %w", err)
	}

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		conn.Close(ctx)
		return fmt.Errorf("identify system: %w", err)
	}

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, s.cfg.Slot, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil && !isDuplicateObject(err) {
		conn.Close(ctx)
		return fmt.Errorf("create replication slot: %w", err)
	}

	// 起點 0 表示從 slot 已確認的位置繼續
	err = pglogrepl.StartReplication(ctx, conn, s.cfg.Slot, 0, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", s.cfg.Publication),
		},
	})
	if err != nil {
		conn.Close(ctx)
		return fmt.Errorf("start replication: %w", err)
	}

	s.conn = conn
	s.relations = make(map[uint32]*pglogrepl.RelationMessage)
	s.pending = nil
	s.deadline = time.Now().Add(s.cfg.StandbyTimeout)

	s.logger.Info("logical replication started",
		"system_id", sys.SystemID,
		"server_wal", sys.XLogPos.String(),
	)
	return nil
}

// Next 讀取直到一個交易結束
func (s *PGSource) Next(ctx context.Context) (*Batch, error) {
	if s.conn == nil {
		return nil, errors.New("change source not open")
	}

	for {
		if time.Now().After(s.deadline) {
			if err := s.sendStatus(ctx); err != nil {
				return nil, err
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, s.deadline)
		raw, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return nil, fmt.Errorf("receive replication message: %w", err)
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return nil, fmt.Errorf("replication error: %s", msg.Message)
		case *pgproto3.CopyData:
			batch, err := s.handleCopyData(ctx, msg.Data)
			if err != nil {
				return nil, err
			}
			if batch != nil {
				return batch, nil
			}
		default:
			s.logger.Debug("ignore replication message", "type", fmt.Sprintf("%T", raw))
		}
	}
}

func (s *PGSource) handleCopyData(ctx context.Context, data []byte) (*Batch, error) {
	if len(data) == 0 {
		return nil, nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return nil, fmt.Errorf("parse keepalive: %w", err)
		}
		if ka.ReplyRequested {
			if err := s.sendStatus(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return nil, fmt.Errorf("parse xlog data: %w", err)
		}
		return s.decode(xld.WALData)
	}
	return nil, nil
}

func (s *PGSource) decode(walData []byte) (*Batch, error) {
	logical, err := pglogrepl.Parse(walData)
	if err != nil {
		return nil, fmt.Errorf("parse logical message: %w", err)
	}

	switch msg := logical.(type) {
	case *pglogrepl.RelationMessage:
		s.relations[msg.RelationID] = msg

	case *pglogrepl.BeginMessage:
		s.pending = &Batch{}

	case *pglogrepl.InsertMessage:
		s.appendChange(msg.RelationID, Insert, msg.Tuple)

	case *pglogrepl.UpdateMessage:
		s.appendChange(msg.RelationID, Update, msg.NewTuple)

	case *pglogrepl.DeleteMessage:
		s.appendChange(msg.RelationID, Delete, msg.OldTuple)

	case *pglogrepl.CommitMessage:
		batch := s.pending
		s.pending = nil
		if batch == nil {
			batch = &Batch{}
		}
		batch.Position = uint64(msg.TransactionEndLSN)
		return batch, nil
	}
	return nil, nil
}

func (s *PGSource) appendChange(relationID uint32, typ ChangeType, tuple *pglogrepl.TupleData) {
	if s.pending == nil {
		return
	}
	rel, ok := s.relations[relationID]
	if !ok {
		s.logger.Warn("change for unknown relation", "relation_id", relationID)
		return
	}

	columns := make(map[string]string)
	if tuple != nil {
		for i, col := range tuple.Columns {
			if i >= len(rel.Columns) {
				break
			}
			if col.DataType == pglogrepl.TupleDataTypeText {
				columns[rel.Columns[i].Name] = string(col.Data)
			}
		}
	}

	s.pending.Changes = append(s.pending.Changes, RowChange{
		Table:   rel.RelationName,
		Type:    typ,
		Columns: columns,
	})
}

// Commit 回報批次結束位置
func (s *PGSource) Commit(ctx context.Context, batch *Batch) error {
	if s.conn == nil {
		return errors.New("change source not open")
	}
	if lsn := pglogrepl.LSN(batch.Position); lsn > s.committed {
		s.committed = lsn
	}
	return s.sendStatus(ctx)
}

func (s *PGSource) sendStatus(ctx context.Context) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: s.committed,
	})
	if err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	s.deadline = time.Now().Add(s.cfg.StandbyTimeout)
	return nil
}

// Close 關閉複製連線
func (s *PGSource) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(ctx)
	s.conn = nil
	return err
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}
