// Package store is the only component that touches persistent storage.
// Every operation commits per call and traps its own errors: a transient
// database failure must never abort the polling loop.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"risk-sms/internal/messages"
)

const defaultMaxAttempts = 5
const defaultBatchLimit = 100

const queryPendingMessages = `
SELECT b.id_mensaje,
       b.numero_telefono AS destino,
       COALESCE(b.contenido, '') AS mensaje
  FROM t_mensajes b
  JOIN t_mensajeria_categorias c
    ON b.id_categoria = c.id_categoria
 WHERE b.estado = $1
   AND b.telefonia = COALESCE($2::text, b.telefonia)
   AND c.clasificacion = COALESCE($3::text, c.clasificacion)
 ORDER BY COALESCE(c.prioridad, 997), b.id_mensaje
 LIMIT $4`

// queryUpdateStatus applies the full outcome-update contract in one
// statement: attempt-cap demotion to 'R', attempts increment (skipped for
// 'N'), fecha_envio stamping on 'E', and coalesced response fields with
// column-length truncation.
const queryUpdateStatus = `
UPDATE t_mensajes
   SET estado = CASE
                  WHEN $1::text = 'P' AND COALESCE(cantidad_intentos_envio, 0) >= $2 THEN 'R'
                  ELSE COALESCE($1::text, estado)
                END,
       codigo_respuesta_envio  = COALESCE($3::int, codigo_respuesta_envio),
       respuesta_envio         = COALESCE(SUBSTR($4::text, 1, 1000), respuesta_envio),
       id_externo_envio        = COALESCE(SUBSTR($5::text, 1, 100), id_externo_envio),
       cantidad_intentos_envio = CASE
                                   WHEN $1::text = 'N' THEN COALESCE(cantidad_intentos_envio, 0)
                                   ELSE COALESCE(cantidad_intentos_envio, 0) + 1
                                 END,
       fecha_envio = CASE
                       WHEN $1::text = 'E' THEN current_timestamp
                       ELSE fecha_envio
                     END
 WHERE id_mensaje = $6`

// queryBulkClaim locks what it can without waiting; rows held by another
// worker are skipped.
const queryBulkClaim = `
UPDATE t_mensajes
   SET estado = $2
 WHERE id_mensaje IN (
       SELECT id_mensaje
         FROM t_mensajes
        WHERE id_mensaje = ANY($1)
          FOR UPDATE SKIP LOCKED)
 RETURNING id_mensaje`

// queryReleaseClaims undoes a claim without touching attempts: the message
// was never submitted (or produced no outcome), so the next poll must see
// it exactly as before.
const queryReleaseClaims = `
UPDATE t_mensajes
   SET estado = $1
 WHERE id_mensaje = ANY($2)
   AND estado = $3`

// queryRequeueStale returns every row a previous run left claimed, so a
// crash or hard stop never strands messages in progress.
const queryRequeueStale = `
UPDATE t_mensajes
   SET estado = $1
 WHERE estado = $2`

const queryInsertReceived = `
INSERT INTO t_mensajes_recibidos
  (numero_telefono_origen, numero_telefono_destino, contenido)
VALUES ($1, $2, $3)
RETURNING id_mensaje`

// MessageStore persists outbound message outcomes and inbound MO messages.
// It is shared across services; the connection pool is its only mutable
// state.
type MessageStore struct {
	db          *sql.DB
	logger      *zap.Logger
	maxAttempts int
}

// Config tunes the connection pool underneath the store.
type Config struct {
	DSN               string
	MaximumPoolSize   int
	MinimumIdle       int
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
}

// New opens the connection pool and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*MessageStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaximumPoolSize > 0 {
		db.SetMaxOpenConns(cfg.MaximumPoolSize)
	}
	if cfg.MinimumIdle > 0 {
		db.SetMaxIdleConns(cfg.MinimumIdle)
	}
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}

	pingCtx := ctx
	if cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectionTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return &MessageStore{db: db, logger: logger, maxAttempts: defaultMaxAttempts}, nil
}

// NewWithDB wraps an existing pool. Used by tests and the migration runner.
func NewWithDB(db *sql.DB, logger *zap.Logger) *MessageStore {
	return &MessageStore{db: db, logger: logger, maxAttempts: defaultMaxAttempts}
}

// SetMaxAttempts overrides the attempt cap applied by UpdateMessageStatus.
func (s *MessageStore) SetMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// MaxAttempts returns the configured attempt cap.
func (s *MessageStore) MaxAttempts() int { return s.maxAttempts }

// Close releases the connection pool.
func (s *MessageStore) Close() error { return s.db.Close() }

// LoadPendingMessages claims up to limit pending rows, ordered by category
// priority (nulls last as 997) then id. carrier and classification are
// wildcards when nil. sourceAddr is stamped onto each returned message; it
// is not a filter.
func (s *MessageStore) LoadPendingMessages(ctx context.Context, sourceAddr string, carrier, classification *string, limit int) []messages.SmsMessage {
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	s.logger.Debug("recuperando mensajes pendientes",
		zap.Stringp("telefonia", carrier),
		zap.Stringp("clasificacion", classification),
		zap.Int("max", limit))

	rows, err := s.db.QueryContext(ctx, queryPendingMessages,
		string(messages.StatusPending), nullableString(carrier), nullableString(classification), limit)
	if err != nil {
		s.logger.Error("error al recuperar mensajes pendientes", zap.Error(err))
		return nil
	}
	defer rows.Close()

	var list []messages.SmsMessage
	for rows.Next() {
		var m messages.SmsMessage
		if err := rows.Scan(&m.ID, &m.Destination, &m.Text); err != nil {
			s.logger.Error("error al leer mensaje pendiente", zap.Error(err))
			return list
		}
		m.Source = sourceAddr
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("error al recorrer mensajes pendientes", zap.Error(err))
	}
	return list
}

// UpdateMessageStatus applies one outcome update to a single row. nil
// response fields leave the stored values untouched.
func (s *MessageStore) UpdateMessageStatus(ctx context.Context, id int64, status messages.Status, responseCode *int, responseText, externalID *string) {
	s.logger.Debug("actualizando estado de mensaje",
		zap.Int64("id_mensaje", id),
		zap.String("estado", string(status)),
		zap.Intp("codigo_respuesta", responseCode))

	_, err := s.db.ExecContext(ctx, queryUpdateStatus,
		string(status),
		s.maxAttempts-1,
		nullableInt(responseCode),
		nullableString(responseText),
		nullableString(externalID),
		id)
	if err != nil {
		s.logger.Error("error al actualizar estado de mensaje",
			zap.Int64("id_mensaje", id), zap.Error(err))
	}
}

// BulkClaim takes non-blocking row locks on the batch and moves the locked
// rows to newStatus. Rows another worker holds are dropped from the result.
// On storage error the batch is returned unchanged.
func (s *MessageStore) BulkClaim(ctx context.Context, batch []messages.SmsMessage, newStatus messages.Status) []messages.SmsMessage {
	if len(batch) == 0 {
		return batch
	}
	ids := make([]int64, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}

	rows, err := s.db.QueryContext(ctx, queryBulkClaim, pq.Array(ids), string(newStatus))
	if err != nil {
		s.logger.Error("error al reclamar lote de mensajes", zap.Error(err))
		return batch
	}
	defer rows.Close()

	claimed := make(map[int64]bool, len(batch))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			s.logger.Error("error al leer id reclamado", zap.Error(err))
			return batch
		}
		claimed[id] = true
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("error al recorrer ids reclamados", zap.Error(err))
		return batch
	}

	kept := filterClaimed(batch, claimed)
	if len(kept) < len(batch) {
		s.logger.Warn("mensajes en uso por otro proceso, excluidos del lote",
			zap.Int("reclamados", len(kept)),
			zap.Int("lote", len(batch)))
	}
	return kept
}

// ReleaseClaims puts still-claimed rows back to pending without advancing
// their attempt counters. Rows that already received an outcome update are
// no longer IN_PROGRESS and stay untouched.
func (s *MessageStore) ReleaseClaims(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	_, err := s.db.ExecContext(ctx, queryReleaseClaims,
		string(messages.StatusPending), pq.Array(ids), string(messages.StatusInProgress))
	if err != nil {
		s.logger.Error("error al liberar mensajes reclamados",
			zap.Int("mensajes", len(ids)), zap.Error(err))
	}
}

// RequeueStaleClaims returns every IN_PROGRESS row to pending. Called once
// at startup, before any loop claims a batch.
func (s *MessageStore) RequeueStaleClaims(ctx context.Context) int64 {
	res, err := s.db.ExecContext(ctx, queryRequeueStale,
		string(messages.StatusPending), string(messages.StatusInProgress))
	if err != nil {
		s.logger.Error("error al recuperar mensajes en proceso", zap.Error(err))
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	if n > 0 {
		s.logger.Warn("mensajes en proceso de una ejecución anterior devueltos a pendiente",
			zap.Int64("mensajes", n))
	}
	return n
}

// SaveReceivedMessage inserts one mobile-originated message, returning the
// assigned id, or 0 and false on error.
func (s *MessageStore) SaveReceivedMessage(ctx context.Context, origin, destination, text string) (int64, bool) {
	var id int64
	err := s.db.QueryRowContext(ctx, queryInsertReceived, origin, destination, text).Scan(&id)
	if err != nil {
		s.logger.Error("error al insertar mensaje recibido",
			zap.String("origen", origin), zap.Error(err))
		return 0, false
	}
	return id, true
}

// filterClaimed keeps batch order while dropping rows that were not locked.
func filterClaimed(batch []messages.SmsMessage, claimed map[int64]bool) []messages.SmsMessage {
	out := batch[:0:0]
	for _, m := range batch {
		if claimed[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
