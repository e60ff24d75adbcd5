package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Set-membership state (receipts, reactions, deleted-for) lives in keyed side tables so
// every add/remove is a single INSERT ... ON CONFLICT or DELETE, never read-modify-write.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) t(name string) string { return pgIdent(s.schema, name) }

func (s *PostgresStore) beginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

const pgForeignKeyViolation = "23503"

func pgErrCode(err error) string {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// fkNotFound maps a foreign-key violation on an insert into a missing parent row.
func fkNotFound(err error, what, id string) error {
	if pgErrCode(err) == pgForeignKeyViolation {
		return notFound(what, id)
	}
	return err
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ---- conversations ----

const conversationCols = `id, kind, COALESCE(direct_key, ''), title, COALESCE(last_message_id, ''),
	last_activity_at, message_count, created_by, created_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c    Conversation
		kind string
	)
	err := row.Scan(&c.ID, &kind, &c.DirectKey, &c.Title, &c.LastMessageID,
		&c.LastActivityAt, &c.MessageCount, &c.CreatedBy, &c.CreatedAt)
	c.Kind = Kind(kind)
	return c, err
}

func (s *PostgresStore) insertConversation(ctx context.Context, q pgQuerier, conv Conversation) (bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO `+s.t("conversations")+` (
		     id, kind, direct_key, title, last_activity_at, message_count, created_by, created_at
		   ) VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		 ON CONFLICT DO NOTHING`,
		conv.ID, string(conv.Kind), nilIfEmpty(conv.DirectKey), conv.Title, conv.LastActivityAt, conv.CreatedBy, conv.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	for i, p := range conv.Participants {
		if _, err := q.Exec(ctx,
			`INSERT INTO `+s.t("conversation_participants")+` (
			     conversation_id, user_id, position, is_active, is_archived, joined_at, last_read_at
			   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			conv.ID, p.UserID, i, p.IsActive, p.IsArchived, p.JoinedAt, p.LastReadAt,
		); err != nil {
			return false, fmt.Errorf("insert participant: %w", err)
		}
	}
	return true, nil
}

// UpsertDirectConversation relies on the partial unique index over direct_key:
// a racing insert blocks until the winner commits and then does nothing.
func (s *PostgresStore) UpsertDirectConversation(ctx context.Context, conv Conversation) (Conversation, bool, error) {
	if conv.DirectKey == "" {
		return Conversation{}, false, errors.New("chat: missing direct key")
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created, err := s.insertConversation(ctx, tx, conv)
	if err != nil {
		return Conversation{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, err
	}

	out, err := s.loadConversations(ctx, s.pool, `direct_key = $1`, conv.DirectKey)
	if err != nil {
		return Conversation{}, false, err
	}
	if len(out) == 0 {
		return Conversation{}, false, notFound("direct conversation", conv.DirectKey)
	}
	return out[0], created, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv Conversation) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created, err := s.insertConversation(ctx, tx, conv)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("chat: conversation %q exists", conv.ID)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	out, err := s.loadConversations(ctx, s.pool, `id = $1`, id)
	if err != nil {
		return Conversation{}, err
	}
	if len(out) == 0 {
		return Conversation{}, notFound("conversation", id)
	}
	return out[0], nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return s.loadConversations(ctx, s.pool,
		`id IN (SELECT conversation_id FROM `+s.t("conversation_participants")+` WHERE user_id = $1)`,
		userID,
	)
}

// loadConversations selects conversations matching where, newest activity first,
// and attaches their participants in one extra round trip.
func (s *PostgresStore) loadConversations(ctx context.Context, q pgQuerier, where string, args ...any) ([]Conversation, error) {
	rows, err := q.Query(ctx,
		`SELECT `+conversationCols+`
		   FROM `+s.t("conversations")+`
		  WHERE `+where+`
		  ORDER BY last_activity_at DESC, id DESC`,
		args...,
	)
	if err != nil {
		return nil, err
	}

	var (
		convs []Conversation
		ids   []string
	)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		convs = append(convs, c)
		ids = append(ids, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, nil
	}

	prows, err := q.Query(ctx,
		`SELECT conversation_id, user_id, is_active, is_archived, joined_at, last_read_at
		   FROM `+s.t("conversation_participants")+`
		  WHERE conversation_id = ANY($1)
		  ORDER BY conversation_id, position`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer prows.Close()

	byID := make(map[string][]Participant, len(convs))
	for prows.Next() {
		var (
			convID string
			p      Participant
		)
		if err := prows.Scan(&convID, &p.UserID, &p.IsActive, &p.IsArchived, &p.JoinedAt, &p.LastReadAt); err != nil {
			return nil, err
		}
		byID[convID] = append(byID[convID], p)
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		convs[i].Participants = byID[convs[i].ID]
	}
	return convs, nil
}

func (s *PostgresStore) updateParticipant(ctx context.Context, conversationID, userID, set string, arg any) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("conversation_participants")+`
		    SET `+set+`
		  WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, arg,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("participant", userID)
	}
	return nil
}

func (s *PostgresStore) SetParticipantArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	return s.updateParticipant(ctx, conversationID, userID, `is_archived = $3`, archived)
}

func (s *PostgresStore) SetParticipantActive(ctx context.Context, conversationID, userID string, active bool) error {
	return s.updateParticipant(ctx, conversationID, userID, `is_active = $3`, active)
}

func (s *PostgresStore) AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	// GREATEST ignores NULL, so a first read simply takes at.
	return s.updateParticipant(ctx, conversationID, userID, `last_read_at = GREATEST(last_read_at, $3)`, at)
}

// ---- messages ----

const messageCols = `m.id, m.conversation_id, m.sender_id, m.type, m.content, m.attachments,
	COALESCE(m.reply_to_id, ''), m.deleted, m.deleted_at, COALESCE(m.client_id, ''), m.created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m           Message
		typ         string
		attachments []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &typ, &m.Content, &attachments,
		&m.ReplyToID, &m.Deleted, &m.DeletedAt, &m.ClientID, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.Type = MessageType(typ)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return m, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m Message, recipients []string) (Message, bool, error) {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	rawAttachments, err := json.Marshal(attachments)
	if err != nil {
		return Message{}, false, err
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return Message{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("messages")+` (
		     id, conversation_id, sender_id, type, content, attachments, reply_to_id, client_id, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
		 ON CONFLICT (sender_id, client_id) WHERE client_id IS NOT NULL DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, string(m.Type), m.Content, string(rawAttachments),
		nilIfEmpty(m.ReplyToID), nilIfEmpty(m.ClientID), m.CreatedAt,
	)
	if err != nil {
		return Message{}, false, fkNotFound(err, "conversation or reply target", m.ConversationID)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		existing, err := s.messageByClientID(ctx, m.SenderID, m.ClientID)
		if err != nil {
			return Message{}, false, err
		}
		return existing, true, nil
	}

	if len(recipients) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.t("message_receipts")+` (message_id, user_id, kind, at)
			 SELECT $1, u, 'delivered', $2 FROM unnest($3::text[]) AS u
			 ON CONFLICT DO NOTHING`,
			m.ID, m.CreatedAt, recipients,
		); err != nil {
			return Message{}, false, fmt.Errorf("insert delivery receipts: %w", err)
		}
	}

	// Atomic increment and set-if-newer so concurrent senders never lose an update.
	if _, err := tx.Exec(ctx,
		`UPDATE `+s.t("conversations")+`
		    SET message_count = message_count + 1,
		        last_message_id = CASE
		            WHEN last_message_id IS NULL
		              OR $2 > last_activity_at
		              OR ($2 = last_activity_at AND $1 > last_message_id)
		            THEN $1 ELSE last_message_id END,
		        last_activity_at = GREATEST(last_activity_at, $2)
		  WHERE id = $3`,
		m.ID, m.CreatedAt, m.ConversationID,
	); err != nil {
		return Message{}, false, fmt.Errorf("bump conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, false, err
	}

	stored := m.clone()
	stored.Status = ""
	stored.DeliveredTo = make([]Receipt, 0, len(recipients))
	for _, u := range recipients {
		stored.DeliveredTo = append(stored.DeliveredTo, Receipt{UserID: u, At: m.CreatedAt})
	}
	return stored, false, nil
}

func (s *PostgresStore) messageByClientID(ctx context.Context, senderID, clientID string) (Message, error) {
	msgs, err := s.loadMessages(ctx,
		`SELECT `+messageCols+` FROM `+s.t("messages")+` m WHERE m.sender_id = $1 AND m.client_id = $2`,
		senderID, clientID,
	)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, notFound("message by client id", clientID)
	}
	return msgs[0], nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	msgs, err := s.loadMessages(ctx,
		`SELECT `+messageCols+` FROM `+s.t("messages")+` m WHERE m.id = $1`,
		id,
	)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, notFound("message", id)
	}
	return msgs[0], nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, q HistoryQuery) ([]Message, bool, error) {
	limit := clampLimit(q.Limit, defaultHistoryLimit, maxHistoryLimit)

	sql := `SELECT ` + messageCols + `
	          FROM ` + s.t("messages") + ` m
	         WHERE m.conversation_id = $1
	           AND NOT EXISTS (
	                 SELECT 1 FROM ` + s.t("message_deletions") + ` d
	                  WHERE d.message_id = m.id AND d.user_id = $2)`
	args := []any{q.ConversationID, q.ViewerID}

	offset := 0
	if q.Before != nil && q.BeforeID != "" {
		args = append(args, *q.Before, q.BeforeID)
		sql += fmt.Sprintf(` AND (m.created_at, m.id) < ($%d, $%d)`, len(args)-1, len(args))
	} else if q.Before != nil {
		args = append(args, *q.Before)
		sql += fmt.Sprintf(` AND m.created_at < $%d`, len(args))
	} else if q.Page > 1 {
		offset = (q.Page - 1) * limit
	}

	args = append(args, limit+1, offset)
	sql += fmt.Sprintf(` ORDER BY m.created_at DESC, m.id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	msgs, err := s.loadMessages(ctx, sql, args...)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(term) + "%"
}

func (s *PostgresStore) SearchMessages(ctx context.Context, q SearchQuery) ([]Message, error) {
	limit := clampLimit(q.Limit, defaultSearchLimit, maxSearchLimit)

	sql := `SELECT ` + messageCols + `
	          FROM ` + s.t("messages") + ` m
	          JOIN ` + s.t("conversation_participants") + ` p
	            ON p.conversation_id = m.conversation_id AND p.user_id = $1
	         WHERE NOT m.deleted
	           AND m.content ILIKE $2 ESCAPE '\'
	           AND NOT EXISTS (
	                 SELECT 1 FROM ` + s.t("message_deletions") + ` d
	                  WHERE d.message_id = m.id AND d.user_id = $1)`
	args := []any{q.RequesterID, likePattern(q.Term)}

	if q.ConversationID != "" {
		args = append(args, q.ConversationID)
		sql += fmt.Sprintf(` AND m.conversation_id = $%d`, len(args))
	}
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY m.created_at DESC, m.id DESC LIMIT $%d`, len(args))

	return s.loadMessages(ctx, sql, args...)
}

// loadMessages runs a message select and attaches receipts, reactions and deletions.
func (s *PostgresStore) loadMessages(ctx context.Context, sql string, args ...any) ([]Message, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	var (
		msgs []Message
		ids  []string
	)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	idx := make(map[string]*Message, len(msgs))
	for i := range msgs {
		idx[msgs[i].ID] = &msgs[i]
	}
	if err := s.attachReceipts(ctx, ids, idx); err != nil {
		return nil, err
	}
	if err := s.attachReactions(ctx, ids, idx); err != nil {
		return nil, err
	}
	if err := s.attachDeletions(ctx, ids, idx); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *PostgresStore) attachReceipts(ctx context.Context, ids []string, idx map[string]*Message) error {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, user_id, kind, at
		   FROM `+s.t("message_receipts")+`
		  WHERE message_id = ANY($1)
		  ORDER BY at, user_id`,
		ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msgID, kind string
			r           Receipt
		)
		if err := rows.Scan(&msgID, &r.UserID, &kind, &r.At); err != nil {
			return err
		}
		m := idx[msgID]
		if m == nil {
			continue
		}
		if kind == "read" {
			m.ReadBy = append(m.ReadBy, r)
		} else {
			m.DeliveredTo = append(m.DeliveredTo, r)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) attachReactions(ctx context.Context, ids []string, idx map[string]*Message) error {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, user_id, emoji, reacted_at
		   FROM `+s.t("message_reactions")+`
		  WHERE message_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msgID, userID string
			r             Reaction
		)
		if err := rows.Scan(&msgID, &userID, &r.Emoji, &r.ReactedAt); err != nil {
			return err
		}
		m := idx[msgID]
		if m == nil {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string]Reaction)
		}
		m.Reactions[userID] = r
	}
	return rows.Err()
}

func (s *PostgresStore) attachDeletions(ctx context.Context, ids []string, idx map[string]*Message) error {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, user_id
		   FROM `+s.t("message_deletions")+`
		  WHERE message_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var msgID, userID string
		if err := rows.Scan(&msgID, &userID); err != nil {
			return err
		}
		if m := idx[msgID]; m != nil {
			m.DeletedFor = append(m.DeletedFor, userID)
		}
	}
	return rows.Err()
}

// ---- set-membership updates ----

func (s *PostgresStore) AddReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.t("message_receipts")+` (message_id, user_id, kind, at)
		 VALUES ($1, $2, 'read', $3)
		 ON CONFLICT DO NOTHING`,
		messageID, userID, at,
	)
	if err != nil {
		return false, fkNotFound(err, "message", messageID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`INSERT INTO `+s.t("message_receipts")+` (message_id, user_id, kind, at)
		 SELECT m.id, $2, 'read', $3
		   FROM `+s.t("messages")+` m
		  WHERE m.conversation_id = $1 AND m.sender_id <> $2
		 ON CONFLICT DO NOTHING
		 RETURNING message_id`,
		conversationID, userID, at,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) SetReaction(ctx context.Context, messageID, userID string, r Reaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.t("message_reactions")+` (message_id, user_id, emoji, reacted_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (message_id, user_id)
		 DO UPDATE SET emoji = EXCLUDED.emoji, reacted_at = EXCLUDED.reacted_at`,
		messageID, userID, r.Emoji, r.ReactedAt,
	)
	return fkNotFound(err, "message", messageID)
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, messageID, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.t("message_reactions")+` WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkDeleted(ctx context.Context, messageID string, at time.Time) (bool, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var convID string
	err = tx.QueryRow(ctx,
		`UPDATE `+s.t("messages")+`
		    SET deleted = true, deleted_at = $2
		  WHERE id = $1 AND NOT deleted
		RETURNING conversation_id`,
		messageID, at,
	).Scan(&convID)
	if errors.Is(err, pgx.ErrNoRows) {
		var one int
		err = tx.QueryRow(ctx, `SELECT 1 FROM `+s.t("messages")+` WHERE id = $1`, messageID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, notFound("message", messageID)
		}
		return false, err
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.t("conversations")+`
		    SET last_message_id = (
		          SELECT id FROM `+s.t("messages")+`
		           WHERE conversation_id = $1 AND NOT deleted
		           ORDER BY created_at DESC, id DESC
		           LIMIT 1)
		  WHERE id = $1 AND last_message_id = $2`,
		convID, messageID,
	); err != nil {
		return false, fmt.Errorf("repoint last message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) AddDeletedFor(ctx context.Context, messageID, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.t("message_deletions")+` (message_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		messageID, userID,
	)
	if err != nil {
		return false, fkNotFound(err, "message", messageID)
	}
	return tag.RowsAffected() == 1, nil
}

// ---- unread accounting ----

func (s *PostgresStore) unreadPredicate() string {
	return `m.sender_id <> $1
	    AND NOT m.deleted
	    AND NOT EXISTS (
	          SELECT 1 FROM ` + s.t("message_receipts") + ` r
	           WHERE r.message_id = m.id AND r.user_id = $1 AND r.kind = 'read')
	    AND NOT EXISTS (
	          SELECT 1 FROM ` + s.t("message_deletions") + ` d
	           WHERE d.message_id = m.id AND d.user_id = $1)`
}

func (s *PostgresStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*)
		   FROM `+s.t("messages")+` m
		  WHERE m.conversation_id = $2 AND `+s.unreadPredicate(),
		userID, conversationID,
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountUnreadByConversation(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.conversation_id, count(*)
		   FROM `+s.t("messages")+` m
		   JOIN `+s.t("conversation_participants")+` p
		     ON p.conversation_id = m.conversation_id AND p.user_id = $1
		  WHERE `+s.unreadPredicate()+`
		  GROUP BY m.conversation_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			convID string
			n      int
		)
		if err := rows.Scan(&convID, &n); err != nil {
			return nil, err
		}
		out[convID] = n
	}
	return out, rows.Err()
}
