package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// Store is the durable local store for messages, conversations and the
// retry queue. It is the single source of truth for what the UI renders.
// All tables are scoped by the owning account id so one store file can
// serve several logged-in accounts without cross-talk.
//
// The store itself does no locking; the Syncer funnels every read-modify-
// write through its serialization boundary.
type Store struct {
	db        *dbutil.Database
	accountID string
}

// NewStore wraps an already-open database for the given account.
func NewStore(db *dbutil.Database, accountID string) *Store {
	return &Store{db: db, accountID: accountID}
}

// OpenStore opens (or creates) the sqlite store at path and ensures the
// schema is current.
func OpenStore(ctx context.Context, path, accountID string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "store").Logger())
	store := NewStore(db, accountID)
	if err = store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message (
			account_id TEXT NOT NULL,
			id TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			text TEXT NOT NULL,
			local_created_ms BIGINT NOT NULL,
			server_ts_ms BIGINT,
			sequence_number BIGINT,
			sync_status TEXT NOT NULL,
			delivery_state TEXT NOT NULL DEFAULT 'sent',
			read_by_json TEXT NOT NULL DEFAULT '{}',
			is_system BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation (
			account_id TEXT NOT NULL,
			id TEXT NOT NULL,
			participants_json TEXT NOT NULL DEFAULT '[]',
			admin_ids_json TEXT NOT NULL DEFAULT '[]',
			is_group BOOLEAN NOT NULL DEFAULT FALSE,
			last_message_text TEXT NOT NULL DEFAULT '',
			last_message_ms BIGINT NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS retry_queue (
			queue_id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			not_before_ms BIGINT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS message_client_id_idx
			ON message (account_id, client_id) WHERE client_id <> ''`,
		`CREATE INDEX IF NOT EXISTS message_conv_order_idx
			ON message (account_id, conversation_id, local_created_ms)`,
		`CREATE INDEX IF NOT EXISTS message_conv_status_idx
			ON message (account_id, conversation_id, sync_status)`,
		`CREATE INDEX IF NOT EXISTS retry_queue_due_idx
			ON retry_queue (account_id, not_before_ms, queue_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure store schema: %w", err)
		}
	}

	// Migration: add delivery_state column if missing (SQLite doesn't
	// support IF NOT EXISTS on ALTER).
	var hasDelivery int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('message') WHERE name='delivery_state'`).Scan(&hasDelivery)
	if hasDelivery == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE message ADD COLUMN delivery_state TEXT NOT NULL DEFAULT 'sent'`); err != nil {
			return fmt.Errorf("failed to add delivery_state column: %w", err)
		}
	}

	// Migration: add is_system column if missing.
	var hasSystem int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('message') WHERE name='is_system'`).Scan(&hasSystem)
	if hasSystem == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE message ADD COLUMN is_system BOOLEAN NOT NULL DEFAULT FALSE`); err != nil {
			return fmt.Errorf("failed to add is_system column: %w", err)
		}
	}

	return nil
}

const messageColumns = `
	id, client_id, conversation_id, sender_id, text,
	local_created_ms, server_ts_ms, sequence_number,
	sync_status, delivery_state, read_by_json, is_system
`

func (s *Store) scanMessage(row dbutil.Scannable) (*Message, error) {
	var msg Message
	var localCreatedMS int64
	var serverTS, seq sql.NullInt64
	var readByJSON string
	err := row.Scan(
		&msg.ID, &msg.ClientID, &msg.ConversationID, &msg.SenderID, &msg.Text,
		&localCreatedMS, &serverTS, &seq,
		&msg.SyncStatus, &msg.DeliveryState, &readByJSON, &msg.IsSystemMessage,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	msg.LocalCreatedAt = time.UnixMilli(localCreatedMS)
	if serverTS.Valid {
		ts := time.UnixMilli(serverTS.Int64)
		msg.ServerTimestamp = &ts
	}
	if seq.Valid {
		n := seq.Int64
		msg.SequenceNumber = &n
	}
	msg.ReadBy, err = decodeReadBy(readByJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode read_by for message %s: %w", msg.ID, err)
	}
	return &msg, nil
}

// GetMessage looks up a message by its canonical id. Returns nil (no
// error) if absent.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE account_id=$1 AND id=$2`,
		s.accountID, id,
	)
	return s.scanMessage(row)
}

// GetMessageByClientID looks up a message by its client-local draft id.
// This covers the echo of our own just-sent message arriving through the
// change stream before (or instead of) the direct publish ack.
func (s *Store) GetMessageByClientID(ctx context.Context, clientID string) (*Message, error) {
	if clientID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE account_id=$1 AND client_id=$2`,
		s.accountID, clientID,
	)
	return s.scanMessage(row)
}

// InsertMessage writes a new message row and updates the owning
// conversation's last-message fields in the same transaction.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		readByJSON, err := encodeReadBy(msg.ReadBy)
		if err != nil {
			return err
		}
		nowMS := time.Now().UnixMilli()
		_, err = s.db.Exec(ctx, `
			INSERT INTO message (
				account_id, id, client_id, conversation_id, sender_id, text,
				local_created_ms, server_ts_ms, sequence_number,
				sync_status, delivery_state, read_by_json, is_system,
				created_ts, updated_ts
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, s.accountID, msg.ID, msg.ClientID, msg.ConversationID, msg.SenderID, msg.Text,
			msg.LocalCreatedAt.UnixMilli(), nullableMilli(msg.ServerTimestamp), nullableInt64(msg.SequenceNumber),
			msg.SyncStatus, msg.DeliveryState, readByJSON, msg.IsSystemMessage,
			nowMS, nowMS,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
		}
		return s.bumpConversation(ctx, msg.ConversationID, msg.Text, msg.renderTime())
	})
}

// renderTime is the timestamp shown on conversation previews: the server
// timestamp once known, the local creation time before that.
func (m *Message) renderTime() time.Time {
	if m.ServerTimestamp != nil {
		return *m.ServerTimestamp
	}
	return m.LocalCreatedAt
}

// PromoteDraft mutates an unsynced draft in place once the remote log
// has accepted it: the server id becomes canonical, the authoritative
// timestamp and sequence number are filled in, and the row flips to
// synced. The row is matched by client id and updated, never deleted and
// reinserted, so at most one row ever exists per logical message.
//
// Failed drafts promote too: after an ambiguous timeout the server may
// have accepted the write, and the stream echo is how we find out.
//
// Returns false if no unsynced draft matched, which makes the operation
// a no-op when both the direct ack and the stream echo arrive.
func (s *Store) PromoteDraft(ctx context.Context, clientID, serverID string, serverTS time.Time, seq int64) (bool, error) {
	res, err := s.db.Exec(ctx, `
		UPDATE message SET
			id=$1,
			server_ts_ms=$2,
			sequence_number=$3,
			sync_status=$4,
			delivery_state=CASE WHEN delivery_state=$5 THEN delivery_state ELSE $6 END,
			updated_ts=$7
		WHERE account_id=$8 AND client_id=$9 AND sync_status<>$10
	`, serverID, serverTS.UnixMilli(), seq,
		SyncSynced, DeliveryRead, DeliveryDelivered,
		time.Now().UnixMilli(), s.accountID, clientID, SyncSynced,
	)
	if err != nil {
		return false, fmt.Errorf("failed to promote draft %s: %w", clientID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetSyncStatus updates only the sync status of a message.
func (s *Store) SetSyncStatus(ctx context.Context, id string, status SyncStatus) error {
	_, err := s.db.Exec(ctx,
		`UPDATE message SET sync_status=$1, updated_ts=$2 WHERE account_id=$3 AND id=$4`,
		status, time.Now().UnixMilli(), s.accountID, id,
	)
	return err
}

// UpdateMessageMeta persists the mutable delivery metadata of a message:
// delivery state and read receipts. Text and timestamps of a synced
// message are immutable from this path.
func (s *Store) UpdateMessageMeta(ctx context.Context, msg *Message) error {
	readByJSON, err := encodeReadBy(msg.ReadBy)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE message SET delivery_state=$1, read_by_json=$2, updated_ts=$3
		WHERE account_id=$4 AND id=$5
	`, msg.DeliveryState, readByJSON, time.Now().UnixMilli(), s.accountID, msg.ID)
	return err
}

// Messages returns a conversation's messages in render order:
// (localCreatedAt, serverTimestamp, sequenceNumber) ascending. The local
// creation time always exists so a message is never invisible; the server
// timestamp corrects clock skew once known; the sequence number breaks
// server timestamp ties.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE account_id=$1 AND conversation_id=$2
		ORDER BY local_created_ms, COALESCE(server_ts_ms, 0), COALESCE(sequence_number, 0), id
	`, s.accountID, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []*Message
	for rows.Next() {
		msg, scanErr := s.scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// FailedMessages returns a conversation's permanently failed sends,
// oldest first, for the user-visible "failed, tap to retry" surface.
func (s *Store) FailedMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE account_id=$1 AND conversation_id=$2 AND sync_status=$3
		ORDER BY local_created_ms, id
	`, s.accountID, conversationID, SyncFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []*Message
	for rows.Next() {
		msg, scanErr := s.scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// PendingMessages returns every message still waiting on remote
// acknowledgement, across conversations. Used on startup to resume
// interrupted sends.
func (s *Store) PendingMessages(ctx context.Context) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE account_id=$1 AND sync_status=$2
		ORDER BY local_created_ms, id
	`, s.accountID, SyncPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []*Message
	for rows.Next() {
		msg, scanErr := s.scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// inboundMessages returns messages in a conversation authored by someone
// other than userID, system notices excluded.
func (s *Store) inboundMessages(ctx context.Context, conversationID, userID string) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE account_id=$1 AND conversation_id=$2 AND sender_id<>$3 AND is_system=FALSE
		ORDER BY local_created_ms, COALESCE(server_ts_ms, 0), COALESCE(sequence_number, 0), id
	`, s.accountID, conversationID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []*Message
	for rows.Next() {
		msg, scanErr := s.scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UnreadMessages returns the inbound messages userID has not read yet.
func (s *Store) UnreadMessages(ctx context.Context, conversationID, userID string) ([]*Message, error) {
	inbound, err := s.inboundMessages(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	unread := inbound[:0]
	for _, msg := range inbound {
		if _, read := msg.ReadBy[userID]; !read {
			unread = append(unread, msg)
		}
	}
	return unread, nil
}

// UnreadCount returns how many inbound messages userID has not read.
// System messages never count.
func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	unread, err := s.UnreadMessages(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return len(unread), nil
}

// MaxSequence returns the highest server sequence number seen in a
// conversation, and whether any message has one at all.
func (s *Store) MaxSequence(ctx context.Context, conversationID string) (int64, bool, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT MAX(sequence_number) FROM message WHERE account_id=$1 AND conversation_id=$2`,
		s.accountID, conversationID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, false, err
	}
	return maxSeq.Int64, maxSeq.Valid, nil
}

// GetConversation looks up a conversation by id. Returns nil if absent.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, participants_json, admin_ids_json, is_group, last_message_text, last_message_ms
		FROM conversation WHERE account_id=$1 AND id=$2
	`, s.accountID, id)
	return scanConversation(row)
}

// Conversations lists every conversation, most recently active first.
func (s *Store) Conversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, participants_json, admin_ids_json, is_group, last_message_text, last_message_ms
		FROM conversation WHERE account_id=$1
		ORDER BY last_message_ms DESC, id
	`, s.accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var conversations []*Conversation
	for rows.Next() {
		conv, scanErr := scanConversation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func scanConversation(row dbutil.Scannable) (*Conversation, error) {
	var conv Conversation
	var participantsJSON, adminsJSON string
	var lastMessageMS int64
	err := row.Scan(&conv.ID, &participantsJSON, &adminsJSON, &conv.IsGroup, &conv.LastMessageText, &lastMessageMS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err = json.Unmarshal([]byte(participantsJSON), &conv.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("failed to decode participants for conversation %s: %w", conv.ID, err)
	}
	if err = json.Unmarshal([]byte(adminsJSON), &conv.AdminIDs); err != nil {
		return nil, fmt.Errorf("failed to decode admins for conversation %s: %w", conv.ID, err)
	}
	if lastMessageMS > 0 {
		conv.LastMessageAt = time.UnixMilli(lastMessageMS)
	}
	return &conv, nil
}

// UpsertConversation creates or updates a conversation's membership
// fields. Last-message fields are owned by message ingestion and not
// touched here.
func (s *Store) UpsertConversation(ctx context.Context, conv *Conversation) error {
	participantsJSON, err := json.Marshal(conv.ParticipantIDs)
	if err != nil {
		return err
	}
	adminsJSON, err := json.Marshal(conv.AdminIDs)
	if err != nil {
		return err
	}
	nowMS := time.Now().UnixMilli()
	_, err = s.db.Exec(ctx, `
		INSERT INTO conversation (
			account_id, id, participants_json, admin_ids_json, is_group,
			last_message_text, last_message_ms, created_ts, updated_ts
		) VALUES ($1, $2, $3, $4, $5, '', 0, $6, $7)
		ON CONFLICT (account_id, id) DO UPDATE SET
			participants_json=excluded.participants_json,
			admin_ids_json=excluded.admin_ids_json,
			is_group=excluded.is_group,
			updated_ts=excluded.updated_ts
	`, s.accountID, conv.ID, string(participantsJSON), string(adminsJSON), conv.IsGroup, nowMS, nowMS)
	return err
}

// bumpConversation advances a conversation's derived last-message fields.
// Older messages arriving late (backfill, out-of-order delivery) never
// regress the preview.
func (s *Store) bumpConversation(ctx context.Context, conversationID, text string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversation SET last_message_text=$1, last_message_ms=$2, updated_ts=$3
		WHERE account_id=$4 AND id=$5 AND last_message_ms<=$2
	`, text, at.UnixMilli(), time.Now().UnixMilli(), s.accountID, conversationID)
	return err
}

func encodeReadBy(readBy map[string]time.Time) (string, error) {
	if len(readBy) == 0 {
		return "{}", nil
	}
	millis := make(map[string]int64, len(readBy))
	for userID, readAt := range readBy {
		millis[userID] = readAt.UnixMilli()
	}
	encoded, err := json.Marshal(millis)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeReadBy(encoded string) (map[string]time.Time, error) {
	if encoded == "" || encoded == "{}" {
		return nil, nil
	}
	var millis map[string]int64
	if err := json.Unmarshal([]byte(encoded), &millis); err != nil {
		return nil, err
	}
	readBy := make(map[string]time.Time, len(millis))
	for userID, ms := range millis {
		readBy[userID] = time.UnixMilli(ms)
	}
	return readBy, nil
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableInt64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
