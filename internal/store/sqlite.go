package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/context-exchange/cex/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/cex.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/cex.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		framework TEXT DEFAULT '',
		status TEXT DEFAULT 'online',
		webhook_url TEXT DEFAULT '',
		api_key_id TEXT UNIQUE NOT NULL,
		api_key_hash TEXT NOT NULL,
		last_seen_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invites (
		id TEXT PRIMARY KEY,
		code TEXT UNIQUE NOT NULL,
		from_user_id TEXT NOT NULL REFERENCES users(id),
		used_by_user_id TEXT DEFAULT '',
		used INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		user_a_id TEXT NOT NULL REFERENCES users(id),
		user_b_id TEXT NOT NULL REFERENCES users(id),
		status TEXT DEFAULT 'active',
		contract_type TEXT DEFAULT 'friends',
		created_at DATETIME NOT NULL,
		UNIQUE(user_a_id, user_b_id)
	);

	CREATE TABLE IF NOT EXISTS permissions (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL REFERENCES connections(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		category TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'ask',
		inbound_level TEXT NOT NULL DEFAULT 'ask',
		updated_at DATETIME NOT NULL,
		UNIQUE(connection_id, user_id, category)
	);

	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL REFERENCES connections(id),
		subject TEXT DEFAULT '',
		status TEXT DEFAULT 'active',
		created_at DATETIME NOT NULL,
		last_message_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES threads(id),
		from_agent_id TEXT NOT NULL REFERENCES agents(id),
		to_agent_id TEXT NOT NULL REFERENCES agents(id),
		message_type TEXT DEFAULT 'text',
		category TEXT DEFAULT '',
		content TEXT NOT NULL,
		status TEXT DEFAULT 'sent',
		created_at DATETIME NOT NULL,
		delivered_at DATETIME,
		acknowledged_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS announcements (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		version TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS announcement_seen (
		agent_id TEXT NOT NULL REFERENCES agents(id),
		announcement_id TEXT NOT NULL REFERENCES announcements(id),
		PRIMARY KEY (agent_id, announcement_id)
	);

	CREATE INDEX IF NOT EXISTS idx_agents_key_id ON agents(api_key_id);
	CREATE INDEX IF NOT EXISTS idx_message_inbox ON messages(to_agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_threads_connection ON threads(connection_id);
	CREATE INDEX IF NOT EXISTS idx_permissions_lookup ON permissions(connection_id, user_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func newULID() string {
	return ulid.Make().String()
}

// CreateUser creates a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, email, name string) (*models.User, error) {
	user := &models.User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, created_at)
		VALUES (?, ?, ?, ?)
	`, user.ID, user.Email, user.Name, user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, created_at FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, created_at FROM users WHERE email = ?
	`, email).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// CreateAgent persists a new agent. Fills ID and timestamps if unset.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.LastSeenAt.IsZero() {
		agent.LastSeenAt = now
	}
	if agent.Status == "" {
		agent.Status = models.AgentOnline
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, name, framework, status, webhook_url, api_key_id, api_key_hash, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.UserID, agent.Name, agent.Framework, agent.Status,
		agent.WebhookURL, agent.APIKeyID, agent.APIKeyHash, agent.LastSeenAt, agent.CreatedAt)
	return err
}

const agentColumns = `id, user_id, name, framework, status, webhook_url, api_key_id, api_key_hash, last_seen_at, created_at`

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	agent := &models.Agent{}
	err := row.Scan(
		&agent.ID,
		&agent.UserID,
		&agent.Name,
		&agent.Framework,
		&agent.Status,
		&agent.WebhookURL,
		&agent.APIKeyID,
		&agent.APIKeyHash,
		&agent.LastSeenAt,
		&agent.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return agent, nil
}

// GetAgentByID retrieves an agent by ID.
func (s *SQLiteStore) GetAgentByID(ctx context.Context, id string) (*models.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = ?
	`, id))
}

// GetAgentByKeyID retrieves an agent by the lookup half of its API key.
func (s *SQLiteStore) GetAgentByKeyID(ctx context.Context, keyID string) (*models.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE api_key_id = ?
	`, keyID))
}

// ListAgentsByUser retrieves all agents owned by a user.
func (s *SQLiteStore) ListAgentsByUser(ctx context.Context, userID string) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE user_id = ? ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// UpdateAgentWebhook sets or clears an agent's webhook URL.
func (s *SQLiteStore) UpdateAgentWebhook(ctx context.Context, agentID, webhookURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET webhook_url = ? WHERE id = ?
	`, webhookURL, agentID)
	return err
}

// TouchAgent updates last_seen_at after a successful poll or stream contact.
func (s *SQLiteStore) TouchAgent(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_seen_at = ?, status = ? WHERE id = ?
	`, at, models.AgentOnline, agentID)
	return err
}

// CreateInvite persists an invite code.
func (s *SQLiteStore) CreateInvite(ctx context.Context, inv *models.Invite) error {
	if inv.ID == "" {
		inv.ID = newULID()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invites (id, code, from_user_id, used_by_user_id, used, created_at, expires_at)
		VALUES (?, ?, ?, '', 0, ?, ?)
	`, inv.ID, inv.Code, inv.FromUserID, inv.CreatedAt, inv.ExpiresAt)
	return err
}

// GetInviteByCode retrieves an invite by its code.
func (s *SQLiteStore) GetInviteByCode(ctx context.Context, code string) (*models.Invite, error) {
	inv := &models.Invite{}
	var usedInt int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, from_user_id, used_by_user_id, used, created_at, expires_at
		FROM invites WHERE code = ?
	`, code).Scan(&inv.ID, &inv.Code, &inv.FromUserID, &inv.UsedByUserID, &usedInt, &inv.CreatedAt, &inv.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	inv.Used = usedInt == 1
	return inv, nil
}

// UseInvite marks an invite as consumed. The compare-and-set on used=0
// keeps a code single-use under concurrent accepts.
func (s *SQLiteStore) UseInvite(ctx context.Context, id, byUserID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invites SET used = 1, used_by_user_id = ? WHERE id = ? AND used = 0
	`, byUserID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errInviteUsed
	}
	return nil
}

var errInviteUsed = errors.New("invite already used")

// IsInviteUsed reports whether err means the invite was already consumed.
func IsInviteUsed(err error) bool {
	return errors.Is(err, errInviteUsed)
}

// CreateConnection persists a connection and its seeded permission rows
// in one transaction.
func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *models.Connection, perms []models.Permission) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	if conn.Status == "" {
		conn.Status = models.ConnectionActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO connections (id, user_a_id, user_b_id, status, contract_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conn.ID, conn.UserAID, conn.UserBID, conn.Status, conn.ContractType, conn.CreatedAt)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range perms {
		p := &perms[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.ConnectionID = conn.ID
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO permissions (id, connection_id, user_id, category, level, inbound_level, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.ConnectionID, p.UserID, p.Category, p.Level, p.InboundLevel, p.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const connectionColumns = `id, user_a_id, user_b_id, status, contract_type, created_at`

func scanConnection(row interface{ Scan(...any) error }) (*models.Connection, error) {
	conn := &models.Connection{}
	err := row.Scan(&conn.ID, &conn.UserAID, &conn.UserBID, &conn.Status, &conn.ContractType, &conn.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// GetConnection retrieves a connection by ID.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	return scanConnection(s.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections WHERE id = ?
	`, id))
}

// FindConnectionBetween retrieves the connection linking two users in
// either pairing order, regardless of status.
func (s *SQLiteStore) FindConnectionBetween(ctx context.Context, userA, userB string) (*models.Connection, error) {
	return scanConnection(s.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE (user_a_id = ? AND user_b_id = ?) OR (user_a_id = ? AND user_b_id = ?)
	`, userA, userB, userB, userA))
}

// ListConnectionsByUser retrieves all active connections a user is part of.
func (s *SQLiteStore) ListConnectionsByUser(ctx context.Context, userID string) ([]models.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE status = 'active' AND (user_a_id = ? OR user_b_id = ?)
		ORDER BY created_at
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

// RemoveConnection flips a connection to removed. Not a delete; the
// row stays so history and permission state survive, unreadable.
func (s *SQLiteStore) RemoveConnection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connections SET status = 'removed' WHERE id = ?
	`, id)
	return err
}

// GetPermissions retrieves one user's permission rows for a connection.
func (s *SQLiteStore) GetPermissions(ctx context.Context, connectionID, userID string) ([]models.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, user_id, category, level, inbound_level, updated_at
		FROM permissions
		WHERE connection_id = ? AND user_id = ?
		ORDER BY category
	`, connectionID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []models.Permission
	for rows.Next() {
		var p models.Permission
		if err := rows.Scan(&p.ID, &p.ConnectionID, &p.UserID, &p.Category, &p.Level, &p.InboundLevel, &p.UpdatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// UpdatePermission updates whichever of the two levels were provided
// and returns the resulting row. Returns nil if no row exists.
func (s *SQLiteStore) UpdatePermission(ctx context.Context, connectionID, userID, category string, level, inboundLevel *string) (*models.Permission, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE permissions
		SET level = COALESCE(?, level),
		    inbound_level = COALESCE(?, inbound_level),
		    updated_at = ?
		WHERE connection_id = ? AND user_id = ? AND category = ?
	`, level, inboundLevel, time.Now().UTC(), connectionID, userID, category)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	p := &models.Permission{}
	err = s.db.QueryRowContext(ctx, `
		SELECT id, connection_id, user_id, category, level, inbound_level, updated_at
		FROM permissions
		WHERE connection_id = ? AND user_id = ? AND category = ?
	`, connectionID, userID, category).Scan(&p.ID, &p.ConnectionID, &p.UserID, &p.Category, &p.Level, &p.InboundLevel, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreateThread persists a thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, th *models.Thread) error {
	if th.ID == "" {
		th.ID = newULID()
	}
	if th.CreatedAt.IsZero() {
		th.CreatedAt = time.Now().UTC()
	}
	if th.Status == "" {
		th.Status = "active"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, connection_id, subject, status, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, th.ID, th.ConnectionID, th.Subject, th.Status, th.CreatedAt, th.LastMessageAt)
	return err
}

// GetThread retrieves a thread by ID.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	th := &models.Thread{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, connection_id, subject, status, created_at, last_message_at
		FROM threads WHERE id = ?
	`, id).Scan(&th.ID, &th.ConnectionID, &th.Subject, &th.Status, &th.CreatedAt, &th.LastMessageAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return th, nil
}

// ListThreadsForUser retrieves threads across all of a user's ACTIVE
// connections, most recently active first. Threads on removed
// connections never come back through here.
func (s *SQLiteStore) ListThreadsForUser(ctx context.Context, userID string) ([]models.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.connection_id, t.subject, t.status, t.created_at, t.last_message_at
		FROM threads t
		JOIN connections c ON c.id = t.connection_id
		WHERE c.status = 'active' AND (c.user_a_id = ? OR c.user_b_id = ?)
		ORDER BY t.last_message_at DESC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		var th models.Thread
		if err := rows.Scan(&th.ID, &th.ConnectionID, &th.Subject, &th.Status, &th.CreatedAt, &th.LastMessageAt); err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

const messageColumns = `id, thread_id, from_agent_id, to_agent_id, message_type, category, content, status, created_at, delivered_at, acknowledged_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	msg := &models.Message{}
	err := row.Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.FromAgentID,
		&msg.ToAgentID,
		&msg.Kind,
		&msg.Category,
		&msg.Content,
		&msg.Status,
		&msg.CreatedAt,
		&msg.DeliveredAt,
		&msg.AcknowledgedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListThreadMessages retrieves a thread's messages in send order.
func (s *SQLiteStore) ListThreadMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY id
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// CreateMessage persists a message with state=sent and bumps the
// thread's last_message_at, in one transaction.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = newULID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = models.MessageSent
	}
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, from_agent_id, to_agent_id, message_type, category, content, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ThreadID, msg.FromAgentID, msg.ToAgentID, msg.Kind, msg.Category, msg.Content, msg.Status, msg.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET last_message_at = ? WHERE id = ?
	`, msg.CreatedAt, msg.ThreadID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = ?
	`, id))
}

// ClaimInbox transitions up to limit sent messages for an agent to
// delivered and returns them with any unseen announcements. Each
// message is claimed by a compare-and-set on status='sent', so two
// concurrent pollers for the same agent split the set, no message is
// ever claimed twice. The whole claim commits in one transaction: a
// returned message is always already recorded delivered.
func (s *SQLiteStore) ClaimInbox(ctx context.Context, agentID string, limit int) ([]models.Message, []models.Announcement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE to_agent_id = ? AND status = 'sent'
		ORDER BY id
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, nil, err
	}

	var candidates []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		candidates = append(candidates, *msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	var claimed []models.Message
	for _, msg := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'delivered', delivered_at = ?
			WHERE id = ? AND status = 'sent'
		`, now, msg.ID)
		if err != nil {
			return nil, nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, nil, err
		}
		if n == 1 {
			msg.Status = models.MessageDelivered
			at := now
			msg.DeliveredAt = &at
			claimed = append(claimed, msg)
		}
	}

	anns, err := s.claimAnnouncements(ctx, tx, agentID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return claimed, anns, nil
}

// claimAnnouncements returns announcements the agent has not seen and
// marks them seen within the caller's transaction.
func (s *SQLiteStore) claimAnnouncements(ctx context.Context, tx *sql.Tx, agentID string) ([]models.Announcement, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT a.id, a.title, a.content, a.version, a.created_at
		FROM announcements a
		WHERE NOT EXISTS (
			SELECT 1 FROM announcement_seen s
			WHERE s.announcement_id = a.id AND s.agent_id = ?
		)
		ORDER BY a.id
	`, agentID)
	if err != nil {
		return nil, err
	}

	var anns []models.Announcement
	for rows.Next() {
		var a models.Announcement
		if err := rows.Scan(&a.ID, &a.Title, &a.Content, &a.Version, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		a.Source = models.AnnouncementSource
		anns = append(anns, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range anns {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO announcement_seen (agent_id, announcement_id) VALUES (?, ?)
		`, agentID, a.ID)
		if err != nil {
			return nil, err
		}
	}
	return anns, nil
}

// AckMessage is the delivered->read compare-and-set.
func (s *SQLiteStore) AckMessage(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'read', acknowledged_at = ?
		WHERE id = ? AND status = 'delivered'
	`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreateAnnouncement persists a platform announcement.
func (s *SQLiteStore) CreateAnnouncement(ctx context.Context, a *models.Announcement) error {
	if a.ID == "" {
		a.ID = newULID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Source = models.AnnouncementSource
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO announcements (id, title, content, version, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.Title, a.Content, a.Version, a.CreatedAt)
	return err
}
