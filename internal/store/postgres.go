package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/context-exchange/cex/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser creates a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, email, name string) (*models.User, error) {
	user := &models.User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, name, created_at)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.Name, user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, name, created_at FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, name, created_at FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

const pgAgentColumns = `id, user_id, name, framework, status, webhook_url, api_key_id, api_key_hash, last_seen_at, created_at`

func (s *PostgresStore) scanAgentRow(row pgx.Row) (*models.Agent, error) {
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
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return agent, nil
}

// CreateAgent persists a new agent. Fills ID and timestamps if unset.
func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, user_id, name, framework, status, webhook_url, api_key_id, api_key_hash, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, agent.ID, agent.UserID, agent.Name, agent.Framework, agent.Status,
		agent.WebhookURL, agent.APIKeyID, agent.APIKeyHash, agent.LastSeenAt, agent.CreatedAt)
	return err
}

// GetAgentByID retrieves an agent by ID.
func (s *PostgresStore) GetAgentByID(ctx context.Context, id string) (*models.Agent, error) {
	return s.scanAgentRow(s.pool.QueryRow(ctx, `
		SELECT `+pgAgentColumns+` FROM agents WHERE id = $1
	`, id))
}

// GetAgentByKeyID retrieves an agent by the lookup half of its API key.
func (s *PostgresStore) GetAgentByKeyID(ctx context.Context, keyID string) (*models.Agent, error) {
	return s.scanAgentRow(s.pool.QueryRow(ctx, `
		SELECT `+pgAgentColumns+` FROM agents WHERE api_key_id = $1
	`, keyID))
}

// ListAgentsByUser retrieves all agents owned by a user.
func (s *PostgresStore) ListAgentsByUser(ctx context.Context, userID string) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgAgentColumns+` FROM agents WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		agent := models.Agent{}
		err := rows.Scan(
			&agent.ID, &agent.UserID, &agent.Name, &agent.Framework, &agent.Status,
			&agent.WebhookURL, &agent.APIKeyID, &agent.APIKeyHash, &agent.LastSeenAt, &agent.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentWebhook sets or clears an agent's webhook URL.
func (s *PostgresStore) UpdateAgentWebhook(ctx context.Context, agentID, webhookURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET webhook_url = $1 WHERE id = $2
	`, webhookURL, agentID)
	return err
}

// TouchAgent updates last_seen_at after a successful poll or stream contact.
func (s *PostgresStore) TouchAgent(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET last_seen_at = $1, status = $2 WHERE id = $3
	`, at, models.AgentOnline, agentID)
	return err
}

// CreateInvite persists an invite code.
func (s *PostgresStore) CreateInvite(ctx context.Context, inv *models.Invite) error {
	if inv.ID == "" {
		inv.ID = newULID()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invites (id, code, from_user_id, used_by_user_id, used, created_at, expires_at)
		VALUES ($1, $2, $3, '', false, $4, $5)
	`, inv.ID, inv.Code, inv.FromUserID, inv.CreatedAt, inv.ExpiresAt)
	return err
}

// GetInviteByCode retrieves an invite by its code.
func (s *PostgresStore) GetInviteByCode(ctx context.Context, code string) (*models.Invite, error) {
	inv := &models.Invite{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, from_user_id, used_by_user_id, used, created_at, expires_at
		FROM invites WHERE code = $1
	`, code).Scan(&inv.ID, &inv.Code, &inv.FromUserID, &inv.UsedByUserID, &inv.Used, &inv.CreatedAt, &inv.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return inv, nil
}

// UseInvite marks an invite as consumed, single-use under concurrency.
func (s *PostgresStore) UseInvite(ctx context.Context, id, byUserID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invites SET used = true, used_by_user_id = $1 WHERE id = $2 AND used = false
	`, byUserID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errInviteUsed
	}
	return nil
}

// CreateConnection persists a connection and its seeded permission rows
// in one transaction.
func (s *PostgresStore) CreateConnection(ctx context.Context, conn *models.Connection, perms []models.Permission) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	if conn.Status == "" {
		conn.Status = models.ConnectionActive
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO connections (id, user_a_id, user_b_id, status, contract_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
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
		_, err = tx.Exec(ctx, `
			INSERT INTO permissions (id, connection_id, user_id, category, level, inbound_level, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, p.ID, p.ConnectionID, p.UserID, p.Category, p.Level, p.InboundLevel, p.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

const pgConnectionColumns = `id, user_a_id, user_b_id, status, contract_type, created_at`

func (s *PostgresStore) scanConnectionRow(row pgx.Row) (*models.Connection, error) {
	conn := &models.Connection{}
	err := row.Scan(&conn.ID, &conn.UserAID, &conn.UserBID, &conn.Status, &conn.ContractType, &conn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// GetConnection retrieves a connection by ID.
func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	return s.scanConnectionRow(s.pool.QueryRow(ctx, `
		SELECT `+pgConnectionColumns+` FROM connections WHERE id = $1
	`, id))
}

// FindConnectionBetween retrieves the connection linking two users in
// either pairing order, regardless of status.
func (s *PostgresStore) FindConnectionBetween(ctx context.Context, userA, userB string) (*models.Connection, error) {
	return s.scanConnectionRow(s.pool.QueryRow(ctx, `
		SELECT `+pgConnectionColumns+` FROM connections
		WHERE (user_a_id = $1 AND user_b_id = $2) OR (user_a_id = $2 AND user_b_id = $1)
	`, userA, userB))
}

// ListConnectionsByUser retrieves all active connections a user is part of.
func (s *PostgresStore) ListConnectionsByUser(ctx context.Context, userID string) ([]models.Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgConnectionColumns+` FROM connections
		WHERE status = 'active' AND (user_a_id = $1 OR user_b_id = $1)
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		conn := models.Connection{}
		if err := rows.Scan(&conn.ID, &conn.UserAID, &conn.UserBID, &conn.Status, &conn.ContractType, &conn.CreatedAt); err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// RemoveConnection flips a connection to removed.
func (s *PostgresStore) RemoveConnection(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connections SET status = 'removed' WHERE id = $1
	`, id)
	return err
}

// GetPermissions retrieves one user's permission rows for a connection.
func (s *PostgresStore) GetPermissions(ctx context.Context, connectionID, userID string) ([]models.Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, connection_id, user_id, category, level, inbound_level, updated_at
		FROM permissions
		WHERE connection_id = $1 AND user_id = $2
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
func (s *PostgresStore) UpdatePermission(ctx context.Context, connectionID, userID, category string, level, inboundLevel *string) (*models.Permission, error) {
	p := &models.Permission{}
	err := s.pool.QueryRow(ctx, `
		UPDATE permissions
		SET level = COALESCE($1, level),
		    inbound_level = COALESCE($2, inbound_level),
		    updated_at = $3
		WHERE connection_id = $4 AND user_id = $5 AND category = $6
		RETURNING id, connection_id, user_id, category, level, inbound_level, updated_at
	`, level, inboundLevel, time.Now().UTC(), connectionID, userID, category).Scan(
		&p.ID, &p.ConnectionID, &p.UserID, &p.Category, &p.Level, &p.InboundLevel, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// CreateThread persists a thread.
func (s *PostgresStore) CreateThread(ctx context.Context, th *models.Thread) error {
	if th.ID == "" {
		th.ID = newULID()
	}
	if th.CreatedAt.IsZero() {
		th.CreatedAt = time.Now().UTC()
	}
	if th.Status == "" {
		th.Status = "active"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO threads (id, connection_id, subject, status, created_at, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, th.ID, th.ConnectionID, th.Subject, th.Status, th.CreatedAt, th.LastMessageAt)
	return err
}

// GetThread retrieves a thread by ID.
func (s *PostgresStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	th := &models.Thread{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, connection_id, subject, status, created_at, last_message_at
		FROM threads WHERE id = $1
	`, id).Scan(&th.ID, &th.ConnectionID, &th.Subject, &th.Status, &th.CreatedAt, &th.LastMessageAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return th, nil
}

// ListThreadsForUser retrieves threads across all of a user's ACTIVE
// connections, most recently active first.
func (s *PostgresStore) ListThreadsForUser(ctx context.Context, userID string) ([]models.Thread, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.connection_id, t.subject, t.status, t.created_at, t.last_message_at
		FROM threads t
		JOIN connections c ON c.id = t.connection_id
		WHERE c.status = 'active' AND (c.user_a_id = $1 OR c.user_b_id = $1)
		ORDER BY t.last_message_at DESC NULLS LAST
	`, userID)
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

const pgMessageColumns = `id, thread_id, from_agent_id, to_agent_id, message_type, category, content, status, created_at, delivered_at, acknowledged_at`

func scanPgMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	err := row.Scan(
		&msg.ID, &msg.ThreadID, &msg.FromAgentID, &msg.ToAgentID, &msg.Kind,
		&msg.Category, &msg.Content, &msg.Status, &msg.CreatedAt, &msg.DeliveredAt, &msg.AcknowledgedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListThreadMessages retrieves a thread's messages in send order.
func (s *PostgresStore) ListThreadMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+` FROM messages WHERE thread_id = $1 ORDER BY id
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(
			&msg.ID, &msg.ThreadID, &msg.FromAgentID, &msg.ToAgentID, &msg.Kind,
			&msg.Category, &msg.Content, &msg.Status, &msg.CreatedAt, &msg.DeliveredAt, &msg.AcknowledgedAt,
		)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// CreateMessage persists a message with state=sent and bumps the
// thread's last_message_at, in one transaction.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, thread_id, from_agent_id, to_agent_id, message_type, category, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, msg.ID, msg.ThreadID, msg.FromAgentID, msg.ToAgentID, msg.Kind, msg.Category, msg.Content, msg.Status, msg.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE threads SET last_message_at = $1 WHERE id = $2
	`, msg.CreatedAt, msg.ThreadID)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return scanPgMessage(s.pool.QueryRow(ctx, `
		SELECT `+pgMessageColumns+` FROM messages WHERE id = $1
	`, id))
}

// ClaimInbox transitions up to limit sent messages for an agent to
// delivered and returns them with any unseen announcements, in one
// transaction. SKIP LOCKED keeps concurrent pollers from fighting over
// the same rows; the status='sent' predicate in the UPDATE is the
// compare-and-set that guarantees a single delivered transition.
func (s *PostgresStore) ClaimInbox(ctx context.Context, agentID string, limit int) ([]models.Message, []models.Announcement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	rows, err := tx.Query(ctx, `
		UPDATE messages SET status = 'delivered', delivered_at = $1
		WHERE id IN (
			SELECT id FROM messages
			WHERE to_agent_id = $2 AND status = 'sent'
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgMessageColumns+`
	`, now, agentID, limit)
	if err != nil {
		return nil, nil, err
	}

	var claimed []models.Message
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(
			&msg.ID, &msg.ThreadID, &msg.FromAgentID, &msg.ToAgentID, &msg.Kind,
			&msg.Category, &msg.Content, &msg.Status, &msg.CreatedAt, &msg.DeliveredAt, &msg.AcknowledgedAt,
		)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		claimed = append(claimed, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	annRows, err := tx.Query(ctx, `
		SELECT a.id, a.title, a.content, a.version, a.created_at
		FROM announcements a
		WHERE NOT EXISTS (
			SELECT 1 FROM announcement_seen s
			WHERE s.announcement_id = a.id AND s.agent_id = $1
		)
		ORDER BY a.id
	`, agentID)
	if err != nil {
		return nil, nil, err
	}

	var anns []models.Announcement
	for annRows.Next() {
		var a models.Announcement
		if err := annRows.Scan(&a.ID, &a.Title, &a.Content, &a.Version, &a.CreatedAt); err != nil {
			annRows.Close()
			return nil, nil, err
		}
		a.Source = models.AnnouncementSource
		anns = append(anns, a)
	}
	annRows.Close()
	if err := annRows.Err(); err != nil {
		return nil, nil, err
	}

	for _, a := range anns {
		_, err := tx.Exec(ctx, `
			INSERT INTO announcement_seen (agent_id, announcement_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, agentID, a.ID)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return claimed, anns, nil
}

// AckMessage is the delivered->read compare-and-set.
func (s *PostgresStore) AckMessage(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = 'read', acknowledged_at = $1
		WHERE id = $2 AND status = 'delivered'
	`, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CreateAnnouncement persists a platform announcement.
func (s *PostgresStore) CreateAnnouncement(ctx context.Context, a *models.Announcement) error {
	if a.ID == "" {
		a.ID = newULID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Source = models.AnnouncementSource
	_, err := s.pool.Exec(ctx, `
		INSERT INTO announcements (id, title, content, version, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.Title, a.Content, a.Version, a.CreatedAt)
	return err
}
