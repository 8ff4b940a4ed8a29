package store

import (
	"context"
	"time"

	"github.com/context-exchange/cex/internal/models"
)

// DataStore is the persistence interface behind the delivery pipeline.
// SQLiteStore backs development and tests; PostgresStore backs
// production. Both must give the same answers, in particular the
// claim/ack compare-and-set semantics that message lifecycle
// correctness depends on.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Users
	CreateUser(ctx context.Context, email, name string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// Agents
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgentByID(ctx context.Context, id string) (*models.Agent, error)
	GetAgentByKeyID(ctx context.Context, keyID string) (*models.Agent, error)
	ListAgentsByUser(ctx context.Context, userID string) ([]models.Agent, error)
	UpdateAgentWebhook(ctx context.Context, agentID, webhookURL string) error
	TouchAgent(ctx context.Context, agentID string, at time.Time) error

	// Invites
	CreateInvite(ctx context.Context, inv *models.Invite) error
	GetInviteByCode(ctx context.Context, code string) (*models.Invite, error)
	UseInvite(ctx context.Context, id, byUserID string) error

	// Connections. CreateConnection persists the connection and its
	// seeded permission rows in one transaction.
	CreateConnection(ctx context.Context, conn *models.Connection, perms []models.Permission) error
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	FindConnectionBetween(ctx context.Context, userA, userB string) (*models.Connection, error)
	ListConnectionsByUser(ctx context.Context, userID string) ([]models.Connection, error)
	RemoveConnection(ctx context.Context, id string) error

	// Permissions
	GetPermissions(ctx context.Context, connectionID, userID string) ([]models.Permission, error)
	UpdatePermission(ctx context.Context, connectionID, userID, category string, level, inboundLevel *string) (*models.Permission, error)

	// Threads. ListThreadsForUser only returns threads on active
	// connections; a removed connection hides its history.
	CreateThread(ctx context.Context, th *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreadsForUser(ctx context.Context, userID string) ([]models.Thread, error)
	ListThreadMessages(ctx context.Context, threadID string) ([]models.Message, error)

	// Messages. ClaimInbox transitions up to limit sent messages for the
	// agent to delivered and returns them, together with any unseen
	// announcements (marked seen in the same transaction). The
	// delivered transition is a per-message compare-and-set: two
	// concurrent claims can never both take the same message.
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ClaimInbox(ctx context.Context, agentID string, limit int) ([]models.Message, []models.Announcement, error)
	// AckMessage is the delivered->read compare-and-set. Returns false
	// when the message was not in delivered state.
	AckMessage(ctx context.Context, id string, at time.Time) (bool, error)

	// Announcements
	CreateAnnouncement(ctx context.Context, a *models.Announcement) error
}
