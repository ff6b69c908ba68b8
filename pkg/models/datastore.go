package models

import (
	"time"

	"github.com/google/uuid"
)

// Datastore represents a configured external database connection owned by a
// workspace. Password is decrypted in memory by the service layer and must
// never be logged; it is stored encrypted at rest.
type Datastore struct {
	ID          uuid.UUID      `json:"id"`
	WorkspaceID uuid.UUID      `json:"workspace_id"`
	Name        string         `json:"name"`
	Engine      string         `json:"engine"` // "postgres", "mysql", "sqlserver", "redshift", "hive", "glue"
	Host        string         `json:"host"`
	Port        int            `json:"port"`
	Username    string         `json:"username"`
	Password    string         `json:"-"`
	Database    string         `json:"database"`
	Extras      map[string]any `json:"extras,omitempty"` // engine-specific (e.g. glue region, hive dialect)

	SSHEnabled bool   `json:"ssh_enabled"`
	SSHHost    string `json:"ssh_host,omitempty"`
	SSHPort    int    `json:"ssh_port,omitempty"`
	SSHUser    string `json:"ssh_user,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Workspace is the owning scope for datastores and their catalogs. The SSH
// private key is workspace-level and shared by all tunneled datastores in the
// workspace; it is stored encrypted and treated as an opaque secret.
type Workspace struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	SSHPrivateKey string     `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}
