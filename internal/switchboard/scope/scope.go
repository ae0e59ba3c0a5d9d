// Package scope defines the multi-tenant partition key shared by every
// durable record: the (tenant, user, workspace) triple.
package scope

import (
	"fmt"

	"github.com/google/uuid"
)

// Default ids substituted when a command omits the triple. These are trusted
// inputs; there is no authentication layer in front of them.
const (
	DefaultTenant    = "tenant-local"
	DefaultUser      = "user-local"
	DefaultWorkspace = "workspace-local"
)

// Scope is the (tenantId, userId, workspaceId) triple. Two records may only
// reference each other when their triples are equal.
type Scope struct {
	TenantID    string `json:"tenantId"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

// Default returns the local single-tenant scope.
func Default() Scope {
	return Scope{TenantID: DefaultTenant, UserID: DefaultUser, WorkspaceID: DefaultWorkspace}
}

// Normalize fills empty fields with the local defaults.
func (s Scope) Normalize() Scope {
	if s.TenantID == "" {
		s.TenantID = DefaultTenant
	}
	if s.UserID == "" {
		s.UserID = DefaultUser
	}
	if s.WorkspaceID == "" {
		s.WorkspaceID = DefaultWorkspace
	}
	return s
}

// Equal reports whether two triples match exactly.
func (s Scope) Equal(other Scope) bool {
	return s.TenantID == other.TenantID &&
		s.UserID == other.UserID &&
		s.WorkspaceID == other.WorkspaceID
}

func (s Scope) String() string {
	return s.TenantID + "/" + s.UserID + "/" + s.WorkspaceID
}

// NewID returns a freshly generated id prefixed with the record kind,
// e.g. "directory-4f8e…". Generated ids are UUID v4.
func NewID(kind string) string {
	return fmt.Sprintf("%s-%s", kind, uuid.New().String())
}
