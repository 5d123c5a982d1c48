package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/rbac"
)

var (
	errTenantNotFound     = apperrors.ErrNotFound.WithMessage("tenant not found")
	errMembershipNotFound = apperrors.ErrNotFound.WithMessage("membership not found")
)

// PostgresService implements the Service interface using PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

// CreateTenant creates a tenant and makes ownerUserID its first owner.
func (s *PostgresService) CreateTenant(ctx context.Context, name string, ownerUserID int64) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.ErrBadRequest.WithMessage("tenant name is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tenant := &Tenant{Name: name}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO tenants (name) VALUES ($1) RETURNING id, created_at`,
		name,
	).Scan(&tenant.ID, &tenant.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tenant_memberships (tenant_id, user_id, tenant_role, member_role) VALUES ($1, $2, $3, NULL)`,
		tenant.ID, ownerUserID, rbac.TenantRoleOwner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tenant: %w", err)
	}

	return tenant, nil
}

// GetTenant retrieves a tenant by ID
func (s *PostgresService) GetTenant(ctx context.Context, tenantID int64) (*Tenant, error) {
	tenant := &Tenant{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = $1`,
		tenantID,
	).Scan(&tenant.ID, &tenant.Name, &tenant.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return tenant, nil
}

// TenantExists reports whether a tenant row exists.
func (s *PostgresService) TenantExists(ctx context.Context, tenantID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`,
		tenantID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tenant: %w", err)
	}
	return exists, nil
}

// ListTenantsForUser returns every tenant userID belongs to.
func (s *PostgresService) ListTenantsForUser(ctx context.Context, userID int64) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.created_at
		FROM tenants t
		JOIN tenant_memberships m ON m.tenant_id = t.id
		WHERE m.user_id = $1
		ORDER BY t.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t := &Tenant{}
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return out, nil
}

func validateRoles(role rbac.TenantRole, memberRole *rbac.MemberRole) (*rbac.MemberRole, error) {
	if !role.Valid() {
		return nil, apperrors.ErrBadRequest.WithMessage("invalid tenant role")
	}
	if role != rbac.TenantRoleMember {
		return nil, nil
	}
	if memberRole != nil && *memberRole != "" && !memberRole.Valid() {
		return nil, apperrors.ErrBadRequest.WithMessage("invalid member role")
	}
	if memberRole != nil && *memberRole == "" {
		return nil, nil
	}
	return memberRole, nil
}

func nullMemberRole(r *rbac.MemberRole) sql.NullString {
	if r == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*r), Valid: true}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMembership(row scanner) (*Membership, error) {
	m := &Membership{}
	var memberRole sql.NullString
	if err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.TenantRole, &memberRole, &m.JoinedAt); err != nil {
		return nil, err
	}
	if memberRole.Valid && memberRole.String != "" {
		r := rbac.MemberRole(memberRole.String)
		m.MemberRole = &r
	}
	return m, nil
}
