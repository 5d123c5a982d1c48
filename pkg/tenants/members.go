package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/rbac"
)

const membershipColumns = `id, tenant_id, user_id, tenant_role, member_role, joined_at`

// GetMembership retrieves the membership of userID in tenantID
func (s *PostgresService) GetMembership(ctx context.Context, tenantID, userID int64) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM tenant_memberships WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// ListMembers retrieves all members of a tenant
func (s *PostgresService) ListMembers(ctx context.Context, tenantID int64) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+membershipColumns+` FROM tenant_memberships WHERE tenant_id = $1 ORDER BY joined_at ASC, id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// AddMember adds a user to a tenant. Only owners may grant the owner role.
func (s *PostgresService) AddMember(ctx context.Context, tenantID, actorUserID, userID int64, role rbac.TenantRole, memberRole *rbac.MemberRole) error {
	memberRole, err := validateRoles(role, memberRole)
	if err != nil {
		return err
	}

	if role == rbac.TenantRoleOwner {
		actor, err := s.GetMembership(ctx, tenantID, actorUserID)
		if err != nil {
			return err
		}
		if !actor.IsOwner() {
			return apperrors.ErrForbidden
		}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_memberships (tenant_id, user_id, tenant_role, member_role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, user_id) DO NOTHING
	`, tenantID, userID, role, nullMemberRole(memberRole))
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.ErrAlreadyMember
	}
	return nil
}

// UpdateMemberRole changes a member's roles.
//
// Demoting the last owner is rejected. Only owners may grant or revoke the owner
// role. The owner rows of the tenant are locked before the target row so that two
// concurrent demotions serialize on the same locks.
func (s *PostgresService) UpdateMemberRole(ctx context.Context, tenantID, actorUserID, userID int64, role rbac.TenantRole, memberRole *rbac.MemberRole) error {
	memberRole, err := validateRoles(role, memberRole)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	owners, err := lockOwners(ctx, tx, tenantID)
	if err != nil {
		return err
	}

	target, err := lockMembership(ctx, tx, tenantID, userID)
	if err != nil {
		return err
	}

	if target.IsOwner() && role != rbac.TenantRoleOwner && len(owners) <= 1 {
		return apperrors.ErrLastOwner
	}
	if target.IsOwner() || role == rbac.TenantRoleOwner {
		if _, actorIsOwner := owners[actorUserID]; !actorIsOwner {
			return apperrors.ErrForbidden
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tenant_memberships SET tenant_role = $1, member_role = $2 WHERE id = $3`,
		role, nullMemberRole(memberRole), target.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update member role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit member role: %w", err)
	}
	return nil
}

// RemoveMember removes userID from a tenant on behalf of actorUserID.
// Members cannot remove themselves and the last owner cannot be removed.
func (s *PostgresService) RemoveMember(ctx context.Context, tenantID, actorUserID, userID int64) error {
	if actorUserID == userID {
		return apperrors.ErrCannotRemoveSelf
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	owners, err := lockOwners(ctx, tx, tenantID)
	if err != nil {
		return err
	}

	target, err := lockMembership(ctx, tx, tenantID, userID)
	if err != nil {
		return err
	}

	if target.IsOwner() {
		if len(owners) <= 1 {
			return apperrors.ErrLastOwner
		}
		if _, actorIsOwner := owners[actorUserID]; !actorIsOwner {
			return apperrors.ErrForbidden
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_memberships WHERE id = $1`, target.ID); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit member removal: %w", err)
	}
	return nil
}

// lockOwners locks every owner membership of the tenant and returns their user ids.
func lockOwners(ctx context.Context, tx *sql.Tx, tenantID int64) (map[int64]struct{}, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT user_id FROM tenant_memberships WHERE tenant_id = $1 AND tenant_role = $2 FOR UPDATE`,
		tenantID, rbac.TenantRoleOwner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock owners: %w", err)
	}
	defer rows.Close()

	owners := make(map[int64]struct{})
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners[userID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to lock owners: %w", err)
	}
	return owners, nil
}

func lockMembership(ctx context.Context, tx *sql.Tx, tenantID, userID int64) (*Membership, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM tenant_memberships WHERE tenant_id = $1 AND user_id = $2 FOR UPDATE`,
		tenantID, userID,
	)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock membership: %w", err)
	}
	return m, nil
}
