package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/yourorg/memberstore/internal/domain"
	"github.com/yourorg/memberstore/internal/scope"
	"github.com/yourorg/memberstore/internal/security/audit"
	"github.com/yourorg/memberstore/pkg/config"
)

// RoleStore manages named roles and user-role membership for one application
// scope. Batch membership changes are atomic: preconditions for every pair
// are verified before the first row is written.
type RoleStore struct {
	run     *runner
	scope   *scope.Resolver
	appName string
	audit   *audit.Logger
	logger  *slog.Logger
}

// NewRoleStore creates a role store scoped to cfg.ApplicationName.
func NewRoleStore(db *sql.DB, cfg *config.Config, resolver *scope.Resolver, auditLog *audit.Logger, logger *slog.Logger) *RoleStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleStore{
		run:     newRunner(db, "role", cfg.Policy.CommandTimeout, logger),
		scope:   resolver,
		appName: cfg.ApplicationName,
		audit:   auditLog,
		logger:  logger,
	}
}

func (s *RoleStore) tenantID(ctx context.Context) (string, error) {
	return s.scope.Resolve(ctx, s.appName)
}

// CreateRole adds a role. The name is a case-insensitive uniqueness key
// within the tenant; a duplicate fails with ErrAlreadyExists.
func (s *RoleStore) CreateRole(ctx context.Context, roleName string) error {
	if err := checkName("roleName", roleName, maxRoleNameLength, true); err != nil {
		return err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return err
	}

	role := domain.Role{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Name:           strings.TrimSpace(roleName),
		NormalizedName: normalize(roleName),
	}
	return s.run.run(ctx, "create_role", func(ctx context.Context, tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM roles WHERE tenant_id = $1 AND normalized_role_name = $2)`,
			role.TenantID, role.NormalizedName,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check role existence: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: role %q", domain.ErrAlreadyExists, role.Name)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO roles (id, tenant_id, role_name, normalized_role_name)
			VALUES ($1, $2, $3, $4)
		`, role.ID, role.TenantID, role.Name, role.NormalizedName)
		if err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}
		return nil
	})
}

// DeleteRole removes a role. A role that still has members is only deleted
// when throwOnPopulated is unset; its memberships go in the same
// transaction. A missing role fails with ErrNotFound.
func (s *RoleStore) DeleteRole(ctx context.Context, roleName string, throwOnPopulated bool) (bool, error) {
	if err := checkName("roleName", roleName, maxRoleNameLength, true); err != nil {
		return false, err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return false, err
	}

	err = s.run.run(ctx, "delete_role", func(ctx context.Context, tx *sql.Tx) error {
		var roleID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM roles WHERE tenant_id = $1 AND normalized_role_name = $2 FOR UPDATE`,
			tenantID, normalize(roleName),
		).Scan(&roleID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: role %q", domain.ErrNotFound, strings.TrimSpace(roleName))
			}
			return err
		}

		if throwOnPopulated {
			var populated bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM users_in_roles WHERE role_id = $1)`, roleID,
			).Scan(&populated)
			if err != nil {
				return err
			}
			if populated {
				return fmt.Errorf("%w: role %q still has members", domain.ErrPolicyViolation, strings.TrimSpace(roleName))
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM users_in_roles WHERE role_id = $1`, roleID); err != nil {
				return err
			}
		}
		return execExpect(ctx, tx, 1, `DELETE FROM roles WHERE id = $1`, roleID)
	})
	if err != nil {
		return false, err
	}

	if s.audit != nil {
		s.audit.LogMembershipChange(ctx, tenantID, "", strings.TrimSpace(roleName), "role_deleted")
	}
	return true, nil
}

// RoleExists reports whether the role name is taken in this tenant.
func (s *RoleStore) RoleExists(ctx context.Context, roleName string) (bool, error) {
	if err := checkName("roleName", roleName, maxRoleNameLength, false); err != nil {
		return false, err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return false, err
	}

	exists := false
	err = s.run.run(ctx, "role_exists", func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM roles WHERE tenant_id = $1 AND normalized_role_name = $2)`,
			tenantID, normalize(roleName),
		).Scan(&exists)
	})
	return exists, err
}

// IsUserInRole reports membership. An unknown user or role is simply not a
// membership: false, not an error.
func (s *RoleStore) IsUserInRole(ctx context.Context, userName, roleName string) (bool, error) {
	if err := checkName("userName", userName, maxUserNameLength, false); err != nil {
		return false, err
	}
	if err := checkName("roleName", roleName, maxRoleNameLength, false); err != nil {
		return false, err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return false, err
	}

	member := false
	err = s.run.run(ctx, "is_user_in_role", func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM users_in_roles ur
				JOIN users u ON u.id = ur.user_id
				JOIN roles r ON r.id = ur.role_id
				WHERE u.tenant_id = $1
				  AND u.normalized_user_name = $2
				  AND r.normalized_role_name = $3
			)
		`, tenantID, normalize(userName), normalize(roleName)).Scan(&member)
	})
	return member, err
}

// GetRolesForUser lists the role names a user belongs to, sorted. An unknown
// user has no roles.
func (s *RoleStore) GetRolesForUser(ctx context.Context, userName string) ([]string, error) {
	if err := checkName("userName", userName, maxUserNameLength, false); err != nil {
		return nil, err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}

	roles := []string{}
	err = s.run.run(ctx, "get_roles_for_user", func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT r.role_name
			FROM users_in_roles ur
			JOIN users u ON u.id = ur.user_id
			JOIN roles r ON r.id = ur.role_id
			WHERE u.tenant_id = $1 AND u.normalized_user_name = $2
			ORDER BY r.role_name
		`, tenantID, normalize(userName))
		if err != nil {
			return err
		}
		defer rows.Close()
		return scanNames(rows, &roles)
	})
	return roles, err
}

// GetUsersInRole lists the user names holding a role, sorted. A missing role
// fails with ErrNotFound.
func (s *RoleStore) GetUsersInRole(ctx context.Context, roleName string) ([]string, error) {
	return s.usersInRole(ctx, "get_users_in_role", roleName, "")
}

// FindUsersInRole is GetUsersInRole narrowed to user names containing the
// match term, case-insensitively.
func (s *RoleStore) FindUsersInRole(ctx context.Context, roleName, matchName string) ([]string, error) {
	if err := checkName("matchName", matchName, maxUserNameLength, false); err != nil {
		return nil, err
	}
	return s.usersInRole(ctx, "find_users_in_role", roleName, containsPattern(matchName))
}

func (s *RoleStore) usersInRole(ctx context.Context, op, roleName, pattern string) ([]string, error) {
	if err := checkName("roleName", roleName, maxRoleNameLength, false); err != nil {
		return nil, err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}

	users := []string{}
	err = s.run.run(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		var roleID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM roles WHERE tenant_id = $1 AND normalized_role_name = $2`,
			tenantID, normalize(roleName),
		).Scan(&roleID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: role %q", domain.ErrNotFound, strings.TrimSpace(roleName))
			}
			return err
		}

		query := `
			SELECT u.user_name
			FROM users_in_roles ur
			JOIN users u ON u.id = ur.user_id
			WHERE ur.role_id = $1
		`
		args := []any{roleID}
		if pattern != "" {
			query += ` AND u.normalized_user_name LIKE $2`
			args = append(args, pattern)
		}
		query += ` ORDER BY u.user_name`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scanNames(rows, &users)
	})
	return users, err
}

// GetAllRoles lists every role name in the tenant, sorted.
func (s *RoleStore) GetAllRoles(ctx context.Context) ([]string, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}

	roles := []string{}
	err = s.run.run(ctx, "get_all_roles", func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT role_name FROM roles WHERE tenant_id = $1 ORDER BY role_name`,
			tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scanNames(rows, &roles)
	})
	return roles, err
}

// AddUsersToRoles grants every (user, role) pair in the cross product. The
// whole batch is all-or-nothing: any unknown user or role, or any pair that
// already exists, fails the call before a single row is written.
func (s *RoleStore) AddUsersToRoles(ctx context.Context, userNames, roleNames []string) error {
	if err := checkNameList("userNames", userNames, maxUserNameLength); err != nil {
		return err
	}
	if err := checkNameList("roleNames", roleNames, maxRoleNameLength); err != nil {
		return err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return err
	}

	err = s.run.run(ctx, "add_users_to_roles", func(ctx context.Context, tx *sql.Tx) error {
		userIDs, err := s.resolveUsers(ctx, tx, tenantID, userNames)
		if err != nil {
			return err
		}
		roleIDs, err := s.resolveRoles(ctx, tx, tenantID, roleNames)
		if err != nil {
			return err
		}

		var conflict bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM users_in_roles
				WHERE user_id = ANY($1) AND role_id = ANY($2)
			)
		`, pq.Array(userIDs), pq.Array(roleIDs)).Scan(&conflict)
		if err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("%w: a user already holds one of the roles", domain.ErrAlreadyExists)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO users_in_roles (user_id, role_id)
			SELECT u, r FROM unnest($1::uuid[]) AS u CROSS JOIN unnest($2::uuid[]) AS r
		`, pq.Array(userIDs), pq.Array(roleIDs))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if want := int64(len(userIDs)) * int64(len(roleIDs)); affected != want {
			return fmt.Errorf("%w: granted %d memberships, expected %d", domain.ErrConsistencyFault, affected, want)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.audit != nil {
		s.audit.LogMembershipChange(ctx, tenantID,
			strings.Join(userNames, ";"), strings.Join(roleNames, ";"), "granted")
	}
	return nil
}

// RemoveUsersFromRoles revokes every (user, role) pair in the cross product.
// Like the grant, it is all-or-nothing: every pair must currently exist.
func (s *RoleStore) RemoveUsersFromRoles(ctx context.Context, userNames, roleNames []string) error {
	if err := checkNameList("userNames", userNames, maxUserNameLength); err != nil {
		return err
	}
	if err := checkNameList("roleNames", roleNames, maxRoleNameLength); err != nil {
		return err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return err
	}

	err = s.run.run(ctx, "remove_users_from_roles", func(ctx context.Context, tx *sql.Tx) error {
		userIDs, err := s.resolveUsers(ctx, tx, tenantID, userNames)
		if err != nil {
			return err
		}
		roleIDs, err := s.resolveRoles(ctx, tx, tenantID, roleNames)
		if err != nil {
			return err
		}

		want := int64(len(userIDs)) * int64(len(roleIDs))
		var held int64
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM users_in_roles
			WHERE user_id = ANY($1) AND role_id = ANY($2)
		`, pq.Array(userIDs), pq.Array(roleIDs)).Scan(&held)
		if err != nil {
			return err
		}
		if held != want {
			return fmt.Errorf("%w: a user does not hold one of the roles", domain.ErrNotFound)
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM users_in_roles
			WHERE user_id = ANY($1) AND role_id = ANY($2)
		`, pq.Array(userIDs), pq.Array(roleIDs))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected != want {
			return fmt.Errorf("%w: revoked %d memberships, expected %d", domain.ErrConsistencyFault, affected, want)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.audit != nil {
		s.audit.LogMembershipChange(ctx, tenantID,
			strings.Join(userNames, ";"), strings.Join(roleNames, ";"), "revoked")
	}
	return nil
}

// resolveUsers maps user names to ids, failing with ErrNotFound when any
// name in the batch is unknown.
func (s *RoleStore) resolveUsers(ctx context.Context, tx *sql.Tx, tenantID string, userNames []string) ([]string, error) {
	normalized := normalizeAll(userNames)
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM users
		WHERE tenant_id = $1 AND normalized_user_name = ANY($2)
	`, tenantID, pq.Array(normalized))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	if err := scanNames(rows, &ids); err != nil {
		return nil, err
	}
	if len(ids) != len(normalized) {
		return nil, fmt.Errorf("%w: %d of %d users unknown", domain.ErrNotFound, len(normalized)-len(ids), len(normalized))
	}
	return ids, nil
}

// resolveRoles is resolveUsers for role names.
func (s *RoleStore) resolveRoles(ctx context.Context, tx *sql.Tx, tenantID string, roleNames []string) ([]string, error) {
	normalized := normalizeAll(roleNames)
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM roles
		WHERE tenant_id = $1 AND normalized_role_name = ANY($2)
	`, tenantID, pq.Array(normalized))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	if err := scanNames(rows, &ids); err != nil {
		return nil, err
	}
	if len(ids) != len(normalized) {
		return nil, fmt.Errorf("%w: %d of %d roles unknown", domain.ErrNotFound, len(normalized)-len(ids), len(normalized))
	}
	return ids, nil
}

// checkNameList validates a batch argument: non-empty, each entry a valid
// comma-free name, and no duplicates after case folding.
func checkNameList(param string, values []string, maxLen int) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: %s is empty", domain.ErrInvalidArgument, param)
	}
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if err := checkName(param, v, maxLen, true); err != nil {
			return err
		}
		key := normalize(v)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s contains duplicate %q", domain.ErrInvalidArgument, param, v)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func normalizeAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = normalize(v)
	}
	return out
}

func scanNames(rows *sql.Rows, out *[]string) error {
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return err
		}
		*out = append(*out, s)
	}
	return rows.Err()
}
