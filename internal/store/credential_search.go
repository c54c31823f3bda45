package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yourorg/memberstore/internal/domain"
)

const userViewColumns = `id, user_name, email, password_question, comment,
	is_approved, is_locked_out, created_at, last_login_at, last_activity_at,
	last_password_changed_at, last_lockout_at`

// GetUserByName looks up a user by name. touchActivity stamps the activity
// date, marking the user online. A missing user is nil, nil.
func (s *CredentialStore) GetUserByName(ctx context.Context, userName string, touchActivity bool) (*domain.MembershipUser, error) {
	if err := checkName("userName", userName, maxUserNameLength, false); err != nil {
		return nil, err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}

	var view *domain.MembershipUser
	err = s.run.run(ctx, "get_user", func(ctx context.Context, tx *sql.Tx) error {
		u, err := s.loadUser(ctx, tx, tenantID, normalize(userName), touchActivity)
		if err != nil || u == nil {
			return err
		}
		if touchActivity {
			u.LastActivityAt = s.now().UTC()
			if err := execExpect(ctx, tx, 1,
				`UPDATE users SET last_activity_at = $2 WHERE id = $1`,
				u.ID, u.LastActivityAt); err != nil {
				return err
			}
		}
		view = u.View()
		return nil
	})
	return view, err
}

// GetUserByID is GetUserByName keyed by the opaque identifier.
func (s *CredentialStore) GetUserByID(ctx context.Context, userID string, touchActivity bool) (*domain.MembershipUser, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is empty", domain.ErrInvalidArgument)
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, err
	}

	var view *domain.MembershipUser
	err = s.run.run(ctx, "get_user_by_id", func(ctx context.Context, tx *sql.Tx) error {
		u, err := s.loadUserByID(ctx, tx, tenantID, userID, touchActivity)
		if err != nil || u == nil {
			return err
		}
		if touchActivity {
			u.LastActivityAt = s.now().UTC()
			if err := execExpect(ctx, tx, 1,
				`UPDATE users SET last_activity_at = $2 WHERE id = $1`,
				u.ID, u.LastActivityAt); err != nil {
				return err
			}
		}
		view = u.View()
		return nil
	})
	return view, err
}

// GetUserNameByEmail maps an email address back to a username. With unique
// email enforced a duplicate hit is a consistency fault; otherwise the first
// match in name order wins. No match returns the empty string.
func (s *CredentialStore) GetUserNameByEmail(ctx context.Context, email string) (string, error) {
	if len(email) > maxEmailLength {
		return "", fmt.Errorf("%w: email exceeds %d characters", domain.ErrInvalidArgument, maxEmailLength)
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return "", err
	}

	var userName string
	err = s.run.run(ctx, "get_user_name_by_email", func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT user_name FROM users
			WHERE tenant_id = $1 AND normalized_email = $2
			ORDER BY user_name
			LIMIT 2
		`, tenantID, normalize(email))
		if err != nil {
			return err
		}
		defer rows.Close()

		var names []string
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return err
			}
			names = append(names, n)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		if len(names) > 1 && s.policy.RequiresUniqueEmail {
			return fmt.Errorf("%w: multiple users share email %q under a unique-email policy",
				domain.ErrConsistencyFault, email)
		}
		userName = names[0]
		return nil
	})
	return userName, err
}

// GetNumberOfUsersOnline counts users whose activity date falls inside the
// online window.
func (s *CredentialStore) GetNumberOfUsersOnline(ctx context.Context) (int, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().UTC().Add(-s.policy.UserIsOnlineWindow)
	count := 0
	err = s.run.run(ctx, "users_online", func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE tenant_id = $1 AND last_activity_at > $2`,
			tenantID, cutoff,
		).Scan(&count)
	})
	return count, err
}

// GetAllUsers returns one page of the tenant's users in name order, plus the
// total count across all pages.
func (s *CredentialStore) GetAllUsers(ctx context.Context, pageIndex, pageSize int) ([]*domain.MembershipUser, int, error) {
	if err := checkPage(pageIndex, pageSize); err != nil {
		return nil, 0, err
	}
	return s.pageUsers(ctx, "get_all_users", ``, nil, pageIndex, pageSize)
}

// FindUsersByName returns the page of users whose name contains the match
// term, case-insensitively. LIKE metacharacters in the term match literally.
func (s *CredentialStore) FindUsersByName(ctx context.Context, matchName string, pageIndex, pageSize int) ([]*domain.MembershipUser, int, error) {
	if err := checkName("matchName", matchName, maxUserNameLength, false); err != nil {
		return nil, 0, err
	}
	if err := checkPage(pageIndex, pageSize); err != nil {
		return nil, 0, err
	}
	return s.pageUsers(ctx, "find_users_by_name",
		`AND normalized_user_name LIKE $2`, []any{containsPattern(matchName)},
		pageIndex, pageSize)
}

// FindUsersByEmail is FindUsersByName over the email column.
func (s *CredentialStore) FindUsersByEmail(ctx context.Context, matchEmail string, pageIndex, pageSize int) ([]*domain.MembershipUser, int, error) {
	if len(matchEmail) > maxEmailLength {
		return nil, 0, fmt.Errorf("%w: matchEmail exceeds %d characters", domain.ErrInvalidArgument, maxEmailLength)
	}
	if err := checkPage(pageIndex, pageSize); err != nil {
		return nil, 0, err
	}
	return s.pageUsers(ctx, "find_users_by_email",
		`AND normalized_email LIKE $2`, []any{containsPattern(matchEmail)},
		pageIndex, pageSize)
}

// pageUsers runs the shared count-then-page query pair. filter is an extra
// WHERE conjunct whose placeholders start at $2; the LIMIT/OFFSET pair takes
// the next two positions.
func (s *CredentialStore) pageUsers(ctx context.Context, op, filter string, filterArgs []any, pageIndex, pageSize int) ([]*domain.MembershipUser, int, error) {
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, 0, err
	}

	args := append([]any{tenantID}, filterArgs...)
	limitPos := len(args) + 1

	users := []*domain.MembershipUser{}
	total := 0
	err = s.run.run(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		countQuery := `SELECT COUNT(*) FROM users WHERE tenant_id = $1 ` + filter
		if err := tx.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
			return err
		}
		if total == 0 {
			return nil
		}

		pageQuery := fmt.Sprintf(`
			SELECT %s FROM users
			WHERE tenant_id = $1 %s
			ORDER BY user_name
			LIMIT $%d OFFSET $%d
		`, userViewColumns, filter, limitPos, limitPos+1)
		rows, err := tx.QueryContext(ctx, pageQuery, append(args, pageSize, pageIndex*pageSize)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			v, err := scanUserView(rows)
			if err != nil {
				return err
			}
			users = append(users, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func scanUserView(row rowScanner) (*domain.MembershipUser, error) {
	v := &domain.MembershipUser{}
	err := row.Scan(
		&v.ID, &v.UserName, &v.Email, &v.PasswordQuestion, &v.Comment,
		&v.IsApproved, &v.IsLockedOut, &v.CreatedAt, &v.LastLoginAt,
		&v.LastActivityAt, &v.LastPasswordChange, &v.LastLockoutAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan user view: %w", err)
	}
	return v, nil
}
