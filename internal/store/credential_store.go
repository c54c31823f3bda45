package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/memberstore/internal/codec"
	"github.com/yourorg/memberstore/internal/domain"
	"github.com/yourorg/memberstore/internal/lockout"
	"github.com/yourorg/memberstore/internal/observability/metrics"
	"github.com/yourorg/memberstore/internal/scope"
	"github.com/yourorg/memberstore/internal/security/audit"
	"github.com/yourorg/memberstore/pkg/config"
)

const userColumns = `id, tenant_id, user_name, normalized_user_name, email, normalized_email,
	password_hash, password_format, password_salt, password_question, password_answer_hash,
	comment, is_approved, is_locked_out, created_at, last_login_at, last_activity_at,
	last_password_changed_at, last_lockout_at, failed_password_count,
	failed_password_window_start, failed_answer_count, failed_answer_window_start`

// CredentialStore owns the user entity lifecycle for one application scope:
// creation, lookup, update, deletion, password operations, and paged search.
type CredentialStore struct {
	run      *runner
	policy   *config.Policy
	codec    *codec.Codec
	scope    *scope.Resolver
	appName  string
	format   domain.PasswordFormat
	strength *regexp.Regexp
	audit    *audit.Logger
	logger   *slog.Logger
	now      func() time.Time
}

// NewCredentialStore creates a credential store scoped to cfg.ApplicationName.
func NewCredentialStore(db *sql.DB, cfg *config.Config, cdc *codec.Codec, resolver *scope.Resolver, auditLog *audit.Logger, logger *slog.Logger) (*CredentialStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var format domain.PasswordFormat
	switch cfg.Policy.PasswordFormat {
	case "clear":
		format = domain.FormatClear
	case "hashed":
		format = domain.FormatHashed
	case "encrypted":
		format = domain.FormatEncrypted
	default:
		return nil, fmt.Errorf("%w: unknown password format %q", domain.ErrInvalidArgument, cfg.Policy.PasswordFormat)
	}
	if cfg.Policy.EnablePasswordRetrieval && format == domain.FormatHashed {
		return nil, fmt.Errorf("%w: password retrieval cannot be enabled with the hashed format", domain.ErrInvalidArgument)
	}

	var strength *regexp.Regexp
	if cfg.Policy.PasswordStrengthRegex != "" {
		var err error
		strength, err = regexp.Compile(cfg.Policy.PasswordStrengthRegex)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid password strength regex: %v", domain.ErrInvalidArgument, err)
		}
	}

	return &CredentialStore{
		run:      newRunner(db, "credential", cfg.Policy.CommandTimeout, logger),
		policy:   &cfg.Policy,
		codec:    cdc,
		scope:    resolver,
		appName:  cfg.ApplicationName,
		format:   format,
		strength: strength,
		audit:    auditLog,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (s *CredentialStore) tenantID(ctx context.Context) (string, error) {
	return s.scope.Resolve(ctx, s.appName)
}

func (s *CredentialStore) lockoutPolicy() lockout.Policy {
	return lockout.Policy{
		MaxInvalidAttempts: s.policy.MaxInvalidPasswordAttempts,
		AttemptWindow:      s.policy.PasswordAttemptWindow,
	}
}

// CreateUser validates all fields against policy and creates the user row,
// creating the owning tenant on first use. Validation failures are reported
// through the status; only infrastructure problems return an error.
func (s *CredentialStore) CreateUser(ctx context.Context, userName, password, email, question, answer string, isApproved bool, requestedID string) (*domain.MembershipUser, domain.CreateStatus, error) {
	if err := checkName("userName", userName, maxUserNameLength, true); err != nil {
		return nil, domain.CreateInvalidUserName, nil
	}
	if password == "" || len(password) > maxPasswordLength {
		return nil, domain.CreateInvalidPassword, nil
	}
	if err := s.checkPasswordPolicy(ctx, userName, password, true); err != nil {
		if errors.Is(err, errHookVeto) {
			return nil, domain.CreateUserRejected, nil
		}
		return nil, domain.CreateInvalidPassword, nil
	}
	email = strings.TrimSpace(email)
	if len(email) > maxEmailLength {
		return nil, domain.CreateInvalidEmail, nil
	}
	question = strings.TrimSpace(question)
	if len(question) > maxQuestionLength {
		return nil, domain.CreateInvalidQuestion, nil
	}
	if len(answer) > maxAnswerLength {
		return nil, domain.CreateInvalidAnswer, nil
	}
	if s.policy.RequiresQuestionAndAnswer {
		if question == "" {
			return nil, domain.CreateInvalidQuestion, nil
		}
		if strings.TrimSpace(answer) == "" {
			return nil, domain.CreateInvalidAnswer, nil
		}
	}
	userID := requestedID
	if userID != "" {
		if _, err := uuid.Parse(userID); err != nil {
			return nil, domain.CreateInvalidUserKey, nil
		}
	} else {
		userID = uuid.NewString()
	}

	salt, err := codec.NewSalt()
	if err != nil {
		return nil, domain.CreateProviderError, err
	}
	encodedPassword, err := s.codec.Encode(password, s.format, salt)
	if err != nil {
		return nil, domain.CreateProviderError, err
	}
	if codec.CheckLength(encodedPassword) != nil {
		return nil, domain.CreateInvalidPassword, nil
	}
	encodedAnswer := ""
	if strings.TrimSpace(answer) != "" {
		encodedAnswer, err = s.codec.Encode(normalize(answer), s.format, salt)
		if err != nil {
			return nil, domain.CreateProviderError, err
		}
		if codec.CheckLength(encodedAnswer) != nil {
			return nil, domain.CreateInvalidAnswer, nil
		}
	}

	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return nil, domain.CreateProviderError, err
	}

	trimmedName := strings.TrimSpace(userName)
	status := domain.CreateSuccess
	var created *domain.MembershipUser

	err = s.run.run(ctx, "create_user", func(ctx context.Context, tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE tenant_id = $1 AND normalized_user_name = $2)`,
			tenantID, normalize(trimmedName),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check user existence: %w", err)
		}
		if exists {
			status = domain.CreateDuplicateUserName
			return nil
		}

		if s.policy.RequiresUniqueEmail {
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM users WHERE tenant_id = $1 AND normalized_email = $2)`,
				tenantID, normalize(email),
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check email uniqueness: %w", err)
			}
			if exists {
				status = domain.CreateDuplicateEmail
				return nil
			}
		}

		if requestedID != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID,
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check user key uniqueness: %w", err)
			}
			if exists {
				status = domain.CreateDuplicateUserKey
				return nil
			}
		}

		now := s.now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (
				id, tenant_id, user_name, normalized_user_name, email, normalized_email,
				password_hash, password_format, password_salt, password_question,
				password_answer_hash, comment, is_approved, is_locked_out,
				created_at, last_login_at, last_activity_at, last_password_changed_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '', $12, FALSE, $13, $13, $13, $13)
		`, userID, tenantID, trimmedName, normalize(trimmedName), email, normalize(email),
			encodedPassword, int(s.format), salt, question, encodedAnswer, isApproved, now)
		if err != nil {
			mapped := classify(err)
			if errors.Is(mapped, domain.ErrAlreadyExists) {
				// A concurrent creator won the insert race.
				status = domain.CreateDuplicateUserName
				return nil
			}
			return fmt.Errorf("failed to create user: %w", err)
		}

		// Return the freshly read row, not the in-memory draft.
		u, err := s.loadUser(ctx, tx, tenantID, normalize(trimmedName), false)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("%w: created user %q not readable", domain.ErrConsistencyFault, trimmedName)
		}
		created = u.View()
		return nil
	})
	if err != nil {
		return nil, domain.CreateProviderError, err
	}
	if status != domain.CreateSuccess {
		return nil, status, nil
	}

	if s.audit != nil {
		s.audit.LogUserCreated(ctx, tenantID, trimmedName, "created")
	}
	return created, domain.CreateSuccess, nil
}

// ValidateUser checks a username/password pair. It fails closed: a missing,
// locked, or unapproved account validates false without error. A successful
// validation resets the password failure counter and touches the login and
// activity dates; a failed one counts toward lockout.
func (s *CredentialStore) ValidateUser(ctx context.Context, userName, password string) (bool, error) {
	if checkName("userName", userName, maxUserNameLength, false) != nil {
		return false, nil
	}
	if password == "" || len(password) > maxPasswordLength {
		return false, nil
	}

	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return false, err
	}

	valid := false
	err = s.run.run(ctx, "validate_user", func(ctx context.Context, tx *sql.Tx) error {
		u, err := s.loadUser(ctx, tx, tenantID, normalize(userName), true)
		if err != nil {
			return err
		}
		if u == nil {
			metrics.ObserveValidation("not_found")
			return nil
		}
		if u.IsLockedOut {
			metrics.ObserveValidation("locked_out")
			return nil
		}

		ok, err := s.codec.Verify(password, u.PasswordHash, u.PasswordFormat, u.PasswordSalt)
		if err != nil {
			return err
		}
		if !ok {
			metrics.ObserveValidation("bad_password")
			return s.recordFailure(ctx, tx, u, lockout.ReasonPassword)
		}
		if !u.IsApproved {
			metrics.ObserveValidation("not_approved")
			return nil
		}

		now := s.now().UTC()
		if err := execExpect(ctx, tx, 1, `
			UPDATE users
			SET failed_password_count = 0,
			    failed_password_window_start = 'epoch',
			    last_login_at = $2,
			    last_activity_at = $2
			WHERE id = $1
		`, u.ID, now); err != nil {
			return err
		}
		metrics.ObserveValidation("success")
		valid = true
		return nil
	})
	return valid, err
}

// ChangePassword replaces a user's password after verifying the old one. A
// wrong old password returns false without error; the failed check still
// counts toward lockout. Policy violations on the new password are errors.
func (s *CredentialStore) ChangePassword(ctx context.Context, userName, oldPassword, newPassword string) (bool, error) {
	if err := checkName("userName", userName, maxUserNameLength, false); err != nil {
		return false, err
	}
	if oldPassword == "" || len(oldPassword) > maxPasswordLength {
		return false, fmt.Errorf("%w: oldPassword length", domain.ErrInvalidArgument)
	}
	if newPassword == "" || len(newPassword) > maxPasswordLength {
		return false, fmt.Errorf("%w: newPassword length", domain.ErrInvalidArgument)
	}
	if err := s.checkPasswordPolicy(ctx, userName, newPassword, false); err != nil {
		return false, err
	}

	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return false, err
	}

	changed := false
	err = s.run.run(ctx, "change_password", func(ctx context.Context, tx *sql.Tx) error {
		u, err := s.loadUser(ctx, tx, tenantID, normalize(userName), true)
		if err != nil {
			return err
		}
		if u == nil || u.IsLockedOut {
			return nil
		}

		ok, err := s.checkPassword(ctx, tx, u, oldPassword)
		if err != nil || !ok {
			return err
		}

		encoded, err := s.codec.Encode(newPassword, u.PasswordFormat, u.PasswordSalt)
		if err != nil {
			return err
		}
		if err := codec.CheckLength(encoded); err != nil {
			return err
		}

		if err := execExpect(ctx, tx, 1, `
			UPDATE users
			SET password_hash = $2, last_password_changed_at = $3
			WHERE id = $1
		`, u.ID, encoded, s.now().UTC()); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if changed && s.audit != nil {
		s.audit.LogPasswordChanged(ctx, tenantID, strings.TrimSpace(userName), "changed")
	}
	return changed, nil
}

// ChangePasswordQuestionAndAnswer updates the recovery question and answer
// after verifying the password. A wrong password returns false without error
// and counts toward lockout.
func (s *CredentialStore) ChangePasswordQuestionAndAnswer(ctx context.Context, userName, password, newQuestion, newAnswer string) (bool, error) {
	if err := checkName("userName", userName, maxUserNameLength, false); err != nil {
		return false, err
	}
	if password == "" || len(password) > maxPasswordLength {
		return false, fmt.Errorf("%w: password length", domain.ErrInvalidArgument)
	}
	newQuestion = strings.TrimSpace(newQuestion)
	if len(newQuestion) > maxQuestionLength || len(newAnswer) > maxAnswerLength {
		return false, fmt.Errorf("%w: question or answer too long", domain.ErrInvalidArgument)
	}
	if s.policy.RequiresQuestionAndAnswer && (newQuestion == "" || strings.TrimSpace(newAnswer) == "") {
		return false, fmt.Errorf("%w: question and answer are required", domain.ErrInvalidArgument)
	}

	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return false, err
	}

	changed := false
	err = s.run.run(ctx, "change_question_answer", func(ctx context.Context, tx *sql.Tx) error {
		u, err := s.loadUser(ctx, tx, tenantID, normalize(userName), true)
		if err != nil {
			return err
		}
		if u == nil || u.IsLockedOut {
			return nil
		}

		ok, err := s.checkPassword(ctx, tx, u, password)
		if err != nil || !ok {
			return err
		}

		encodedAnswer := ""
		if strings.TrimSpace(newAnswer) != "" {
			encodedAnswer, err = s.codec.Encode(normalize(newAnswer), u.PasswordFormat, u.PasswordSalt)
			if err != nil {
				return err
			}
			if err := codec.CheckLength(encodedAnswer); err != nil {
				return err
			}
		}

		if err := execExpect(ctx, tx, 1, `
			UPDATE users
			SET password_question = $2, password_answer_hash = $3
			WHERE id = $1
		`, u.ID, newQuestion, encodedAnswer); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// GetPassword returns the stored password. It is only permitted when
// retrieval is enabled and the format is reversible; a required answer is
// verified first and a wrong one counts toward lockout.
func (s *CredentialStore) GetPassword(ctx context.Context, userName, answer string) (string, error) {
	if !s.policy.EnablePasswordRetrieval {
		return "", fmt.Errorf("%w: password retrieval is disabled", domain.ErrUnsupportedOperation)
	}
	if s.format == domain.FormatHashed {
		return "", fmt.Errorf("%w: cannot retrieve a hashed password", domain.ErrUnsupportedOperation)
	}
	if err := checkName("userName", userName, maxUserNameLength, false); err != nil {
		return "", err
	}

	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return "", err
	}

	var password string
	wrongAnswer := false
	err = s.run.run(ctx, "get_password", func(ctx context.Context, tx *sql.Tx) error {
		u, err := s.loadUser(ctx, tx, tenantID, normalize(userName), true)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("%w: user %q", domain.ErrNotFound, strings.TrimSpace(userName))
		}
		if u.IsLockedOut {
			return fmt.Errorf("%w: user %q", domain.ErrLockedOut, u.UserName)
		}
		if s.policy.RequiresQuestionAndAnswer {
			ok, err := s.checkAnswer(ctx, tx, u, answer)
			if err != nil {
				return err
			}
			if !ok {
				// Commit so the counted answer failure persists.
				wrongAnswer = true
				return nil
			}
		}
		password, err = s.codec.Decode(u.PasswordHash, u.PasswordFormat)
		return err
	})
	if err != nil {
		return "", err
	}
	if wrongAnswer {
		return "", fmt.Errorf("%w: user %q", domain.ErrWrongAnswer, strings.TrimSpace(userName))
	}
	return password, nil
}

// ResetPassword replaces the password with a freshly generated one meeting
// policy and returns it. Reset must be enabled; a required answer is
// verified first.
func (s *CredentialStore) ResetPassword(ctx context.Context, userName, answer string) (string, error) {
	if !s.policy.EnablePasswordReset {
		return "", fmt.Errorf("%w: password reset is disabled", domain.ErrUnsupportedOperation)
	}
	if err := checkName("userName", userName, maxUserNameLength, false); err != nil {
		return "", err
	}

	length := s.policy.GeneratedPasswordLength
	if length < s.policy.MinRequiredPasswordLength {
		length = s.policy.MinRequiredPasswordLength
	}
	newPassword, err := generatePassword(length, s.policy.MinRequiredNonAlphanumeric)
	if err != nil {
		return "", err
	}
	if err := s.checkPasswordPolicy(ctx, userName, newPassword, false); err != nil {
		return "", err
	}

	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return "", err
	}

	wrongAnswer := false
	err = s.run.run(ctx, "reset_password", func(ctx context.Context, tx *sql.Tx) error {
		u, err := s.loadUser(ctx, tx, tenantID, normalize(userName), true)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("%w: user %q", domain.ErrNotFound, strings.TrimSpace(userName))
		}
		if u.IsLockedOut {
			return fmt.Errorf("%w: user %q", domain.ErrLockedOut, u.UserName)
		}
		if s.policy.RequiresQuestionAndAnswer {
			ok, err := s.checkAnswer(ctx, tx, u, answer)
			if err != nil {
				return err
			}
			if !ok {
				// Commit so the counted answer failure persists.
				wrongAnswer = true
				return nil
			}
		}

		encoded, err := s.codec.Encode(newPassword, u.PasswordFormat, u.PasswordSalt)
		if err != nil {
			return err
		}
		if err := codec.CheckLength(encoded); err != nil {
			return err
		}
		return execExpect(ctx, tx, 1, `
			UPDATE users
			SET password_hash = $2, last_password_changed_at = $3
			WHERE id = $1
		`, u.ID, encoded, s.now().UTC())
	})
	if err != nil {
		return "", err
	}
	if wrongAnswer {
		return "", fmt.Errorf("%w: user %q", domain.ErrWrongAnswer, strings.TrimSpace(userName))
	}

	if s.audit != nil {
		s.audit.LogPasswordReset(ctx, tenantID, strings.TrimSpace(userName), "reset")
	}
	return newPassword, nil
}

// UnlockUser clears the lockout flag and resets both failure counters. It is
// idempotent: unlocking an already unlocked user succeeds again.
func (s *CredentialStore) UnlockUser(ctx context.Context, userName string) (bool, error) {
	if err := checkName("userName", userName, maxUserNameLength, false); err != nil {
		return false, err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return false, err
	}

	unlocked := false
	err = s.run.run(ctx, "unlock_user", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users
			SET is_locked_out = FALSE,
			    failed_password_count = 0,
			    failed_password_window_start = 'epoch',
			    failed_answer_count = 0,
			    failed_answer_window_start = 'epoch'
			WHERE tenant_id = $1 AND normalized_user_name = $2
		`, tenantID, normalize(userName))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		unlocked = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}

	if unlocked && s.audit != nil {
		s.audit.LogUnlock(ctx, tenantID, strings.TrimSpace(userName))
	}
	return unlocked, nil
}

// DeleteUser removes a user. With cascade set, role memberships go first in
// the same transaction; without it, a user still holding memberships fails.
func (s *CredentialStore) DeleteUser(ctx context.Context, userName string, cascade bool) (bool, error) {
	if err := checkName("userName", userName, maxUserNameLength, false); err != nil {
		return false, err
	}
	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return false, err
	}

	deleted := false
	err = s.run.run(ctx, "delete_user", func(ctx context.Context, tx *sql.Tx) error {
		var userID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM users WHERE tenant_id = $1 AND normalized_user_name = $2 FOR UPDATE`,
			tenantID, normalize(userName),
		).Scan(&userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		if cascade {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM users_in_roles WHERE user_id = $1`, userID); err != nil {
				return err
			}
		}
		if err := execExpect(ctx, tx, 1,
			`DELETE FROM users WHERE id = $1`, userID); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if deleted && s.audit != nil {
		s.audit.LogUserDeleted(ctx, tenantID, strings.TrimSpace(userName), "deleted")
	}
	return deleted, nil
}

// UpdateUser persists the mutable fields of a user: email, comment,
// approval, and the login/activity dates. Unique-email policy is re-checked
// against other users in the same transaction.
func (s *CredentialStore) UpdateUser(ctx context.Context, user *domain.MembershipUser) error {
	if user == nil {
		return fmt.Errorf("%w: user is nil", domain.ErrInvalidArgument)
	}
	if err := checkName("userName", user.UserName, maxUserNameLength, false); err != nil {
		return err
	}
	email := strings.TrimSpace(user.Email)
	if len(email) > maxEmailLength {
		return fmt.Errorf("%w: email exceeds %d characters", domain.ErrInvalidArgument, maxEmailLength)
	}
	if len(user.Comment) > maxCommentLength {
		return fmt.Errorf("%w: comment exceeds %d characters", domain.ErrInvalidArgument, maxCommentLength)
	}

	tenantID, err := s.tenantID(ctx)
	if err != nil {
		return err
	}

	return s.run.run(ctx, "update_user", func(ctx context.Context, tx *sql.Tx) error {
		u, err := s.loadUser(ctx, tx, tenantID, normalize(user.UserName), true)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("%w: user %q", domain.ErrNotFound, strings.TrimSpace(user.UserName))
		}

		if s.policy.RequiresUniqueEmail {
			var exists bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM users
					WHERE tenant_id = $1 AND normalized_email = $2 AND id <> $3
				)
			`, tenantID, normalize(email), u.ID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check email uniqueness: %w", err)
			}
			if exists {
				return fmt.Errorf("%w: email %q already in use", domain.ErrAlreadyExists, email)
			}
		}

		return execExpect(ctx, tx, 1, `
			UPDATE users
			SET email = $2, normalized_email = $3, comment = $4, is_approved = $5,
			    last_login_at = $6, last_activity_at = $7
			WHERE id = $1
		`, u.ID, email, normalize(email), user.Comment, user.IsApproved,
			user.LastLoginAt.UTC(), user.LastActivityAt.UTC())
	})
}

// checkPassword verifies a password inside an open transaction, resetting
// the failure counter on success and counting a failure otherwise. Login and
// activity dates are not touched; that is ValidateUser's job.
func (s *CredentialStore) checkPassword(ctx context.Context, tx *sql.Tx, u *domain.User, password string) (bool, error) {
	ok, err := s.codec.Verify(password, u.PasswordHash, u.PasswordFormat, u.PasswordSalt)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, s.recordFailure(ctx, tx, u, lockout.ReasonPassword)
	}
	if u.FailedPasswordCount > 0 {
		if err := execExpect(ctx, tx, 1, `
			UPDATE users
			SET failed_password_count = 0, failed_password_window_start = 'epoch'
			WHERE id = $1
		`, u.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// checkAnswer verifies the password answer inside an open transaction. A
// wrong answer counts toward the answer lockout window and reports false;
// the transaction must still commit so the counted failure persists, so the
// caller turns false into ErrWrongAnswer only after the commit.
func (s *CredentialStore) checkAnswer(ctx context.Context, tx *sql.Tx, u *domain.User, answer string) (bool, error) {
	if strings.TrimSpace(answer) == "" || len(answer) > maxAnswerLength {
		return false, fmt.Errorf("%w: answer is required", domain.ErrInvalidArgument)
	}
	ok, err := s.codec.Verify(normalize(answer), u.PasswordAnswerHash, u.PasswordFormat, u.PasswordSalt)
	if err != nil {
		return false, err
	}
	if !ok {
		if err := s.recordFailure(ctx, tx, u, lockout.ReasonAnswer); err != nil {
			return false, err
		}
		return false, nil
	}
	if u.FailedAnswerCount > 0 {
		if err := execExpect(ctx, tx, 1, `
			UPDATE users
			SET failed_answer_count = 0, failed_answer_window_start = 'epoch'
			WHERE id = $1
		`, u.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// recordFailure applies one failed attempt to the counter for the given
// reason and persists the transition, locking the account when the threshold
// is crossed.
func (s *CredentialStore) recordFailure(ctx context.Context, tx *sql.Tx, u *domain.User, reason lockout.Reason) error {
	counter := lockout.Counter{Count: u.FailedPasswordCount, WindowStart: u.FailedPasswordWindowStart}
	if reason == lockout.ReasonAnswer {
		counter = lockout.Counter{Count: u.FailedAnswerCount, WindowStart: u.FailedAnswerWindowStart}
	}

	tr := lockout.Fail(s.lockoutPolicy(), counter, s.now().UTC())

	countColumn, windowColumn := "failed_password_count", "failed_password_window_start"
	if reason == lockout.ReasonAnswer {
		countColumn, windowColumn = "failed_answer_count", "failed_answer_window_start"
	}

	if tr.Locked {
		if err := execExpect(ctx, tx, 1, fmt.Sprintf(`
			UPDATE users
			SET %s = $2, %s = $3, is_locked_out = TRUE, last_lockout_at = $4
			WHERE id = $1
		`, countColumn, windowColumn),
			u.ID, tr.Counter.Count, tr.Counter.WindowStart, tr.LockoutAt); err != nil {
			return err
		}
		metrics.ObserveLockout(reason.String())
		if s.audit != nil {
			s.audit.LogLockout(ctx, u.TenantID, u.UserName, reason.String())
		}
		s.logger.Warn("account locked out",
			slog.String("user", u.UserName),
			slog.String("reason", reason.String()),
			slog.Int("failures", tr.Counter.Count),
		)
		return nil
	}

	return execExpect(ctx, tx, 1, fmt.Sprintf(`
		UPDATE users
		SET %s = $2, %s = $3
		WHERE id = $1
	`, countColumn, windowColumn),
		u.ID, tr.Counter.Count, tr.Counter.WindowStart)
}

// checkPasswordPolicy applies the strength policy and the validation hook to
// a candidate plaintext.
func (s *CredentialStore) checkPasswordPolicy(ctx context.Context, userName, password string, isNewUser bool) error {
	if len(password) < s.policy.MinRequiredPasswordLength {
		return fmt.Errorf("%w: password shorter than %d characters",
			domain.ErrPolicyViolation, s.policy.MinRequiredPasswordLength)
	}
	if countNonAlphanumeric(password) < s.policy.MinRequiredNonAlphanumeric {
		return fmt.Errorf("%w: password needs at least %d non-alphanumeric characters",
			domain.ErrPolicyViolation, s.policy.MinRequiredNonAlphanumeric)
	}
	if s.strength != nil && !s.strength.MatchString(password) {
		return fmt.Errorf("%w: password fails the strength expression", domain.ErrPolicyViolation)
	}
	if s.policy.ValidatePassword != nil {
		if err := s.policy.ValidatePassword(ctx, strings.TrimSpace(userName), password, isNewUser); err != nil {
			return fmt.Errorf("%w: %w: %v", domain.ErrPolicyViolation, errHookVeto, err)
		}
	}
	return nil
}

// errHookVeto distinguishes a validation-hook rejection from a built-in
// strength failure, so CreateUser can report the right status.
var errHookVeto = errors.New("rejected by validation hook")

// loadUser reads one user row by normalized name. forUpdate locks the row
// for the read-modify-write paths. A missing user is nil, nil.
func (s *CredentialStore) loadUser(ctx context.Context, tx *sql.Tx, tenantID, normalizedUserName string, forUpdate bool) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE tenant_id = $1 AND normalized_user_name = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}
	return scanUser(tx.QueryRowContext(ctx, query, tenantID, normalizedUserName))
}

// loadUserByID is loadUser keyed by the opaque identifier.
func (s *CredentialStore) loadUserByID(ctx context.Context, tx *sql.Tx, tenantID, userID string, forUpdate bool) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}
	return scanUser(tx.QueryRowContext(ctx, query, tenantID, userID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	u := &domain.User{}
	var format int
	err := row.Scan(
		&u.ID, &u.TenantID, &u.UserName, &u.NormalizedUserName, &u.Email, &u.NormalizedEmail,
		&u.PasswordHash, &format, &u.PasswordSalt, &u.PasswordQuestion, &u.PasswordAnswerHash,
		&u.Comment, &u.IsApproved, &u.IsLockedOut, &u.CreatedAt, &u.LastLoginAt, &u.LastActivityAt,
		&u.LastPasswordChange, &u.LastLockoutAt, &u.FailedPasswordCount,
		&u.FailedPasswordWindowStart, &u.FailedAnswerCount, &u.FailedAnswerWindowStart,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.PasswordFormat = domain.PasswordFormat(format)
	return u, nil
}
