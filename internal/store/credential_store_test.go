package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/yourorg/memberstore/internal/codec"
	"github.com/yourorg/memberstore/internal/domain"
	"github.com/yourorg/memberstore/internal/scope"
	"github.com/yourorg/memberstore/pkg/config"
)

var fixedNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

var testSalt = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, codec.SaltBytes))

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticTenantRepo resolves every tenant to the same identifier so store
// tests exercise only the user and role SQL.
type staticTenantRepo struct{}

func (staticTenantRepo) GetByNormalizedName(_ context.Context, normalized string) (*domain.Tenant, error) {
	return &domain.Tenant{ID: "tenant-1", Name: normalized, NormalizedName: normalized}, nil
}

func (staticTenantRepo) Create(context.Context, *domain.Tenant) error { return nil }

func testPolicy() config.Policy {
	return config.Policy{
		PasswordFormat:             "hashed",
		MinRequiredPasswordLength:  7,
		MinRequiredNonAlphanumeric: 1,
		MaxInvalidPasswordAttempts: 5,
		PasswordAttemptWindow:      10 * time.Minute,
		EnablePasswordReset:        true,
		RequiresUniqueEmail:        true,
		GeneratedPasswordLength:    14,
		UserIsOnlineWindow:         15 * time.Minute,
		CommandTimeout:             5 * time.Second,
	}
}

func newTestCredentialStore(t *testing.T, mutate func(*config.Policy)) (*CredentialStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{ApplicationName: "TestApp", Policy: testPolicy()}
	if mutate != nil {
		mutate(&cfg.Policy)
	}
	cdc, err := codec.New(codec.SHA3Hasher{}, nil)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	resolver := scope.NewResolver(staticTenantRepo{}, nil, time.Hour, testLogger())
	s, err := NewCredentialStore(db, cfg, cdc, resolver, nil, testLogger())
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

var userTestColumns = []string{
	"id", "tenant_id", "user_name", "normalized_user_name", "email", "normalized_email",
	"password_hash", "password_format", "password_salt", "password_question", "password_answer_hash",
	"comment", "is_approved", "is_locked_out", "created_at", "last_login_at", "last_activity_at",
	"last_password_changed_at", "last_lockout_at", "failed_password_count",
	"failed_password_window_start", "failed_answer_count", "failed_answer_window_start",
}

// testUser builds a baseline hashed-format account holding the given password.
func testUser(t *testing.T, s *CredentialStore, password string) *domain.User {
	t.Helper()
	stored, err := s.codec.Encode(password, domain.FormatHashed, testSalt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	epoch := time.Unix(0, 0).UTC()
	return &domain.User{
		ID: "user-1", TenantID: "tenant-1",
		UserName: "alice", NormalizedUserName: "alice",
		Email: "alice@example.com", NormalizedEmail: "alice@example.com",
		PasswordHash: stored, PasswordFormat: domain.FormatHashed, PasswordSalt: testSalt,
		IsApproved: true,
		CreatedAt:  fixedNow.Add(-time.Hour), LastLoginAt: epoch, LastActivityAt: epoch,
		LastPasswordChange: epoch, LastLockoutAt: epoch,
		FailedPasswordWindowStart: epoch, FailedAnswerWindowStart: epoch,
	}
}

func userRows(u *domain.User) *sqlmock.Rows {
	return sqlmock.NewRows(userTestColumns).AddRow(
		u.ID, u.TenantID, u.UserName, u.NormalizedUserName, u.Email, u.NormalizedEmail,
		u.PasswordHash, int(u.PasswordFormat), u.PasswordSalt, u.PasswordQuestion, u.PasswordAnswerHash,
		u.Comment, u.IsApproved, u.IsLockedOut, u.CreatedAt, u.LastLoginAt, u.LastActivityAt,
		u.LastPasswordChange, u.LastLockoutAt, u.FailedPasswordCount,
		u.FailedPasswordWindowStart, u.FailedAnswerCount, u.FailedAnswerWindowStart,
	)
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestValidateUserSuccess(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectExec(`UPDATE users`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	valid, err := s.ValidateUser(context.Background(), "Alice", "Str0ng!pass")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !valid {
		t.Fatalf("expected the correct password to validate")
	}
	expectMet(t, mock)
}

func TestValidateUserWrongPasswordCountsFailure(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectExec(`SET failed_password_count`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	valid, err := s.ValidateUser(context.Background(), "alice", "wrong!pass")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if valid {
		t.Fatalf("wrong password must not validate")
	}
	expectMet(t, mock)
}

func TestValidateUserLocksAtThreshold(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")
	u.FailedPasswordCount = 4
	u.FailedPasswordWindowStart = fixedNow.Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectExec(`is_locked_out = TRUE`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	valid, err := s.ValidateUser(context.Background(), "alice", "wrong!pass")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if valid {
		t.Fatalf("wrong password must not validate")
	}
	expectMet(t, mock)
}

func TestValidateUserUnknownFailsClosed(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(sqlmock.NewRows(userTestColumns))
	mock.ExpectCommit()

	valid, err := s.ValidateUser(context.Background(), "ghost", "Str0ng!pass")
	if err != nil {
		t.Fatalf("unknown user must not be an error: %v", err)
	}
	if valid {
		t.Fatalf("unknown user must not validate")
	}
	expectMet(t, mock)
}

func TestValidateUserUnapprovedCorrectPassword(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")
	u.IsApproved = false

	// The correct password on an unapproved account validates false without
	// touching the failure counter: no UPDATE is expected.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectCommit()

	valid, err := s.ValidateUser(context.Background(), "alice", "Str0ng!pass")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if valid {
		t.Fatalf("unapproved user must not validate")
	}
	expectMet(t, mock)
}

func TestValidateUserLockedOutFailsClosed(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")
	u.IsLockedOut = true

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectCommit()

	valid, err := s.ValidateUser(context.Background(), "alice", "Str0ng!pass")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if valid {
		t.Fatalf("locked-out user must not validate even with the correct password")
	}
	expectMet(t, mock)
}

func TestChangePasswordWrongOldReturnsFalse(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectExec(`SET failed_password_count`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	changed, err := s.ChangePassword(context.Background(), "alice", "wrong!pass", "N3w!password")
	if err != nil {
		t.Fatalf("wrong old password must not be an error: %v", err)
	}
	if changed {
		t.Fatalf("password must not change on a failed verification")
	}
	expectMet(t, mock)
}

func TestChangePasswordSuccess(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectExec(`SET password_hash`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	changed, err := s.ChangePassword(context.Background(), "alice", "Str0ng!pass", "N3w!password")
	if err != nil {
		t.Fatalf("change password: %v", err)
	}
	if !changed {
		t.Fatalf("expected the password to change")
	}
	expectMet(t, mock)
}

func TestChangePasswordRejectsWeakNewPassword(t *testing.T) {
	s, _ := newTestCredentialStore(t, nil)

	_, err := s.ChangePassword(context.Background(), "alice", "Str0ng!pass", "short")
	if !errors.Is(err, domain.ErrInvalidArgument) && !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("expected a policy rejection, got %v", err)
	}
}

func TestCreateUserInvalidArgumentsShortCircuit(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)

	cases := []struct {
		name        string
		userName    string
		password    string
		requestedID string
		want        domain.CreateStatus
	}{
		{"empty user name", "", "Str0ng!pass", "", domain.CreateInvalidUserName},
		{"comma in user name", "a,b", "Str0ng!pass", "", domain.CreateInvalidUserName},
		{"empty password", "alice", "", "", domain.CreateInvalidPassword},
		{"weak password", "alice", "short", "", domain.CreateInvalidPassword},
		{"bad user key", "alice", "Str0ng!pass", "not-a-uuid", domain.CreateInvalidUserKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user, status, err := s.CreateUser(context.Background(),
				tc.userName, tc.password, "a@example.com", "", "", true, tc.requestedID)
			if err != nil {
				t.Fatalf("validation failure must not be an error: %v", err)
			}
			if status != tc.want {
				t.Fatalf("status = %v, want %v", status, tc.want)
			}
			if user != nil {
				t.Fatalf("no user may be returned on %v", status)
			}
		})
	}
	expectMet(t, mock)
}

func TestCreateUserDuplicateName(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	user, status, err := s.CreateUser(context.Background(),
		"alice", "Str0ng!pass", "a@example.com", "", "", true, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status != domain.CreateDuplicateUserName {
		t.Fatalf("status = %v, want duplicate user name", status)
	}
	if user != nil {
		t.Fatalf("no user may be returned on a duplicate")
	}
	expectMet(t, mock)
}

func TestCreateUserSuccess(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")

	mock.ExpectBegin()
	mock.ExpectQuery(`normalized_user_name`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`normalized_email`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectCommit()

	user, status, err := s.CreateUser(context.Background(),
		"alice", "Str0ng!pass", "alice@example.com", "", "", true, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status != domain.CreateSuccess {
		t.Fatalf("status = %v, want success", status)
	}
	if user == nil || user.UserName != "alice" {
		t.Fatalf("expected the created user back, got %+v", user)
	}
	expectMet(t, mock)
}

func TestGetPasswordDisabledByPolicy(t *testing.T) {
	s, _ := newTestCredentialStore(t, nil)

	_, err := s.GetPassword(context.Background(), "alice", "")
	if !errors.Is(err, domain.ErrUnsupportedOperation) {
		t.Fatalf("expected unsupported operation, got %v", err)
	}
}

func TestResetPasswordGeneratesCompliantPassword(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectExec(`SET password_hash`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	password, err := s.ResetPassword(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(password) < 14 {
		t.Fatalf("generated password too short: %d chars", len(password))
	}
	if countNonAlphanumeric(password) < 1 {
		t.Fatalf("generated password lacks non-alphanumeric characters: %q", password)
	}
	expectMet(t, mock)
}

func TestResetPasswordLockedOut(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")
	u.IsLockedOut = true

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectRollback()

	_, err := s.ResetPassword(context.Background(), "alice", "")
	if !errors.Is(err, domain.ErrLockedOut) {
		t.Fatalf("expected locked out, got %v", err)
	}
	expectMet(t, mock)
}

func TestResetPasswordWrongAnswerCommitsCountedFailure(t *testing.T) {
	s, mock := newTestCredentialStore(t, func(p *config.Policy) {
		p.RequiresQuestionAndAnswer = true
	})
	u := testUser(t, s, "Str0ng!pass")
	u.PasswordQuestion = "favorite color"
	answerHash, err := s.codec.Encode("blue", domain.FormatHashed, testSalt)
	if err != nil {
		t.Fatalf("encode answer: %v", err)
	}
	u.PasswordAnswerHash = answerHash

	// The transaction must commit, not roll back: the counted answer failure
	// has to survive the rejection or answer lockout could never trigger.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectExec(`SET failed_answer_count`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err = s.ResetPassword(context.Background(), "alice", "green")
	if !errors.Is(err, domain.ErrWrongAnswer) {
		t.Fatalf("expected wrong answer, got %v", err)
	}
	expectMet(t, mock)
}

func TestGetPasswordWrongAnswerCommitsCountedFailure(t *testing.T) {
	s, mock := newTestCredentialStore(t, func(p *config.Policy) {
		p.PasswordFormat = "clear"
		p.EnablePasswordRetrieval = true
		p.RequiresQuestionAndAnswer = true
	})
	u := testUser(t, s, "Str0ng!pass")
	u.PasswordFormat = domain.FormatClear
	u.PasswordHash = "Str0ng!pass"
	u.PasswordQuestion = "favorite color"
	u.PasswordAnswerHash = "blue"
	u.FailedAnswerCount = 4
	u.FailedAnswerWindowStart = fixedNow.Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectExec(`is_locked_out = TRUE`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.GetPassword(context.Background(), "alice", "green")
	if !errors.Is(err, domain.ErrWrongAnswer) {
		t.Fatalf("expected wrong answer, got %v", err)
	}
	expectMet(t, mock)
}

func TestGetPasswordCorrectAnswerReturnsPlaintext(t *testing.T) {
	s, mock := newTestCredentialStore(t, func(p *config.Policy) {
		p.PasswordFormat = "clear"
		p.EnablePasswordRetrieval = true
		p.RequiresQuestionAndAnswer = true
	})
	u := testUser(t, s, "Str0ng!pass")
	u.PasswordFormat = domain.FormatClear
	u.PasswordHash = "Str0ng!pass"
	u.PasswordQuestion = "favorite color"
	u.PasswordAnswerHash = "blue"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectCommit()

	password, err := s.GetPassword(context.Background(), "alice", "Blue")
	if err != nil {
		t.Fatalf("get password: %v", err)
	}
	if password != "Str0ng!pass" {
		t.Fatalf("password = %q, want the stored plaintext", password)
	}
	expectMet(t, mock)
}

func TestUnlockUserMissingReturnsFalse(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`is_locked_out = FALSE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	unlocked, err := s.UnlockUser(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlocked {
		t.Fatalf("unlocking a missing user must report false")
	}
	expectMet(t, mock)
}

func TestUnlockUserIsIdempotent(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)

	// Unlocking twice in a row succeeds both times: the update matches the
	// row whether or not it is currently locked.
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`is_locked_out = FALSE`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	for i := 0; i < 2; i++ {
		unlocked, err := s.UnlockUser(context.Background(), "alice")
		if err != nil {
			t.Fatalf("unlock call %d: %v", i+1, err)
		}
		if !unlocked {
			t.Fatalf("unlock call %d reported false", i+1)
		}
	}
	expectMet(t, mock)
}

func TestDeleteUserCascadeRemovesMemberships(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
	mock.ExpectExec(`DELETE FROM users_in_roles`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM users`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deleted, err := s.DeleteUser(context.Background(), "alice", true)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatalf("expected the user to be deleted")
	}
	expectMet(t, mock)
}

func TestGetNumberOfUsersOnline(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectCommit()

	n, err := s.GetNumberOfUsersOnline(context.Background())
	if err != nil {
		t.Fatalf("users online: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
	expectMet(t, mock)
}

var viewTestColumns = []string{
	"id", "user_name", "email", "password_question", "comment",
	"is_approved", "is_locked_out", "created_at", "last_login_at", "last_activity_at",
	"last_password_changed_at", "last_lockout_at",
}

func viewRow(rows *sqlmock.Rows, id, name string) *sqlmock.Rows {
	epoch := time.Unix(0, 0).UTC()
	return rows.AddRow(id, name, name+"@example.com", "", "", true, false,
		epoch, epoch, epoch, epoch, epoch)
}

func TestGetAllUsersPages(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	rows := sqlmock.NewRows(viewTestColumns)
	viewRow(rows, "user-1", "alice")
	viewRow(rows, "user-2", "bob")
	mock.ExpectQuery(`ORDER BY user_name`).WillReturnRows(rows)
	mock.ExpectCommit()

	users, total, err := s.GetAllUsers(context.Background(), 0, 2)
	if err != nil {
		t.Fatalf("get all users: %v", err)
	}
	if total != 12 {
		t.Fatalf("total = %d, want 12", total)
	}
	if len(users) != 2 || users[0].UserName != "alice" || users[1].UserName != "bob" {
		t.Fatalf("unexpected page contents: %+v", users)
	}
	expectMet(t, mock)
}

func TestFindUsersByNameRejectsBadPaging(t *testing.T) {
	s, _ := newTestCredentialStore(t, nil)

	if _, _, err := s.FindUsersByName(context.Background(), "ali", -1, 10); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for a negative page index, got %v", err)
	}
	if _, _, err := s.FindUsersByName(context.Background(), "ali", 0, 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for a zero page size, got %v", err)
	}
}

func TestGetUserByNameTouchesActivity(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)
	u := testUser(t, s, "Str0ng!pass")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(userRows(u))
	mock.ExpectExec(`SET last_activity_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	view, err := s.GetUserByName(context.Background(), "alice", true)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if view == nil || !view.LastActivityAt.Equal(fixedNow) {
		t.Fatalf("expected the activity date stamped to now, got %+v", view)
	}
	expectMet(t, mock)
}

func TestGetUserByNameMissingIsNil(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, tenant_id`).WillReturnRows(sqlmock.NewRows(userTestColumns))
	mock.ExpectCommit()

	view, err := s.GetUserByName(context.Background(), "ghost", false)
	if err != nil {
		t.Fatalf("missing user must not be an error: %v", err)
	}
	if view != nil {
		t.Fatalf("expected nil for a missing user, got %+v", view)
	}
	expectMet(t, mock)
}

func TestGetUserNameByEmailDuplicateUnderUniquePolicy(t *testing.T) {
	s, mock := newTestCredentialStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_name`).
		WillReturnRows(sqlmock.NewRows([]string{"user_name"}).AddRow("alice").AddRow("bob"))
	mock.ExpectRollback()

	_, err := s.GetUserNameByEmail(context.Background(), "shared@example.com")
	if !errors.Is(err, domain.ErrConsistencyFault) {
		t.Fatalf("expected a consistency fault, got %v", err)
	}
	expectMet(t, mock)
}
