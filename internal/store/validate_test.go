package store

import (
	"errors"
	"strings"
	"testing"

	"github.com/yourorg/memberstore/internal/domain"
)

func TestCheckName(t *testing.T) {
	if err := checkName("userName", "alice", maxUserNameLength, true); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	if err := checkName("userName", "   ", maxUserNameLength, false); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("whitespace-only name must be invalid, got %v", err)
	}
	if err := checkName("userName", strings.Repeat("a", maxUserNameLength+1), maxUserNameLength, false); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("overlong name must be invalid, got %v", err)
	}
	if err := checkName("userName", "a,b", maxUserNameLength, true); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("comma must be invalid when forbidden, got %v", err)
	}
	if err := checkName("matchName", "a,b", maxUserNameLength, false); err != nil {
		t.Fatalf("comma must be allowed when permitted: %v", err)
	}
}

func TestCheckPageOverflow(t *testing.T) {
	if err := checkPage(0, 1); err != nil {
		t.Fatalf("minimal page rejected: %v", err)
	}
	if err := checkPage(-1, 10); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("negative index must be invalid, got %v", err)
	}
	if err := checkPage(0, 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("zero size must be invalid, got %v", err)
	}
	// pageIndex*pageSize + pageSize - 1 past the 32-bit range.
	if err := checkPage(1<<21, 1<<11); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("overflowing window must be invalid, got %v", err)
	}
}

func TestGeneratePassword(t *testing.T) {
	p, err := generatePassword(14, 3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(p) != 14 {
		t.Fatalf("length = %d, want 14", len(p))
	}
	if n := countNonAlphanumeric(p); n < 3 {
		t.Fatalf("non-alphanumeric count = %d, want at least 3", n)
	}

	// Repeated generations must not collide.
	q, err := generatePassword(14, 3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if p == q {
		t.Fatalf("two generated passwords are identical")
	}
}

func TestGeneratePasswordClampsNonAlnum(t *testing.T) {
	p, err := generatePassword(4, 10)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(p) != 4 {
		t.Fatalf("length = %d, want 4", len(p))
	}
	if countNonAlphanumeric(p) != 4 {
		t.Fatalf("expected the requirement clamped to the length, got %q", p)
	}
}

func TestContainsPattern(t *testing.T) {
	got := containsPattern("50%_OFF")
	want := `%50\%\_off%`
	if got != want {
		t.Fatalf("pattern = %q, want %q", got, want)
	}
}
