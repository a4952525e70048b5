package repository

import (
	"errors"
	"fmt"
	"testing"

	"gorm.io/gorm"

	"github.com/halcyon-dev/courier/internal/domain"
)

func TestTranslateCreateErrorDuplicateKey(t *testing.T) {
	t.Parallel()

	got := translateCreateError(gorm.ErrDuplicatedKey)
	if !errors.Is(got, domain.ErrConflict) {
		t.Fatalf("translateCreateError(ErrDuplicatedKey) = %v, want ErrConflict", got)
	}

	wrapped := fmt.Errorf("insert failed: %w", gorm.ErrDuplicatedKey)
	if got := translateCreateError(wrapped); !errors.Is(got, domain.ErrConflict) {
		t.Fatalf("translateCreateError(wrapped) = %v, want ErrConflict", got)
	}
}

func TestTranslateCreateErrorPassthrough(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	if got := translateCreateError(cause); got != cause {
		t.Fatalf("translateCreateError = %v, want original error", got)
	}
	if got := translateCreateError(cause); errors.Is(got, domain.ErrConflict) {
		t.Fatal("non-duplicate errors must not become ErrConflict")
	}
}
