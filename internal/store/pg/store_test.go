package pg

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewRowIDIsTimeOrdered(t *testing.T) {
	id, err := uuid.Parse(newRowID())
	if err != nil {
		t.Fatalf("parse row id: %v", err)
	}
	if id.Version() != 7 {
		t.Errorf("row id version = %d, want 7", id.Version())
	}
}
