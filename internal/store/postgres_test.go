package store

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

// The row lock and the MAX(seq) read must stay separate statements: Postgres
// rejects FOR UPDATE combined with GROUP BY or aggregate functions (0A000).
func TestTransitionLockQueriesAreSeparable(t *testing.T) {
	assert.Contains(t, lockInvoiceQuery, "FOR UPDATE")
	assert.NotContains(t, lockInvoiceQuery, "GROUP BY")
	assert.NotContains(t, lockInvoiceQuery, "MAX(")

	assert.Contains(t, maxHistorySeqQuery, "MAX(seq)")
	assert.NotContains(t, maxHistorySeqQuery, "FOR UPDATE")
}

func TestIsForeignKeyViolation(t *testing.T) {
	fkErr := &pgconn.PgError{Code: "23503", Message: "insert or update violates foreign key constraint"}

	assert.True(t, isForeignKeyViolation(fkErr))
	assert.True(t, isForeignKeyViolation(fmt.Errorf("record audit result: %w", fkErr)))

	assert.False(t, isForeignKeyViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isForeignKeyViolation(fmt.Errorf("plain error")))
	assert.False(t, isForeignKeyViolation(nil))
}

// Field updates are merged with COALESCE so a nil update leaves the stored
// value untouched.
func TestTransitionUpdateCoalescesNilFields(t *testing.T) {
	for _, col := range []string{"account_title", "purchasing_category", "corrected_by_scrutinizer"} {
		assert.True(t, strings.Contains(transitionUpdateQuery, "COALESCE"), col)
		assert.Contains(t, transitionUpdateQuery, col)
	}
}
