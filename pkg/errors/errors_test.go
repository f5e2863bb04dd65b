package errors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/http"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestCloneMatchesTemplate(t *testing.T) {
	err := Clone(ErrCapacityExceeded, "library is full")

	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.NotErrorIs(t, err, ErrDuplicateEntry)
	assert.Equal(t, "library is full", err.Message)
	assert.Equal(t, http.StatusForbidden, err.Status)
}

func TestFromErrorWrapsUnknown(t *testing.T) {
	appErr := FromError(fmt.Errorf("boom"))
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Nil(t, FromError(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("query: %w", driver.ErrBadConn)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(&pq.Error{Code: "08006"}))
	assert.True(t, IsTransient(&pq.Error{Code: "40001"}))
	assert.False(t, IsTransient(&pq.Error{Code: "23505"}))
	assert.False(t, IsTransient(sql.ErrNoRows))
	assert.False(t, IsTransient(nil))
}

func TestTransientClassification(t *testing.T) {
	assert.Equal(t, ErrStoreUnavailable.Code, Transient(driver.ErrBadConn, "lookup failed").Code)

	internal := Transient(fmt.Errorf("syntax"), "lookup failed")
	assert.Equal(t, ErrInternal.Code, internal.Code)
	assert.Equal(t, "lookup failed", internal.Message)
}
