package anchored_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dwaynemcyrus/anchored"
)

func TestSentinelErrors_ErrorsIs(t *testing.T) {
	tests := []struct {
		name     string
		sentinel error
	}{
		{"ErrNotFound", anchored.ErrNotFound},
		{"ErrAlreadyExists", anchored.ErrAlreadyExists},
		{"ErrVersionConflict", anchored.ErrVersionConflict},
		{"ErrStoreClosed", anchored.ErrStoreClosed},
		{"ErrOffline", anchored.ErrOffline},
		{"ErrEngineStopped", anchored.ErrEngineStopped},
		{"ErrNotTrashed", anchored.ErrNotTrashed},
		{"ErrEntryNotFound", anchored.ErrEntryNotFound},
		{"ErrNoRemote", anchored.ErrNoRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("operation failed: %w", tt.sentinel)
			assert.ErrorIs(t, wrapped, tt.sentinel)
		})
	}
}

func TestValidationError_Format(t *testing.T) {
	err := fmt.Errorf("open: %w", &anchored.ValidationError{Field: "LocalPath", Message: "cannot be blank"})

	var ve *anchored.ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, "LocalPath", ve.Field)
	assert.Equal(t, "validation: LocalPath: cannot be blank", ve.Error())
}

func TestSyncError_FormatAndUnwrap(t *testing.T) {
	tests := []struct {
		name string
		err  *anchored.SyncError
		want string
	}{
		{
			name: "with status",
			err:  &anchored.SyncError{Operation: "update documents", StatusCode: 503, Err: errors.New("unavailable")},
			want: "sync: update documents failed (status 503): unavailable",
		},
		{
			name: "transport failure",
			err:  &anchored.SyncError{Operation: "ping", Err: context.DeadlineExceeded},
			want: "sync: ping failed: context deadline exceeded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())

			var se *anchored.SyncError
			assert.True(t, errors.As(fmt.Errorf("push: %w", tt.err), &se))
			assert.Equal(t, tt.err.StatusCode, se.StatusCode)
		})
	}

	wrapped := &anchored.SyncError{Operation: "fetch", Err: anchored.ErrNotFound}
	assert.ErrorIs(t, wrapped, anchored.ErrNotFound)
}
