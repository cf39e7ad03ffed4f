package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

func TestParticipantPermissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, "alice"))
	exec := h.start(t, "invoice", nil)
	req := h.requests(t, exec.ID)["alice"]

	perms := NewParticipantPermissions(h.store, []string{"root"})

	for _, tt := range []struct {
		user string
		want bool
	}{
		{"requester", true},
		{"alice", true},
		{"root", true},
		{"mallory", false},
		{"", false},
	} {
		ok, err := perms.CanActOnExecution(ctx, tt.user, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, tt.user)
	}

	ok, err := perms.CanDecide(ctx, "alice", req)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = perms.CanDecide(ctx, "requester", req)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = perms.CanDecide(ctx, "root", req)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = perms.CanActOnExecution(ctx, "requester", "missing")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "got %v", err)
}
