package service

import (
	"context"

	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// PermissionChecker decides whether a user may act on an execution.
type PermissionChecker interface {
	CanActOnExecution(ctx context.Context, userID, executionID string) (bool, error)
	// CanDecide reports whether userID may answer req.
	CanDecide(ctx context.Context, userID string, req *repository.ApprovalRequest) (bool, error)
}

// ParticipantPermissions lets the user who started an execution, any user
// who holds an approval request in it, and configured admins act on it.
type ParticipantPermissions struct {
	store  repository.Store
	admins map[string]struct{}
}

func NewParticipantPermissions(store repository.Store, admins []string) *ParticipantPermissions {
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		set[a] = struct{}{}
	}
	return &ParticipantPermissions{store: store, admins: set}
}

func (p *ParticipantPermissions) CanActOnExecution(ctx context.Context, userID, executionID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if p.isAdmin(userID) {
		return true, nil
	}
	exec, err := p.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.StartedBy == userID {
		return true, nil
	}
	requests, err := p.store.ListApprovalsByExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	for _, r := range requests {
		if r.ApproverID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (p *ParticipantPermissions) CanDecide(_ context.Context, userID string, req *repository.ApprovalRequest) (bool, error) {
	if userID == "" {
		return false, nil
	}
	return req.ApproverID == userID || p.isAdmin(userID), nil
}

func (p *ParticipantPermissions) isAdmin(userID string) bool {
	_, ok := p.admins[userID]
	return ok
}
