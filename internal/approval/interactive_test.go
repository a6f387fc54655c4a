package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInteractiveApprover(t *testing.T) {
	approver := NewInteractiveApprover(60*time.Second, false, true)
	assert.NotNil(t, approver)
	assert.Equal(t, 60*time.Second, approver.timeout)
	assert.False(t, approver.autoApprove)
	assert.True(t, approver.colorEnabled)
}

func TestNoOpApproverAlwaysApproves(t *testing.T) {
	a := NewNoOpApprover()
	resp, err := a.RequestApproval(context.Background(), &OverrideRequest{Operation: "retry", IssueRef: "acme/demo#7"})
	require.NoError(t, err)
	assert.True(t, resp.Approved)
}

func TestInteractiveApproverAutoApprove(t *testing.T) {
	a := NewInteractiveApprover(time.Second, true, false)
	resp, err := a.RequestApproval(context.Background(), &OverrideRequest{
		Operation:  "escalate",
		IssueRef:   "acme/demo#42",
		FromStatus: "blocked",
		ToStatus:   "escalated",
	})
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.Equal(t, "approve", resp.Action)
}

func TestInteractiveApproverTimesOutToReject(t *testing.T) {
	a := NewInteractiveApprover(10*time.Millisecond, false, false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := a.promptWithTimeout(ctx)
	require.NoError(t, err)
	assert.False(t, resp.Approved)
}
