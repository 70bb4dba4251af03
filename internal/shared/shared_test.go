package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPagination(t *testing.T) {
	p := NewPagination(0, 0, 45)
	require.Equal(t, 1, p.Page)
	require.Equal(t, 20, p.PerPage)
	require.Equal(t, 3, p.TotalPages)
	require.Equal(t, 0, p.Offset())

	p = NewPagination(3, 500, 1000)
	require.Equal(t, MaxPerPage, p.PerPage)
	require.Equal(t, 200, p.Offset())
}

func TestERPSessionKey(t *testing.T) {
	require.Equal(t, "erp:session:sbodemo", ERPSessionKey(" SBODemo "))
}

func TestApprovalRecorderRejectsIncompleteEntries(t *testing.T) {
	recorder := &ApprovalRecorder{}
	ctx := context.Background()

	require.Error(t, recorder.Record(ctx, ApprovalLog{RefID: "ST-1", ActorID: 1, Action: ApprovalApprove}))
	require.Error(t, recorder.Record(ctx, ApprovalLog{Module: "transfers", RefID: "ST-1", Action: ApprovalApprove}))
	require.Error(t, recorder.Record(ctx, ApprovalLog{Module: "transfers", ActorID: 1, Action: ApprovalApprove}))
	require.Error(t, recorder.Record(ctx, ApprovalLog{Module: "transfers", RefID: "ST-1", ActorID: 1}))

	var nilRecorder *ApprovalRecorder
	require.Error(t, nilRecorder.Record(ctx, ApprovalLog{}))
}

func TestAuditLoggerRequiresIdentity(t *testing.T) {
	logger := &AuditLogger{}
	err := logger.Record(context.Background(), AuditLog{Action: "transfer.approve"})
	require.Error(t, err)
}

func TestIdempotencyStoreArguments(t *testing.T) {
	store := &IdempotencyStore{}
	ctx := context.Background()
	require.Error(t, store.CheckAndInsert(ctx, "", "transfers"))
	require.Error(t, store.CheckAndInsert(ctx, "k", ""))

	var nilStore *IdempotencyStore
	n, err := nilStore.Cleanup(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n)
}
