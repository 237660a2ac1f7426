package runs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/invoiceflow/pkg/schema"
)

func TestDefineWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf, result, err := f.svc.DefineWorkflow(ctx, scenarioWorkflow(), acme)
	require.NoError(t, err)
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, "c-1", wf.CompanyID)
	assert.Equal(t, "u-admin", wf.CreatedBy)
	assert.Equal(t, fixedNow, wf.CreatedAt)
	assert.True(t, result.Valid())

	got, err := f.svc.GetWorkflow(ctx, wf.ID, acme)
	require.NoError(t, err)
	assert.Equal(t, "Invoice approvals", got.Name)
	assert.Len(t, got.Nodes, 4)
}

func TestDefineWorkflow_OwnedByCompanyName(t *testing.T) {
	f := newFixture(t)
	globex := Caller{CompanyName: "Globex", UserID: "u-9"}
	wf, _, err := f.svc.DefineWorkflow(context.Background(), scenarioWorkflow(), globex)
	require.NoError(t, err)
	assert.Equal(t, "Globex", wf.CompanyID)

	list, err := f.svc.ListWorkflows(context.Background(), globex, false)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDefineWorkflow_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.DefineWorkflow(ctx, nil, acme)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	noName := scenarioWorkflow()
	noName.Name = " "
	_, _, err = f.svc.DefineWorkflow(ctx, noName, acme)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	dup := scenarioWorkflow()
	dup.Nodes = append(dup.Nodes, schema.Node{ID: "check", Type: "generic"})
	_, result, err := f.svc.DefineWorkflow(ctx, dup, acme)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	require.NotNil(t, result)
	assert.False(t, result.Valid())

	foreign := scenarioWorkflow()
	foreign.CompanyID = "c-2"
	_, _, err = f.svc.DefineWorkflow(ctx, foreign, acme)
	assert.Equal(t, schema.ErrCodeForbidden, schema.ErrorCode(err))

	list, err := f.svc.ListWorkflows(ctx, acme, false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDefineWorkflow_ReturnsWarnings(t *testing.T) {
	f := newFixture(t)
	wf := scenarioWorkflow()
	wf.Nodes[1].Config["trueNext"] = "nowhere"

	_, result, err := f.svc.DefineWorkflow(context.Background(), wf, acme)
	require.NoError(t, err, "dangling routes are warnings")
	assert.True(t, result.HasCode(schema.ErrCodeDanglingReference))
}

func TestUpdateWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.define(t, acme)

	name := "Renamed"
	inactive := false
	updated, _, err := f.svc.UpdateWorkflow(ctx, wf.ID, WorkflowPatch{Name: &name, IsActive: &inactive}, acme)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.False(t, updated.IsActive)

	got, err := f.svc.GetWorkflow(ctx, wf.ID, acme)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.False(t, got.IsActive)
	assert.Len(t, got.Nodes, 4)

	active, err := f.svc.ListWorkflows(ctx, acme, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestUpdateWorkflow_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.define(t, acme)

	_, _, err := f.svc.UpdateWorkflow(ctx, wf.ID, WorkflowPatch{}, acme)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	name := "x"
	_, _, err = f.svc.UpdateWorkflow(ctx, wf.ID, WorkflowPatch{Name: &name}, Caller{CompanyID: "c-2"})
	assert.Equal(t, schema.ErrCodeForbidden, schema.ErrorCode(err))

	_, _, err = f.svc.UpdateWorkflow(ctx, "missing", WorkflowPatch{Name: &name}, acme)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	dupNodes := []schema.Node{{ID: "a"}, {ID: "a"}}
	_, _, err = f.svc.UpdateWorkflow(ctx, wf.ID, WorkflowPatch{Nodes: dupNodes}, acme)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	got, err := f.svc.GetWorkflow(ctx, wf.ID, acme)
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 4, "rejected patch is not stored")
}

func TestDeleteWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.define(t, acme)

	err := f.svc.DeleteWorkflow(ctx, wf.ID, Caller{CompanyID: "c-2"})
	assert.Equal(t, schema.ErrCodeForbidden, schema.ErrorCode(err))

	require.NoError(t, f.svc.DeleteWorkflow(ctx, wf.ID, acme))
	_, err = f.svc.GetWorkflow(ctx, wf.ID, acme)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}
