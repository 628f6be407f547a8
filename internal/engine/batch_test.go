package engine_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scorebook/internal/config"
	"scorebook/internal/domain"
	"scorebook/internal/engine"
)

func batchItem(req engine.ProposeRequest) engine.BatchItem {
	return engine.BatchItem{
		ClientOperationID: req.ClientOperationID,
		ExpectedVersion:   req.ExpectedVersion,
		Kind:              req.Kind,
		Payload:           req.Payload,
	}
}

func TestProposeBatchStopsAtConflict(t *testing.T) {
	env := newTestEnv(t)
	bad := batchItem(ballReq(t, "bad", 2, 0))
	bad.Payload = json.RawMessage(`{"runs":9}`)

	items := []engine.BatchItem{
		batchItem(startReq(t, "c1", 0)),
		batchItem(ballReq(t, "c2", 1, 1)),
		batchItem(ballReq(t, "c2", 1, 1)),
		bad,
		batchItem(ballReq(t, "c3", 7, 1)),
		batchItem(ballReq(t, "c4", 2, 1)),
	}
	results, err := env.Engine.ProposeBatch(env.Ctx, "m1", "scorer", items)
	require.NoError(t, err)
	require.Len(t, results, 5, "items after a conflict are not attempted")

	assert.Equal(t, engine.BatchOK, results[0].Status)
	assert.Equal(t, int64(1), results[0].Sequence)
	assert.Equal(t, engine.BatchOK, results[1].Status)
	assert.Equal(t, engine.BatchDuplicate, results[2].Status)
	assert.Equal(t, int64(2), results[2].Sequence)
	assert.Equal(t, engine.BatchError, results[3].Status)
	assert.NotEmpty(t, results[3].Error)
	assert.Equal(t, engine.BatchConflict, results[4].Status)
	assert.Equal(t, int64(2), results[4].ServerVersion)

	v, err := env.Engine.Version(env.Ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestProposeBatchReportsTransitionErrors(t *testing.T) {
	env := newTestEnv(t)
	results, err := env.Engine.ProposeBatch(env.Ctx, "m1", "scorer", []engine.BatchItem{
		batchItem(ballReq(t, "early", 0, 1)),
		batchItem(startReq(t, "c1", 0)),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, engine.BatchError, results[0].Status)
	assert.Contains(t, results[0].Error, "not_live")
	assert.Equal(t, engine.BatchOK, results[1].Status)
}

func TestProposeBatchLimits(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Admission.MaxBatch = 3 })

	_, err := env.Engine.ProposeBatch(env.Ctx, "m1", "scorer", nil)
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)

	items := make([]engine.BatchItem, 4)
	for i := range items {
		items[i] = engine.BatchItem{ClientOperationID: fmt.Sprintf("c%d", i), ExpectedVersion: int64(i), Kind: domain.KindSwapStrike}
	}
	_, err = env.Engine.ProposeBatch(env.Ctx, "m1", "scorer", items)
	assert.ErrorIs(t, err, engine.ErrBatchTooLarge)
}
