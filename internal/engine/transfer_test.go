package engine_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scorebook/internal/domain"
	"scorebook/internal/engine"
	"scorebook/internal/export"
	"scorebook/internal/repo"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestEnv(t)
	src.mustPropose(t, startReq(t, "c1", 0))
	src.mustPropose(t, ballReq(t, "c2", 1, 4))
	src.mustPropose(t, ballReq(t, "c3", 2, 1))
	src.mustPropose(t, engine.ProposeRequest{MatchID: "m1", ActorID: "scorer", ClientOperationID: "c4", ExpectedVersion: 3, Kind: domain.KindUndo})

	want, err := src.Engine.State(src.Ctx, "m1")
	require.NoError(t, err)

	for _, f := range []export.Format{export.FormatJSON, export.FormatMsgpack} {
		t.Run(string(f), func(t *testing.T) {
			archive, err := src.Engine.Export(src.Ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, int64(4), archive.Version)

			var buf bytes.Buffer
			require.NoError(t, export.Encode(&buf, archive, f))
			decoded, err := export.Decode(&buf, f)
			require.NoError(t, err)

			kv, err := repo.OpenKV("")
			require.NoError(t, err)
			t.Cleanup(func() { kv.Close() })
			dst := newTestEnvWithStore(t, kv)

			v, err := dst.Engine.Import(dst.Ctx, decoded)
			require.NoError(t, err)
			assert.Equal(t, int64(4), v)

			got, err := dst.Engine.State(dst.Ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// Client ids survive, so retries against the new store still replay.
			res := dst.mustPropose(t, ballReq(t, "c3", 1, 1))
			assert.Equal(t, engine.OutcomeIdempotentReplay, res.Outcome)
			assert.Equal(t, int64(3), res.Sequence)
		})
	}
}

func TestImportRequiresEmptyLog(t *testing.T) {
	env := newTestEnv(t)
	env.mustPropose(t, startReq(t, "c1", 0))
	archive, err := env.Engine.Export(env.Ctx, "m1")
	require.NoError(t, err)

	_, err = env.Engine.Import(env.Ctx, archive)
	assert.ErrorIs(t, err, engine.ErrLogNotEmpty)

	archive.Operations[0].Sequence = 5
	_, err = newTestEnv(t).Engine.Import(env.Ctx, archive)
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
}
