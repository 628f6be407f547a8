package export

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scorebook/internal/domain"
)

func sampleOps() []domain.Operation {
	at := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	return []domain.Operation{
		{MatchID: "m1", Sequence: 1, ClientOperationID: "a", ActorID: "u1", Kind: domain.KindStartInnings,
			Payload: json.RawMessage(`{"innings":1,"striker_id":"s","non_striker_id":"n","bowler_id":"b"}`), RecordedAt: at},
		{MatchID: "m1", Sequence: 2, ClientOperationID: "b", ActorID: "u1", Kind: domain.KindDeliverBall,
			Payload: json.RawMessage(`{"runs":4,"boundary":true}`), RecordedAt: at.Add(time.Minute)},
		{MatchID: "m1", Sequence: 3, ClientOperationID: "c", ActorID: "u2", Kind: domain.KindUndo, RecordedAt: at.Add(2 * time.Minute)},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatMsgpack} {
		t.Run(string(f), func(t *testing.T) {
			a := New("m1", sampleOps(), time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC))
			require.NoError(t, a.Validate())

			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, a, f))
			got, err := Decode(&buf, f)
			require.NoError(t, err)

			assert.Equal(t, a.MatchID, got.MatchID)
			assert.Equal(t, int64(3), got.Version)
			assert.True(t, a.ExportedAt.Equal(got.ExportedAt))
			require.Len(t, got.Operations, 3)
			for i, op := range got.Operations {
				want := a.Operations[i]
				assert.Equal(t, want.Sequence, op.Sequence)
				assert.Equal(t, want.Kind, op.Kind)
				assert.Equal(t, want.ClientOperationID, op.ClientOperationID)
				assert.True(t, want.RecordedAt.Equal(op.RecordedAt))
				if len(want.Payload) > 0 {
					assert.JSONEq(t, string(want.Payload), string(op.Payload))
				} else {
					assert.Empty(t, op.Payload)
				}
			}
			require.NoError(t, got.Validate())
		})
	}
}

func TestValidateRejectsGaps(t *testing.T) {
	ops := sampleOps()
	ops = append(ops[:1], ops[2:]...)
	a := New("m1", ops, time.Now())
	assert.ErrorContains(t, a.Validate(), "sequence 3")

	ops = sampleOps()
	ops[2].ClientOperationID = "a"
	assert.ErrorContains(t, New("m1", ops, time.Now()).Validate(), "client_operation_id")

	ops = sampleOps()
	ops[1].MatchID = "m2"
	assert.ErrorContains(t, New("m1", ops, time.Now()).Validate(), "belongs to match")
}

func TestEmptyArchive(t *testing.T) {
	a := New("m1", nil, time.Now())
	assert.NoError(t, a.Validate())
	assert.Equal(t, int64(0), a.Version)
	assert.NotNil(t, a.Operations)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	f, err = ParseFormat("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "application/msgpack", f.ContentType())
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
