package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scorebook/internal/config"
	"scorebook/internal/domain"
	"scorebook/internal/engine"
	"scorebook/internal/ratelimit"
)

func TestOpenBackends(t *testing.T) {
	cases := map[string]func(*config.Config){
		"sqlite":        func(*config.Config) {},
		"sqlite-limits": func(c *config.Config) { c.RateLimit.Backend = config.BackendSQLite },
		"badger":        func(c *config.Config) { c.Storage.Backend = config.BackendBadger },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			a, err := Open(context.Background(), t.TempDir(), cfg, nil)
			require.NoError(t, err)
			defer a.Close()

			sub := a.Hub.Subscribe("s1")
			require.NoError(t, a.Hub.Join(sub, "m1"))

			res, err := a.Engine.Propose(context.Background(), engine.ProposeRequest{
				MatchID: "m1", ActorID: "u1", ClientOperationID: "c1",
				Kind: domain.KindStartInnings, Payload: []byte(`{"innings":1,"striker_id":"a","non_striker_id":"b","bowler_id":"c"}`),
			})
			require.NoError(t, err)
			assert.Equal(t, engine.OutcomeAccepted, res.Outcome)

			u := <-sub.Updates()
			assert.Equal(t, int64(1), u.Version)
			assert.Equal(t, ratelimit.FailClosed, a.PublicExport.Mode)
		})
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "postgres"
	_, err := Open(context.Background(), t.TempDir(), cfg, nil)
	assert.Error(t, err)
}
