package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/api"
	"github.com/warp/coachdesk/generic"
)

func TestLoadScenario_AllScenariosLoad(t *testing.T) {
	s := newServer(t, nil)
	ctx := context.Background()

	for _, id := range []string{"solo-trainer", "group-classes", "invoicing"} {
		t.Run(id, func(t *testing.T) {
			require.NoError(t, api.LoadScenario(ctx, s.backend, id, "T1"))
			rows, err := s.backend.Select(ctx, "T1", generic.TableClients, generic.Query{})
			require.NoError(t, err)
			assert.NotEmpty(t, rows)
		})
	}

	assert.ErrorIs(t, api.LoadScenario(ctx, s.backend, "nope", "T1"), generic.ErrNotFound)
}

func TestLoadScenario_ResetsPreviousData(t *testing.T) {
	s := newServer(t, nil)
	ctx := context.Background()

	require.NoError(t, api.LoadScenario(ctx, s.backend, "invoicing", "T1"))
	require.NoError(t, api.LoadScenario(ctx, s.backend, "group-classes", "T1"))

	invoices, err := s.backend.Select(ctx, "T1", generic.TableInvoices, generic.Query{})
	require.NoError(t, err)
	assert.Empty(t, invoices)
	participants, err := s.backend.Select(ctx, "T1", generic.TableSessionParticipants, generic.Query{})
	require.NoError(t, err)
	assert.Len(t, participants, 3)
}

func TestScenarioRoutes_DevModeOnly(t *testing.T) {
	s := newServer(t, nil)

	resp, err := http.Get(s.url + "/dev/scenarios")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	dev := newDevServer(t)
	body, _ := json.Marshal(api.LoadScenarioRequest{ScenarioID: "solo-trainer", TrainerID: "T1"})
	resp, err = http.Post(dev.url+"/dev/scenarios/load", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	client, _ := dev.login(t, "code-t1")
	rows, err := client.Select(context.Background(), generic.TableClients, generic.Query{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
