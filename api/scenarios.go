/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the backend with realistic
  data for a trainer, so a fresh client has something to mirror and sync.

AVAILABLE SCENARIOS:
  solo-trainer:   a handful of clients and one-to-one sessions
  group-classes:  capped group sessions with booked participants
  invoicing:      packages and generated invoices

HOW SCENARIOS WORK:
 1. Reset the backend (rows, counters, sessions; auth codes stay)
 2. Insert rows for the requested trainer
 3. Run procedures where the scenario needs them

USAGE VIA API (dev mode only):
  GET  /dev/scenarios
  POST /dev/scenarios/load
  {"scenario_id": "group-classes", "trainer_id": "T1"}

NOTE:
  Scenarios reset the backend. Only use in development/demo environments.

SEE ALSO:
  - server.go: /dev routes
  - cmd/server/main.go: -seed flag
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/store/sqlite"
)

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /dev/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
	TrainerID  string `json:"trainer_id"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{ID: "solo-trainer", Name: "Solo Trainer", Description: "Clients with one-to-one sessions and workouts"},
	{ID: "group-classes", Name: "Group Classes", Description: "Capped group sessions with booked participants"},
	{ID: "invoicing", Name: "Invoicing", Description: "Session packages and generated invoices"},
}

var loaders = map[string]func(ctx context.Context, b *sqlite.Backend, tenant string) error{
	"solo-trainer":  loadSoloTrainer,
	"group-classes": loadGroupClasses,
	"invoicing":     loadInvoicing,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the backend and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_request", Message: err.Error()})
		return
	}
	if req.TrainerID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_request", Message: "trainer_id is required"})
		return
	}
	if err := LoadScenario(r.Context(), h.Backend, req.ScenarioID, req.TrainerID); err != nil {
		writeError(w, err)
		return
	}
	h.Log.WithField("scenario", req.ScenarioID).WithField("trainer_id", req.TrainerID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// LoadScenario resets b and loads scenario id for tenant.
func LoadScenario(ctx context.Context, b *sqlite.Backend, id, tenant string) error {
	load, ok := loaders[id]
	if !ok {
		return fmt.Errorf("scenario %q: %w", id, generic.ErrNotFound)
	}
	if err := b.Reset(ctx); err != nil {
		return err
	}
	return load(ctx, b, tenant)
}

// =============================================================================
// LOADERS
// =============================================================================

func insertAll(ctx context.Context, b *sqlite.Backend, tenant string, table generic.Table, rows ...generic.Record) ([]generic.Record, error) {
	out := make([]generic.Record, 0, len(rows))
	for _, r := range rows {
		row, err := b.Insert(ctx, tenant, table, r)
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", table, err)
		}
		out = append(out, row)
	}
	return out, nil
}

func loadSoloTrainer(ctx context.Context, b *sqlite.Backend, tenant string) error {
	clients, err := insertAll(ctx, b, tenant, generic.TableClients,
		generic.Record{"name": "Jane Doe", "email": "jane@example.com", "goals": "Run a 10k", "active": true},
		generic.Record{"name": "Sam Lee", "email": "sam@example.com", "goals": "Deadlift 150kg", "active": true},
		generic.Record{"name": "Ana Ruiz", "phone": "+34 600 000 000", "active": false},
	)
	if err != nil {
		return err
	}
	if _, err := insertAll(ctx, b, tenant, generic.TableSchedules,
		generic.Record{"title": "Intervals", "client_id": clients[0].ID(), "start_time": "2026-01-05T08:00:00Z", "end_time": "2026-01-05T09:00:00Z", "status": "scheduled"},
		generic.Record{"title": "Strength", "client_id": clients[1].ID(), "start_time": "2026-01-05T10:00:00Z", "end_time": "2026-01-05T11:00:00Z", "status": "scheduled"},
	); err != nil {
		return err
	}
	_, err = insertAll(ctx, b, tenant, generic.TableWorkouts,
		generic.Record{"name": "Tempo run", "client_id": clients[0].ID(), "scheduled_for": "2026-01-07", "exercises": []any{"warm-up", "3x10min tempo", "cool-down"}},
		generic.Record{"name": "Pull day", "client_id": clients[1].ID(), "scheduled_for": "2026-01-08", "exercises": []any{"deadlift 5x5", "rows 4x8"}},
	)
	return err
}

func loadGroupClasses(ctx context.Context, b *sqlite.Backend, tenant string) error {
	clients, err := insertAll(ctx, b, tenant, generic.TableClients,
		generic.Record{"name": "Kim", "active": true},
		generic.Record{"name": "Lou", "active": true},
		generic.Record{"name": "Max", "active": true},
	)
	if err != nil {
		return err
	}
	classes, err := insertAll(ctx, b, tenant, generic.TableSchedules,
		generic.Record{"title": "Bootcamp", "start_time": "2026-01-06T18:00:00Z", "capacity": 2.0, "location": "Park"},
		generic.Record{"title": "Mobility", "start_time": "2026-01-07T18:00:00Z", "capacity": 8.0, "location": "Studio"},
	)
	if err != nil {
		return err
	}
	for _, booking := range []sqlite.ParticipantRequest{
		{ScheduleID: classes[0].ID(), ClientID: clients[0].ID()},
		{ScheduleID: classes[0].ID(), ClientID: clients[1].ID()},
		{ScheduleID: classes[1].ID(), ClientID: clients[2].ID()},
	} {
		if _, err := b.AddParticipant(ctx, tenant, booking); err != nil {
			return fmt.Errorf("seed participants: %w", err)
		}
	}
	return nil
}

func loadInvoicing(ctx context.Context, b *sqlite.Backend, tenant string) error {
	clients, err := insertAll(ctx, b, tenant, generic.TableClients,
		generic.Record{"name": "Pat", "email": "pat@example.com", "active": true},
		generic.Record{"name": "Ric", "email": "ric@example.com", "active": true},
	)
	if err != nil {
		return err
	}
	packages, err := insertAll(ctx, b, tenant, generic.TablePackages,
		generic.Record{"name": "Five sessions", "sessions": 5.0, "price": 250.0, "tax_rate": 0.21, "currency": "EUR", "active": true},
		generic.Record{"name": "Ten sessions", "sessions": 10.0, "price": 450.0, "tax_rate": 0.21, "currency": "EUR", "active": true},
	)
	if err != nil {
		return err
	}
	for i, c := range clients {
		req := sqlite.InvoiceRequest{ClientID: c.ID(), PackageID: packages[i].ID(), DueDate: "2026-02-01"}
		if _, err := b.GenerateInvoice(ctx, tenant, req); err != nil {
			return fmt.Errorf("seed invoices: %w", err)
		}
	}
	return nil
}
