package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/coachdesk/generic"
)

// =============================================================================
// WORKFLOWS - Multi-step operations run as one remote procedure
// =============================================================================

// Remote procedure names.
const (
	RPCGenerateInvoice   = "generate_invoice"
	RPCAddParticipant    = "add_session_participant"
	RPCRemoveParticipant = "remove_session_participant"
)

// Outcome describes how a workflow completed. Degraded means the remote
// procedure could not run and the local fallback was applied instead; the
// change is queued and will reach the backend on the next sync.
type Outcome struct {
	Degraded bool
	Record   generic.Record
	Err      error // the remote failure behind a degraded outcome
}

// Workflows runs the named remote procedures with their single fallback.
type Workflows struct {
	deps Deps
	log  logrus.FieldLogger
}

func NewWorkflows(deps Deps) *Workflows {
	deps = deps.withDefaults()
	return &Workflows{deps: deps, log: deps.Log.WithField("component", "workflows")}
}

// InvoiceArgs are the inputs of generate_invoice.
type InvoiceArgs struct {
	ClientID  string `json:"client_id"`
	PackageID string `json:"package_id"`
	DueDate   string `json:"due_date"`
}

// ParticipantArgs identify a session participant.
type ParticipantArgs struct {
	ScheduleID string `json:"schedule_id"`
	ClientID   string `json:"client_id"`
}

// GenerateInvoice creates an invoice for a client's package. Invoice numbers
// and totals are assigned by the backend, so there is no offline fallback.
func (w *Workflows) GenerateInvoice(ctx context.Context, clientID, packageID string, due time.Time) (generic.Record, error) {
	if _, err := w.deps.Identity.UserID(ctx); err != nil {
		return nil, err
	}
	if !w.deps.Conn.Online() {
		err := fmt.Errorf("generate invoice: %w", generic.ErrRemoteUnavailable)
		w.deps.Notifier.Error(generic.TableInvoices, "Invoices can only be generated online", err)
		return nil, err
	}

	args := InvoiceArgs{ClientID: clientID, PackageID: packageID, DueDate: due.Format("2006-01-02")}
	invoice, err := w.callForRecord(ctx, RPCGenerateInvoice, args)
	if err != nil {
		w.deps.Notifier.Error(generic.TableInvoices, "Could not generate invoice", err)
		return nil, err
	}

	if _, err := w.deps.Mirror.SaveItem(ctx, generic.TableInvoices, invoice, generic.OpInsert, true); err != nil {
		w.log.WithError(err).WithField("id", invoice.ID()).Warn("invoice not mirrored")
		return invoice, &generic.Warning{Message: "invoice created but not saved for offline use", Err: err}
	}
	return invoice, nil
}

// AddParticipant books a client into a session. When the backend is
// unreachable the participant row is queued locally instead.
func (w *Workflows) AddParticipant(ctx context.Context, scheduleID, clientID string) (Outcome, error) {
	owner, err := w.deps.Identity.UserID(ctx)
	if err != nil {
		return Outcome{}, err
	}
	args := ParticipantArgs{ScheduleID: scheduleID, ClientID: clientID}

	var remoteErr error
	if w.deps.Conn.Online() && !generic.IsTempID(scheduleID) && !generic.IsTempID(clientID) {
		row, err := w.callForRecord(ctx, RPCAddParticipant, args)
		if err == nil {
			if _, err := w.deps.Mirror.SaveItem(ctx, generic.TableSessionParticipants, row, generic.OpInsert, true); err != nil {
				w.log.WithError(err).Warn("participant not mirrored")
			}
			return Outcome{Record: row}, nil
		}
		if !generic.IsRetryable(err) {
			w.deps.Notifier.Error(generic.TableSessionParticipants, "Could not add participant", err)
			return Outcome{}, err
		}
		remoteErr = err
	}

	// fallback: queue the participant row
	row := generic.Record{
		generic.ColumnTrainerID: owner,
		"schedule_id":           scheduleID,
		"client_id":             clientID,
		"status":                "booked",
	}
	id, err := w.deps.Mirror.SaveItem(ctx, generic.TableSessionParticipants, row, generic.OpInsert, false)
	if err != nil {
		w.deps.Notifier.Error(generic.TableSessionParticipants, "Could not add participant", err)
		return Outcome{}, errors.Join(remoteErr, err)
	}
	row[generic.ColumnID] = id
	w.deps.Notifier.PendingSync(generic.TableSessionParticipants, msgSavedOffline)
	return Outcome{Degraded: true, Record: row, Err: remoteErr}, nil
}

// RemoveParticipant removes a client from a session through one remote
// procedure. When the backend is unreachable or the procedure is missing, the
// local participant row is removed and its delete queued, reported as a
// degraded outcome. A rejection by the backend is returned as is.
func (w *Workflows) RemoveParticipant(ctx context.Context, scheduleID, clientID string) (Outcome, error) {
	owner, err := w.deps.Identity.UserID(ctx)
	if err != nil {
		return Outcome{}, err
	}
	args := ParticipantArgs{ScheduleID: scheduleID, ClientID: clientID}

	var remoteErr error
	if w.deps.Conn.Online() && !generic.IsTempID(scheduleID) && !generic.IsTempID(clientID) {
		_, err := w.deps.Remote.Call(ctx, RPCRemoveParticipant, args)
		if err == nil {
			if err := w.dropLocal(ctx, owner, args, true); err != nil && !generic.IsNotFound(err) {
				w.log.WithError(err).Warn("participant removed remotely but not locally")
			}
			return Outcome{}, nil
		}
		switch {
		case generic.IsRetryable(err):
			w.deps.Conn.ReportFailure(err)
		case generic.IsNotFound(err):
			// procedure not deployed; the row delete stands in for it
		default:
			w.deps.Notifier.Error(generic.TableSessionParticipants, "Could not remove participant", err)
			return Outcome{}, err
		}
		w.log.WithError(err).Warn("remove participant failed remotely, removing locally")
		remoteErr = err
	}

	if err := w.dropLocal(ctx, owner, args, false); err != nil {
		w.deps.Notifier.Error(generic.TableSessionParticipants, "Could not remove participant", err)
		return Outcome{}, errors.Join(remoteErr, err)
	}
	w.deps.Notifier.PendingSync(generic.TableSessionParticipants, msgDeletedOffline)
	return Outcome{Degraded: true, Err: remoteErr}, nil
}

// dropLocal deletes the mirrored participant rows matching args.
func (w *Workflows) dropLocal(ctx context.Context, owner string, args ParticipantArgs, confirmed bool) error {
	rows, err := w.deps.Mirror.GetAll(ctx, generic.TableSessionParticipants, owner)
	if err != nil {
		return err
	}
	q := generic.Query{}.Eq("schedule_id", args.ScheduleID).Eq("client_id", args.ClientID)
	matches := q.Apply(rows)
	if len(matches) == 0 {
		return fmt.Errorf("participant %s/%s: %w", args.ScheduleID, args.ClientID, generic.ErrNotFound)
	}
	for _, r := range matches {
		if err := w.deps.Mirror.DeleteItem(ctx, generic.TableSessionParticipants, r.ID(), confirmed); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflows) callForRecord(ctx context.Context, fn string, args any) (generic.Record, error) {
	raw, err := w.deps.Remote.Call(ctx, fn, args)
	if err != nil {
		if generic.IsRetryable(err) {
			w.deps.Conn.ReportFailure(err)
		}
		return nil, err
	}
	var row generic.Record
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("rpc %s: decode result: %w", fn, err)
	}
	if row.ID() == "" {
		return nil, fmt.Errorf("rpc %s: result has no id", fn)
	}
	return row, nil
}
