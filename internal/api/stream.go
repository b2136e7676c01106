package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hackgods/nutrition-scheduling/internal/appointment"
)

const (
	streamBuffer    = 64
	streamKeepAlive = 15 * time.Second
)

// streamAppointmentsHandler sends the current list of a participant's
// appointments followed by every change, as server-sent events. A client
// that falls behind by more than the buffer is disconnected and is
// expected to reconnect, which starts again from a fresh list.
func streamAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, owner, ok := indexQuery(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
			return
		}

		changes := make(chan appointment.AppointmentChange, streamBuffer)
		overflow := make(chan struct{}, 1)

		// subscribe before listing so nothing between the two is missed
		stop, err := svc.SubscribeAppointments(r.Context(), kind, owner, func(c appointment.AppointmentChange) {
			select {
			case changes <- c:
			default:
				select {
				case overflow <- struct{}{}:
				default:
				}
			}
		})
		if err != nil {
			handleStatusError(w, err)
			return
		}
		defer stop()

		var list []appointment.Appointment
		if kind == appointment.IndexByPatient {
			list, err = svc.ListByPatient(r.Context(), owner)
		} else {
			list, err = svc.ListByNutritionist(r.Context(), owner)
		}
		if err != nil {
			handleStatusError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		snapshot := ListAppointmentsResponse{Appointments: make([]AppointmentResponse, 0, len(list))}
		for i := range list {
			snapshot.Appointments = append(snapshot.Appointments, toAppointmentResponse(&list[i]))
		}
		if err := writeEvent(w, "snapshot", snapshot); err != nil {
			return
		}
		flusher.Flush()

		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-overflow:
				_ = writeEvent(w, "overflow", ErrorResponse{Error: "stream_overflow", Details: "reconnect to resync"})
				flusher.Flush()
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case c := <-changes:
				var err error
				if c.Appointment == nil {
					err = writeEvent(w, "removed", map[string]string{"id": c.ID.String()})
				} else {
					err = writeEvent(w, "appointment", toAppointmentResponse(c.Appointment))
				}
				if err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
