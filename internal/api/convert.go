package api

import (
	"slices"
	"time"

	"encodeq/internal/queue"
	"encodeq/internal/supervisor"
)

// FromEntry converts a queue entry to its API representation. Position is
// -1 for entries that are not waiting and Slot is -1 for entries not bound
// to a worker.
func FromEntry(e queue.Entry) QueueItem {
	return QueueItem{
		ID:          e.ID(),
		SourcePath:  e.Job.SourcePath,
		Title:       e.Job.Title,
		Destination: e.Job.DestinationPath,
		Profile:     e.Job.Profile.Name,
		Preview:     e.Job.IsPreview(),
		Status:      string(e.Status),
		Position:    -1,
		RetryCount:  e.RetryCount,
		Slot:        -1,
		Error:       e.Error,
		CreatedAt:   formatTime(e.EnqueuedAt),
		UpdatedAt:   formatTime(e.UpdatedAt),
		FinishedAt:  formatTime(e.FinishedAt),
	}
}

// FromStatus converts a supervisor snapshot into the daemon status payload.
func FromStatus(st supervisor.Status) DaemonStatus {
	out := DaemonStatus{
		Running:    st.Running,
		StartedAt:  formatTime(st.Started),
		Restarts:   st.Restarts,
		QueueStats: QueueStats(st.Queue),
		Workers:    make([]WorkerStatus, 0, len(st.Slots)),
	}
	for _, sl := range st.Slots {
		out.Workers = append(out.Workers, fromSlot(sl))
	}
	return out
}

// QueueStats flattens queue counters into a status-keyed map.
func QueueStats(s queue.Stats) map[string]int {
	return map[string]int{
		string(queue.StatusQueued):    s.Queued,
		string(queue.StatusActive):    s.Active,
		string(queue.StatusCompleted): s.Completed,
		string(queue.StatusFailed):    s.Failed,
		string(queue.StatusCancelled): s.Cancelled,
	}
}

// QueueItems lists every entry known to the snapshot: pending in dispatch
// order, then active, then finished newest first. Active items carry the
// slot and latest progress of the worker running them.
func QueueItems(st supervisor.Status, statuses ...queue.Status) []QueueItem {
	running := make(map[string]supervisor.SlotStatus, len(st.Slots))
	for _, sl := range st.Slots {
		if sl.Session != nil && sl.Session.JobID != "" {
			running[sl.Session.JobID] = sl
		}
	}
	keep := func(e queue.Entry) bool {
		return len(statuses) == 0 || slices.Contains(statuses, e.Status)
	}

	items := make([]QueueItem, 0, len(st.Pending)+len(st.Active)+len(st.Finished))
	for i, e := range st.Pending {
		if !keep(e) {
			continue
		}
		item := FromEntry(e)
		item.Position = i
		items = append(items, item)
	}
	for _, e := range st.Active {
		if !keep(e) {
			continue
		}
		item := FromEntry(e)
		if sl, ok := running[e.ID()]; ok {
			item.Slot = sl.Index
			item.Progress = sl.Session.Progress
		}
		items = append(items, item)
	}
	for i := len(st.Finished) - 1; i >= 0; i-- {
		if e := st.Finished[i]; keep(e) {
			items = append(items, FromEntry(e))
		}
	}
	return items
}

func fromSlot(sl supervisor.SlotStatus) WorkerStatus {
	ws := WorkerStatus{
		Slot:      sl.Index,
		State:     SlotStateEmpty,
		Restarts:  sl.Restarts,
		LastError: sl.LastError,
	}
	switch {
	case sl.Session != nil:
		snap := sl.Session
		ws.SessionID = snap.ID
		ws.PID = snap.PID
		ws.State = string(snap.State)
		ws.JobID = snap.JobID
		ws.Progress = snap.Progress
		ws.LastHeartbeat = formatTime(snap.LastHeartbeat)
		ws.StartedAt = formatTime(snap.Started)
		if sl.Retiring {
			ws.State = SlotStateRetiring
		}
	case sl.Spawning:
		ws.State = SlotStateSpawning
	case sl.Disabled:
		ws.State = SlotStateDisabled
	}
	return ws
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
