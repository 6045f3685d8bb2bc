package walsender

// SlotStat is one row of a stats snapshot: the read-only view of a single
// slot exposed to monitoring, the Go analogue of a row in
// pg_stat_replication (§4.6).
type SlotStat struct {
	Index   int
	PID     int64
	State   SlotState
	SentPos LogPos
}

// Snapshot walks every slot under its own mutex and returns a point-in-time
// view of the table, skipping free slots (§4.6: "under mutex, copy sentPtr
// and state" — done per slot here rather than under one table-wide lock, so
// a snapshot never blocks an in-flight acquire/release).
func (t *SlotTable) Snapshot() []SlotStat {
	stats := make([]SlotStat, 0, len(t.slots))
	for i, s := range t.slots {
		pid, state, sentPtr := s.Snapshot()
		if pid == 0 {
			continue
		}
		stats = append(stats, SlotStat{Index: i, PID: pid, State: state, SentPos: sentPtr})
	}
	return stats
}
