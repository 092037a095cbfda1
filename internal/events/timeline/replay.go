package timeline

// TaskReplay is the per-task state reconstructed from a timeline.
type TaskReplay struct {
	Passes      bool
	Iterations  int
	StartedAt   string
	CompletedAt string
	LastFailure string
}

// Replay folds a timeline back into per-task status. Replaying a run's
// timeline against an empty store reconstructs the same task status the
// session store persisted (up to timestamps).
func Replay(records []Record) map[string]*TaskReplay {
	tasks := make(map[string]*TaskReplay)

	get := func(rec Record) *TaskReplay {
		id, _ := rec.Payload["task_id"].(string)
		if id == "" {
			return nil
		}
		if t, ok := tasks[id]; ok {
			return t
		}
		t := &TaskReplay{}
		tasks[id] = t
		return t
	}

	for _, rec := range records {
		switch rec.Event {
		case TaskStartedKind:
			if t := get(rec); t != nil && t.StartedAt == "" {
				t.StartedAt = rec.TS.Format("2006-01-02T15:04:05Z07:00")
			}
		case IterationStartedKind:
			if t := get(rec); t != nil {
				if n, ok := asInt(rec.Payload["iteration"]); ok && n > t.Iterations {
					t.Iterations = n
				} else {
					t.Iterations++
				}
			}
		case TaskCompletedKind:
			if t := get(rec); t != nil {
				t.Passes = true
				t.CompletedAt = rec.TS.Format("2006-01-02T15:04:05Z07:00")
			}
		case TaskFailedKind:
			if t := get(rec); t != nil {
				reason, _ := rec.Payload["reason"].(string)
				t.LastFailure = reason
			}
		}
	}
	return tasks
}

// Event kind names duplicated here to avoid importing the parent
// package (which imports this one for the emitter).
const (
	TaskStartedKind      = "task.started"
	TaskCompletedKind    = "task.completed"
	TaskFailedKind       = "task.failed"
	IterationStartedKind = "iteration.started"
)

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
