package logging

import "sync"

// Entry is a single record captured by a Recorder.
type Entry struct {
	Level  string
	Msg    string
	Fields LogFields
	Err    error
}

// Recorder is a concurrency-safe ServiceLogger that keeps every entry in
// memory. Children created with With share the parent's entry list.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  LogFields
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	merged := make(LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Recorder{mu: r.mu, entries: r.entries, fields: merged}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.record("debug", msg, fields, nil) }
func (r *Recorder) Info(msg string, fields LogFields)  { r.record("info", msg, fields, nil) }
func (r *Recorder) Warn(msg string, fields LogFields)  { r.record("warn", msg, fields, nil) }
func (r *Recorder) Trace(msg string, fields LogFields) { r.record("trace", msg, fields, nil) }

func (r *Recorder) Error(msg string, err error, fields LogFields) {
	r.record("error", msg, fields, err)
}

func (r *Recorder) record(level, msg string, fields LogFields, err error) {
	merged := make(LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, Entry{Level: level, Msg: msg, Fields: merged, Err: err})
}

// Entries returns a copy of the captured entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Levels returns the captured entries at the given level.
func (r *Recorder) Levels(level string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}
