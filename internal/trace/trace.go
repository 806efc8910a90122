// Package trace emits Chrome trace-event JSON for long-running lfs3
// operations (gc, fsck, image export), so a slow traversal on a large
// image can be loaded into chrome://tracing and inspected rather than
// guessed at. The event/sink machinery is unchanged from the teacher's
// implementation; the host CPU/mem sampling it used for whole-build
// observability has no counterpart here (a block device traversal
// doesn't have a "host" to sample) and was dropped.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var start = time.Now()

var (
	sinkMu sync.Mutex
	sink   io.Writer = ioutil.Discard
)

// Sink writes all following Event()s as a Chrome trace event file into w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	// Start the JSON Array Format; the closing ']' is optional, so it
	// is never written.
	w.Write([]byte{'['})
}

// Enable creates a trace file at $TMPDIR/lfs3.traces/prefix.$PID and
// sinks events into it. The filename assumes the OS does not
// frequently reuse the same pid.
func Enable(prefix string) error {
	fn := filepath.Join(os.TempDir(), "lfs3.traces", fmt.Sprintf("%s.%d", prefix, os.Getpid()))
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

// PendingEvent is an in-flight trace-event-format "X" (complete)
// event, started by Event and finished by Done.
type PendingEvent struct {
	Name           string      `json:"name"` // name of the event, as displayed in Trace Viewer
	Categories     string      `json:"cat"`  // event categories (comma-separated)
	Type           string      `json:"ph"`   // event type (single character)
	ClockTimestamp uint64      `json:"ts"`   // tracing clock timestamp (microsecond granularity)
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"` // process ID for the process that output this event
	Tid            uint64      `json:"tid"` // thread ID for the thread that output this event
	Args           interface{} `json:"args"`

	start time.Time
}

// Done records the event's duration and writes it to the sink.
func (pe *PendingEvent) Done() {
	pe.Duration = uint64(time.Since(pe.start) / time.Microsecond)
	b, err := json.Marshal(pe)
	if err != nil {
		panic(err)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[trace] %v", err)
	}
}

// Event starts a new named event on tid, e.g. Event("gc", 0) around a
// traverse.State.Step loop, or Event("commit", 0) around a Pipeline
// commit.
func Event(name string, tid int) *PendingEvent {
	return &PendingEvent{
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		start:          time.Now(),
	}
}
