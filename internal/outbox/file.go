package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/overhuman/overhuman/internal/envelope"
	"github.com/overhuman/overhuman/internal/kinderr"
)

// FileOutbox buffers events per trace in memory and materializes an
// Episode JSON file at <episodesDir>/<trace_id>.json on Finalize, via a
// tmp-then-rename atomic write. Grounded on kernel/bus.py's OutboxBus.
type FileOutbox struct {
	mu          sync.Mutex
	episodesDir string
	traces      map[string]*traceState
}

type traceState struct {
	goal      string
	startedAt time.Time
	events    []*envelope.Envelope
}

// NewFileOutbox creates a FileOutbox writing finalized episodes under dir.
func NewFileOutbox(dir string) *FileOutbox {
	return &FileOutbox{episodesDir: dir, traces: make(map[string]*traceState)}
}

func (f *FileOutbox) NewTrace(goal string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	traceID := "t-" + uuid.NewString()
	f.traces[traceID] = &traceState{goal: goal, startedAt: time.Now().UTC()}
	return traceID
}

func (f *FileOutbox) Append(traceID, eventType string, payload map[string]any, opts envelope.AppendOpts) error {
	env, err := envelope.New(traceID, eventType, payload, opts)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.traces[traceID]
	if !ok {
		return kinderr.New(kinderr.NotFound, "outbox.Append", fmt.Errorf("unknown trace %q", traceID))
	}
	st.events = append(st.events, env)
	return nil
}

func (f *FileOutbox) Events(traceID string) ([]*envelope.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.traces[traceID]
	if !ok {
		return nil, kinderr.New(kinderr.NotFound, "outbox.Events", fmt.Errorf("unknown trace %q", traceID))
	}
	return append([]*envelope.Envelope(nil), st.events...), nil
}

func (f *FileOutbox) Finalize(traceID, status string, artifacts map[string]any) (*Episode, error) {
	f.mu.Lock()
	st, ok := f.traces[traceID]
	if !ok {
		f.mu.Unlock()
		return nil, kinderr.New(kinderr.NotFound, "outbox.Finalize", fmt.Errorf("unknown trace %q", traceID))
	}
	events := append([]*envelope.Envelope(nil), st.events...)
	goal := st.goal
	started := st.startedAt
	f.mu.Unlock()

	ep := &Episode{
		TraceID:   traceID,
		Goal:      goal,
		Status:    status,
		LatencyMs: time.Since(started).Milliseconds(),
		Header:    deriveHeader(events),
		Sense:     extractLast(events, "sense.srs_loaded", "srs"),
		Plan:      extractLast(events, "plan.generated", "plan"),
		Artifacts: artifacts,
		Events:    events,
	}

	if err := f.writeEpisode(ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// writeEpisode serializes ep and writes it via write-tmp + rename so a
// concurrent reader never observes a partial file, and a repeated
// Finalize for the same trace simply replaces the prior file.
func (f *FileOutbox) writeEpisode(ep *Episode) error {
	if err := os.MkdirAll(f.episodesDir, 0o755); err != nil {
		return kinderr.New(kinderr.SchemaValidation, "outbox.writeEpisode", err)
	}
	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return kinderr.New(kinderr.SchemaValidation, "outbox.writeEpisode", err)
	}
	final := filepath.Join(f.episodesDir, ep.TraceID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return kinderr.New(kinderr.SchemaValidation, "outbox.writeEpisode", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return kinderr.New(kinderr.SchemaValidation, "outbox.writeEpisode", err)
	}
	return nil
}

// ResolvePrefix implements the replay engine's unique-prefix matching
// policy over the episodes directory: zero matches returns prefix itself
// (treated as a literal id by the caller), one match resolves, multiple
// matches is AmbiguousPrefix.
func ResolvePrefix(episodesDir, prefix string) (string, error) {
	entries, err := os.ReadDir(episodesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return prefix, nil
		}
		return "", kinderr.New(kinderr.NotFound, "outbox.ResolvePrefix", err)
	}
	var matches []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > 5 && name[len(name)-5:] == ".json" {
			id := name[:len(name)-5]
			if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
				matches = append(matches, id)
			}
		}
	}
	switch len(matches) {
	case 0:
		return prefix, nil
	case 1:
		return matches[0], nil
	default:
		return "", kinderr.New(kinderr.AmbiguousPrefix, "outbox.ResolvePrefix", fmt.Errorf("prefix %q matches %v", prefix, matches))
	}
}

// LoadEpisode reads a previously finalized episode by exact trace id.
func LoadEpisode(episodesDir, traceID string) (*Episode, error) {
	data, err := os.ReadFile(filepath.Join(episodesDir, traceID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kinderr.New(kinderr.NotFound, "outbox.LoadEpisode", err)
		}
		return nil, err
	}
	var ep Episode
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "outbox.LoadEpisode", err)
	}
	return &ep, nil
}
