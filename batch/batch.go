// Package batch persists scoring records as immutable, timestamped,
// attributable batch directories. One batch per dispatch session per
// (model, item); a batch is never edited after creation, only new batches
// are added alongside it. Collision freedom across uncoordinated sessions
// comes from the batch name, not from any locking, which is what makes
// multi-party result accumulation conflict-free.
package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	vfscore "github.com/mattiaTagliente/VFScore"
)

// Metadata is the self-describing provenance record written once per batch.
type Metadata struct {
	Timestamp     time.Time          `json:"timestamp"`
	User          string             `json:"user"`
	Hostname      string             `json:"hostname"`
	Model         string             `json:"model"`
	Repeats       int                `json:"repeats"`
	Temperature   float64            `json:"temperature"`
	TopP          float64            `json:"top_p"`
	RubricWeights map[string]float64 `json:"rubric_weights,omitempty"`
	ConfigHash    string             `json:"config_hash,omitempty"`
}

// NewMetadata fills attribution from the environment and hashes the rubric
// weights so foreign batches scored under a different rubric are visible.
func NewMetadata(model string, repeats int, sampling vfscore.SamplingParams, weights map[string]float64) Metadata {
	return Metadata{
		Timestamp:     time.Now().UTC(),
		User:          currentUser(),
		Hostname:      currentHostname(),
		Model:         model,
		Repeats:       repeats,
		Temperature:   sampling.Temperature,
		TopP:          sampling.TopP,
		RubricWeights: weights,
		ConfigHash:    hashWeights(weights),
	}
}

// Writer creates batches under a results root, laid out as
// <root>/<model dir>/<item id>/<batch name>/.
type Writer struct {
	root string
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{root: dir}
}

// Root returns the results root directory.
func (w *Writer) Root() string { return w.root }

// Open creates a new immutable batch directory for (model, item) and
// writes its metadata record. The directory name embeds the creation
// timestamp, the user, and a random suffix, so two concurrent sessions on
// any pair of hosts can never collide.
func (w *Writer) Open(model, itemID string, meta Metadata) (*Batch, error) {
	name := batchDirName(meta.Timestamp, meta.User)
	dir := filepath.Join(w.root, ModelDirName(model), itemID, name)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("batch: create %s: %w", dir, err)
	}
	if err := writeNewJSON(filepath.Join(dir, "batch_info.json"), meta); err != nil {
		return nil, err
	}
	return &Batch{dir: dir, meta: meta}, nil
}

// Batch is one open batch directory. Records may be written concurrently;
// each repeat index targets its own file.
type Batch struct {
	dir  string
	meta Metadata
}

// Dir returns the batch directory path.
func (b *Batch) Dir() string { return b.dir }

// WriteRecord persists one repeat as rep_<N>.json. It only ever creates
// new files; attempting to overwrite an existing repeat is an error.
func (b *Batch) WriteRecord(repeat int, rec vfscore.Record) error {
	if repeat < 1 {
		return fmt.Errorf("batch: repeat index must be >= 1, got %d", repeat)
	}
	return writeNewJSON(filepath.Join(b.dir, fmt.Sprintf("rep_%d.json", repeat)), rec)
}

// Close marks the batch complete. Nothing is mutated: the directory's
// contents already are the durable state.
func (b *Batch) Close() error { return nil }

// Session adapts a Writer to the dispatcher's RecordSink, lazily opening
// one batch per item as the first record for that item arrives.
type Session struct {
	w    *Writer
	meta Metadata

	mu      sync.Mutex
	batches map[string]*Batch
}

var _ vfscore.RecordSink = (*Session)(nil)

// NewSession creates a sink that files every record of this dispatch
// session under the same attribution metadata.
func NewSession(w *Writer, meta Metadata) *Session {
	return &Session{w: w, meta: meta, batches: make(map[string]*Batch)}
}

// Write persists one record into the item's batch for this session.
func (s *Session) Write(task vfscore.Task, rec vfscore.Record) error {
	s.mu.Lock()
	b, ok := s.batches[task.ItemID]
	if !ok {
		var err error
		b, err = s.w.Open(s.meta.Model, task.ItemID, s.meta)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.batches[task.ItemID] = b
	}
	s.mu.Unlock()

	return b.WriteRecord(task.Repeat, rec)
}

// Close closes every batch opened by the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if err := b.Close(); err != nil {
			return err
		}
	}
	return nil
}

// ExistingRepeats counts repeats already recorded for an item across all
// batches whose sampling parameters match within tol. Used to resume a run
// without re-spending on repeats any prior session already produced.
func ExistingRepeats(root, model, itemID string, sampling vfscore.SamplingParams, tol float64) int {
	itemDir := filepath.Join(root, ModelDirName(model), itemID)
	entries, err := os.ReadDir(itemDir)
	if err != nil {
		return 0
	}

	total := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "batch_") {
			continue
		}
		dir := filepath.Join(itemDir, e.Name())

		data, err := os.ReadFile(filepath.Join(dir, "batch_info.json"))
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if abs(meta.Temperature-sampling.Temperature) >= tol || abs(meta.TopP-sampling.TopP) >= tol {
			continue
		}

		reps, err := filepath.Glob(filepath.Join(dir, "rep_*.json"))
		if err == nil {
			total += len(reps)
		}
	}
	return total
}

// batchDirName builds batch_<YYYYMMDD>_<HHMMSS>_user_<user>_<suffix>.
// The random suffix keeps two sessions started within the same second by
// the same user on different hosts from colliding.
func batchDirName(ts time.Time, userName string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("batch_%s_user_%s_%s",
		ts.Format("20060102_150405"), sanitize(userName), suffix)
}

// ModelDirName normalizes a model name into its results directory name,
// e.g. "gemini-2.5-pro" -> "2_5_pro".
func ModelDirName(model string) string {
	name := strings.TrimPrefix(model, "gemini-")
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "gemini"
	}
	return sanitize(name)
}

// writeNewJSON creates path with O_EXCL and writes v as indented JSON.
func writeNewJSON(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("batch: create %s: %w", path, err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("batch: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("batch: close %s: %w", path, err)
	}
	return nil
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		// Windows reports DOMAIN\name; keep the last element.
		parts := strings.Split(u.Username, `\`)
		return parts[len(parts)-1]
	}
	return "unknown"
}

func currentHostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}

func hashWeights(weights map[string]float64) string {
	if len(weights) == 0 {
		return ""
	}
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%g;", k, weights[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
