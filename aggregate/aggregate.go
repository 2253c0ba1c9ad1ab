// Package aggregate reconciles every batch ever written for an item into
// robust statistics. The filesystem is the database: batches are found by
// scanning directories at read time, so results copied in from other
// machines participate with no coordination at all. Aggregation is a pure
// function of the records on disk — idempotent and order-independent.
package aggregate

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattiaTagliente/VFScore/batch"

	vfscore "github.com/mattiaTagliente/VFScore"
)

// confidenceScale calibrates the MAD-to-confidence mapping
// confidence = exp(-MAD/confidenceScale) for scores on the 0-100 scale.
const confidenceScale = 5.0

// BatchDir is one discovered batch of records for an item.
type BatchDir struct {
	Path   string
	Name   string
	Legacy bool // loose rep_*.json in the item dir, folded into one implicit batch
	Info   *batch.Metadata
}

// Filter narrows which batches participate in aggregation. The zero value
// selects everything ever recorded, which is the default: more repeats
// strictly improve statistical power.
type Filter struct {
	LatestOnly bool
	Pattern    string    // substring of the batch directory name (attribution)
	After      time.Time // keep batches created on or after this instant
}

// DiscoverBatches finds every batch subdirectory of an item directory,
// regardless of which session or host produced it. An item directory with
// loose rep_*.json files (the pre-batch layout) is treated as one implicit
// legacy batch.
func DiscoverBatches(itemDir string) []BatchDir {
	entries, err := os.ReadDir(itemDir)
	if err != nil {
		return nil
	}

	var dirs []BatchDir
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "batch_") {
			continue
		}
		bd := BatchDir{Path: filepath.Join(itemDir, e.Name()), Name: e.Name()}
		bd.Info = loadInfo(bd.Path)
		dirs = append(dirs, bd)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })

	if len(dirs) > 0 {
		return dirs
	}

	if reps, _ := filepath.Glob(filepath.Join(itemDir, "rep_*.json")); len(reps) > 0 {
		return []BatchDir{{Path: itemDir, Name: filepath.Base(itemDir), Legacy: true}}
	}
	return nil
}

// Apply returns the batches passing the filter.
func (f Filter) Apply(dirs []BatchDir) []BatchDir {
	out := dirs

	if f.Pattern != "" {
		var kept []BatchDir
		for _, d := range out {
			if strings.Contains(d.Name, f.Pattern) {
				kept = append(kept, d)
			}
		}
		out = kept
	}

	if !f.After.IsZero() {
		var kept []BatchDir
		for _, d := range out {
			// Legacy batches carry no timestamp; they are kept.
			if d.Legacy || !batchDate(d.Name).Before(f.After) {
				kept = append(kept, d)
			}
		}
		out = kept
	}

	if f.LatestOnly && len(out) > 0 {
		latest := out[0]
		for _, d := range out[1:] {
			if d.Name > latest.Name {
				latest = d
			}
		}
		out = []BatchDir{latest}
	}
	return out
}

// batchDate parses the date embedded in batch_<YYYYMMDD>_... names.
// Unparseable names yield the zero time and so always pass an After filter.
func batchDate(name string) time.Time {
	parts := strings.Split(name, "_")
	if len(parts) < 2 {
		return time.Time{}
	}
	t, err := time.Parse("20060102", parts[1])
	if err != nil {
		return time.Time{}
	}
	return t
}

// LoadRecords reads every rep_*.json in a batch directory.
func LoadRecords(dir string) ([]vfscore.Record, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "rep_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	recs := make([]vfscore.Record, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("aggregate: read %s: %w", p, err)
		}
		var rec vfscore.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("aggregate: parse %s: %w", p, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func loadInfo(dir string) *batch.Metadata {
	data, err := os.ReadFile(filepath.Join(dir, "batch_info.json"))
	if err != nil {
		return nil
	}
	var meta batch.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

// Median returns the median of values; 0 for an empty slice.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// MAD returns the median absolute deviation of values. Fewer than two
// values carry no dispersion information and yield 0.
func MAD(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	med := Median(values)
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	return Median(devs)
}

// Confidence maps dispersion to [0,1], monotone decreasing in MAD:
// exp(-MAD/confidenceScale), clipped. Identical repeats give 1.
func Confidence(mad float64) float64 {
	return math.Max(0, math.Min(1, math.Exp(-mad/confidenceScale)))
}

// ModelStats are the per-model statistics over all selected repeats.
type ModelStats struct {
	Repeats         []float64          `json:"repeats"`
	Median          float64            `json:"median"`
	SubscoreMedians map[string]float64 `json:"subscores_median,omitempty"`
}

// ItemAggregate is the derived summary for one item. Never the source of
// truth: it is recomputed on demand from the records on disk.
type ItemAggregate struct {
	ItemID       string                `json:"item_id"`
	Models       map[string]ModelStats `json:"scores"`
	FinalScore   float64               `json:"final_score"` // mean of per-model medians
	Confidence   float64               `json:"confidence"`
	MAD          float64               `json:"mad"`
	Batches      int                   `json:"n_batches"`
	TotalRepeats int                   `json:"n_total_repeats"`
	BatchInfos   []batch.Metadata      `json:"batches,omitempty"`
}

// AggregateItem merges every selected batch of every model directory for
// one item and computes the robust statistics.
func AggregateItem(callsDir, itemID string, models []string, f Filter) (ItemAggregate, error) {
	agg := ItemAggregate{
		ItemID: itemID,
		Models: make(map[string]ModelStats),
	}
	var allScores []float64

	for _, model := range models {
		itemDir := filepath.Join(callsDir, model, itemID)
		dirs := f.Apply(DiscoverBatches(itemDir))
		if len(dirs) == 0 {
			continue
		}

		var recs []vfscore.Record
		for _, d := range dirs {
			r, err := LoadRecords(d.Path)
			if err != nil {
				return ItemAggregate{}, err
			}
			recs = append(recs, r...)
			if d.Info != nil {
				agg.BatchInfos = append(agg.BatchInfos, *d.Info)
			}
		}
		if len(recs) == 0 {
			continue
		}
		agg.Batches += len(dirs)

		scores := make([]float64, len(recs))
		subs := make(map[string][]float64)
		for i, r := range recs {
			scores[i] = r.Score
			for k, v := range r.Subscores {
				subs[k] = append(subs[k], v)
			}
		}
		allScores = append(allScores, scores...)

		st := ModelStats{Repeats: scores, Median: Median(scores)}
		if len(subs) > 0 {
			st.SubscoreMedians = make(map[string]float64, len(subs))
			for k, vs := range subs {
				st.SubscoreMedians[k] = Median(vs)
			}
		}
		agg.Models[model] = st
	}

	if len(agg.Models) > 0 {
		var medians []float64
		for _, st := range agg.Models {
			medians = append(medians, st.Median)
		}
		var sum float64
		for _, m := range medians {
			sum += m
		}
		agg.FinalScore = round2(sum / float64(len(medians)))
	}

	agg.MAD = round2(MAD(allScores))
	agg.Confidence = round2(Confidence(MAD(allScores)))
	agg.TotalRepeats = len(allScores)
	return agg, nil
}

// ListModels returns the model directories present under the calls root.
func ListModels(callsDir string) ([]string, error) {
	entries, err := os.ReadDir(callsDir)
	if err != nil {
		return nil, fmt.Errorf("aggregate: read %s: %w", callsDir, err)
	}
	var models []string
	for _, e := range entries {
		if e.IsDir() {
			models = append(models, e.Name())
		}
	}
	sort.Strings(models)
	return models, nil
}

// ListItems returns the union of item IDs across the given models.
func ListItems(callsDir string, models []string) []string {
	seen := make(map[string]bool)
	for _, model := range models {
		entries, err := os.ReadDir(filepath.Join(callsDir, model))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = true
			}
		}
	}
	items := make([]string, 0, len(seen))
	for id := range seen {
		items = append(items, id)
	}
	sort.Strings(items)
	return items
}

// AggregateAll aggregates every item found under the calls root.
func AggregateAll(callsDir string, f Filter) ([]ItemAggregate, error) {
	models, err := ListModels(callsDir)
	if err != nil {
		return nil, err
	}
	items := ListItems(callsDir, models)

	out := make([]ItemAggregate, 0, len(items))
	for _, id := range items {
		agg, err := AggregateItem(callsDir, id, models, f)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, nil
}

// WriteResults exports per-item aggregates as per_item.jsonl and
// per_item.csv under dir.
func WriteResults(dir string, items []ItemAggregate, models []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("aggregate: create %s: %w", dir, err)
	}

	jf, err := os.Create(filepath.Join(dir, "per_item.jsonl"))
	if err != nil {
		return fmt.Errorf("aggregate: create jsonl: %w", err)
	}
	enc := json.NewEncoder(jf)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			jf.Close()
			return fmt.Errorf("aggregate: write jsonl: %w", err)
		}
	}
	if err := jf.Close(); err != nil {
		return err
	}

	cf, err := os.Create(filepath.Join(dir, "per_item.csv"))
	if err != nil {
		return fmt.Errorf("aggregate: create csv: %w", err)
	}
	w := csv.NewWriter(cf)

	header := []string{"item_id", "final_score", "confidence", "mad", "n_batches", "n_total_repeats"}
	for _, m := range models {
		header = append(header, m+"_median")
	}
	if err := w.Write(header); err != nil {
		cf.Close()
		return err
	}

	for _, it := range items {
		row := []string{
			it.ItemID,
			fmt.Sprintf("%.2f", it.FinalScore),
			fmt.Sprintf("%.2f", it.Confidence),
			fmt.Sprintf("%.2f", it.MAD),
			fmt.Sprintf("%d", it.Batches),
			fmt.Sprintf("%d", it.TotalRepeats),
		}
		for _, m := range models {
			if st, ok := it.Models[m]; ok {
				row = append(row, fmt.Sprintf("%.2f", st.Median))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			cf.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		cf.Close()
		return err
	}
	return cf.Close()
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
