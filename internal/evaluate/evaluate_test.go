package evaluate

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ecg-diagnosis/internal/extract"
	"ecg-diagnosis/internal/ml"
	"ecg-diagnosis/internal/pca"
	"ecg-diagnosis/internal/pipeline"
	"ecg-diagnosis/internal/signal"
	"ecg-diagnosis/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type stubExtractor struct {
	leads []signal.LeadSignal
}

func (e stubExtractor) Extract(_ context.Context, _ image.Image) ([]signal.LeadSignal, error) {
	return e.leads, nil
}

// testPipeline scores lead I against lead II: the class is Normal when lead I
// carries more energy, Abnormal Heartbeat otherwise.
func testPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	proj, err := pca.NewProjectionModel(make([]float64, 4), mat.NewDense(4, 2, []float64{
		1, 0,
		1, 0,
		0, 1,
		0, 1,
	}))
	require.NoError(t, err)

	clf, err := ml.NewLinearClassifier(ml.LinearArtifact{
		Classes:   []string{"Normal", "Abnormal Heartbeat"},
		Coef:      [][]float64{{1, -1}, {-1, 1}},
		Intercept: []float64{0, 0},
	})
	require.NoError(t, err)

	p, err := pipeline.New(signal.NewBuilder("I", "II"), proj, clf, nil)
	require.NoError(t, err)
	return p
}

func leads(i, ii float64) []signal.LeadSignal {
	return []signal.LeadSignal{
		{Name: "I", Samples: []float64{i, i}},
		{Name: "II", Samples: []float64{ii, ii}},
	}
}

func labeledSamples() []Sample {
	return []Sample{
		{ID: "a", Label: "Normal", Leads: leads(1, 0)},
		{ID: "b", Label: "Normal", Leads: leads(1, 0)},
		{ID: "c", Label: "Normal", Leads: leads(0, 1)},
		{ID: "d", Label: "Abnormal Heartbeat", Leads: leads(0, 1)},
		{ID: "e", Label: "Normal", Leads: leads(1, 0)[:1]},
		{ID: "f", Label: "Unknown", Leads: leads(1, 0)},
	}
}

func TestEngine_Metrics(t *testing.T) {
	dl := NewDataLoader()
	dl.Add(labeledSamples()...)

	engine := NewEngine(testPipeline(t), dl)
	require.NoError(t, engine.Run(context.Background()))
	res := engine.Results()

	assert.Equal(t, 6, res.Total)
	assert.Equal(t, 4, res.Evaluated)
	assert.Equal(t, 3, res.Correct)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Unlabeled)
	assert.InDelta(t, 0.75, res.Accuracy, 1e-9)
	assert.Equal(t, [][]int{{2, 1}, {0, 1}}, res.Confusion)
	assert.Equal(t, map[string]int{pipeline.KindEmptyInput: 1}, res.ErrorsByKind)

	normal := res.PerClass["Normal"]
	assert.Equal(t, 3, normal.Support)
	assert.InDelta(t, 1.0, normal.Precision, 1e-9)
	assert.InDelta(t, 2.0/3, normal.Recall, 1e-9)
	assert.InDelta(t, 0.8, normal.F1, 1e-9)

	abnormal := res.PerClass["Abnormal Heartbeat"]
	assert.Equal(t, 1, abnormal.Support)
	assert.InDelta(t, 0.5, abnormal.Precision, 1e-9)
	assert.InDelta(t, 1.0, abnormal.Recall, 1e-9)
	assert.InDelta(t, (0.8+2.0/3)/2, res.MacroF1, 1e-9)

	require.Len(t, res.Outcomes, 6)
	assert.Equal(t, "Abnormal Heartbeat", res.Outcomes[2].Predicted)
	assert.False(t, res.Outcomes[2].Correct)
	assert.Contains(t, res.Outcomes[4].Error, "II")
}

func TestEngine_RunTwice(t *testing.T) {
	dl := NewDataLoader()
	dl.Add(labeledSamples()...)
	engine := NewEngine(testPipeline(t), dl)

	require.NoError(t, engine.Run(context.Background()))
	first := engine.Results()
	require.NoError(t, engine.Run(context.Background()))
	second := engine.Results()

	for _, res := range []*Results{first, second} {
		assert.Equal(t, 6, res.Total)
		assert.Equal(t, 4, res.Evaluated)
		assert.Equal(t, 3, res.Correct)
		assert.Equal(t, 1, res.Failed)
		assert.Len(t, res.Outcomes, 6)
		assert.Equal(t, [][]int{{2, 1}, {0, 1}}, res.Confusion)
		assert.Equal(t, map[string]int{pipeline.KindEmptyInput: 1}, res.ErrorsByKind)
	}
}

func TestEngine_Canceled(t *testing.T) {
	dl := NewDataLoader()
	dl.Add(labeledSamples()...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewEngine(testPipeline(t), dl).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_Empty(t *testing.T) {
	engine := NewEngine(testPipeline(t), NewDataLoader())
	require.NoError(t, engine.Run(context.Background()))
	res := engine.Results()
	assert.Zero(t, res.Total)
	assert.Zero(t, res.Accuracy)
}

func TestDataLoader_CSV(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	require.NoError(t, extract.EncodePNG(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "normal.png"), buf.Bytes(), 0o644))

	manifest := "image,label\nnormal.png,Normal\nmissing.png,Normal\n"
	manifestPath := filepath.Join(dir, "manifest.csv")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))

	dl := NewDataLoader()
	require.NoError(t, dl.LoadFromCSV(manifestPath))
	require.Equal(t, 2, dl.Count())

	first := dl.Next()
	assert.Equal(t, "normal.png", first.ID)
	assert.Equal(t, filepath.Join(dir, "normal.png"), first.ImagePath)
	assert.InDelta(t, 50.0, dl.Progress(), 1e-9)

	p := testPipeline(t).WithExtractor(stubExtractor{leads: leads(1, 0)})
	engine := NewEngine(p, dl)
	require.NoError(t, engine.Run(context.Background()))
	res := engine.Results()

	assert.Equal(t, 1, res.Correct)
	assert.Equal(t, 1, res.Failed, "missing image is recorded, not fatal")
	assert.Equal(t, pipeline.KindInternal, res.Outcomes[1].ErrorKind)
}

func TestDataLoader_CSVErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("file,diagnosis\na.png,Normal\n"), 0o644))

	dl := NewDataLoader()
	assert.Error(t, dl.LoadFromCSV(path))
	assert.Error(t, dl.LoadFromCSV(filepath.Join(dir, "absent.csv")))
}

func TestDataLoader_JSON(t *testing.T) {
	dir := t.TempDir()
	samples := labeledSamples()[:2]

	t.Run("array", func(t *testing.T) {
		data, err := json.Marshal(samples)
		require.NoError(t, err)
		path := filepath.Join(dir, "samples.json")
		require.NoError(t, os.WriteFile(path, data, 0o644))

		dl := NewDataLoader()
		require.NoError(t, dl.LoadFromJSON(path))
		assert.Equal(t, 2, dl.Count())
		assert.Equal(t, "a", dl.Next().ID)
	})

	t.Run("stream", func(t *testing.T) {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, s := range samples {
			s.ID = ""
			require.NoError(t, enc.Encode(s))
		}
		path := filepath.Join(dir, "samples.jsonl")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

		dl := NewDataLoader()
		require.NoError(t, dl.LoadFromJSON(path))
		require.Equal(t, 2, dl.Count())
		assert.Equal(t, "samples.jsonl#2", dl.samples[1].ID)
		assert.Equal(t, leads(1, 0), dl.samples[1].Leads)
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"id": "x", "leads": [`), 0o644))
		assert.Error(t, NewDataLoader().LoadFromJSON(path))
	})
}

func TestDataLoader_History(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	withLeads := &storage.Record{Label: "Normal"}
	require.NoError(t, store.SaveRecord(withLeads))
	require.NoError(t, store.StoreLeads(withLeads.ID, leads(1, 0)))
	require.NoError(t, store.SaveRecord(&storage.Record{Label: "Normal"}))

	dl := NewDataLoader()
	now := time.Now()
	require.NoError(t, dl.LoadFromHistory(store, now.Add(-time.Hour), now.Add(time.Minute)))
	require.Equal(t, 1, dl.Count(), "records without leads are skipped")

	engine := NewEngine(testPipeline(t), dl)
	require.NoError(t, engine.Run(context.Background()))
	assert.Equal(t, 1, engine.Results().Correct)
}

func TestReporter(t *testing.T) {
	dl := NewDataLoader()
	dl.Add(labeledSamples()...)
	engine := NewEngine(testPipeline(t), dl)
	require.NoError(t, engine.Run(context.Background()))

	out := filepath.Join(t.TempDir(), "report")
	reporter := NewReporter(engine.Results(), out)
	require.NoError(t, reporter.GenerateReport())

	for _, name := range []string{
		"evaluation_summary.txt",
		"predictions.csv",
		"evaluation_results.json",
		"recall_by_class.png",
	} {
		info, err := os.Stat(filepath.Join(out, name))
		require.NoError(t, err, name)
		assert.NotZero(t, info.Size(), name)
	}

	data, err := os.ReadFile(filepath.Join(out, "evaluation_results.json"))
	require.NoError(t, err)
	var decoded Results
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 3, decoded.Correct)

	var summary bytes.Buffer
	reporter.PrintSummary(&summary)
	assert.Contains(t, summary.String(), "Accuracy: 75.00%")
	assert.Contains(t, summary.String(), "empty_input: 1")
}
