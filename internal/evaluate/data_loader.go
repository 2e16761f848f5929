// Package evaluate scores the diagnosis pipeline against labeled samples:
// printout images listed in a CSV manifest, lead recordings in JSON, or
// records from the prediction history.
package evaluate

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ecg-diagnosis/internal/signal"
	"ecg-diagnosis/internal/storage"

	"github.com/rs/zerolog/log"
)

// Sample is one labeled input. Exactly one of ImagePath and Leads is set.
type Sample struct {
	ID        string              `json:"id"`
	Label     string              `json:"label"`
	ImagePath string              `json:"image,omitempty"`
	Leads     []signal.LeadSignal `json:"leads,omitempty"`
}

// DataLoader holds samples and serves them in load order.
type DataLoader struct {
	samples []Sample
	index   int
}

// NewDataLoader creates an empty data loader
func NewDataLoader() *DataLoader {
	return &DataLoader{
		samples: make([]Sample, 0),
	}
}

// Add appends samples directly.
func (dl *DataLoader) Add(samples ...Sample) {
	dl.samples = append(dl.samples, samples...)
}

// LoadFromCSV loads an image manifest with "image" and "label" columns and an
// optional "id" column. Relative image paths resolve against the manifest's
// directory.
func (dl *DataLoader) LoadFromCSV(filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	// Read header
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	imageCol, okImage := cols["image"]
	labelCol, okLabel := cols["label"]
	if !okImage || !okLabel {
		return fmt.Errorf("CSV header must include image and label columns, got %v", header)
	}
	idCol, hasID := cols["id"]

	base := filepath.Dir(filePath)
	loaded := 0
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("CSV line %d: %w", line, err)
		}

		path := row[imageCol]
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		id := filepath.Base(path)
		if hasID && row[idCol] != "" {
			id = row[idCol]
		}
		dl.samples = append(dl.samples, Sample{
			ID:        id,
			Label:     strings.TrimSpace(row[labelCol]),
			ImagePath: path,
		})
		loaded++
	}

	log.Info().
		Str("file", filePath).
		Int("samples", loaded).
		Msg("CSV manifest loaded successfully")

	return nil
}

// LoadFromJSON loads a stream of Sample objects carrying leads. A JSON array
// of samples is accepted as well.
func (dl *DataLoader) LoadFromJSON(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to open JSON file: %w", err)
	}

	var samples []Sample
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &samples); err != nil {
			return fmt.Errorf("failed to decode JSON samples: %w", err)
		}
	} else {
		decoder := json.NewDecoder(strings.NewReader(trimmed))
		for decoder.More() {
			var s Sample
			if err := decoder.Decode(&s); err != nil {
				return fmt.Errorf("failed to decode JSON sample %d: %w", len(samples)+1, err)
			}
			samples = append(samples, s)
		}
	}

	for i := range samples {
		if samples[i].ID == "" {
			samples[i].ID = fmt.Sprintf("%s#%d", filepath.Base(filePath), i+1)
		}
	}
	dl.samples = append(dl.samples, samples...)

	log.Info().
		Str("file", filePath).
		Int("samples", len(samples)).
		Msg("JSON samples loaded successfully")

	return nil
}

// LoadFromHistory loads stored predictions with their leads. The recorded
// label becomes the expected label, so a run measures agreement between the
// current model and the one that produced the history.
func (dl *DataLoader) LoadFromHistory(store *storage.Store, startTime, endTime time.Time) error {
	log.Info().
		Time("start", startTime).
		Time("end", endTime).
		Msg("Loading samples from history")

	records, err := store.RecordsInRange(startTime, endTime)
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}

	skipped := 0
	for _, rec := range records {
		leads, err := store.GetLeads(rec.ID)
		if errors.Is(err, storage.ErrNotFound) {
			skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load leads for %s: %w", rec.ID, err)
		}
		dl.samples = append(dl.samples, Sample{ID: rec.ID, Label: rec.Label, Leads: leads})
	}

	log.Info().
		Int("samples", len(records)-skipped).
		Int("skipped", skipped).
		Msg("History loaded successfully")

	return nil
}

// Reset resets the data loader to the beginning
func (dl *DataLoader) Reset() {
	dl.index = 0
}

// HasNext returns true if there's more data to process
func (dl *DataLoader) HasNext() bool {
	return dl.index < len(dl.samples)
}

// Next returns the next sample
func (dl *DataLoader) Next() Sample {
	if dl.index >= len(dl.samples) {
		return Sample{}
	}

	s := dl.samples[dl.index]
	dl.index++
	return s
}

// Count returns the total number of samples
func (dl *DataLoader) Count() int {
	return len(dl.samples)
}

// Progress returns the current progress as a percentage
func (dl *DataLoader) Progress() float64 {
	if len(dl.samples) == 0 {
		return 100.0
	}
	return float64(dl.index) / float64(len(dl.samples)) * 100.0
}
