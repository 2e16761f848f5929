package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ModelMetadata describes a trained classifier. It is read from a JSON
// sidecar next to the classifier artifact.
type ModelMetadata struct {
	Version       string    `json:"version"`
	TrainedAt     time.Time `json:"trained_at"`
	Classes       []string  `json:"classes,omitempty"`
	Components    int       `json:"components,omitempty"`
	Features      int       `json:"features,omitempty"`
	Accuracy      float64   `json:"accuracy,omitempty"`
	TrainingRows  int       `json:"training_rows,omitempty"`
	ValidationAcc float64   `json:"validation_accuracy,omitempty"`
}

// LoadMetadata reads model_metadata.json from the directory holding
// modelPath, falling back to the newest model_metadata_*.json.
func LoadMetadata(modelPath string) (*ModelMetadata, error) {
	dir := filepath.Dir(modelPath)
	primary := filepath.Join(dir, "model_metadata.json")

	if md, err := decodeMetadata(primary); err == nil {
		return md, nil
	}

	pattern := filepath.Join(dir, "model_metadata_*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob metadata: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no metadata files in %s", dir)
	}
	sort.Strings(matches)                          // chronological order
	return decodeMetadata(matches[len(matches)-1]) // newest
}

func decodeMetadata(path string) (*ModelMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var md ModelMetadata
	if err := json.NewDecoder(file).Decode(&md); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &md, nil
}
