package pca

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ecg-diagnosis/internal/artifact"

	"gonum.org/v1/gonum/mat"
)

const formatVersion = 1

var magic = [8]byte{'E', 'C', 'G', 'P', 'C', 'A', '0', '1'}

type header struct {
	Magic      [8]byte
	Version    uint32
	Features   uint32
	Components uint32
}

// Load reads a projection artifact from path. A path that does not resolve
// to a readable file yields *artifact.NotFoundError.
func Load(path string) (*ProjectionModel, error) {
	var p *ProjectionModel
	err := artifact.With(path, func(r io.Reader) error {
		var err error
		p, err = Read(bufio.NewReader(r))
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Read decodes a projection artifact: a fixed header followed by the gonum
// binary encodings of the mean vector and the projection matrix.
func Read(r io.Reader) (*ProjectionModel, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("read projection header: %w", err)
	}
	if h.Magic != magic {
		return nil, fmt.Errorf("not a projection artifact (magic %q)", h.Magic[:])
	}
	if h.Version != formatVersion {
		return nil, fmt.Errorf("unsupported projection artifact version %d", h.Version)
	}

	var mean mat.VecDense
	if _, err := mean.UnmarshalBinaryFrom(r); err != nil {
		return nil, fmt.Errorf("decode projection mean: %w", err)
	}
	var components mat.Dense
	if _, err := components.UnmarshalBinaryFrom(r); err != nil {
		return nil, fmt.Errorf("decode projection matrix: %w", err)
	}

	rows, cols := components.Dims()
	if mean.Len() != int(h.Features) || rows != int(h.Features) || cols != int(h.Components) {
		return nil, fmt.Errorf("projection artifact declares %dx%d but holds mean[%d] and %dx%d matrix",
			h.Features, h.Components, mean.Len(), rows, cols)
	}

	return NewProjectionModel(mat.Col(nil, 0, &mean), &components)
}

// WriteTo encodes the model in the artifact format.
func (p *ProjectionModel) WriteTo(w io.Writer) (int64, error) {
	h := header{
		Magic:      magic,
		Version:    formatVersion,
		Features:   uint32(p.ExpectedFeatures()),
		Components: uint32(p.Components()),
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return 0, fmt.Errorf("write projection header: %w", err)
	}
	n := int64(binary.Size(h))

	m, err := p.mean.MarshalBinaryTo(w)
	n += int64(m)
	if err != nil {
		return n, fmt.Errorf("encode projection mean: %w", err)
	}
	m, err = p.components.MarshalBinaryTo(w)
	n += int64(m)
	if err != nil {
		return n, fmt.Errorf("encode projection matrix: %w", err)
	}
	return n, nil
}

// Save writes the model to path atomically.
func (p *ProjectionModel) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pca-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if _, err := p.WriteTo(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Export is the JSON layout produced by scikit-learn's PCA: components_ is
// n_components x n_features.
type Export struct {
	Mean       []float64   `json:"mean"`
	Components [][]float64 `json:"components"`
}

// FromExport builds a model from a scikit-learn style export, transposing
// components into the features x components layout.
func FromExport(e Export) (*ProjectionModel, error) {
	if len(e.Components) == 0 {
		return nil, fmt.Errorf("export has no components")
	}
	if len(e.Mean) == 0 {
		return nil, fmt.Errorf("export has no mean")
	}
	nComp, nFeat := len(e.Components), len(e.Mean)
	w := mat.NewDense(nFeat, nComp, nil)
	for c, row := range e.Components {
		if len(row) != nFeat {
			return nil, fmt.Errorf("component %d has %d entries, mean has %d", c, len(row), nFeat)
		}
		w.SetCol(c, row)
	}
	return NewProjectionModel(e.Mean, w)
}

// ReadExport decodes a JSON export from r.
func ReadExport(r io.Reader) (*ProjectionModel, error) {
	var e Export
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode projection export: %w", err)
	}
	return FromExport(e)
}
