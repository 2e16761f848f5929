package cfg

import (
	"fmt"
	"strings"
	"time"
)

// Settings is the resolved service configuration.
type Settings struct {
	Port              int
	MetricsPort       int
	ProjectionPath    string
	ClassifierPath    string
	ClassifierURL     string
	ClassifierTimeout time.Duration
	ClassifierRetries int
	Classes           []string
	DataPath          string
	MaxUploadMB       int
	SamplesPerLead    int
	IncludeLongLead   bool
	RequestTimeout    time.Duration
	LogLevel          string
	LogFormat         string
}

// Addr is the API listen address.
func (s *Settings) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// MetricsAddr is the metrics listen address.
func (s *Settings) MetricsAddr() string {
	return fmt.Sprintf(":%d", s.MetricsPort)
}

// UsesRemoteClassifier reports whether predictions are delegated to an
// inference service instead of a local artifact.
func (s *Settings) UsesRemoteClassifier() bool {
	return s.ClassifierURL != ""
}

// MaxUploadBytes is the upload size limit in bytes.
func (s *Settings) MaxUploadBytes() int64 {
	return int64(s.MaxUploadMB) << 20
}

// ConsoleLogs reports whether logs should be human readable.
func (s *Settings) ConsoleLogs() bool {
	return strings.EqualFold(s.LogFormat, "console")
}
