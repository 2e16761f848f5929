package common

import "time"

// Canonical lead names, in the order the printout grid is read and the
// signal vector is concatenated.
const (
	LeadI    = "I"
	LeadII   = "II"
	LeadIII  = "III"
	LeadAVR  = "aVR"
	LeadAVL  = "aVL"
	LeadAVF  = "aVF"
	LeadV1   = "V1"
	LeadV2   = "V2"
	LeadV3   = "V3"
	LeadV4   = "V4"
	LeadV5   = "V5"
	LeadV6   = "V6"
	LeadLong = "II-long" // rhythm strip printed under the 3x4 grid
)

// StandardLeads returns the twelve standard leads in canonical order.
func StandardLeads() []string {
	return []string{
		LeadI, LeadAVR, LeadV1, LeadV4,
		LeadII, LeadAVL, LeadV2, LeadV5,
		LeadIII, LeadAVF, LeadV3, LeadV6,
	}
}

// AllLeads returns the standard leads followed by the long rhythm lead.
func AllLeads() []string {
	return append(StandardLeads(), LeadLong)
}

// Environment variable keys
const (
	EnvConfigFile        = "CONFIG_FILE"
	EnvPort              = "PORT"
	EnvMetricsPort       = "METRICS_PORT"
	EnvProjectionPath    = "PROJECTION_PATH"
	EnvClassifierPath    = "CLASSIFIER_PATH"
	EnvClassifierURL     = "CLASSIFIER_URL"
	EnvClassifierTimeout = "CLASSIFIER_TIMEOUT"
	EnvClassifierRetries = "CLASSIFIER_RETRIES"
	EnvDataPath          = "DATA_PATH"
	EnvMaxUploadMB       = "MAX_UPLOAD_MB"
	EnvSamplesPerLead    = "SAMPLES_PER_LEAD"
	EnvIncludeLongLead   = "INCLUDE_LONG_LEAD"
	EnvRequestTimeout    = "REQUEST_TIMEOUT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFormat         = "LOG_FORMAT"
	EnvClasses           = "CLASSES"
	EnvEnvFile           = "ENV_FILE"
)

// Configuration defaults
const (
	DefaultPort              = 8501
	DefaultMetricsPort       = 9090
	DefaultProjectionPath    = "models/PCA_ECG.bin"
	DefaultClassifierPath    = "models/classifier.json"
	DefaultClassifierRetries = 2
	DefaultClassifierTimeout = 5 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultDataPath          = "data"
	DefaultMaxUploadMB       = 10
	DefaultSamplesPerLead    = 255
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
)

// Default diagnostic labels, indexed by classifier output.
var DefaultClasses = []string{
	"Abnormal Heartbeat",
	"Myocardial Infarction",
	"Normal",
	"History of Myocardial Infarction",
}

// Validation constants
const (
	MinPort           = 1024
	MaxPort           = 65535
	MinSamplesPerLead = 16
	MaxSamplesPerLead = 4096
	MaxUploadMBLimit  = 100
	MaxClassifierTry  = 10

	// MaxImagePixels caps decoded uploads; a small compressed file can
	// declare a canvas far larger than the upload limit.
	MaxImagePixels = 40_000_000
)
