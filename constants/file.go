package constants

import "strings"

// Backend names accepted in BACKENDS / backends config.
const (
	BackendGeometry = "geometry"
	BackendOCR      = "ocr"
	BackendDocAI    = "docai"
	BackendLLM      = "llm"
)

// KnownBackends holds every backend name the processor can build.
var KnownBackends = map[string]struct{}{
	BackendGeometry: {},
	BackendOCR:      {},
	BackendDocAI:    {},
	BackendLLM:      {},
}

// MimePDF is the only document type the pipeline accepts.
const MimePDF = "application/pdf"

// ManifestExtensions holds the file extensions accepted by ingest.
var ManifestExtensions = map[string]struct{}{
	"csv":  {},
	"xlsx": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
