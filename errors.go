package memorag

import "errors"

var (
	// ErrInvalidInput is returned for malformed requests: empty question,
	// ingest with no source, or an unknown retrieval mode.
	ErrInvalidInput = errors.New("memorag: invalid input")

	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = errors.New("memorag: document not found")

	// ErrUnsupportedType is returned for document types without an extractor.
	ErrUnsupportedType = errors.New("memorag: unsupported document type")

	// ErrExtractionFailed is returned when text extraction fails or yields
	// no usable text.
	ErrExtractionFailed = errors.New("memorag: text extraction failed")

	// ErrEmbeddingFailed is returned when embedding generation fails or the
	// provider returns vectors of the wrong dimension.
	ErrEmbeddingFailed = errors.New("memorag: embedding generation failed")

	// ErrLLMUnavailable is returned when the LM endpoint is unreachable.
	ErrLLMUnavailable = errors.New("memorag: LM provider unavailable")

	// ErrLLMRequestFailed is returned when generation fails after retries.
	ErrLLMRequestFailed = errors.New("memorag: LM request failed")

	// ErrStorage is returned when a chunk store or vector index operation fails.
	ErrStorage = errors.New("memorag: storage operation failed")
)
