package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/devblac/chainforge/internal/fault"
)

// Artifact is an uploaded, immutable piece of content.
type Artifact struct {
	Hash   string `json:"hash"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	Pinned bool   `json:"pinned"`
}

// Bundle is an image plus the metadata document that references it.
type Bundle struct {
	Image       Artifact `json:"image"`
	Metadata    Artifact `json:"metadata"`
	MetadataURL string   `json:"metadata_url"`
}

// ProgressFunc receives (transferred, total) byte counts during an upload.
type ProgressFunc func(transferred, total int64)

// Store uploads and retrieves artifacts through one Backend and builds
// retrieval URLs against a public gateway.
type Store struct {
	backend Backend
	gateway string
	logger  *slog.Logger
}

func NewStore(backend Backend, gatewayURL string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		gateway: strings.TrimRight(gatewayURL, "/"),
		logger:  logger,
	}
}

// URL returns the gateway URL for hash.
func (s *Store) URL(hash string) string {
	return s.gateway + "/ipfs/" + hash
}

// UploadBinary uploads data. progress may be nil.
func (s *Store) UploadBinary(ctx context.Context, data []byte, name string, progress ProgressFunc) (Artifact, error) {
	if len(data) == 0 {
		return Artifact{}, fault.New(fault.InvalidInput, "artifact.upload", "empty payload")
	}
	if name == "" {
		name = "blob"
	}
	var r io.Reader = bytes.NewReader(data)
	if progress != nil {
		r = &progressReader{r: r, total: int64(len(data)), fn: progress}
	}
	hash, err := s.backend.Add(ctx, name, r)
	if err != nil {
		return Artifact{}, classify("artifact.upload", err)
	}
	s.logger.Debug("artifact uploaded", "hash", hash, "name", name, "size", len(data))
	return Artifact{Hash: hash, URL: s.URL(hash), Size: int64(len(data)), Pinned: true}, nil
}

// UploadJSON uploads value as JSON. json.RawMessage and []byte values are
// uploaded verbatim so Fetch returns the same bytes.
func (s *Store) UploadJSON(ctx context.Context, value any, name string) (Artifact, error) {
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return Artifact{}, fault.Wrap(fault.InvalidInput, "artifact.upload_json", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return Artifact{}, fault.New(fault.InvalidInput, "artifact.upload_json", "payload is not valid JSON")
	}
	if name == "" {
		name = "data.json"
	}
	return s.UploadBinary(ctx, raw, name, nil)
}

// UploadBundle uploads image, sets metadata["image"] to its URL and uploads
// the metadata. The caller's map is not modified.
func (s *Store) UploadBundle(ctx context.Context, image []byte, name string, metadata map[string]any) (Bundle, error) {
	img, err := s.UploadBinary(ctx, image, name, nil)
	if err != nil {
		return Bundle{}, err
	}
	doc := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		doc[k] = v
	}
	doc["image"] = img.URL
	meta, err := s.UploadJSON(ctx, doc, name+".json")
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Image: img, Metadata: meta, MetadataURL: meta.URL}, nil
}

// Pin requests durable storage of hash. Failures are logged, not returned.
func (s *Store) Pin(ctx context.Context, hash string) bool {
	if err := s.backend.Pin(ctx, hash); err != nil {
		s.logger.Warn("pin failed", "hash", hash, "err", err)
		return false
	}
	return true
}

// Unpin releases hash. Failures are logged, not returned.
func (s *Store) Unpin(ctx context.Context, hash string) bool {
	if err := s.backend.Unpin(ctx, hash); err != nil {
		s.logger.Warn("unpin failed", "hash", hash, "err", err)
		return false
	}
	return true
}

// Fetch returns the content stored under hash.
func (s *Store) Fetch(ctx context.Context, hash string) ([]byte, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, fault.New(fault.InvalidInput, "artifact.fetch", "missing hash")
	}
	data, err := s.backend.Cat(ctx, hash)
	if err != nil {
		return nil, classify("artifact.fetch", err)
	}
	return data, nil
}

// Ping checks the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify("artifact.ping", s.backend.Ping(ctx))
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fault.Wrap(fault.NetworkUnavailable, op, err)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrQuotaExceeded):
		return fault.Wrap(fault.UpstreamFailure, op, err)
	default:
		return fault.Wrap(fault.UpstreamFailure, op, err)
	}
}

type progressReader struct {
	r           io.Reader
	transferred int64
	total       int64
	fn          ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.transferred += int64(n)
		p.fn(p.transferred, p.total)
	}
	return n, err
}
