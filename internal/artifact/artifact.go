// Package artifact normalizes raw outputs harvested from a sandbox into
// identified, checksummed artifacts.
package artifact

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Type string

const (
	TypeImage       Type = "image"
	TypeData        Type = "data"
	TypeFile        Type = "file"
	TypeInteractive Type = "interactive"
)

type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingText   Encoding = "text"
)

// Metadata describes how an artifact was produced and should be rendered.
type Metadata struct {
	Description   string         `json:"description,omitempty"`
	Tags          []string       `json:"tags"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	SourceCode    string         `json:"source_code,omitempty"`
	RenderOptions map[string]any `json:"render_options,omitempty"`
	Interactive   bool           `json:"interactive"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Artifact is a normalized sandbox output. Data holds the payload in the
// stated Encoding and Checksum covers Data exactly as stored.
type Artifact struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Format    string    `json:"format"`
	Data      string    `json:"data"`
	Encoding  Encoding  `json:"encoding"`
	Filename  string    `json:"filename"`
	SizeBytes int       `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// Raw is an artifact as reported by a sandbox before normalization.
type Raw struct {
	Type     Type           `json:"type"`
	Format   string         `json:"format"`
	Data     string         `json:"data"`
	Encoding Encoding       `json:"encoding"`
	Filename string         `json:"filename"`
	Metadata map[string]any `json:"metadata"`
}

const checksumPrefix = "sha256:"

// Processor turns raw artifacts into Artifacts.
type Processor struct {
	now   func() time.Time
	newID func() string
}

type Option func(*Processor)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process normalizes raws. Entries without a type or payload are dropped
// with a warning; the rest keep their input order.
func (p *Processor) Process(raws []Raw) []Artifact {
	out := make([]Artifact, 0, len(raws))
	for i, r := range raws {
		if r.Type == "" || r.Data == "" {
			log.Warn().Int("index", i).Str("filename", r.Filename).Msg("dropping malformed artifact")
			continue
		}
		out = append(out, p.normalize(r))
	}
	return out
}

func (p *Processor) normalize(r Raw) Artifact {
	now := p.now()

	a := Artifact{
		ID:        p.newID(),
		Type:      r.Type,
		Format:    r.Format,
		Data:      r.Data,
		Encoding:  r.Encoding,
		Filename:  r.Filename,
		SizeBytes: payloadSize(r.Data, r.Encoding),
		Checksum:  Checksum(r.Data),
		Metadata:  metadataFrom(r.Metadata),
		CreatedAt: now,
	}
	if a.Format == "" {
		a.Format = "unknown"
	}
	if a.Encoding == "" {
		a.Encoding = EncodingText
	}
	if a.Filename == "" {
		a.Filename = fmt.Sprintf("artifact_%d", now.UnixMilli())
	}
	return a
}

// payloadSize is the size of the decoded payload. Undecodable base64 counts
// as text.
func payloadSize(data string, enc Encoding) int {
	if enc == EncodingBase64 {
		if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
			return len(raw)
		}
	}
	return len(data)
}

func metadataFrom(raw map[string]any) Metadata {
	md := Metadata{Tags: []string{}}
	if len(raw) == 0 {
		return md
	}
	extra := make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case "description":
			if s, ok := v.(string); ok {
				md.Description = s
				continue
			}
		case "interactive":
			if b, ok := v.(bool); ok {
				md.Interactive = b
				continue
			}
		case "tags":
			if tags, ok := stringSlice(v); ok {
				md.Tags = tags
				continue
			}
		}
		extra[k] = v
	}
	if len(extra) > 0 {
		md.Extra = extra
	}
	return md
}

func stringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}

// Checksum returns the sha256 digest of data in "sha256:<hex>" form.
func Checksum(data string) string {
	sum := sha256.Sum256([]byte(data))
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// Verify recomputes the checksum of a and compares it to the stored one.
func Verify(a Artifact) bool {
	return a.Checksum == Checksum(a.Data)
}
