package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Meta — блок метаданных (front-matter) записи.
type Meta struct {
	Type       string     `yaml:"type"`
	Status     string     `yaml:"status,omitempty"`
	Priority   string     `yaml:"priority,omitempty"`
	Created    time.Time  `yaml:"created"`
	Expires    *time.Time `yaml:"expires,omitempty"`
	Amount     *float64   `yaml:"amount,omitempty"`
	Reason     string     `yaml:"reason,omitempty"`
	Action     string     `yaml:"action,omitempty"`
	Owner      string     `yaml:"owner,omitempty"`
	Component  string     `yaml:"component,omitempty"`
	RetryCount int        `yaml:"retry_count,omitempty"`
	ClaimedAt  *time.Time `yaml:"claimed_at,omitempty"`

	// Произвольные ключи от коллекторов (from, subject, source ...)
	Extra map[string]string `yaml:",inline"`
}

// Record — то, что лежит в коллекции: метаданные + свободное тело.
type Record struct {
	ID         string
	Collection Collection
	Meta       Meta
	Body       []byte
}

func (r *Record) Clone() *Record {
	c := *r
	c.Body = append([]byte(nil), r.Body...)
	if r.Meta.Extra != nil {
		c.Meta.Extra = make(map[string]string, len(r.Meta.Extra))
		for k, v := range r.Meta.Extra {
			c.Meta.Extra[k] = v
		}
	}
	return &c
}

var delimiter = []byte("---")

// Encode сериализует запись в wire-формат: "---\n<yaml>---\n<body>".
func Encode(r *Record) ([]byte, error) {
	meta, err := yaml.Marshal(&r.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(meta) + len(r.Body) + 8)
	buf.Write(delimiter)
	buf.WriteByte('\n')
	buf.Write(meta)
	buf.Write(delimiter)
	buf.WriteByte('\n')
	buf.Write(r.Body)
	return buf.Bytes(), nil
}

// Decode разбирает wire-формат. Любая проблема с блоком метаданных — ErrMalformed.
func Decode(id string, data []byte) (*Record, error) {
	if !bytes.HasPrefix(data, delimiter) {
		return nil, fmt.Errorf("%w: %s: missing front-matter", ErrMalformed, id)
	}
	rest := data[len(delimiter):]
	rest = bytes.TrimPrefix(rest, []byte("\r"))
	if !bytes.HasPrefix(rest, []byte("\n")) {
		return nil, fmt.Errorf("%w: %s: missing front-matter", ErrMalformed, id)
	}
	rest = rest[1:]

	var metaBlock, body []byte
	switch {
	case bytes.HasPrefix(rest, delimiter):
		// Пустой блок метаданных
		body = rest[len(delimiter):]
	default:
		end := bytes.Index(rest, []byte("\n---"))
		if end < 0 {
			return nil, fmt.Errorf("%w: %s: unterminated front-matter", ErrMalformed, id)
		}
		metaBlock = rest[:end+1]
		body = rest[end+1+len(delimiter):]
	}
	body = bytes.TrimPrefix(body, []byte("\r"))
	body = bytes.TrimPrefix(body, []byte("\n"))

	rec := &Record{ID: id, Body: append([]byte(nil), body...)}
	if err := yaml.Unmarshal(metaBlock, &rec.Meta); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, id, err)
	}
	if rec.Meta.Type == "" {
		return nil, fmt.Errorf("%w: %s: missing type", ErrMalformed, id)
	}
	return rec, nil
}

// Digest — хэш содержимого для сравнения реплик.
func Digest(r *Record) string {
	data, err := Encode(r)
	if err != nil {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(r.Collection))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
