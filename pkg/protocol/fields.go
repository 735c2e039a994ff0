package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Encoding selects how textual packet sections are laid out.
type Encoding int

const (
	// EncodingText joins positional fields with a separator.
	EncodingText Encoding = iota
	// EncodingJSON writes sections as JSON objects.
	EncodingJSON
)

func (e Encoding) String() string {
	if e == EncodingJSON {
		return "json"
	}
	return "text"
}

// ParseEncoding maps a configuration value to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return EncodingText, nil
	case "json":
		return EncodingJSON, nil
	default:
		return EncodingText, fmt.Errorf("unknown encoding %q", s)
	}
}

const (
	SeparatorBar   = "|"
	SeparatorBlank = " "

	jsonSentinel = '{'
)

// field is one named textual value inside a packet section.
type field struct {
	key     string
	value   string
	numeric bool
}

func strField(key, value string) field { return field{key: key, value: value} }

func intField(key string, v int64) field {
	return field{key: key, value: strconv.FormatInt(v, 10), numeric: true}
}

// fieldCodec is the per-connection strategy for textual sections.
type fieldCodec interface {
	encoding() Encoding
	encode(fields []field) ([]byte, error)
	// decode returns one value per key; absent trailing keys are "".
	decode(b []byte, keys []string, min int) ([]string, error)
}

type textFields struct {
	separator string
}

func (textFields) encoding() Encoding { return EncodingText }

func (f textFields) encode(fields []field) ([]byte, error) {
	var buf bytes.Buffer
	for i, fd := range fields {
		if i < len(fields)-1 && strings.Contains(fd.value, f.separator) {
			return nil, fmt.Errorf("field %s contains separator %q", fd.key, f.separator)
		}
		if i > 0 {
			buf.WriteString(f.separator)
		}
		buf.WriteString(fd.value)
	}
	return buf.Bytes(), nil
}

func (f textFields) decode(b []byte, keys []string, min int) ([]string, error) {
	s := string(b)
	out := f.split(s, f.separator, len(keys))
	if countPresent(out) < min {
		for _, alt := range []string{SeparatorBar, SeparatorBlank} {
			if alt == f.separator {
				continue
			}
			if cand := f.split(s, alt, len(keys)); countPresent(cand) >= min {
				out = cand
				break
			}
		}
	}
	if countPresent(out) < min {
		return nil, fmt.Errorf("got %d fields, need %d", countPresent(out), min)
	}
	return out, nil
}

func (textFields) split(s, sep string, n int) []string {
	out := make([]string, n)
	if s == "" || n == 0 {
		return out
	}
	parts := strings.SplitN(s, sep, n)
	copy(out, parts)
	return out
}

func countPresent(values []string) int {
	n := 0
	for _, v := range values {
		if v != "" {
			n++
		}
	}
	return n
}

type jsonFields struct{}

func (jsonFields) encoding() Encoding { return EncodingJSON }

func (jsonFields) encode(fields []field) ([]byte, error) {
	obj := make(map[string]any, len(fields))
	for _, fd := range fields {
		if fd.numeric {
			obj[fd.key] = json.Number(fd.value)
		} else {
			obj[fd.key] = fd.value
		}
	}
	return json.Marshal(obj)
}

func (jsonFields) decode(b []byte, keys []string, min int) ([]string, error) {
	out := make([]string, len(keys))
	if len(bytes.TrimSpace(b)) == 0 {
		if min > 0 {
			return nil, fmt.Errorf("empty json section")
		}
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode json section: %w", err)
	}
	present := 0
	for i, key := range keys {
		raw, ok := obj[key]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case string:
			out[i] = v
		case json.Number:
			out[i] = v.String()
		case bool:
			out[i] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("field %s: unsupported json value %T", key, raw)
		}
		present++
	}
	if present < min {
		return nil, fmt.Errorf("got %d fields, need %d", present, min)
	}
	return out, nil
}

// DetectEncoding reports the textual encoding of a frame whose packet type
// carries textual header fields. ok is false for binary-header packets.
func DetectEncoding(frame []byte) (enc Encoding, ok bool) {
	if len(frame) < frameHeaderSize {
		return EncodingText, false
	}
	pc, known := packetCodecs[Type(frame[0])]
	if !known || !pc.textual {
		return EncodingText, false
	}
	if len(frame) > frameHeaderSize && frame[frameHeaderSize] == jsonSentinel {
		return EncodingJSON, true
	}
	return EncodingText, true
}
