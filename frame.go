package tether

// frame.go: wire framing.
//
// Wire protocol: each message is one self-delimited msgpack map,
// msgpack({"head": <map>, "body": <map or bin>}), written back to
// back on the stream. There is no length prefix; the msgpack
// container is its own delimiter, so a scanner can pull zero or
// more complete frames out of whatever bytes have arrived and
// hold the trailing partial frame for the next read.

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
	gjson "github.com/goccy/go-json"
)

// Load is the opaque application payload: string keys to
// serializable values (strings, byte blobs, integers, floats,
// booleans, nil, sequences, nested string-keyed maps).
type Load map[string]interface{}

// Clone gives a shallow copy, enough for the stamping the
// channel does before encrypting.
func (ld Load) Clone() (c Load) {
	c = make(Load, len(ld)+4)
	for k, v := range ld {
		c[k] = v
	}
	return
}

// String shows the Load as JSON for log legibility.
func (ld Load) String() string {
	by, err := gjson.Marshal(map[string]interface{}(ld))
	if err != nil {
		return fmt.Sprintf("%#v", map[string]interface{}(ld))
	}
	return string(by)
}

// GetString fetches a string field, tolerating []byte from
// decoders that returned bin where we wrote str.
func (ld Load) GetString(key string) (s string, ok bool) {
	v, have := ld[key]
	if !have {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}

// GetBytes fetches a byte blob field.
func (ld Load) GetBytes(key string) (by []byte, ok bool) {
	v, have := ld[key]
	if !have {
		return nil, false
	}
	switch x := v.(type) {
	case []byte:
		return x, true
	case string:
		return []byte(x), true
	}
	return nil, false
}

// GetInt fetches an integer field across the widths msgpack
// decoding can hand back.
func (ld Load) GetInt(key string) (n int64, ok bool) {
	v, have := ld[key]
	if !have {
		return 0, false
	}
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case uint64:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint32:
		return int64(x), true
	}
	return 0, false
}

// Frame is one wire message: a (possibly empty) header map and
// a body. The body is an envelope Load for channel traffic, or
// raw bytes for bootstrap blobs.
type Frame struct {
	Head Load
	Body interface{}
}

// BodyLoad returns the body as a Load when it is a map.
func (fr *Frame) BodyLoad() (ld Load, ok bool) {
	switch x := fr.Body.(type) {
	case Load:
		return x, true
	case map[string]interface{}:
		return Load(x), true
	}
	return nil, false
}

func (fr *Frame) String() string {
	return fmt.Sprintf("&Frame{Head:%v, Body:%v}", fr.Head, fr.Body)
}

// normalize rewrites our named types into the shapes
// msgp.AppendIntf knows, recursively.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case Load:
		return normalizeMap(map[string]interface{}(x))
	case map[string]interface{}:
		return normalizeMap(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case []string:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	}
	return v
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

// encodeLoad serializes a Load to msgpack bytes.
func encodeLoad(ld Load) (o []byte, err error) {
	o = make([]byte, 0, 64+8*len(ld))
	o, err = msgp.AppendIntf(o, normalize(ld))
	if err != nil {
		return nil, &FramingError{Reason: "could not serialize load", Err: err}
	}
	return o, nil
}

// decodeLoad parses exactly one msgpack map from by.
func decodeLoad(by []byte) (ld Load, err error) {
	var nbs msgp.NilBitsStack
	v, _, err := nbs.ReadIntfBytes(by)
	if err != nil {
		return nil, &FramingError{Reason: "could not parse load", Err: err}
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, &FramingError{Reason: fmt.Sprintf("load was %T, expected map", v)}
	}
	return Load(m), nil
}

// EncodeFrame produces one self-delimited wire message. A nil
// head becomes an empty map. The body may be a Load (or plain
// map) or a []byte blob.
func EncodeFrame(body interface{}, head Load) (o []byte, err error) {
	o = make([]byte, 0, 256)
	o = msgp.AppendMapHeader(o, 2)
	o = msgp.AppendString(o, "head")
	if head == nil {
		head = Load{}
	}
	o, err = msgp.AppendIntf(o, normalize(head))
	if err != nil {
		return nil, &FramingError{Reason: "could not serialize frame head", Err: err}
	}
	o = msgp.AppendString(o, "body")
	o, err = msgp.AppendIntf(o, normalize(body))
	if err != nil {
		return nil, &FramingError{Reason: "could not serialize frame body", Err: err}
	}
	return o, nil
}

// FrameScanner re-assembles Frames from arbitrarily chunked
// stream bytes. Feed appends; Next pulls the next complete
// Frame or reports (nil, nil) when only a partial frame (or
// nothing) remains buffered. Restartable: a frame split across
// any byte boundary decodes identically once the rest arrives.
//
// Not goroutine safe; each connection's read loop owns its own.
type FrameScanner struct {
	buf []byte
}

func NewFrameScanner() *FrameScanner {
	return &FrameScanner{}
}

// Feed buffers freshly read stream bytes.
func (s *FrameScanner) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Buffered reports how many bytes await parsing.
func (s *FrameScanner) Buffered() int {
	return len(s.buf)
}

// Next returns the next complete Frame, or (nil, nil) if more
// bytes are needed. A genuinely malformed buffer returns a
// FramingError; the stream is then untrustworthy and the owning
// connection must be torn down.
func (s *FrameScanner) Next() (fr *Frame, err error) {
	if len(s.buf) == 0 {
		return nil, nil
	}
	var nbs msgp.NilBitsStack
	v, rest, err := nbs.ReadIntfBytes(s.buf)
	if err != nil {
		if err == msgp.ErrShortBytes {
			// truncated mid-frame; wait for more bytes.
			return nil, nil
		}
		return nil, &FramingError{Reason: "undecodable stream", Err: err}
	}
	// rest aliases the tail of s.buf; keep it as our buffer.
	s.buf = rest

	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, &FramingError{Reason: fmt.Sprintf("frame was %T, expected map", v)}
	}
	fr = &Frame{}
	if h, ok := m["head"].(map[string]interface{}); ok {
		fr.Head = Load(h)
	} else {
		fr.Head = Load{}
	}
	body, ok := m["body"]
	if !ok {
		return nil, &FramingError{Reason: "frame missing body"}
	}
	if bm, ok := body.(map[string]interface{}); ok {
		fr.Body = Load(bm)
	} else {
		fr.Body = body
	}
	return fr, nil
}
