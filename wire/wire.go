// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire provides the message formats passed between an animation
// producer and the frame dispatcher.
//
// The text forms join fields with a single '?' delimiter:
//
//	info:  <frameCount>?<path>
//	frame: <codec>?<path>?<delayMillis>?<base64 data>
//	probe: T?<frameCount>?<path> | F?null
//	done:  <frames>?<path>?<error>
//
// No escaping is defined for the delimiter, so paths containing '?' can
// only be carried by the structured encoding provided by [Marshal] and
// [Unmarshal].
package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Delimiter separates fields in the text message forms.
const Delimiter = "?"

// ErrMalformed is the error matched by all message parse failures.
var ErrMalformed = errors.New("malformed message")

// MalformedError is a message parse failure.
type MalformedError struct {
	Kind   Kind   // Kind is the kind of message being parsed.
	Raw    string // Raw is the unparsed message.
	Reason string
}

func (e *MalformedError) Error() string {
	raw := e.Raw
	if len(raw) > 64 {
		raw = raw[:64] + "..."
	}
	return fmt.Sprintf("malformed %s message %q: %s", e.Kind, raw, e.Reason)
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(k Kind, raw, format string, args ...any) error {
	return &MalformedError{Kind: k, Raw: raw, Reason: fmt.Sprintf(format, args...)}
}

// Kind is the kind of a message.
type Kind uint8

const (
	KindInfo Kind = iota + 1
	KindFrame
	KindProbe
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindFrame:
		return "frame"
	case KindProbe:
		return "probe"
	case KindDone:
		return "done"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Codec is an image encoding used for frame data.
type Codec uint8

const (
	JPEG Codec = iota + 1
	WEBP
	PNG
)

func (c Codec) String() string {
	switch c {
	case JPEG:
		return "jpeg"
	case WEBP:
		return "webp"
	case PNG:
		return "png"
	default:
		return fmt.Sprintf("Codec(%d)", c)
	}
}

// ParseCodec returns the codec for the case-insensitive tag s.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "jpeg", "jpg":
		return JPEG, nil
	case "webp":
		return WEBP, nil
	case "png":
		return PNG, nil
	default:
		return 0, fmt.Errorf("unknown codec: %q", s)
	}
}

// Normalize returns the canonical form of a path used for identity
// comparisons. Separators are converted to '/' and the path is lower-cased.
// Normalize is idempotent.
func Normalize(path string) string {
	return strings.ToLower(strings.ReplaceAll(path, `\`, "/"))
}

// Equal returns whether a and b refer to the same path after normalization.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Info describes an accepted animation load.
type Info struct {
	FrameCount int    `msgpack:"n"`
	Path       string `msgpack:"p"`
}

// ParseInfo parses an info message.
func ParseInfo(raw string) (Info, error) {
	f := strings.Split(raw, Delimiter)
	if len(f) != 2 {
		return Info{}, malformed(KindInfo, raw, "expected 2 fields, got %d", len(f))
	}
	n, err := strconv.Atoi(f[0])
	if err != nil {
		return Info{}, malformed(KindInfo, raw, "invalid frame count: %v", err)
	}
	if n < 0 {
		return Info{}, malformed(KindInfo, raw, "negative frame count: %d", n)
	}
	return Info{FrameCount: n, Path: f[1]}, nil
}

func (m Info) String() string {
	return strconv.Itoa(m.FrameCount) + Delimiter + m.Path
}

// Frame is a single encoded animation frame.
type Frame struct {
	Codec Codec         `msgpack:"c"`
	Path  string        `msgpack:"p"`
	Delay time.Duration `msgpack:"d"`
	Data  []byte        `msgpack:"b"`
}

// ParseFrame parses a frame message. The delay field is read as an
// integer number of milliseconds, falling back to a decimal number of
// milliseconds. The data field is standard base64.
func ParseFrame(raw string) (Frame, error) {
	f := strings.Split(raw, Delimiter)
	if len(f) != 4 {
		return Frame{}, malformed(KindFrame, raw, "expected 4 fields, got %d", len(f))
	}
	codec, err := ParseCodec(f[0])
	if err != nil {
		return Frame{}, malformed(KindFrame, raw, "%v", err)
	}
	delay, err := parseMillis(f[2])
	if err != nil {
		return Frame{}, malformed(KindFrame, raw, "invalid delay: %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(f[3])
	if err != nil {
		return Frame{}, malformed(KindFrame, raw, "invalid data: %v", err)
	}
	return Frame{Codec: codec, Path: f[1], Delay: delay, Data: data}, nil
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative delay: %d", ms)
		}
		if ms > math.MaxInt64/int64(time.Millisecond) {
			return 0, fmt.Errorf("delay out of range: %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid delay value: %s", s)
	}
	// float64(math.MaxInt64) rounds up to 2^63, so equality is out of range.
	if f*float64(time.Millisecond) >= float64(math.MaxInt64) {
		return 0, fmt.Errorf("delay out of range: %s", s)
	}
	return time.Duration(math.Round(f * float64(time.Millisecond))), nil
}

func formatMillis(d time.Duration) string {
	if d%time.Millisecond == 0 {
		return strconv.FormatInt(int64(d/time.Millisecond), 10)
	}
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', -1, 64)
}

func (m Frame) String() string {
	return strings.Join([]string{
		m.Codec.String(),
		m.Path,
		formatMillis(m.Delay),
		base64.StdEncoding.EncodeToString(m.Data),
	}, Delimiter)
}

// ProbeKind is the result of asking whether a path is animated.
type ProbeKind uint8

const (
	ProbeFailed ProbeKind = iota
	NotAnimated
	Animated
)

func (k ProbeKind) String() string {
	switch k {
	case ProbeFailed:
		return "failed"
	case NotAnimated:
		return "not animated"
	case Animated:
		return "animated"
	default:
		return fmt.Sprintf("ProbeKind(%d)", k)
	}
}

// Probe is the result of an animation probe. FrameCount and Path are only
// meaningful when Kind is Animated.
type Probe struct {
	Kind       ProbeKind
	FrameCount int
	Path       string
}

// ParseProbe parses a probe message. A negative result, "F?<anything>",
// is reported as NotAnimated since the text form does not distinguish
// failures from negative results.
func ParseProbe(raw string) (Probe, error) {
	code, rest, ok := strings.Cut(raw, Delimiter)
	if !ok {
		return Probe{}, malformed(KindProbe, raw, "missing delimiter")
	}
	switch code {
	case "F":
		return Probe{Kind: NotAnimated}, nil
	case "T":
		info, err := ParseInfo(rest)
		if err != nil {
			var m *MalformedError
			if errors.As(err, &m) {
				return Probe{}, malformed(KindProbe, raw, "%s", m.Reason)
			}
			return Probe{}, err
		}
		return Probe{Kind: Animated, FrameCount: info.FrameCount, Path: info.Path}, nil
	default:
		return Probe{}, malformed(KindProbe, raw, "unknown result code: %q", code)
	}
}

// Info returns the animation info described by an Animated probe.
func (p Probe) Info() (Info, bool) {
	if p.Kind != Animated {
		return Info{}, false
	}
	return Info{FrameCount: p.FrameCount, Path: p.Path}, true
}

func (p Probe) String() string {
	if p.Kind != Animated {
		return "F" + Delimiter + "null"
	}
	return "T" + Delimiter + strconv.Itoa(p.FrameCount) + Delimiter + p.Path
}

// Done marks the end of a frame stream. Frames is the number of frames
// sent by the producer. A non-empty Err indicates that the stream ended
// early.
type Done struct {
	Path   string `msgpack:"p"`
	Frames int    `msgpack:"n"`
	Err    string `msgpack:"e,omitempty"`
}

// ParseDone parses a done message. The error field holds the remainder of
// the message and so may contain the delimiter.
func ParseDone(raw string) (Done, error) {
	f := strings.SplitN(raw, Delimiter, 3)
	if len(f) != 3 {
		return Done{}, malformed(KindDone, raw, "expected 3 fields, got %d", len(f))
	}
	n, err := strconv.Atoi(f[0])
	if err != nil {
		return Done{}, malformed(KindDone, raw, "invalid frame count: %v", err)
	}
	if n < 0 {
		return Done{}, malformed(KindDone, raw, "negative frame count: %d", n)
	}
	return Done{Path: f[1], Frames: n, Err: f[2]}, nil
}

func (m Done) String() string {
	return strconv.Itoa(m.Frames) + Delimiter + m.Path + Delimiter + m.Err
}
