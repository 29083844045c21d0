// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is a tagged producer message. Exactly one of Info, Frame and
// Done is non-nil, corresponding to Kind.
type Envelope struct {
	Kind  Kind   `msgpack:"k"`
	Info  *Info  `msgpack:"i,omitempty"`
	Frame *Frame `msgpack:"f,omitempty"`
	Done  *Done  `msgpack:"d,omitempty"`
}

// InfoEnvelope, FrameEnvelope and DoneEnvelope wrap messages as Envelopes.
func InfoEnvelope(m Info) Envelope   { return Envelope{Kind: KindInfo, Info: &m} }
func FrameEnvelope(m Frame) Envelope { return Envelope{Kind: KindFrame, Frame: &m} }
func DoneEnvelope(m Done) Envelope   { return Envelope{Kind: KindDone, Done: &m} }

// Path returns the path the envelope's message refers to.
func (e Envelope) Path() string {
	switch {
	case e.Info != nil:
		return e.Info.Path
	case e.Frame != nil:
		return e.Frame.Path
	case e.Done != nil:
		return e.Done.Path
	default:
		return ""
	}
}

// Validate checks that the envelope's tag agrees with its payload and
// that the payload's values would be accepted by the text form's parser.
func (e Envelope) Validate() error {
	var n int
	for _, ok := range []bool{e.Info != nil, e.Frame != nil, e.Done != nil} {
		if ok {
			n++
		}
	}
	if n != 1 {
		return &MalformedError{Kind: e.Kind, Reason: fmt.Sprintf("envelope has %d payloads", n)}
	}
	var ok bool
	switch e.Kind {
	case KindInfo:
		ok = e.Info != nil
	case KindFrame:
		ok = e.Frame != nil
	case KindDone:
		ok = e.Done != nil
	}
	if !ok {
		return &MalformedError{Kind: e.Kind, Reason: "payload does not match kind"}
	}
	switch e.Kind {
	case KindInfo:
		if e.Info.FrameCount < 0 {
			return &MalformedError{Kind: e.Kind, Reason: fmt.Sprintf("negative frame count: %d", e.Info.FrameCount)}
		}
	case KindFrame:
		if _, err := ParseCodec(e.Frame.Codec.String()); err != nil {
			return &MalformedError{Kind: e.Kind, Reason: err.Error()}
		}
		if e.Frame.Delay < 0 {
			return &MalformedError{Kind: e.Kind, Reason: fmt.Sprintf("negative delay: %v", e.Frame.Delay)}
		}
	case KindDone:
		if e.Done.Frames < 0 {
			return &MalformedError{Kind: e.Kind, Reason: fmt.Sprintf("negative frame count: %d", e.Done.Frames)}
		}
	}
	return nil
}

// Text returns the text form of the envelope's payload.
func (e Envelope) Text() (string, error) {
	err := e.Validate()
	if err != nil {
		return "", err
	}
	switch e.Kind {
	case KindInfo:
		return e.Info.String(), nil
	case KindFrame:
		return e.Frame.String(), nil
	default:
		return e.Done.String(), nil
	}
}

// Marshal returns the structured msgpack encoding of e. Unlike the text
// forms, the structured encoding places no restriction on path contents.
func Marshal(e Envelope) ([]byte, error) {
	err := e.Validate()
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(e)
}

// Unmarshal decodes a structured envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	err := msgpack.Unmarshal(data, &e)
	if err != nil {
		return Envelope{}, &MalformedError{Reason: err.Error()}
	}
	err = e.Validate()
	if err != nil {
		return Envelope{}, err
	}
	return e, nil
}
