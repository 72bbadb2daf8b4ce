// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package xmpp

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"io"

	"github.com/pkg/errors"
)

// ErrMalformed is wrapped by decode errors caused by invalid input.
var ErrMalformed = errors.New("malformed stream")

// A Decoder reads stanzas from a stream. Whitespace between top-level
// elements is reported as Keepalive as soon as it arrives.
type Decoder struct {
	br   *bufio.Reader
	dec  *xml.Decoder
	open bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	br := bufio.NewReader(r)
	return &Decoder{br: br, dec: xml.NewDecoder(br)}
}

// Reader returns the buffered reader under the decoder. Bytes that arrived
// after the last stanza are still in it.
func (d *Decoder) Reader() *bufio.Reader { return d.br }

type featuresXML struct {
	StartTLS *struct {
		Required *struct{} `xml:"required"`
	} `xml:"starttls"`
}

// Next returns the next stanza.
func (d *Decoder) Next() (Stanza, error) {
	for {
		if d.open {
			ka, err := d.whitespace()
			if err != nil {
				return nil, err
			}
			if ka {
				return Keepalive{}, nil
			}
		}
		tok, err := d.dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, err
			}
			return nil, errors.Wrapf(ErrMalformed, "%v", err)
		}
		switch tok := tok.(type) {
		case xml.ProcInst, xml.Comment, xml.Directive:
			continue
		case xml.CharData:
			if len(bytes.TrimSpace(tok)) != 0 {
				return nil, errors.Wrap(ErrMalformed, "text outside of a stanza")
			}
		case xml.EndElement:
			if tok.Name.Space == NSStream && tok.Name.Local == "stream" {
				d.open = false
				return StreamClose{}, nil
			}
			return nil, errors.Wrapf(ErrMalformed, "unexpected end of %s", tok.Name.Local)
		case xml.StartElement:
			return d.element(tok)
		}
	}
}

func (d *Decoder) element(start xml.StartElement) (Stanza, error) {
	if start.Name.Space == NSStream && start.Name.Local == "stream" {
		open := StreamOpen{}
		for _, a := range start.Attr {
			switch a.Name.Local {
			case "from":
				open.From = a.Value
			case "to":
				open.To = a.Value
			case "id":
				open.ID = a.Value
			case "version":
				open.Version = a.Value
			}
		}
		d.open = true
		return open, nil
	}
	if !d.open {
		return nil, errors.Wrapf(ErrMalformed, "%s before stream header", start.Name.Local)
	}
	var (
		s   Stanza
		err error
	)
	switch start.Name.Local {
	case "features":
		var f featuresXML
		err = d.dec.DecodeElement(&f, &start)
		s = Features{StartTLS: f.StartTLS != nil, Required: f.StartTLS != nil && f.StartTLS.Required != nil}
	case "starttls":
		err = d.dec.Skip()
		s = StartTLS{}
	case "proceed":
		err = d.dec.Skip()
		s = Proceed{}
	case "iq":
		iq := &Iq{}
		err = d.dec.DecodeElement(iq, &start)
		s = iq
	case "message":
		m := &Message{}
		err = d.dec.DecodeElement(m, &start)
		s = m
	default:
		err = d.dec.Skip()
		s = Unknown{Name: start.Name.Local}
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %v", start.Name.Local, err)
	}
	return s, nil
}

// whitespace consumes whitespace waiting at the top level of the stream and
// reports whether there was any.
func (d *Decoder) whitespace() (bool, error) {
	b, err := d.br.Peek(1)
	if err != nil {
		return false, err
	}
	if !isSpace(b[0]) {
		return false, nil
	}
	for {
		d.br.ReadByte()
		if d.br.Buffered() == 0 {
			return true, nil
		}
		b, _ := d.br.Peek(1)
		if !isSpace(b[0]) {
			return true, nil
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
