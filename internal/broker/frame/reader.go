// Copyright 2024 The GateMQ Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package frame

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Reader is responsible for read frames.
type Reader struct {
	bufReader    *bufio.Reader
	maxFrameSize int
}

// ReaderOptions contains the options for the Reader.
type ReaderOptions struct {
	// BufferSize represents the buffer size.
	BufferSize int

	// MaxFrameSize represents the maximum payload size, in bytes, allowed
	// for a single frame.
	MaxFrameSize int
}

// NewReader creates a buffered Reader based on the io.Reader and
// ReaderOptions.
func NewReader(r io.Reader, o ReaderOptions) Reader {
	return Reader{
		bufReader:    bufio.NewReaderSize(r, o.BufferSize),
		maxFrameSize: o.MaxFrameSize,
	}
}

// ReadFrame reads the next frame from the buffer.
// It returns an error if it fails to read or decode the frame.
func (r *Reader) ReadFrame() (Frame, error) {
	var header [5]byte
	if _, err := io.ReadFull(r.bufReader, header[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{Type: Type(header[0])}
	if _, ok := typeNames[f.Type]; !ok {
		return Frame{}, ErrMalformedFrame
	}

	size := int(binary.BigEndian.Uint32(header[1:]))
	if size > r.maxFrameSize {
		return Frame{}, ErrMaxFrameSizeExceeded
	}

	if f.Type == Heartbeat && size != 0 {
		return Frame{}, ErrMalformedFrame
	}

	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r.bufReader, f.Payload); err != nil {
			return Frame{}, ErrMalformedFrame
		}
	}

	return f, nil
}
