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

// Writer is responsible for write frames.
type Writer struct {
	bufWriter *bufio.Writer
}

// NewWriter creates a buffered writer based on the io.Writer and buffer
// size.
func NewWriter(w io.Writer, bufSize int) Writer {
	return Writer{
		bufWriter: bufio.NewWriterSize(w, bufSize),
	}
}

// WriteFrame writes the given Frame into the buffer and flushes it.
// It returns an error if it fails to write the frame.
func (w *Writer) WriteFrame(f Frame) error {
	var header [5]byte
	header[0] = byte(f.Type)
	binary.BigEndian.PutUint32(header[1:], uint32(len(f.Payload)))

	if _, err := w.bufWriter.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.bufWriter.Write(f.Payload); err != nil {
		return err
	}

	return w.bufWriter.Flush()
}
