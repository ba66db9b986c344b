/*
Copyright 2024 Elevizion Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package media

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrNotISOBMFF marks a file whose top level does not parse as ISO BMFF
// boxes, such as WebM, Matroska or AVI sources.
var ErrNotISOBMFF = errors.New("not an ISO BMFF container")

// MoovBeforeMdat walks the top-level ISO BMFF boxes of path and reports
// whether the moov box precedes the first mdat box. Players that stream the
// file need the index first.
func MoovBeforeMdat(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, errors.Wrap(err, "open")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, errors.Wrap(err, "stat")
	}
	size := info.Size()

	var offset int64
	header := make([]byte, 16)
	for offset+8 <= size {
		if _, err := f.ReadAt(header[:8], offset); err != nil {
			return false, errors.Wrap(err, "read box header")
		}
		boxSize := int64(binary.BigEndian.Uint32(header[:4]))
		boxType := string(header[4:8])

		switch boxType {
		case "moov":
			return true, nil
		case "mdat":
			return false, nil
		}

		switch boxSize {
		case 0:
			// box runs to end of file
			return false, errors.Wrapf(ErrNotISOBMFF, "no moov or mdat box before trailing %q box", boxType)
		case 1:
			if _, err := f.ReadAt(header[8:16], offset+8); err != nil && err != io.EOF {
				return false, errors.Wrap(err, "read extended box size")
			}
			boxSize = int64(binary.BigEndian.Uint64(header[8:16]))
			if boxSize < 16 {
				return false, errors.Wrapf(ErrNotISOBMFF, "invalid extended size %d for %q box", boxSize, boxType)
			}
		default:
			if boxSize < 8 {
				return false, errors.Wrapf(ErrNotISOBMFF, "invalid size %d for %q box", boxSize, boxType)
			}
		}
		offset += boxSize
	}
	return false, errors.Wrap(ErrNotISOBMFF, "no moov or mdat box found")
}
