// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package obd

import "github.com/westerndigitalcorporation/obd/internal/core"

// The image is striped across fixed-size objects in the plain layout:
// object n holds image bytes [n*ObjectSize, (n+1)*ObjectSize).

// objectExtent is one object-local piece of an image-level range, with the
// offset of that piece inside the flattened request buffer.
type objectExtent struct {
	objectNo uint64
	off      uint64
	length   uint64
	bufOff   uint64
}

// extentToFile maps an object-local range onto image-level extents.
func (ictx *ImageCtx) extentToFile(objectNo, off, length uint64) []core.Extent {
	if length == 0 {
		return nil
	}
	return []core.Extent{{Offset: objectNo*ictx.ObjectSize + off, Length: length}}
}

// fileToExtents splits an image-level range into per-object ranges. bufOff
// seeds the buffer offset of the first piece.
func (ictx *ImageCtx) fileToExtents(imageOff, length, bufOff uint64) []objectExtent {
	var out []objectExtent
	for length > 0 {
		no := imageOff / ictx.ObjectSize
		off := imageOff % ictx.ObjectSize
		n := ictx.ObjectSize - off
		if n > length {
			n = length
		}
		out = append(out, objectExtent{objectNo: no, off: off, length: n, bufOff: bufOff})
		imageOff += n
		bufOff += n
		length -= n
	}
	return out
}
