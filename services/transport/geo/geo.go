// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package geo encodes coordinate pairs for short messages.
//
// Encoding is lossy: both axes are rounded to 3 decimal places (about 111 m)
// so the pair fits in a handful of characters. Decoding the encoded form and
// encoding it again is exact.
//
// Rounding applies to the float64 product v*1000, not to the decimal
// spelling of v: 0.5005 scales to 500.49999999999994 and encodes as "0.500",
// while 1.0005 scales to exactly 1000.5 and encodes as "1.001".
//
//	s := geo.Encode(31.5, 34.47)   // "31.500,34.470"
//	c, err := geo.Decode(s)
package geo

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/lifeline/services/transport/errs"
)

// Precision is the number of decimal places kept on the wire.
const Precision = 3

const (
	minLat = -90.0
	maxLat = 90.0
	minLon = -180.0
	maxLon = 180.0
)

// Coordinate is a latitude/longitude pair in signed decimal degrees.
type Coordinate struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether both axes are finite and within range.
func (c Coordinate) Valid() bool {
	return inRange(c.Lat, minLat, maxLat) && inRange(c.Lon, minLon, maxLon)
}

// String returns the wire encoding of the coordinate.
func (c Coordinate) String() string {
	return Encode(c.Lat, c.Lon)
}

// Locator acquires the current device position.
//
// Implementations live outside this module (platform geolocation). A failure
// to obtain any fix should be reported as errs.LocationUnavailable.
type Locator interface {
	Locate(ctx context.Context) (Coordinate, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (Coordinate, error)

// Locate calls f(ctx).
func (f LocatorFunc) Locate(ctx context.Context) (Coordinate, error) {
	return f(ctx)
}

// Round rounds v to Precision decimals, half away from zero on the
// binary value.
func Round(v float64) float64 {
	r := math.Round(v*1000) / 1000
	if r == 0 {
		// collapse -0 so it never prints as "-0.000"
		return 0
	}
	return r
}

// Encode formats both values to 3 decimals joined by a comma.
func Encode(lat, lon float64) string {
	var b strings.Builder
	b.Grow(16)
	b.WriteString(strconv.FormatFloat(Round(lat), 'f', Precision, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(Round(lon), 'f', Precision, 64))
	return b.String()
}

// Decode parses "lat,lon".
//
// # Outputs
//
//   - Coordinate: the parsed pair
//   - error: errs.InvalidFormat if the string does not hold exactly two
//     numeric fields or either value is out of range. Values are never clamped.
func Decode(s string) (Coordinate, error) {
	const op = "geo.decode"

	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Coordinate{}, errs.Errorf(errs.InvalidFormat, op, "expected 2 fields, got %d", len(parts))
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Coordinate{}, errs.New(errs.InvalidFormat, op, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Coordinate{}, errs.New(errs.InvalidFormat, op, err)
	}

	if !inRange(lat, minLat, maxLat) {
		return Coordinate{}, errs.Errorf(errs.InvalidFormat, op, "latitude %v out of range", lat)
	}
	if !inRange(lon, minLon, maxLon) {
		return Coordinate{}, errs.Errorf(errs.InvalidFormat, op, "longitude %v out of range", lon)
	}

	return Coordinate{Lat: lat, Lon: lon}, nil
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}
