package vvfat

import "time"

// ParseDate reads the given input as a date like it is specified in the FAT
// specification:
//  A FAT directory entry date stamp is a 16-bit field that is basically a
//  date relative to the MS-DOS epoch of 01/01/1980. Here is the format (bit 0 is the
//  LSB of the 16-bit word, bit 15 is the MSB of the 16-bit word):
//   Bits 0-4: Day of month, valid value range 1-31 inclusive.
//   Bits 5-8: Month of year, 1 = January, valid value range 1-12 inclusive.
//   Bits 9-15: Count of years from 1980, valid value range 0-127 inclusive
//   (1980-2107).
// It returns a time.Time which has always a time of 00:00:00.000000000 UTC.
//
// As value 0 for day and month is defined as invalid in the specification
// the value time.Time{} is used to be compatible with time.Time.IsZero() if any of that cases occurs.
func ParseDate(input uint16) time.Time {
	dayOfMonth := input & 0x1F
	monthOfYear := input & 0x1E0 >> 5
	yearSince1980 := input & 0xFE00 >> 9

	if dayOfMonth == 0 || monthOfYear == 0 {
		return time.Time{}
	}

	return time.Date(1980+int(yearSince1980), time.Month(monthOfYear), int(dayOfMonth), 0, 0, 0, 0, time.UTC)
}

// ParseTime reads the given input as a time like it is specified in the FAT
// specification:
//  A FAT directory entry time stamp is a 16-bit field that has a
//  granularity of 2 seconds.
//   Bits 0-4: 2-second count, valid value range 0-29 inclusive (0-58 seconds).
//   Bits 5-10: Minutes, valid value range 0-59 inclusive.
//   Bits 11-15: Hours, valid value range 0-23 inclusive.
// It returns a time.Time which has always a date of January 1, year 1, so
// that a midnight time stamp still satisfies time.Time.IsZero().
func ParseTime(input uint16) time.Time {
	seconds := int(input&0x1F) * 2
	minutes := input & 0x7E0 >> 5
	hours := input & 0xF800 >> 11

	result := time.Date(1, 1, 1, int(hours), int(minutes), seconds, 0, time.UTC)

	if result.Day() > 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}

	return result
}

// FormatDate is the inverse of ParseDate, used by the directory scanner to
// stamp synthesized entries from a host file's ModTime. Dates before the
// 1980 epoch clamp to
// the epoch itself, matching the original's fat_datetime clamping rather
// than wrapping or returning an error.
func FormatDate(t time.Time) uint16 {
	if t.IsZero() {
		return 0
	}
	year := t.Year() - 1980
	if year < 0 {
		return 1<<5 | 1 // 1980-01-01
	}
	if year > 127 {
		year = 127
	}
	return uint16(year)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
}

// FormatTime is the inverse of ParseTime, truncating to 2-second granularity.
func FormatTime(t time.Time) uint16 {
	if t.IsZero() {
		return 0
	}
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}
