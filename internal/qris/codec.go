// Package qris parses and rewrites EMV-style QRIS payloads.
//
// A payload is a flat sequence of TLV records: two ASCII digits of tag,
// two ASCII digits of length, then the value. The codec preserves record
// order so a parse/render round-trip is byte-identical.
package qris

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	tagPointOfInitiation = "01"
	tagAmount            = "54"
	tagCountryCode       = "58"
	tagCRC               = "63"

	modeStatic  = "11"
	modeDynamic = "12"
)

// ErrInvalidPayload is returned for malformed TLV input or a CRC mismatch.
var ErrInvalidPayload = errors.New("qris: invalid payload")

// Field is a single TLV record.
type Field struct {
	Tag   string
	Value string
}

// Parse splits a payload into ordered TLV records.
func Parse(payload string) ([]Field, error) {
	var fields []Field
	for i := 0; i < len(payload); {
		if i+4 > len(payload) {
			return nil, fmt.Errorf("%w: truncated record at offset %d", ErrInvalidPayload, i)
		}
		tag := payload[i : i+2]
		length, err := strconv.Atoi(payload[i+2 : i+4])
		if err != nil || !isDigits(tag) {
			return nil, fmt.Errorf("%w: bad tag/length at offset %d", ErrInvalidPayload, i)
		}
		if i+4+length > len(payload) {
			return nil, fmt.Errorf("%w: value of tag %s overruns payload", ErrInvalidPayload, tag)
		}
		fields = append(fields, Field{Tag: tag, Value: payload[i+4 : i+4+length]})
		i += 4 + length
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	return fields, nil
}

// Render serializes TLV records back into payload form.
func Render(fields []Field) string {
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "%s%02d%s", f.Tag, len(f.Value), f.Value)
	}
	return b.String()
}

// InjectAmount converts a static QRIS payload into a dynamic one carrying
// the given amount in whole currency units. The amount field (tag 54) is
// replaced or inserted before the country code (tag 58), the
// point-of-initiation indicator (tag 01) is switched to dynamic, and the
// CRC (tag 63) is recomputed.
func InjectAmount(payload string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("qris: amount must be positive, got %d", amount)
	}
	fields, err := Parse(payload)
	if err != nil {
		return "", err
	}

	amountValue := strconv.FormatInt(amount, 10)
	out := make([]Field, 0, len(fields)+1)
	injected := false
	for _, f := range fields {
		switch f.Tag {
		case tagCRC:
			// Dropped; recomputed below.
			continue
		case tagPointOfInitiation:
			if f.Value == modeStatic {
				f.Value = modeDynamic
			}
		case tagAmount:
			f.Value = amountValue
			injected = true
		case tagCountryCode:
			if !injected {
				out = append(out, Field{Tag: tagAmount, Value: amountValue})
				injected = true
			}
		}
		out = append(out, f)
	}
	if !injected {
		out = append(out, Field{Tag: tagAmount, Value: amountValue})
	}

	body := Render(out) + tagCRC + "04"
	return body + checksum(body), nil
}

// Validate recomputes the CRC over everything up to and including the
// "6304" header and compares it with the trailing four hex digits.
func Validate(payload string) error {
	if _, err := Parse(payload); err != nil {
		return err
	}
	idx := strings.LastIndex(payload, tagCRC+"04")
	if idx < 0 || idx+8 != len(payload) {
		return fmt.Errorf("%w: missing CRC record", ErrInvalidPayload)
	}
	want := payload[idx+4:]
	got := checksum(payload[:idx+4])
	if !strings.EqualFold(want, got) {
		return fmt.Errorf("%w: CRC mismatch", ErrInvalidPayload)
	}
	return nil
}

// checksum computes CRC-16/X.25 (poly 0x1021 reflected, init 0xFFFF,
// xorout 0xFFFF) and returns four uppercase hex digits.
func checksum(data string) string {
	crc := uint16(0xFFFF)
	for i := 0; i < len(data); i++ {
		crc ^= uint16(data[i])
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	crc ^= 0xFFFF
	return fmt.Sprintf("%04X", crc)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
