package playback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange  = errors.New("invalid range format")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte span of a file.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

func (r Range) Header(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// ParseRange resolves the first span of a Range header against size. An
// empty header yields ok == false. Only the first span of a multi-range
// request is honoured.
func ParseRange(header string, size int64) (r Range, ok bool, err error) {
	if header == "" {
		return Range{}, false, nil
	}
	ranges, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return Range{}, false, ErrInvalidRange
	}
	ranges, _, _ = strings.Cut(ranges, ",")
	first, last, found := strings.Cut(strings.TrimSpace(ranges), "-")
	if !found {
		return Range{}, false, ErrInvalidRange
	}

	switch {
	case first == "":
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return Range{}, false, ErrInvalidRange
		}
		r = Range{Start: max(size-n, 0), End: size - 1}
	default:
		start, err := strconv.ParseInt(first, 10, 64)
		if err != nil || start < 0 {
			return Range{}, false, ErrInvalidRange
		}
		end := size - 1
		if last != "" {
			if end, err = strconv.ParseInt(last, 10, 64); err != nil {
				return Range{}, false, ErrInvalidRange
			}
		}
		r = Range{Start: start, End: min(end, size-1)}
		if start > end {
			return Range{}, false, ErrUnsatisfiable
		}
	}

	if r.Start >= size || r.Start > r.End {
		return Range{}, false, ErrUnsatisfiable
	}
	return r, true, nil
}
