package transfer

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	errRangeUnsatisfiable = errors.New("range not satisfiable")
	errRangeIgnored       = errors.New("range ignored")
)

// ETag returns the weak entity tag of a source: a BLAKE2b-128 digest of identity, size and mtime.
func ETag(source Source) string {
	h, _ := blake2b.New(16, nil)
	_, _ = h.Write([]byte(source.Identity()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(source.Size(), 10)))
	if mtime, ok := source.ModTime(); ok {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.FormatInt(mtime.UnixNano(), 10)))
	}
	return `W/"` + hex.EncodeToString(h.Sum(nil)) + `"`
}

func opaqueTag(tag string) string {
	return strings.TrimPrefix(strings.TrimSpace(tag), "W/")
}

// etagListMatches implements the weak comparison used by If-None-Match.
func etagListMatches(header, etag string) bool {
	want := opaqueTag(etag)
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || opaqueTag(candidate) == want {
			return true
		}
	}
	return false
}

// ifRangeMatches reports whether the Range header still applies.
// Entity tags use strong comparison, so a weak tag on either side never matches
// and the full body is served instead.
func ifRangeMatches(header, etag string, modTime time.Time, hasModTime bool) bool {
	header = strings.TrimSpace(header)
	if strings.HasPrefix(header, "W/") {
		return false
	}
	if strings.HasPrefix(header, `"`) {
		etag = strings.TrimSpace(etag)
		return !strings.HasPrefix(etag, "W/") && header == etag
	}
	if !hasModTime {
		return false
	}
	date, err := http.ParseTime(header)
	if err != nil {
		return false
	}
	return !modTime.Truncate(time.Second).After(date)
}

type byteRange struct {
	start  int64
	length int64
}

// parseRange parses a single "bytes=" range against size.
// Multiple ranges and syntactically invalid values are ignored so the full body is served.
func parseRange(header string, size int64) (byteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return byteRange{}, errRangeIgnored
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return byteRange{}, errRangeIgnored
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		suffix, err := strconv.ParseInt(last, 10, 64)
		if err != nil || suffix < 0 {
			return byteRange{}, errRangeIgnored
		}
		if suffix == 0 || size == 0 {
			return byteRange{}, errRangeUnsatisfiable
		}
		if suffix > size {
			suffix = size
		}
		return byteRange{start: size - suffix, length: suffix}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, errRangeIgnored
	}
	if start >= size {
		return byteRange{}, errRangeUnsatisfiable
	}

	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return byteRange{}, errRangeIgnored
		}
		if end >= size {
			end = size - 1
		}
	}
	return byteRange{start: start, length: end - start + 1}, nil
}

func (r byteRange) contentRange(size int64) string {
	return "bytes " + strconv.FormatInt(r.start, 10) + "-" + strconv.FormatInt(r.start+r.length-1, 10) + "/" + strconv.FormatInt(size, 10)
}
