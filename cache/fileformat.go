package cache

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// A cache file is a fixed 24 byte header followed by the body:
//
//	[0,12)  expiry, Unix seconds, ASCII decimal, left padded with '0'
//	[12,24) last write, same encoding
//	[24,..) body
//
// With read control the body starts with an integrity block, one length byte
// followed by that many checksum bytes (xxhash64, big endian), and the raw
// payload follows it. Without read control the body is the payload.
const (
	headerFieldLen = 12
	headerLen      = 2 * headerFieldLen
	checksumLen    = 8
	maxHeaderValue = 999999999999
)

var errCorruptEntry = errors.New("corrupt cache entry")

type fileHeader struct {
	expiry       int64
	lastModified int64
}

func (h fileHeader) valid(now int64) bool {
	return now < h.expiry
}

func encodeField(dst []byte, v int64) {
	if v < 0 {
		v = 0
	}
	if v > maxHeaderValue {
		v = maxHeaderValue
	}
	s := strconv.FormatInt(v, 10)
	pad := headerFieldLen - len(s)
	for i := 0; i < pad; i++ {
		dst[i] = '0'
	}
	copy(dst[pad:], s)
}

func decodeField(src []byte) (int64, error) {
	for _, b := range src {
		if b < '0' || b > '9' {
			return 0, errors.Wrapf(errCorruptEntry, "invalid header field %q", src)
		}
	}
	return strconv.ParseInt(string(src), 10, 64)
}

func decodeHeader(b []byte) (fileHeader, error) {
	if len(b) < headerLen {
		return fileHeader{}, errors.Wrapf(errCorruptEntry, "short header (%d bytes)", len(b))
	}
	expiry, err := decodeField(b[:headerFieldLen])
	if err != nil {
		return fileHeader{}, err
	}
	lastModified, err := decodeField(b[headerFieldLen:headerLen])
	if err != nil {
		return fileHeader{}, err
	}
	return fileHeader{expiry: expiry, lastModified: lastModified}, nil
}

// encodeEntry renders the complete file content.
func encodeEntry(h fileHeader, payload []byte, withChecksum bool) []byte {
	size := headerLen + len(payload)
	if withChecksum {
		size += 1 + checksumLen
	}
	buf := make([]byte, size)
	encodeField(buf[:headerFieldLen], h.expiry)
	encodeField(buf[headerFieldLen:headerLen], h.lastModified)
	off := headerLen
	if withChecksum {
		buf[off] = checksumLen
		binary.BigEndian.PutUint64(buf[off+1:], xxhash.Sum64(payload))
		off += 1 + checksumLen
	}
	copy(buf[off:], payload)
	return buf
}

// decodeBody extracts the payload from the bytes following the header.
func decodeBody(body []byte, withChecksum bool) ([]byte, error) {
	if !withChecksum {
		return body, nil
	}
	if len(body) < 1 {
		return nil, errors.Wrap(errCorruptEntry, "missing integrity block")
	}
	n := int(body[0])
	if n != checksumLen || len(body) < 1+n {
		return nil, errors.Wrapf(errCorruptEntry, "unexpected integrity block length %d", n)
	}
	want := body[1 : 1+n]
	payload := body[1+n:]
	got := make([]byte, checksumLen)
	binary.BigEndian.PutUint64(got, xxhash.Sum64(payload))
	if !bytes.Equal(want, got) {
		return nil, withMark(errors.Newf("checksum mismatch: stored %x, computed %x", want, got), ErrIntegrity)
	}
	return payload, nil
}
