// Package blte decodes the block-compressed container wrapping every data
// blob on the CDN. A blob is either a bare chunk (headerSize 0, decoded size
// supplied by the caller) or a framed sequence of chunks, each checksummed
// and carrying its own compression mode.
package blte

import (
	"bytes"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/crypto/salsa20"

	"github.com/ngdplib/tact/bin"
	"github.com/ngdplib/tact/tact_errors"
)

// KeyProvider resolves a named encryption key. A nil provider makes every
// encrypted chunk fail with ErrMissingKey, which callers treat as a soft
// miss and retry with another encoding key.
type KeyProvider func(keyName uint64) ([]byte, bool)

const (
	modeRaw       = 'N'
	modeZlib      = 'Z'
	modeRecursive = 'F'
	modeEncrypted = 'E'

	chunkFlags     = 0x0F
	chunkEntrySize = 4 + 4 + 16
)

type chunkInfo struct {
	encodedSize uint32
	decodedSize uint32
	checksum    [16]byte
}

// Decode unwraps blob and returns the original bytes. expectedDecodedSize
// of zero skips the total-length check: a framed blob is then still checked
// chunk by chunk against its table, an unframed one is not checked at all.
// Decode holds no state: equal inputs give equal outputs.
func Decode(blob []byte, expectedDecodedSize uint64, keys KeyProvider) ([]byte, error) {
	if len(blob) < 8 || !bytes.Equal(blob[:4], []byte("BLTE")) {
		return nil, fmt.Errorf("%w: missing BLTE magic", tact_errors.ErrCorrupt)
	}
	headerSize := bin.Uint32BE(blob[4:8])

	if headerSize == 0 {
		out, err := decodeChunk(blob[8:], 0, expectedDecodedSize, keys)
		if err != nil {
			return nil, err
		}
		if expectedDecodedSize != 0 && uint64(len(out)) != expectedDecodedSize {
			return nil, fmt.Errorf("%w: decoded %d bytes, expected %d",
				tact_errors.ErrCorrupt, len(out), expectedDecodedSize)
		}
		return out, nil
	}

	chunks, err := parseChunkTable(blob, headerSize)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, expectedDecodedSize)
	body := blob[headerSize:]
	for i, c := range chunks {
		if uint64(len(body)) < uint64(c.encodedSize) {
			return nil, fmt.Errorf("%w: chunk %d truncated", tact_errors.ErrCorrupt, i)
		}
		enc := body[:c.encodedSize]
		body = body[c.encodedSize:]

		sum := md5.Sum(enc)
		if sum != c.checksum {
			return nil, fmt.Errorf("%w: corrupt chunk %d", tact_errors.ErrCorrupt, i)
		}

		dec, err := decodeChunk(enc, i, uint64(c.decodedSize), keys)
		if err != nil {
			return nil, err
		}
		if uint32(len(dec)) != c.decodedSize {
			return nil, fmt.Errorf("%w: chunk %d decoded to %d bytes, expected %d",
				tact_errors.ErrCorrupt, i, len(dec), c.decodedSize)
		}
		out = append(out, dec...)
	}

	if expectedDecodedSize != 0 && uint64(len(out)) != expectedDecodedSize {
		return nil, fmt.Errorf("%w: decoded %d bytes, expected %d",
			tact_errors.ErrCorrupt, len(out), expectedDecodedSize)
	}
	return out, nil
}

func parseChunkTable(blob []byte, headerSize uint32) ([]chunkInfo, error) {
	if uint64(len(blob)) < uint64(headerSize) || headerSize < 12 {
		return nil, fmt.Errorf("%w: BLTE header overruns blob", tact_errors.ErrCorrupt)
	}
	if blob[8] != chunkFlags {
		return nil, fmt.Errorf("%w: bad chunk table flags 0x%02x", tact_errors.ErrCorrupt, blob[8])
	}
	count := bin.Uint24BE(blob[9:12])
	if count == 0 || uint64(headerSize) != 12+uint64(count)*chunkEntrySize {
		return nil, fmt.Errorf("%w: chunk table size mismatch", tact_errors.ErrCorrupt)
	}

	chunks := make([]chunkInfo, count)
	table := blob[12:headerSize]
	for i := range chunks {
		e := table[i*chunkEntrySize:]
		chunks[i].encodedSize = bin.Uint32BE(e[0:4])
		chunks[i].decodedSize = bin.Uint32BE(e[4:8])
		copy(chunks[i].checksum[:], e[8:24])
		if chunks[i].encodedSize == 0 {
			return nil, fmt.Errorf("%w: zero-size chunk %d", tact_errors.ErrCorrupt, i)
		}
	}
	return chunks, nil
}

// decodeChunk handles one encoded chunk, mode byte first. index is the
// zero-based chunk position, needed for the encryption IV.
func decodeChunk(chunk []byte, index int, decodedSize uint64, keys KeyProvider) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("%w: empty chunk %d", tact_errors.ErrCorrupt, index)
	}
	mode, payload := chunk[0], chunk[1:]

	switch mode {
	case modeRaw:
		return payload, nil

	case modeZlib:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", tact_errors.ErrCorrupt, index, err)
		}
		defer zr.Close()
		var buf bytes.Buffer
		if decodedSize != 0 {
			buf.Grow(int(decodedSize))
		}
		if _, err := io.Copy(&buf, zr); err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", tact_errors.ErrCorrupt, index, err)
		}
		return buf.Bytes(), nil

	case modeRecursive:
		return Decode(payload, decodedSize, keys)

	case modeEncrypted:
		plain, err := decrypt(payload, index, keys)
		if err != nil {
			return nil, err
		}
		return decodeChunk(plain, index, decodedSize, keys)

	default:
		return nil, fmt.Errorf("%w: unknown mode 0x%02x in chunk %d",
			tact_errors.ErrUnsupported, mode, index)
	}
}

// decrypt peels the encryption envelope off a chunk payload:
// {keyNameLen, keyName[8], ivLen, iv[<=8], encType, ciphertext}. The stream
// IV is the 8-byte IV field with the chunk index XORed into its low bytes
// little-endian.
func decrypt(payload []byte, index int, keys KeyProvider) ([]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: encryption header truncated", tact_errors.ErrCorrupt)
	}
	keyNameLen := int(payload[0])
	if keyNameLen != 8 || len(payload) < 1+keyNameLen+1 {
		return nil, fmt.Errorf("%w: bad key name length %d", tact_errors.ErrCorrupt, keyNameLen)
	}
	keyName := binary.LittleEndian.Uint64(payload[1 : 1+keyNameLen])
	payload = payload[1+keyNameLen:]

	ivLen := int(payload[0])
	if ivLen > 8 || len(payload) < 1+ivLen+1 {
		return nil, fmt.Errorf("%w: bad IV length %d", tact_errors.ErrCorrupt, ivLen)
	}
	var iv [8]byte
	copy(iv[:], payload[1:1+ivLen])
	for shift := 0; shift < 4; shift++ {
		iv[shift] ^= byte(index >> (shift * 8))
	}
	encType := payload[1+ivLen]
	ciphertext := payload[1+ivLen+1:]

	if keys == nil {
		return nil, fmt.Errorf("%w: key %016x not supplied", tact_errors.ErrMissingKey, keyName)
	}
	key, ok := keys(keyName)
	if !ok {
		return nil, fmt.Errorf("%w: key %016x not supplied", tact_errors.ErrMissingKey, keyName)
	}

	plain := make([]byte, len(ciphertext))
	switch encType {
	case 'S':
		var k [32]byte
		switch len(key) {
		case 16:
			// the shipped keys are 128-bit; widen to the 256-bit
			// salsa20 key by repetition
			copy(k[:16], key)
			copy(k[16:], key)
		case 32:
			copy(k[:], key)
		default:
			return nil, fmt.Errorf("%w: salsa20 key %016x has width %d",
				tact_errors.ErrUnsupported, keyName, len(key))
		}
		salsa20.XORKeyStream(plain, ciphertext, iv[:], &k)

	case 'A':
		c, err := rc4.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: arc4 key %016x: %v", tact_errors.ErrUnsupported, keyName, err)
		}
		c.XORKeyStream(plain, ciphertext)

	default:
		return nil, fmt.Errorf("%w: unknown encryption type 0x%02x",
			tact_errors.ErrUnsupported, encType)
	}
	return plain, nil
}
