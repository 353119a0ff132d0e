package ops

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Chunk states.
const (
	ChunkPartial  = "partial"
	ChunkComplete = "complete"
)

// Chunk is one slice of a completed result. The checksum chain is
// verifiable from the head without trusting the server: each checksum is
// sha256 over the chunk's own data, and checksumPrevious links back to
// the prior chunk.
type Chunk struct {
	Offset           int     `json:"offset"`
	Data             string  `json:"data"`
	Checksum         string  `json:"checksum"`
	ChecksumPrevious *string `json:"checksumPrevious"`
	State            string  `json:"state"`
	Cursor           *string `json:"cursor"`
}

// DefaultChunkSize bounds a single chunk's data payload in bytes.
const DefaultChunkSize = 4096

// buildChunks splits a serialized result into a checksum-chained list.
// A result that fits one chunk yields a sole terminal chunk with a nil
// previous checksum.
func buildChunks(serialized []byte, maxSize int) []Chunk {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}

	var chunks []Chunk
	var prev *string
	for offset := 0; offset < len(serialized) || offset == 0; offset += maxSize {
		end := offset + maxSize
		if end > len(serialized) {
			end = len(serialized)
		}
		data := string(serialized[offset:end])
		sum := checksum([]byte(data))

		c := Chunk{
			Offset:           offset,
			Data:             data,
			Checksum:         sum,
			ChecksumPrevious: prev,
			State:            ChunkPartial,
		}
		if end >= len(serialized) {
			c.State = ChunkComplete
		} else {
			cursor := encodeCursor(end)
			c.Cursor = &cursor
		}
		chunks = append(chunks, c)
		link := sum
		prev = &link

		if end >= len(serialized) {
			break
		}
	}
	return chunks
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Cursors are opaque to clients: a base64 encoding of the next chunk's
// byte offset.
func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("ops: malformed cursor: %w", err)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("ops: malformed cursor payload")
	}
	return offset, nil
}
