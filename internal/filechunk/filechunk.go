// Package filechunk splits files into relay-sized chunks and
// reassembles them on the receiving side. A chunk travels as the
// plaintext of one EncryptedMessage with the file-chunk MIME tag: a
// JSON document whose data field is base64, matching the tag's
// +json;base64 suffix. The relay never sees any of this; chunking is
// purely a client concern.
package filechunk

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const (
	// MaxFileBytes bounds the total size of a transferred file.
	MaxFileBytes = 5 * 1024 * 1024

	// maxChunkPlaintext is the ceiling on one chunk's sealed plaintext,
	// the JSON document included.
	maxChunkPlaintext = 64 * 1024

	// DataBytesPerChunk is how much raw file data goes into one chunk.
	// Base64 expands it by 4/3, and the JSON envelope adds field
	// overhead; 44 KiB of raw data keeps the document safely under
	// maxChunkPlaintext.
	DataBytesPerChunk = 44 * 1024
)

var (
	// ErrFileTooLarge is returned by Split for files over MaxFileBytes.
	ErrFileTooLarge = errors.New("filechunk: file exceeds maximum size")

	// ErrInvalidChunk is returned when a chunk document is internally
	// inconsistent or does not fit the transfer it claims to belong to.
	ErrInvalidChunk = errors.New("filechunk: invalid chunk")
)

// Chunk is one piece of a file in flight. json.Marshal base64-encodes
// the Data field, giving exactly the wire form the MIME tag promises.
type Chunk struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Data       []byte `json:"data"`
}

// Marshal serializes the chunk to its wire form.
func (c *Chunk) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal parses and validates a chunk document.
func Unmarshal(raw []byte) (*Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
	}
	if c.TransferID == "" || c.Total <= 0 || c.Index < 0 || c.Index >= c.Total {
		return nil, fmt.Errorf("%w: transfer %q index %d/%d", ErrInvalidChunk, c.TransferID, c.Index, c.Total)
	}
	if len(c.Data) > DataBytesPerChunk {
		return nil, fmt.Errorf("%w: chunk data %d bytes", ErrInvalidChunk, len(c.Data))
	}
	return &c, nil
}

// Split cuts data into chunks for the given transfer id and file name.
// Every chunk but the last carries DataBytesPerChunk bytes.
func Split(transferID, fileName string, data []byte) ([]Chunk, error) {
	if len(data) > MaxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(data))
	}

	total := (len(data) + DataBytesPerChunk - 1) / DataBytesPerChunk
	if total == 0 {
		total = 1
	}

	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * DataBytesPerChunk
		end := start + DataBytesPerChunk
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{
			TransferID: transferID,
			FileName:   fileName,
			Index:      i,
			Total:      total,
			Data:       data[start:end],
		})
	}
	return chunks, nil
}

// File is a fully reassembled transfer.
type File struct {
	Name string
	Data []byte
}

type transfer struct {
	fileName string
	total    int
	parts    map[int][]byte
	size     int
}

// Assembler collects chunks across transfers and hands back each file
// once its last piece arrives. It is safe for concurrent use.
type Assembler struct {
	mu        sync.Mutex
	transfers map[string]*transfer
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{transfers: make(map[string]*transfer)}
}

// Add records one chunk. It returns the completed file when the chunk
// was the last missing piece, nil while the transfer is still partial.
// A duplicate chunk is ignored; a chunk inconsistent with its transfer
// returns ErrInvalidChunk and discards the whole transfer.
func (a *Assembler) Add(c *Chunk) (*File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tr, ok := a.transfers[c.TransferID]
	if !ok {
		tr = &transfer{
			fileName: c.FileName,
			total:    c.Total,
			parts:    make(map[int][]byte, c.Total),
		}
		a.transfers[c.TransferID] = tr
	}

	if c.Total != tr.total || c.FileName != tr.fileName {
		delete(a.transfers, c.TransferID)
		return nil, fmt.Errorf("%w: transfer %q changed shape mid-flight", ErrInvalidChunk, c.TransferID)
	}
	if _, dup := tr.parts[c.Index]; dup {
		return nil, nil
	}
	if tr.size+len(c.Data) > MaxFileBytes {
		delete(a.transfers, c.TransferID)
		return nil, fmt.Errorf("%w: transfer %q exceeds %d bytes", ErrFileTooLarge, c.TransferID, MaxFileBytes)
	}

	tr.parts[c.Index] = c.Data
	tr.size += len(c.Data)
	if len(tr.parts) < tr.total {
		return nil, nil
	}

	data := make([]byte, 0, tr.size)
	for i := 0; i < tr.total; i++ {
		data = append(data, tr.parts[i]...)
	}
	delete(a.transfers, c.TransferID)
	return &File{Name: tr.fileName, Data: data}, nil
}
