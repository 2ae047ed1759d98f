package raids

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

const (
	// PartKeySize is the length of an encoded PartKey.
	PartKeySize = fileHashSize + 4

	fileHashSize = 40
)

// ErrInvalidPartKey is returned when a PartKey cannot be encoded or decoded.
var ErrInvalidPartKey = errors.New("invalid part key")

// A PartKey identifies one chunk of a file. FileHash is the 40 character hex
// lookup key of the file's MasterList.
type PartKey struct {
	FileHash string `json:"fileHash"`
	Index    int    `json:"index"`
}

// String implements fmt.Stringer.
func (pk PartKey) String() string {
	return pk.FileHash + "/" + strconv.Itoa(pk.Index)
}

// Validate returns an error if the PartKey cannot be encoded.
func (pk PartKey) Validate() error {
	if len(pk.FileHash) != fileHashSize {
		return fmt.Errorf("file hash must be %d characters, got %d: %w", fileHashSize, len(pk.FileHash), ErrInvalidPartKey)
	} else if _, err := hex.DecodeString(pk.FileHash); err != nil {
		return fmt.Errorf("file hash must be hex: %w", ErrInvalidPartKey)
	} else if pk.Index < 0 || pk.Index > math.MaxInt32 {
		return fmt.Errorf("chunk index %d out of range: %w", pk.Index, ErrInvalidPartKey)
	}
	return nil
}

// MarshalBinary encodes the PartKey as 40 ASCII bytes of file hash followed
// by the big-endian chunk index.
func (pk PartKey) MarshalBinary() ([]byte, error) {
	if err := pk.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, PartKeySize)
	copy(buf, pk.FileHash)
	binary.BigEndian.PutUint32(buf[fileHashSize:], uint32(pk.Index))
	return buf, nil
}

// UnmarshalBinary decodes a PartKey encoded with MarshalBinary.
func (pk *PartKey) UnmarshalBinary(b []byte) error {
	if len(b) != PartKeySize {
		return fmt.Errorf("expected %d bytes, got %d: %w", PartKeySize, len(b), ErrInvalidPartKey)
	}
	index := binary.BigEndian.Uint32(b[fileHashSize:])
	if index > math.MaxInt32 {
		return fmt.Errorf("chunk index %d out of range: %w", index, ErrInvalidPartKey)
	}
	dec := PartKey{
		FileHash: string(b[:fileHashSize]),
		Index:    int(index),
	}
	if err := dec.Validate(); err != nil {
		return err
	}
	*pk = dec
	return nil
}

// EncodeTo writes the encoded PartKey to w.
func (pk PartKey) EncodeTo(w io.Writer) error {
	buf, err := pk.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// DecodeFrom reads an encoded PartKey from r.
func (pk *PartKey) DecodeFrom(r io.Reader) error {
	buf := make([]byte, PartKeySize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("failed to read part key: %w", err)
	}
	return pk.UnmarshalBinary(buf)
}
