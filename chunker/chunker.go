// Package chunker splits files into chunks protected by a rotating XOR parity
// and reassembles them when at most one chunk has been lost.
//
// Input is processed in rows of up to m-1 data bytes. Before each row the
// parity slot advances by one (starting from slot 1), every other slot
// receives one input byte and the parity slot receives the XOR of the row.
package chunker

import (
	"bufio"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// MinChunks is the smallest number of chunks a file can be split into.
const MinChunks = 2

var (
	// ErrReconstruct is returned when too many chunks are missing to rebuild
	// the original file.
	ErrReconstruct = errors.New("cannot reconstruct file")
	// ErrTooFewChunks is returned when fewer than MinChunks chunks are
	// requested or supplied.
	ErrTooFewChunks = errors.New("too few chunks")
)

// ChunkedFileInfo describes a file that has been split into chunks.
type ChunkedFileInfo struct {
	OriginalPath string `json:"originalPath"`
	OriginalHash string `json:"originalHash"`
	OriginalSize int64  `json:"originalSize"`

	// ChunkPaths is ordered by chunk index.
	ChunkPaths []string `json:"chunkPaths"`
	// ChunkHashes maps a chunk path to the content hash of the chunk.
	ChunkHashes  map[string]string `json:"chunkHashes"`
	MaxChunkSize int64             `json:"maxChunkSize"`
}

// ChunkName returns the file name of the chunk at index for the original
// file name.
func ChunkName(index int, filename string) string {
	return strconv.Itoa(index) + "_" + filename
}

// Split splits the file at path into m chunks written next to it.
func Split(path string, m int) (ChunkedFileInfo, error) {
	return SplitInto(path, filepath.Dir(path), m)
}

// SplitInto splits the file at path into m chunks written to dir.
func SplitInto(path, dir string, m int) (info ChunkedFileInfo, err error) {
	if m < MinChunks {
		return ChunkedFileInfo{}, fmt.Errorf("%d chunks requested: %w", m, ErrTooFewChunks)
	}

	src, err := os.Open(path)
	if err != nil {
		return ChunkedFileInfo{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer src.Close()

	name := filepath.Base(path)
	files := make([]*os.File, 0, m)
	writers := make([]*bufio.Writer, 0, m)
	paths := make([]string, 0, m)
	defer func() {
		for _, f := range files {
			f.Close()
		}
		if err != nil {
			for _, p := range paths {
				os.Remove(p)
			}
		}
	}()

	for i := 0; i < m; i++ {
		p := filepath.Join(dir, ChunkName(i, name))
		f, err := os.Create(p)
		if err != nil {
			return ChunkedFileInfo{}, fmt.Errorf("failed to create chunk %d: %w", i, err)
		}
		files = append(files, f)
		paths = append(paths, p)
		writers = append(writers, bufio.NewWriter(f))
	}

	h := sha1.New()
	r := bufio.NewReader(io.TeeReader(src, h))
	var size int64
	parity := m
	for {
		if _, err := r.Peek(1); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return ChunkedFileInfo{}, fmt.Errorf("failed to read file: %w", err)
		}

		parity = (parity + 1) % m
		var acc byte
		for i := 0; i < m; i++ {
			if i == parity {
				continue
			}
			b, err := r.ReadByte()
			if errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return ChunkedFileInfo{}, fmt.Errorf("failed to read file: %w", err)
			} else if err := writers[i].WriteByte(b); err != nil {
				return ChunkedFileInfo{}, fmt.Errorf("failed to write chunk %d: %w", i, err)
			}
			acc ^= b
			size++
		}
		if err := writers[parity].WriteByte(acc); err != nil {
			return ChunkedFileInfo{}, fmt.Errorf("failed to write chunk %d: %w", parity, err)
		}
	}

	for i, w := range writers {
		if err := w.Flush(); err != nil {
			return ChunkedFileInfo{}, fmt.Errorf("failed to flush chunk %d: %w", i, err)
		} else if err := files[i].Sync(); err != nil {
			return ChunkedFileInfo{}, fmt.Errorf("failed to sync chunk %d: %w", i, err)
		}
	}

	info = ChunkedFileInfo{
		OriginalPath: path,
		OriginalHash: fmt.Sprintf("%x", h.Sum(nil)),
		OriginalSize: size,
		ChunkPaths:   paths,
		ChunkHashes:  make(map[string]string, m),
	}
	for i, p := range paths {
		hash, n, err := HashFile(p)
		if err != nil {
			return ChunkedFileInfo{}, fmt.Errorf("failed to hash chunk %d: %w", i, err)
		}
		info.ChunkHashes[p] = hash
		if n > info.MaxChunkSize {
			info.MaxChunkSize = n
		}
	}
	return info, nil
}

// Reassemble rebuilds the original file from its chunks and writes it to
// outputPath. chunkPaths is ordered by chunk index; at most one entry may be
// empty or point to a file that does not exist. size is the length of the
// original file, or -1 if unknown. It is only consulted to place the final
// byte of a missing chunk.
//
// If more than one chunk is missing, ErrReconstruct is returned and no output
// is written. ErrReconstruct is also returned when size is unknown and the
// present chunks cannot tell whether the missing chunk ended in a data byte.
func Reassemble(chunkPaths []string, outputPath string, size int64) (err error) {
	m := len(chunkPaths)
	if m < MinChunks {
		return fmt.Errorf("%d chunks supplied: %w", m, ErrTooFewChunks)
	}

	missing := -1
	var missingCount int
	lengths := make([]int64, m)
	for i, p := range chunkPaths {
		if p == "" {
			missing = i
			missingCount++
			continue
		}
		fi, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			missing = i
			missingCount++
			continue
		} else if err != nil {
			return fmt.Errorf("failed to stat chunk %d: %w", i, err)
		}
		lengths[i] = fi.Size()
	}
	if missingCount > 1 {
		return fmt.Errorf("%d of %d chunks missing: %w", missingCount, m, ErrReconstruct)
	}

	var rows int64
	for i, n := range lengths {
		if i != missing && n > rows {
			rows = n
		}
	}
	for i, n := range lengths {
		if i != missing && n != rows && n != rows-1 {
			return fmt.Errorf("chunk %d has length %d, expected %d or %d: %w", i, n, rows-1, rows, ErrReconstruct)
		}
	}
	if size >= 0 && rows != (size+int64(m)-2)/int64(m-1) {
		return fmt.Errorf("chunks hold %d rows, expected %d for %d bytes: %w", rows, (size+int64(m)-2)/int64(m-1), size, ErrReconstruct)
	}

	// tail[i] reports whether chunk i holds a byte in the final row
	tail := make([]bool, m)
	var ambiguous bool
	if rows > 0 {
		lastParity := int(rows % int64(m))
		for i := range tail {
			tail[i] = i != missing && lengths[i] == rows
		}
		if missing >= 0 {
			tail[missing], ambiguous = missingInTail(tail, missing, lastParity, rows, size)
		}
	}
	if ambiguous {
		return fmt.Errorf("length of missing chunk %d is ambiguous without the file size: %w", missing, ErrReconstruct)
	}

	readers := make([]*bufio.Reader, m)
	for i, p := range chunkPaths {
		if i == missing {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open chunk %d: %w", i, err)
		}
		defer f.Close()
		readers[i] = bufio.NewReader(f)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close output file: %w", cerr)
		}
		if err != nil {
			os.Remove(outputPath)
		}
	}()
	w := bufio.NewWriter(out)

	row := make([]byte, m)
	for r := int64(0); r < rows; r++ {
		parity := int((r + 1) % int64(m))
		last := r == rows-1

		var acc byte
		for i := 0; i < m; i++ {
			row[i] = 0
			if i == missing || (last && !tail[i]) {
				continue
			}
			b, err := readers[i].ReadByte()
			if err != nil {
				return fmt.Errorf("failed to read chunk %d row %d: %w", i, r, err)
			}
			row[i] = b
			acc ^= b
		}
		if missing >= 0 && (!last || tail[missing]) {
			row[missing] = acc
		}

		for i := 0; i < m; i++ {
			if i == parity || (last && !tail[i]) {
				continue
			} else if err := w.WriteByte(row[i]); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return out.Sync()
}

// missingInTail decides whether the missing chunk carried a byte in the final
// row. Data bytes of the final row fill the non-parity slots in index order,
// so the present chunks bound the answer. When the missing slot directly
// follows the filled prefix and the size is unknown, the chunk may or may not
// hold a byte and ambiguous is returned.
func missingInTail(tail []bool, missing, parity int, rows, size int64) (has, ambiguous bool) {
	if missing == parity {
		return true, false
	}

	m := len(tail)
	var pos, filledBefore int
	var filledAfter bool
	var t int
	for i := 0; i < m; i++ {
		if i == parity {
			continue
		}
		switch {
		case i == missing:
			pos = t
		case i < missing && tail[i]:
			filledBefore++
		case i > missing && tail[i]:
			filledAfter = true
		}
		t++
	}

	if size >= 0 {
		k := size - (rows-1)*int64(m-1)
		return int64(pos) < k, false
	}
	switch {
	case filledAfter:
		return true, false
	case pos == 0:
		// every row holds at least one data byte
		return true, false
	case filledBefore == pos:
		return false, true
	default:
		return false, false
	}
}
