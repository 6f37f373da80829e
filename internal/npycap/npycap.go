// Package npycap stores finished acquisitions as numpy array files.
//
// Each capture produces a pair of .npy arrays written side by side, the
// stream words as '<u4' and their time tags as '<u8', plus a JSON sidecar
// describing the acquisition. Headers are created with a zero shape and
// patched with the real element count on Close, so the arrays are only
// readable once the capture has been closed.
package npycap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redrabbit329/usrp-fpga/internal/asyncbufio"
	"github.com/redrabbit329/usrp-fpga/internal/getbytes"
)

// npy file header must be a multiple of 64 bytes
const headerUnits = 64

// shapeDigits bounds the element count a patched header can hold.
const shapeDigits = 10

const (
	writeChannelDepth = 4096
	flushInterval     = 250 * time.Millisecond
)

// CaptureInfo is the metadata stored in the JSON sidecar next to the
// array pair.
type CaptureInfo struct {
	ID      string
	Source  string
	Command string
	Started time.Time
	Words   int64
}

// npyHeader builds a version 1 npy header for a one dimensional array of
// the given dtype holding items elements.
func npyHeader(dtype string, items int64) []byte {
	preheader := []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0x00, 0, 0}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d,), }", dtype, items)
	widest := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%0*d,), }", dtype, shapeDigits, 0)

	// Put header size into bytes 8-9, little-endian. It's a multiple of
	// 64 bytes, sized for a ten digit count so a later patch with the
	// final count never changes the length.
	nunits := (len(preheader) + len(widest) + headerUnits) / headerUnits
	size := nunits*headerUnits - len(preheader)
	preheader[8] = byte(size % 256)
	preheader[9] = byte(size / 256)

	// Pad with spaces plus one newline (0x20 and 0x0a, respectively) to the promised size
	hdr := append(preheader, dict...)
	for len(hdr) < 10+size-1 {
		hdr = append(hdr, 0x20)
	}
	return append(hdr, 0x0a)
}

// npyFile is one npy array being written through an asynchronous buffer.
type npyFile struct {
	file  *os.File
	buf   *asyncbufio.Writer
	dtype string
	items int64
}

func createNpyFile(path, dtype string) (*npyFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := file.Write(npyHeader(dtype, 0)); err != nil {
		file.Close()
		return nil, err
	}
	return &npyFile{
		file:  file,
		buf:   asyncbufio.NewWriter(file, writeChannelDepth, flushInterval),
		dtype: dtype,
	}, nil
}

// append queues raw element bytes. The bytes are copied first because the
// buffered writer retains its argument.
func (f *npyFile) append(raw []byte, count int) error {
	b := make([]byte, len(raw))
	copy(b, raw)
	if _, err := f.buf.Write(b); err != nil {
		return fmt.Errorf("could not queue %d bytes for %s array: %w", len(b), f.dtype, err)
	}
	f.items += int64(count)
	return nil
}

// close flushes the buffer, patches the element count into the header,
// and closes the file.
func (f *npyFile) close() error {
	f.buf.Close()
	if _, err := f.file.WriteAt(npyHeader(f.dtype, f.items), 0); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// Writer stores one acquisition as a pair of npy arrays plus a JSON
// sidecar.
type Writer struct {
	info  CaptureInfo
	base  string
	data  *npyFile
	times *npyFile
}

// Create opens the capture files under dir, using the acquisition ID from
// info as the filename stem.
func Create(dir string, info CaptureInfo) (*Writer, error) {
	if info.ID == "" {
		return nil, errors.New("capture needs a nonempty acquisition ID")
	}
	base := filepath.Join(dir, info.ID)
	data, err := createNpyFile(base+"_data.npy", "<u4")
	if err != nil {
		return nil, err
	}
	times, err := createNpyFile(base+"_times.npy", "<u8")
	if err != nil {
		data.buf.Close()
		data.file.Close()
		os.Remove(base + "_data.npy")
		return nil, err
	}
	return &Writer{info: info, base: base, data: data, times: times}, nil
}

// Base returns the path stem shared by the capture files.
func (w *Writer) Base() string { return w.base }

// Words returns the number of stream words appended so far.
func (w *Writer) Words() int64 { return w.data.items }

// Append stores a block of stream words and their time tags.
func (w *Writer) Append(words []uint32, times []uint64) error {
	if len(words) != len(times) {
		return fmt.Errorf("capture block has %d words but %d time tags", len(words), len(times))
	}
	if len(words) == 0 {
		return nil
	}
	if err := w.data.append(getbytes.FromSlice(words), len(words)); err != nil {
		return err
	}
	return w.times.append(getbytes.FromSlice(times), len(times))
}

// Close flushes both arrays, patches their headers with the final element
// count, and writes the sidecar.
func (w *Writer) Close() error {
	errData := w.data.close()
	errTimes := w.times.close()
	if errData != nil {
		return errData
	}
	if errTimes != nil {
		return errTimes
	}
	w.info.Words = w.data.items
	blob, err := json.MarshalIndent(w.info, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(w.base+".json", append(blob, '\n'), 0644)
}
