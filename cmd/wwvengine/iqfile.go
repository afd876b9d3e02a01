package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/ky4olb/wwvengine/wwv"
)

// iqReader streams interleaved little-endian float32 I/Q samples from a
// raw baseband capture file, the same sample layout the engine's matched-
// filter template math assumes.
type iqReader struct {
	f *os.File
	r *bufio.Reader
}

func openIQFile(path string) (*iqReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open IQ file: %w", err)
	}
	return &iqReader{f: f, r: bufio.NewReaderSize(f, 1<<16)}, nil
}

// Next reads one interleaved I/Q float32 pair. Returns io.EOF when the
// file is exhausted.
func (r *iqReader) Next() (wwv.Sample, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return wwv.Sample{}, err
	}
	i := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[0:4])))
	q := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8])))
	return wwv.Sample{I: i, Q: q}, nil
}

func (r *iqReader) Close() error { return r.f.Close() }
