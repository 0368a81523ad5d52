package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// wavHeaderSize is the size of the canonical 44-byte RIFF/WAVE header we
// write for PCM recordings.
const wavHeaderSize = 44

// wavFormatPCM is the linear PCM format code in a WAV fmt chunk.
const wavFormatPCM = 1

// WAVInfo holds the fields of a parsed WAV header needed for playback and
// recording bookkeeping.
type WAVInfo struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32
	// DataOffset is the byte offset of the start of the data chunk.
	DataOffset int64
}

// Duration returns the play time of the data chunk.
func (w WAVInfo) Duration() time.Duration {
	byteRate := int64(w.SampleRate) * int64(w.NumChannels) * int64(w.BitsPerSample) / 8
	if byteRate == 0 {
		return 0
	}
	return time.Duration(int64(w.DataSize) * int64(time.Second) / byteRate)
}

// ParseWAVHeader reads and validates a WAV header from r, leaving the reader
// positioned at the start of audio data.
func ParseWAVHeader(r io.ReadSeeker) (*WAVInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riff[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	info := &WAVInfo{}
	offset := int64(12)
	foundFmt := false

	for {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, errors.New("wav file missing data chunk")
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}
		offset += 8

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			var byteRate uint32
			var blockAlign uint16
			for _, field := range []any{
				&info.AudioFormat, &info.NumChannels, &info.SampleRate,
				&byteRate, &blockAlign, &info.BitsPerSample,
			} {
				if err := binary.Read(r, binary.LittleEndian, field); err != nil {
					return nil, fmt.Errorf("reading fmt chunk: %w", err)
				}
			}
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			offset += int64(chunkSize)
			foundFmt = true

		case "data":
			if !foundFmt {
				return nil, errors.New("wav file missing fmt chunk")
			}
			info.DataSize = chunkSize
			info.DataOffset = offset
			return info, nil

		default:
			// Skip unknown chunks, padded to an even boundary per spec.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
			offset += skip
		}
	}
}

// WAVDuration opens the WAV file at path and returns the duration of its
// data chunk.
func WAVDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening wav file: %w", err)
	}
	defer f.Close()

	info, err := ParseWAVHeader(f)
	if err != nil {
		return 0, fmt.Errorf("parsing wav header: %w", err)
	}
	return info.Duration(), nil
}

// ReadWAV opens the WAV file at path and returns its header info plus the
// full data chunk.
func ReadWAV(path string) (*WAVInfo, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening wav file: %w", err)
	}
	defer f.Close()

	info, err := ParseWAVHeader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing wav header: %w", err)
	}

	data := make([]byte, info.DataSize)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, nil, fmt.Errorf("reading wav data: %w", err)
	}
	return info, data, nil
}

// WriteWAVHeader writes a 44-byte linear-PCM WAV header for a mono stream
// of the given sample rate and width. The caller rewrites the header with
// the final dataSize when the stream is complete.
func WriteWAVHeader(w io.Writer, sampleRate, sampleWidth int, dataSize uint32) error {
	var hdr [wavHeaderSize]byte

	byteRate := uint32(sampleRate * sampleWidth)

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], 1) // mono
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(sampleWidth))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(sampleWidth*8))

	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := w.Write(hdr[:])
	return err
}

// WriteWAVFile writes a complete mono linear-PCM WAV file.
func WriteWAVFile(path string, sampleRate, sampleWidth int, pcm []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating wav file: %w", err)
	}
	defer f.Close()

	if err := WriteWAVHeader(f, sampleRate, sampleWidth, uint32(len(pcm))); err != nil {
		return fmt.Errorf("writing wav header: %w", err)
	}
	if _, err := f.Write(pcm); err != nil {
		return fmt.Errorf("writing wav data: %w", err)
	}
	return nil
}
