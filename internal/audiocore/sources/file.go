package sources

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/flac"
)

// Supported container types
const (
	FileTypeWAV    = "wav"
	FileTypeMP3    = "mp3"
	FileTypeVorbis = "vorbis"
	FileTypeFLAC   = "flac"
)

// wavReadSamples is the number of samples decoded per WAV read.
const wavReadSamples = 4096

// DetectFileType maps a file extension to a container type.
func DetectFileType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return FileTypeWAV, nil
	case ".mp3":
		return FileTypeMP3, nil
	case ".ogg", ".oga":
		return FileTypeVorbis, nil
	case ".flac":
		return FileTypeFLAC, nil
	default:
		return "", errors.New(fmt.Errorf("unsupported audio file extension %q", filepath.Ext(path))).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryValidation).
			Context("path", path).
			Build()
	}
}

// FileSource is a pull DataSource decoding an audio file. The file is opened
// on Connect and closed on Disconnect; every connection starts from the top.
type FileSource struct {
	id       string
	path     string
	fileType string

	mu     sync.Mutex
	file   *os.File
	stream *fileStream
}

// NewFileSource creates a source for the file at path.
func NewFileSource(id, path string) (*FileSource, error) {
	fileType, err := DetectFileType(path)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = filepath.Base(path)
	}
	return &FileSource{id: id, path: path, fileType: fileType}, nil
}

// ID returns the source identifier
func (s *FileSource) ID() string {
	return s.id
}

// Path returns the file path
func (s *FileSource) Path() string {
	return s.path
}

// Connect opens the file and reads its header.
func (s *FileSource) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return nil
	}

	file, err := os.Open(s.path)
	if err != nil {
		return errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryFileIO).
			Context("source_id", s.id).
			FileContext(s.path, 0).
			Build()
	}

	dec, err := newPCMDecoder(s.fileType, file)
	if err != nil {
		_ = file.Close()
		return errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryFileParsing).
			Context("source_id", s.id).
			Context("decoder", s.fileType).
			FileContext(s.path, 0).
			Build()
	}

	s.file = file
	s.stream = &fileStream{decoder: dec}
	return nil
}

// Disconnect closes the file
func (s *FileSource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stream = nil
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryFileIO).
			Context("operation", "close").
			FileContext(s.path, 0).
			Build()
	}
	return nil
}

// Start is a no-op, reads are driven by the consumer
func (s *FileSource) Start(_ context.Context) error { return nil }

// Stop is a no-op
func (s *FileSource) Stop() error { return nil }

// Streams returns the decoded stream while connected
func (s *FileSource) Streams() []audiocore.SourceStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	return []audiocore.SourceStream{s.stream}
}

// fileStream exposes a decoder as a PullSourceStream.
type fileStream struct {
	decoder pcmDecoder
}

func (f *fileStream) Format() audiocore.AudioFormat { return f.decoder.Format() }

func (f *fileStream) Read(p []byte) (int, error) {
	// Keep reads frame aligned so the mixer never sees a split sample
	if fs := f.decoder.Format().FrameSize(); fs > 1 {
		p = p[:len(p)-len(p)%fs]
	}
	return f.decoder.Read(p)
}

// pcmDecoder produces interleaved PCM bytes in its Format.
type pcmDecoder interface {
	io.Reader
	Format() audiocore.AudioFormat
}

func newPCMDecoder(fileType string, file *os.File) (pcmDecoder, error) {
	switch fileType {
	case FileTypeWAV:
		return newWAVDecoder(file)
	case FileTypeMP3:
		return newMP3Decoder(file)
	case FileTypeVorbis:
		return newVorbisDecoder(file)
	case FileTypeFLAC:
		return newFLACDecoder(file)
	default:
		return nil, fmt.Errorf("no decoder for %s", fileType)
	}
}

// encodingForDepth returns the little endian PCM encoding for a bit depth.
func encodingForDepth(bits int) (string, error) {
	switch bits {
	case 8:
		return audiocore.EncodingPCMU8, nil
	case 16:
		return audiocore.EncodingPCMS16LE, nil
	case 24:
		return audiocore.EncodingPCMS24LE, nil
	case 32:
		return audiocore.EncodingPCMS32LE, nil
	default:
		return "", fmt.Errorf("unsupported bit depth %d", bits)
	}
}

// frameDecoder serves Read from whole decoded blocks.
type frameDecoder struct {
	format  audiocore.AudioFormat
	pending []byte
	next    func() ([]byte, error)
	err     error
}

func (d *frameDecoder) Format() audiocore.AudioFormat { return d.format }

func (d *frameDecoder) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		d.pending, d.err = d.next()
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func newWAVDecoder(file *os.File) (pcmDecoder, error) {
	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, errors.NewStd("input is not a valid WAV audio file")
	}

	bits := int(decoder.BitDepth)
	encoding, err := encodingForDepth(bits)
	if err != nil {
		return nil, err
	}
	format := audiocore.AudioFormat{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   bits,
		Encoding:   encoding,
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, wavReadSamples*format.Channels),
		Format: &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
	}
	width := format.BytesPerSample()

	return &frameDecoder{
		format: format,
		next: func() ([]byte, error) {
			n, err := decoder.PCMBuffer(buf)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			if n == 0 {
				return nil, io.EOF
			}
			out := make([]byte, n*width)
			for i, v := range buf.Data[:n] {
				putSample(out[i*width:], v, bits)
			}
			return out, nil
		},
	}, nil
}

// putSample writes v in the little endian layout of the given bit depth.
// 8-bit samples are stored unsigned as in WAV.
func putSample(b []byte, v, bits int) {
	switch bits {
	case 8:
		b[0] = byte(v)
	case 16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case 24:
		b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
	case 32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	}
}

// mp3Decoder wraps go-mp3, which always yields 16-bit stereo.
type mp3Decoder struct {
	*gomp3.Decoder
	format audiocore.AudioFormat
}

func newMP3Decoder(file *os.File) (pcmDecoder, error) {
	dec, err := gomp3.NewDecoder(file)
	if err != nil {
		return nil, err
	}
	return &mp3Decoder{
		Decoder: dec,
		format: audiocore.AudioFormat{
			SampleRate: dec.SampleRate(),
			Channels:   2,
			BitDepth:   16,
			Encoding:   audiocore.EncodingPCMS16LE,
		},
	}, nil
}

func (d *mp3Decoder) Format() audiocore.AudioFormat { return d.format }

func newVorbisDecoder(file *os.File) (pcmDecoder, error) {
	dec, err := oggvorbis.NewReader(file)
	if err != nil {
		return nil, err
	}
	format := audiocore.AudioFormat{
		SampleRate: dec.SampleRate(),
		Channels:   dec.Channels(),
		BitDepth:   32,
		Encoding:   audiocore.EncodingPCMF32LE,
	}
	frameBuf := make([]float32, 4096)

	return &frameDecoder{
		format: format,
		next: func() ([]byte, error) {
			n, err := dec.Read(frameBuf)
			out := make([]byte, n*4)
			for i, v := range frameBuf[:n] {
				binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
			}
			if n > 0 && errors.Is(err, io.EOF) {
				// Deliver the tail now, EOF comes with the next call
				return out, nil
			}
			return out, err
		},
	}, nil
}

func newFLACDecoder(file *os.File) (pcmDecoder, error) {
	dec, err := flac.NewDecoder(file)
	if err != nil {
		return nil, err
	}
	encoding, err := encodingForDepth(dec.BitsPerSample)
	if err != nil {
		return nil, err
	}
	if dec.BitsPerSample == 8 {
		return nil, errors.NewStd("8-bit FLAC is not supported")
	}

	return &frameDecoder{
		format: audiocore.AudioFormat{
			SampleRate: dec.SampleRate,
			Channels:   dec.NChannels,
			BitDepth:   dec.BitsPerSample,
			Encoding:   encoding,
		},
		next: dec.Next,
	}, nil
}
