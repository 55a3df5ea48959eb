package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// FileDevices serves capture requests from local files: a WAV file as the
// microphone and image files (or a directory of them, cycled per frame) as
// camera and screen.
type FileDevices struct {
	MicrophonePath string
	CameraPath     string
	ScreenPath     string

	// FrameDuration is the microphone frame size, 20ms when zero
	FrameDuration time.Duration
	// Loop restarts the microphone file at EOF instead of ending the track
	Loop bool

	Logger zerolog.Logger
}

// GetUserMedia opens the microphone and/or camera
func (d *FileDevices) GetUserMedia(ctx context.Context, c Constraints) (*MediaStream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("media: at least one of audio or video must be requested")
	}

	var tracks []Track
	if c.Audio {
		mic, err := d.openMicrophone()
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, mic)
	}
	if c.Video {
		cam, err := openImageTrack("camera", d.CameraPath, d.Logger)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, cam)
	}
	return NewMediaStream(tracks...), nil
}

// GetDisplayMedia opens the screen source
func (d *FileDevices) GetDisplayMedia(ctx context.Context, c Constraints) (*MediaStream, error) {
	screen, err := openImageTrack("screen", d.ScreenPath, d.Logger)
	if err != nil {
		return nil, err
	}
	return NewMediaStream(screen), nil
}

func (d *FileDevices) openMicrophone() (*wavTrack, error) {
	if d.MicrophonePath == "" {
		return nil, &DeviceError{Name: NotFoundError, Message: "no microphone configured"}
	}
	f, err := os.Open(d.MicrophonePath)
	if err != nil {
		return nil, fileDeviceError("microphone", err)
	}
	streamer, format, err := wav.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, &DeviceError{Name: NotReadableError, Message: "microphone could not be read", Err: err}
	}

	frameDuration := d.FrameDuration
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	t := &wavTrack{
		label:    filepath.Base(d.MicrophonePath),
		streamer: streamer,
		format:   format,
		loop:     d.Loop,
		frames:   make(chan []float32, 16),
		done:     make(chan struct{}),
		logger:   d.Logger,
	}
	go t.run(frameDuration)
	return t, nil
}

func fileDeviceError(device string, err error) *DeviceError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &DeviceError{Name: NotFoundError, Message: device + " not found", Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &DeviceError{Name: NotAllowedError, Message: "permission denied for " + device, Err: err}
	default:
		return &DeviceError{Name: NotReadableError, Message: device + " could not be opened", Err: err}
	}
}

// wavTrack replays a decoded WAV stream at real-time cadence
type wavTrack struct {
	label    string
	streamer beep.StreamSeekCloser
	format   beep.Format
	loop     bool
	frames   chan []float32
	done     chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

func (t *wavTrack) Kind() TrackKind          { return KindAudio }
func (t *wavTrack) Label() string            { return t.label }
func (t *wavTrack) SampleRate() int          { return int(t.format.SampleRate) }
func (t *wavTrack) Frames() <-chan []float32 { return t.frames }

// Stop ends the track; Frames is closed shortly after
func (t *wavTrack) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *wavTrack) run(frameDuration time.Duration) {
	defer close(t.frames)
	defer t.streamer.Close()

	n := t.format.SampleRate.N(frameDuration)
	if n <= 0 {
		n = 1
	}
	buf := make([][2]float64, n)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	gain := decodeGain(t.format)
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		read, ok := t.streamer.Stream(buf)
		if read > 0 {
			frame := make([]float32, read)
			for i := 0; i < read; i++ {
				v := (buf[i][0] + buf[i][1]) / 2 * gain
				frame[i] = float32(math.Max(-1, math.Min(1, v)))
			}
			select {
			case t.frames <- frame:
			default:
				// Consumer is behind; drop like a device overrun
				t.logger.Debug().Str("track", t.label).Msg("Microphone frame overrun")
			}
		}
		if !ok || read < len(buf) {
			if err := t.streamer.Err(); err != nil {
				t.logger.Warn().Err(err).Str("track", t.label).Msg("Microphone stream failed")
				return
			}
			if !t.loop {
				return
			}
			if err := t.streamer.Seek(0); err != nil {
				t.logger.Warn().Err(err).Str("track", t.label).Msg("Microphone rewind failed")
				return
			}
		}
	}
}

// decodeGain corrects the wav decoder's signed scaling, which divides by
// 2^n-1 rather than 2^(n-1) and yields half-amplitude samples.
func decodeGain(format beep.Format) float64 {
	switch format.Precision {
	case 2:
		return (1<<16 - 1) / float64(1<<15)
	case 3:
		return (1<<24 - 1) / float64(1<<23)
	default:
		return 1
	}
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".webp": true,
}

// imageTrack serves decoded images as video frames.
// Decoding happens in the background; Frame reports not ready until it is done.
type imageTrack struct {
	label  string
	logger zerolog.Logger

	mu      sync.Mutex
	frames  []image.Image
	next    int
	ready   bool
	stopped bool
}

func openImageTrack(device, path string, logger zerolog.Logger) (*imageTrack, error) {
	if path == "" {
		return nil, &DeviceError{Name: NotFoundError, Message: "no " + device + " configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileDeviceError(device, err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fileDeviceError(device, err)
		}
		for _, e := range entries {
			if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	} else {
		files = []string{path}
	}
	if len(files) == 0 {
		return nil, &DeviceError{Name: NotFoundError, Message: "no images found for " + device}
	}

	t := &imageTrack{label: device + ":" + filepath.Base(path), logger: logger}
	go t.load(files)
	return t, nil
}

func (t *imageTrack) load(files []string) {
	var frames []image.Image
	for _, name := range files {
		img, err := decodeImage(name)
		if err != nil {
			t.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable frame")
			continue
		}
		frames = append(frames, img)
	}

	t.mu.Lock()
	t.frames = frames
	t.ready = len(frames) > 0
	t.mu.Unlock()
}

func decodeImage(name string) (image.Image, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func (t *imageTrack) Kind() TrackKind { return KindVideo }
func (t *imageTrack) Label() string   { return t.label }

// Frame returns the next image, cycling through a directory
func (t *imageTrack) Frame() (image.Image, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || !t.ready {
		return nil, false
	}
	img := t.frames[t.next%len(t.frames)]
	t.next++
	return img, true
}

// Stop ends the track
func (t *imageTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// DefaultPlatform returns a Platform backed by BeepContext and devices.
// Each context it creates renders in real time into sink until closed.
func DefaultPlatform(playbackRate int, devices MediaDevices, sink io.Writer, logger zerolog.Logger) Platform {
	return Platform{
		NewAudioContext: func() (AudioContext, error) {
			c := NewBeepContext(playbackRate, logger)
			go func() {
				if err := c.Run(context.Background(), sink, 20*time.Millisecond); err != nil {
					logger.Error().Err(err).Msg("Audio output failed")
				}
			}()
			return c, nil
		},
		Devices: devices,
	}
}
