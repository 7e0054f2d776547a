package source

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"yolopipe/internal/pipeline"
)

// Capture reads frames from a camera through ffmpeg, or by polling an HTTP
// snapshot endpoint, and submits each decoded frame to the sink
type Capture struct {
	cfg  Config
	sink pipeline.FrameSubmitter

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	cmd   *exec.Cmd
	cmdMu sync.Mutex

	client   *http.Client
	frameSeq atomic.Uint64
	stats    Stats
	statsMu  sync.RWMutex
}

// NewCapture creates a stopped capture
func NewCapture(cfg Config, sink pipeline.FrameSubmitter) *Capture {
	return &Capture{
		cfg:    cfg,
		sink:   sink,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		client: &http.Client{Timeout: 10 * time.Second},
		stats:  Stats{Source: cfg.Name},
	}
}

// Start launches the capture loop
func (c *Capture) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("source %s already started", c.cfg.Name)
	}
	go c.run()
	log.Printf("[Capture] Started capture for %s (device: %s, fps: %d)", c.cfg.Name, c.cfg.Device, c.cfg.FPS)
	return nil
}

// Stop ends the capture loop and kills ffmpeg
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)

		c.cmdMu.Lock()
		if c.cmd != nil && c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.cmdMu.Unlock()

		if c.running.Load() {
			<-c.done
		}
		log.Printf("[Capture] Stopped capture for %s", c.cfg.Name)
	})
}

// Running reports whether the capture loop is active
func (c *Capture) Running() bool {
	return c.running.Load()
}

// Stats returns a copy of the capture statistics
func (c *Capture) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

func (c *Capture) run() {
	defer close(c.done)
	defer c.running.Store(false)

	if c.isHTTPImageEndpoint() {
		c.captureHTTPImages()
		return
	}
	c.captureFFmpeg()
}

func (c *Capture) isHTTPImageEndpoint() bool {
	d := c.cfg.Device
	return (strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://")) &&
		(strings.Contains(d, ".jpg") || strings.Contains(d, ".jpeg") || strings.Contains(d, "snapshot"))
}

func (c *Capture) captureHTTPImages() {
	interval := time.Second / time.Duration(c.cfg.FPS)
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			data, err := c.fetch()
			if err != nil {
				log.Printf("[Capture] Error fetching frame from %s: %v", c.cfg.Device, err)
				continue
			}
			c.submit(data)
		}
	}
}

func (c *Capture) fetch() ([]byte, error) {
	resp, err := c.client.Get(c.cfg.Device)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ffmpegArgs builds the ffmpeg command line that writes MJPEG frames to stdout
func ffmpegArgs(cfg Config) []string {
	output := []string{
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-r", fmt.Sprintf("%d", cfg.FPS),
		"-q:v", "5",
		"-",
	}

	var input []string
	switch {
	case strings.HasPrefix(cfg.Device, "rtsp://"):
		input = []string{"-rtsp_transport", "tcp", "-i", cfg.Device}
	case strings.HasPrefix(cfg.Device, "http://"), strings.HasPrefix(cfg.Device, "https://"):
		input = []string{"-i", cfg.Device}
	case strings.HasPrefix(cfg.Device, "/dev/"):
		input = []string{"-f", "v4l2"}
		if cfg.Width > 0 && cfg.Height > 0 {
			input = append(input, "-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
		}
		input = append(input, "-framerate", fmt.Sprintf("%d", cfg.FPS), "-i", cfg.Device)
	default:
		// Video file, replayed in real time and looped
		input = []string{"-re", "-stream_loop", "-1", "-i", cfg.Device}
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, input...)
	return append(args, output...)
}

func (c *Capture) captureFFmpeg() {
	cmd := exec.Command("ffmpeg", ffmpegArgs(c.cfg)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Printf("[Capture] Error creating stdout pipe: %v", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Printf("[Capture] Error creating stderr pipe: %v", err)
		return
	}

	c.cmdMu.Lock()
	select {
	case <-c.stopCh:
		c.cmdMu.Unlock()
		return
	default:
	}
	if err := cmd.Start(); err != nil {
		c.cmdMu.Unlock()
		log.Printf("[Capture] Error starting ffmpeg: %v", err)
		return
	}
	c.cmd = cmd
	c.cmdMu.Unlock()
	defer cmd.Wait()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("[Capture] ffmpeg: %s", scanner.Text())
		}
	}()

	c.readMJPEG(stdout)
}

// readMJPEG splits a concatenated JPEG stream into frames until EOF or stop
func (c *Capture) readMJPEG(r io.Reader) {
	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 32*1024)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		n, err := r.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&buffer)
				if frame == nil {
					break
				}
				c.submit(frame)
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[Capture] Error reading frame: %v", err)
			}
			return
		}
	}
}

func (c *Capture) submit(data []byte) {
	frame, err := decodeFrame(data, c.cfg.Width, c.cfg.Height)
	if err != nil {
		c.statsMu.Lock()
		c.stats.DecodeErrors++
		c.statsMu.Unlock()
		log.Printf("[Capture] %s: %v", c.cfg.Name, err)
		return
	}

	seq := c.frameSeq.Add(1)
	now := time.Now()
	c.sink.Submit(frame, pipeline.FrameMeta{
		ID:        uuid.New().String(),
		Seq:       seq,
		Timestamp: now,
		Source:    c.cfg.Name,
	})

	c.statsMu.Lock()
	c.stats.FramesCaptured++
	c.stats.LastFrameTime = now
	c.statsMu.Unlock()

	if seq%100 == 0 {
		log.Printf("[Capture] %s: frame %d", c.cfg.Name, seq)
	}
}

var _ Source = (*Capture)(nil)
