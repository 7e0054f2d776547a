package stream

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"yolopipe/internal/pipeline"
)

// annotateJob is a detached copy of one cycle's result
type annotateJob struct {
	frame *pipeline.Frame
	set   *pipeline.DetectionSet
}

// DetectionStream is a pipeline.ResultSink that renders every published cycle
// into an annotated JPEG. The latest image is served as a snapshot and pushed
// to MJPEG clients. Rendering runs on its own goroutine; when it falls behind,
// only the newest cycle is kept.
type DetectionStream struct {
	annotator *Annotator
	quality   int

	jobs chan annotateJob
	stop chan struct{}
	done chan struct{}
	once sync.Once

	clients   map[chan []byte]bool
	clientsMu sync.RWMutex

	currentFrame []byte
	currentCycle uint64
	frameMu      sync.RWMutex

	encoded atomic.Uint64
	skipped atomic.Uint64
}

// NewDetectionStream starts the encoder goroutine
func NewDetectionStream(annotator *Annotator, quality int) *DetectionStream {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	s := &DetectionStream{
		annotator: annotator,
		quality:   quality,
		jobs:      make(chan annotateJob, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		clients:   make(map[chan []byte]bool),
	}
	go s.run()
	return s
}

// Publish implements pipeline.ResultSink
func (s *DetectionStream) Publish(set *pipeline.DetectionSet, meta pipeline.FrameMeta) {
	if set.Image == nil {
		return
	}
	job := annotateJob{frame: set.Image.Clone(), set: set.Detach()}

	for {
		select {
		case s.jobs <- job:
			return
		default:
		}
		// Replace the pending job with the newer one
		select {
		case <-s.jobs:
			s.skipped.Add(1)
		default:
		}
	}
}

func (s *DetectionStream) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case job := <-s.jobs:
			s.render(job)
		}
	}
}

func (s *DetectionStream) render(job annotateJob) {
	img := s.annotator.Annotate(job.frame, job.set)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		log.Printf("[Stream] Failed to encode cycle %d: %v", job.set.Cycle, err)
		return
	}
	frame := buf.Bytes()

	s.frameMu.Lock()
	s.currentFrame = frame
	s.currentCycle = job.set.Cycle
	s.frameMu.Unlock()

	if n := s.encoded.Add(1); n%100 == 0 {
		log.Printf("[Stream] Encoded %d detection images (%d skipped)", n, s.skipped.Load())
	}

	s.clientsMu.RLock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
			// Client is slow, skip this frame
		}
	}
	s.clientsMu.RUnlock()
}

// CurrentFrame returns the latest annotated JPEG and its cycle
func (s *DetectionStream) CurrentFrame() ([]byte, uint64) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.currentFrame, s.currentCycle
}

// ClientCount returns the number of connected MJPEG clients
func (s *DetectionStream) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close stops the encoder and disconnects all clients
func (s *DetectionStream) Close() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done

		s.clientsMu.Lock()
		for ch := range s.clients {
			close(ch)
			delete(s.clients, ch)
		}
		s.clientsMu.Unlock()
	})
}

// ServeHTTP serves the annotated MJPEG stream to a client
func (s *DetectionStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Clients get the headers before the first frame is rendered
	flusher.Flush()

	clientCh := make(chan []byte, 5)
	s.clientsMu.Lock()
	s.clients[clientCh] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		if s.clients[clientCh] {
			delete(s.clients, clientCh)
		}
		s.clientsMu.Unlock()
	}()

	log.Printf("[Stream] MJPEG client connected from %s", r.RemoteAddr)

	// Start with the latest frame so clients see something before the next cycle
	if frame, _ := s.CurrentFrame(); frame != nil {
		writePart(w, frame)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			log.Printf("[Stream] MJPEG client %s disconnected", r.RemoteAddr)
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\r\n")
	return err
}

// SnapshotHandler serves the latest annotated frame as a single JPEG
type SnapshotHandler struct {
	stream *DetectionStream
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(stream *DetectionStream) *SnapshotHandler {
	return &SnapshotHandler{stream: stream}
}

// ServeHTTP serves a single JPEG snapshot
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame, cycle := h.stream.CurrentFrame()
	if frame == nil {
		http.Error(w, "No detection image available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Header().Set("X-Detection-Cycle", fmt.Sprintf("%d", cycle))
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.Write(frame)
}

var _ pipeline.ResultSink = (*DetectionStream)(nil)
