package classifier

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/h2non/filetype"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

var (
	// ErrOversized is returned when file content exceeds the size cap.
	ErrOversized = errors.New("content exceeds size cap")
	// ErrBinaryContent is returned for media and executable content.
	ErrBinaryContent = errors.New("binary content not classified")
)

const sniffLen = 512

// Options configures a Classifier.
type Options struct {
	Detectors []Detector
	Threshold float64
	MaxSize   int64
}

// Classifier runs the detector set over event content.
type Classifier struct {
	detectors []Detector
	threshold float64
	maxSize   int64
}

// Result is the classifier output for one event.
type Result struct {
	Findings    []models.Finding
	ContentType string
}

// New creates a classifier. Zero options select the built-in detectors,
// a 0.5 threshold and a 10 MiB cap.
func New(opts Options) *Classifier {
	if len(opts.Detectors) == 0 {
		opts.Detectors = DefaultDetectors()
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.5
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10 << 20
	}
	return &Classifier{
		detectors: opts.Detectors,
		threshold: opts.Threshold,
		maxSize:   opts.MaxSize,
	}
}

// Classify scans content and returns ranked findings at or above the threshold.
func (c *Classifier) Classify(content []byte) []models.Finding {
	if len(content) == 0 {
		return nil
	}
	var out []models.Finding
	for _, d := range c.detectors {
		found := c.runDetector(d, content)
		out = append(out, merge(found)...)
	}
	sortFindings(out)
	return out
}

// runDetector isolates a single detector so a panic only loses its own findings.
func (c *Classifier) runDetector(d Detector, content []byte) (found []models.Finding) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Detector %s failed: %v", d.DataType, r)
			found = nil
		}
	}()
	for _, loc := range d.Pattern.FindAllIndex(content, -1) {
		score := d.Score(content, loc)
		if score <= 0 || score < c.threshold {
			continue
		}
		found = append(found, models.Finding{
			DataType:   d.DataType,
			Confidence: score,
			Span:       models.Span{Offset: loc[0], Length: loc[1] - loc[0]},
		})
	}
	return found
}

// merge collapses overlapping spans of one data type into their union,
// keeping the highest confidence.
func merge(found []models.Finding) []models.Finding {
	if len(found) < 2 {
		return found
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Span.Offset < found[j].Span.Offset })
	out := []models.Finding{found[0]}
	for _, f := range found[1:] {
		last := &out[len(out)-1]
		if !last.Span.Overlaps(f.Span) {
			out = append(out, f)
			continue
		}
		if end := f.Span.End(); end > last.Span.End() {
			last.Span.Length = end - last.Span.Offset
		}
		if f.Confidence > last.Confidence {
			last.Confidence = f.Confidence
		}
	}
	return out
}

func sortFindings(f []models.Finding) {
	sort.SliceStable(f, func(i, j int) bool {
		if f[i].Confidence != f[j].Confidence {
			return f[i].Confidence > f[j].Confidence
		}
		if f[i].DataType != f[j].DataType {
			return f[i].DataType < f[j].DataType
		}
		return f[i].Span.Offset < f[j].Span.Offset
	})
}

// ClassifyEvent loads the content an event refers to and classifies it.
// Clipboard samples are classified in full; files are subject to the size cap.
// Cloud events carry no content and yield no findings.
func (c *Classifier) ClassifyEvent(ev *models.ActivityEvent) (Result, error) {
	if ev == nil {
		return Result{}, nil
	}
	switch ev.Source {
	case models.SourceClipboard:
		return Result{Findings: c.Classify(ev.ContentSample), ContentType: "text/plain"}, nil
	case models.SourceFile, models.SourceUSB:
		if ev.Subtype == models.SubtypeDelete || ev.Subtype == models.SubtypeConnect || ev.Subtype == models.SubtypeDisconnect {
			return Result{}, nil
		}
		content, ctype, err := c.loadFile(ev.PayloadRef)
		if err != nil {
			return Result{ContentType: ctype}, err
		}
		return Result{Findings: c.Classify(content), ContentType: ctype}, nil
	default:
		return Result{}, nil
	}
}

func (c *Classifier) loadFile(path string) ([]byte, string, error) {
	if path == "" {
		return nil, "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, "", nil
	}
	if info.Size() > c.maxSize {
		return nil, "", fmt.Errorf("%s is %d bytes: %w", path, info.Size(), ErrOversized)
	}

	data, err := io.ReadAll(io.LimitReader(f, c.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, "", fmt.Errorf("%s grew past the cap: %w", path, ErrOversized)
	}

	ctype, binary := sniff(data)
	if binary {
		return nil, ctype, fmt.Errorf("%s (%s): %w", path, ctype, ErrBinaryContent)
	}
	return data, ctype, nil
}

// sniff returns a MIME type and whether the content is not worth scanning.
func sniff(data []byte) (string, bool) {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	kind, _ := filetype.Match(head)
	if kind != filetype.Unknown {
		switch kind.MIME.Type {
		case "image", "video", "audio", "font":
			return kind.MIME.Value, true
		}
		switch kind.Extension {
		case "exe", "elf", "dll", "so", "macho", "dex", "class", "wasm":
			return kind.MIME.Value, true
		}
		return kind.MIME.Value, false
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return "application/octet-stream", true
	}
	return "text/plain", false
}
