package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON      Format = "json"
	FormatText      Format = "text"
	FormatHTML      Format = "html"
	FormatAsciicast Format = "asciicast"
)

// ErrUnknownFormat is returned for export formats other than the four supported.
var ErrUnknownFormat = errors.New("unknown export format")

// ExportOptions selects format, metadata inclusion and gzip compression.
type ExportOptions struct {
	Format          Format
	IncludeMetadata bool
	Compress        bool
}

// Export is a rendered transcript. Binary is set when Data is compressed.
type Export struct {
	Filename    string
	ContentType string
	Data        []byte
	Binary      bool
}

// Text returns Data as a string; only meaningful when Binary is false.
func (e *Export) Text() string { return string(e.Data) }

// Export renders a recording in the requested format.
func (r *Recorder) Export(ctx context.Context, recordingID string, opts ExportOptions) (*Export, error) {
	format := opts.Format
	if format == "" {
		format = FormatJSON
	}
	rec, err := r.repo.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	frames, err := r.Frames(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	var (
		buf  bytes.Buffer
		out  = &Export{}
		werr error
	)
	switch format {
	case FormatJSON:
		out.Filename, out.ContentType = recordingID+".json", "application/json"
		werr = writeJSON(&buf, rec, frames, opts.IncludeMetadata)
	case FormatText:
		out.Filename, out.ContentType = recordingID+".txt", "text/plain; charset=utf-8"
		writeText(&buf, frames)
	case FormatHTML:
		out.Filename, out.ContentType = recordingID+".html", "text/html; charset=utf-8"
		werr = writeHTML(&buf, rec, frames, opts.IncludeMetadata)
	case FormatAsciicast:
		out.Filename, out.ContentType = recordingID+".cast", "application/x-asciicast"
		werr = writeAsciicast(&buf, rec, frames)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if werr != nil {
		return nil, fmt.Errorf("export %s as %s: %w", recordingID, format, werr)
	}

	if !opts.Compress {
		out.Data = buf.Bytes()
		return out, nil
	}
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Name = out.Filename
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("compress export: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress export: %w", err)
	}
	out.Filename += ".gz"
	out.ContentType = "application/gzip"
	out.Data = gz.Bytes()
	out.Binary = true
	return out, nil
}

type jsonExport struct {
	Recording *models.Recording `json:"recording,omitempty"`
	Frames    []*models.Frame   `json:"frames"`
}

func writeJSON(w io.Writer, rec *models.Recording, frames []*models.Frame, withMeta bool) error {
	doc := jsonExport{Frames: frames}
	if doc.Frames == nil {
		doc.Frames = []*models.Frame{}
	}
	if withMeta {
		doc.Recording = rec
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// writeText concatenates output and error payloads, as a terminal would have shown them.
func writeText(w *bytes.Buffer, frames []*models.Frame) {
	for _, f := range frames {
		if f.Kind == models.FrameOutput || f.Kind == models.FrameError {
			w.WriteString(f.Payload)
		}
	}
}

type castHeader struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Duration  float64           `json:"duration"`
	Env       map[string]string `json:"env"`
}

// writeAsciicast emits asciicast v2: a header line, then one [seconds, "o"|"i", data]
// line per output or input frame. Error and system frames are not part of the cast.
func writeAsciicast(w io.Writer, rec *models.Recording, frames []*models.Frame) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	env := rec.Env
	if env == nil {
		env = map[string]string{}
	}
	if err := enc.Encode(castHeader{
		Version:   2,
		Width:     rec.Width,
		Height:    rec.Height,
		Timestamp: rec.StartedAt.Unix(),
		Duration:  float64(rec.DurationMs) / 1000,
		Env:       env,
	}); err != nil {
		return err
	}
	for _, f := range frames {
		var code string
		switch f.Kind {
		case models.FrameOutput:
			code = "o"
		case models.FrameInput:
			code = "i"
		default:
			continue
		}
		if err := enc.Encode([]any{float64(f.OffsetMs) / 1000, code, f.Payload}); err != nil {
			return err
		}
	}
	return nil
}

var playerTemplate = template.Must(template.New("player").Parse(strings.TrimSpace(`
<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Session {{.Recording.SessionID}}</title>
<style>
body { background: #1e1e1e; color: #ddd; font-family: sans-serif; margin: 1.5em; }
#term { background: #000; color: #e5e5e5; font-family: monospace; white-space: pre-wrap; padding: 1em; min-height: 24em; overflow: auto; }
.i { color: #8ae234; } .e { color: #ef2929; } .s { color: #729fcf; }
dl { display: grid; grid-template-columns: max-content auto; gap: .2em 1em; }
</style>
</head>
<body>
{{if .WithMeta}}<dl>
<dt>Session</dt><dd>{{.Recording.SessionID}}</dd>
<dt>User</dt><dd>{{.Recording.UserID}}</dd>
<dt>Target</dt><dd>{{.Recording.ClusterID}}/{{.Recording.Namespace}}/{{.Recording.Pod}}{{with .Recording.Container}}/{{.}}{{end}}</dd>
<dt>Started</dt><dd>{{.Recording.StartedAt.Format "2006-01-02T15:04:05Z07:00"}}</dd>
<dt>Duration</dt><dd>{{.Recording.DurationMs}} ms</dd>
</dl>{{end}}
<p><button id="play">Play</button> <button id="all">Show all</button> speed
<select id="speed"><option>0.5</option><option selected>1</option><option>2</option><option>4</option></select></p>
<div id="term"></div>
<script>
const frames = {{.Frames}};
const term = document.getElementById("term");
const cls = { input: "i", error: "e", system: "s" };
let timer = null;
function put(f) {
  const span = document.createElement("span");
  if (cls[f.kind]) span.className = cls[f.kind];
  span.textContent = f.data;
  term.appendChild(span);
  term.scrollTop = term.scrollHeight;
}
function play() {
  clearTimeout(timer);
  term.textContent = "";
  const speed = parseFloat(document.getElementById("speed").value) || 1;
  let i = 0;
  const step = () => {
    if (i >= frames.length) return;
    put(frames[i]);
    i++;
    if (i < frames.length) {
      const delta = Math.max(0, frames[i].t - frames[i - 1].t) / speed;
      timer = setTimeout(step, delta);
    }
  };
  step();
}
document.getElementById("play").onclick = play;
document.getElementById("all").onclick = () => { clearTimeout(timer); term.textContent = ""; frames.forEach(put); };
</script>
</body>
</html>
`)))

// writeHTML renders a standalone page that replays frames with their recorded delays.
func writeHTML(w io.Writer, rec *models.Recording, frames []*models.Frame, withMeta bool) error {
	if frames == nil {
		frames = []*models.Frame{}
	}
	return playerTemplate.Execute(w, struct {
		Recording *models.Recording
		Frames    []*models.Frame
		WithMeta  bool
	}{rec, frames, withMeta})
}
