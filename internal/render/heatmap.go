// Package render draws annotation score heatmaps using fogleman/gg.
package render

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/annomap-sc/server/pkg/colormap"
)

// Strip layout in pixels. The winning-reference strip sits on the left edge,
// the margin strip on the right, with the score grid between them.
const (
	callStripWidth  = 12.0
	deltaStripWidth = 12.0
	stripGap        = 4.0
)

// Config contains renderer configuration.
type Config struct {
	Width           int
	Height          int
	DefaultColormap string
}

// HeatmapRenderer renders annotation job scores as PNG heatmaps.
type HeatmapRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
	colormaps   map[string]colormap.Colormap
}

// NewHeatmapRenderer creates a new heatmap renderer.
func NewHeatmapRenderer(cfg Config) *HeatmapRenderer {
	if cfg.Width <= 0 {
		cfg.Width = 800
	}
	if cfg.Height <= 0 {
		cfg.Height = 600
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}

	r := &HeatmapRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		colormaps: make(map[string]colormap.Colormap),
	}

	// Initialize colormaps
	r.colormaps["viridis"] = colormap.Viridis
	r.colormaps["plasma"] = colormap.Plasma
	r.colormaps["inferno"] = colormap.Inferno
	r.colormaps["magma"] = colormap.Magma
	r.colormaps["seurat"] = colormap.Seurat
	r.colormaps["coolwarm"] = colormap.CoolWarm
	r.colormaps["categorical"] = colormap.Categorical

	return r
}

// RenderScoreHeatmap draws one row per cell and one column per reference,
// colored by the per-reference score. Scores are correlations in [-1, 1].
// A categorical strip on the left marks each cell's winning reference and a
// diverging strip on the right shows the assignment margin, scaled against
// the largest margin in the job. When the job has more cells than maxRows,
// evenly spaced rows are drawn.
func (r *HeatmapRenderer) RenderScoreHeatmap(
	scores [][]float64,
	deltas []float64,
	maxRows int,
	colormapName string,
) ([]byte, error) {
	// Get context from pool
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	// Clear canvas with white background
	dc.SetColor(color.White)
	dc.Clear()

	if len(scores) == 0 || len(scores[0]) == 0 {
		return r.encodeContext(dc)
	}

	// Get colormap
	cmap, ok := r.colormaps[colormapName]
	if !ok {
		cmap = r.colormaps[r.config.DefaultColormap]
	}
	callMap := r.colormaps["categorical"]
	deltaMap := r.colormaps["coolwarm"]

	outRows := len(scores)
	if maxRows > 0 && maxRows < outRows {
		outRows = maxRows
	}

	maxDelta := 0.0
	for _, d := range deltas {
		if !math.IsNaN(d) && d > maxDelta {
			maxDelta = d
		}
	}
	if maxDelta == 0 {
		maxDelta = 1
	}

	// Calculate rendering parameters
	width := float64(r.config.Width)
	height := float64(r.config.Height)
	rowH := height / float64(outRows)
	gridX := callStripWidth + stripGap
	gridW := width - callStripWidth - deltaStripWidth - 2*stripGap
	colW := gridW / float64(len(scores[0]))
	deltaX := width - deltaStripWidth

	for i := 0; i < outRows; i++ {
		row := i * len(scores) / outRows
		py := float64(i) * rowH

		// Winning reference strip
		best := 0
		for j, s := range scores[row] {
			if s > scores[row][best] {
				best = j
			}
		}
		dc.SetColor(callMap.AtIndex(best))
		dc.DrawRectangle(0, py, callStripWidth, rowH)
		dc.Fill()

		// Score cells
		for j, s := range scores[row] {
			if math.IsNaN(s) {
				continue
			}
			dc.SetColor(cmap.At((s + 1) / 2))
			dc.DrawRectangle(gridX+float64(j)*colW, py, colW, rowH)
			dc.Fill()
		}

		// Margin strip, left white where no margin was recorded
		if row < len(deltas) && !math.IsNaN(deltas[row]) {
			dc.SetColor(deltaMap.At(deltas[row] / maxDelta))
			dc.DrawRectangle(deltaX, py, deltaStripWidth, rowH)
			dc.Fill()
		}
	}

	return r.encodeContext(dc)
}

func (r *HeatmapRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
