package orchestrator

import (
	"context"
	"image"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/local/invoicesplit/internal/imagerender"
	"github.com/local/invoicesplit/internal/progress"
)

// Thumbnail bounds in pixels.
const (
	ThumbWidth  = 180
	ThumbHeight = 240
)

// renderThumbnails renders every page at dpi, scales it into the thumbnail
// box and publishes the PNG bytes as page events. A page that fails to
// render is reported as a skip.
func renderThumbnails(ctx context.Context, doc Document, dpi float64, rep *progress.Reporter) {
	total := doc.NumPages()
	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			rep.Fail(ctx.Err())
			rep.Done(nil)
			return
		}
		img, err := doc.Render(i, dpi)
		if err == nil {
			var png []byte
			png, err = imagerender.EncodePNG(imagerender.Thumbnail(img, ThumbWidth, ThumbHeight))
			if err == nil {
				rep.Page(i, png)
			}
		}
		if err != nil {
			log.Warn().Err(err).Int("page", i+1).Msg("thumbnail render failed")
			rep.Skip(i, "render_failed", err)
		}
		rep.Progress(i+1, total)
	}
	rep.Done(total)
}

type previewKey struct {
	page int
	dpi  float64
}

// previewCache keeps full resolution page renders, oldest evicted first.
type previewCache struct {
	mu    sync.Mutex
	max   int
	order []previewKey
	items map[previewKey]image.Image
}

func newPreviewCache(max int) *previewCache {
	if max <= 0 {
		max = 16
	}
	return &previewCache{max: max, items: make(map[previewKey]image.Image)}
}

func (c *previewCache) get(page int, dpi float64) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.items[previewKey{page, dpi}]
	return img, ok
}

func (c *previewCache) put(page int, dpi float64, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := previewKey{page, dpi}
	if _, ok := c.items[k]; ok {
		return
	}
	if len(c.order) >= c.max {
		delete(c.items, c.order[0])
		c.order = c.order[1:]
	}
	c.order = append(c.order, k)
	c.items[k] = img
}

func (c *previewCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
