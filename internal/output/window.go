package output

import (
	"fmt"
	"image"
	"image/draw"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
	xdraw "golang.org/x/image/draw"
)

// WindowTitle is shown in the window manager's title bar
const WindowTitle = "FaceKeypoints"

// WindowOutput shows each rendered surface in a local X11 window
type WindowOutput struct {
	config Config

	mu      sync.Mutex
	conn    *xgb.Conn
	screen  *xproto.ScreenInfo
	window  xproto.Window
	gc      xproto.Gcontext
	format  pixmapFormat
	running bool
}

// pixmapFormat is the server's ZPixmap layout for the root depth
type pixmapFormat struct {
	depth         byte
	bytesPerPixel int
	scanlinePad   int
}

// NewWindowOutput creates a window output of the configured size
func NewWindowOutput(config Config) *WindowOutput {
	return &WindowOutput{config: config}
}

// Start connects to the X server and maps the window
func (w *WindowOutput) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("window output already running")
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	screen := xproto.Setup(conn).DefaultScreen(conn)

	format, err := findPixmapFormat(xproto.Setup(conn).PixmapFormats, screen.RootDepth)
	if err != nil {
		conn.Close()
		return err
	}

	win, err := xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window ID: %w", err)
	}

	err = xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		win,
		screen.Root,
		0, 0,
		uint16(w.config.Width), uint16(w.config.Height),
		0,
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		xproto.CwBackPixel|xproto.CwEventMask,
		[]uint32{0x000000, xproto.EventMaskExposure | xproto.EventMaskStructureNotify},
	).Check()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window: %w", err)
	}

	w.conn, w.screen, w.window, w.format = conn, screen, win, format

	log := logger.WithComponent("window")
	if err := w.setProperty("_NET_WM_NAME", "UTF8_STRING", WindowTitle); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	// WM_CLASS is instance\0class\0
	if err := w.setProperty("WM_CLASS", "STRING", "facekeypoints\x00FaceKeypoints\x00"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(conn, win).Check(); err != nil {
		w.release()
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		w.release()
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(conn, gc, xproto.Drawable(win), 0, nil).Check(); err != nil {
		w.release()
		return fmt.Errorf("failed to create GC: %w", err)
	}
	w.gc = gc
	conn.Sync()

	w.running = true
	log.Info().
		Int("width", w.config.Width).
		Int("height", w.config.Height).
		Uint32("window_id", uint32(win)).
		Msg("Overlay window opened")
	return nil
}

// release frees server resources and closes the connection; caller holds w.mu
func (w *WindowOutput) release() {
	if w.conn == nil {
		return
	}
	if w.gc != 0 {
		xproto.FreeGC(w.conn, w.gc)
		w.gc = 0
	}
	if w.window != 0 {
		xproto.DestroyWindow(w.conn, w.window)
		w.window = 0
	}
	w.conn.Sync()
	w.conn.Close()
	w.conn = nil
}

// Stop closes the window
func (w *WindowOutput) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.release()
	w.running = false
	logger.WithComponent("window").Info().Msg("Overlay window closed")
	return nil
}

// WriteFrame letterboxes the surface into the window and uploads it
func (w *WindowOutput) WriteFrame(frame *image.RGBA) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return fmt.Errorf("window output not running")
	}

	img := letterbox(frame, w.config.Width, w.config.Height)
	data, err := toZPixmap(img, w.format)
	if err != nil {
		return err
	}

	err = xproto.PutImageChecked(
		w.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(w.window),
		w.gc,
		uint16(w.config.Width), uint16(w.config.Height),
		0, 0,
		0,
		w.format.depth,
		data,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to put image: %w", err)
	}
	w.conn.Sync()
	return nil
}

// Name returns the output name
func (w *WindowOutput) Name() string {
	return "window"
}

// IsRunning reports whether the window is open
func (w *WindowOutput) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *WindowOutput) setProperty(name, typeName, value string) error {
	prop, err := w.atom(name)
	if err != nil {
		return err
	}
	typ, err := w.atom(typeName)
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		w.conn, xproto.PropModeReplace, w.window, prop, typ, 8,
		uint32(len(value)), []byte(value),
	).Check()
}

func (w *WindowOutput) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(w.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}

func findPixmapFormat(formats []xproto.Format, depth byte) (pixmapFormat, error) {
	for _, f := range formats {
		if f.Depth == depth {
			return pixmapFormat{
				depth:         depth,
				bytesPerPixel: int(f.BitsPerPixel) / 8,
				scanlinePad:   int(f.ScanlinePad) / 8,
			}, nil
		}
	}
	return pixmapFormat{}, fmt.Errorf("no pixmap format for depth %d", depth)
}

// letterbox scales src to fit width x height keeping its aspect ratio, centered on black
func letterbox(src *image.RGBA, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	if src == nil {
		return dst
	}

	sb := src.Bounds()
	if sb.Dx() == width && sb.Dy() == height {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
		return dst
	}

	scale := float64(width) / float64(sb.Dx())
	if s := float64(height) / float64(sb.Dy()); s < scale {
		scale = s
	}
	dw, dh := int(float64(sb.Dx())*scale), int(float64(sb.Dy())*scale)
	x, y := (width-dw)/2, (height-dh)/2
	xdraw.ApproxBiLinear.Scale(dst, image.Rect(x, y, x+dw, y+dh), src, sb, draw.Src, nil)
	return dst
}

// toZPixmap converts RGBA pixels to the server's BGR(x) layout with padded scanlines
func toZPixmap(img *image.RGBA, f pixmapFormat) ([]byte, error) {
	if f.bytesPerPixel != 3 && f.bytesPerPixel != 4 {
		return nil, fmt.Errorf("unsupported bytes per pixel: %d", f.bytesPerPixel)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pad := f.scanlinePad
	if pad < 1 {
		pad = 1
	}
	stride := ((w*f.bytesPerPixel + pad - 1) / pad) * pad
	data := make([]byte, stride*h)

	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		row := data[y*stride:]
		for x := 0; x < w; x++ {
			s, d := x*4, x*f.bytesPerPixel
			row[d] = src[s+2]
			row[d+1] = src[s+1]
			row[d+2] = src[s]
			if f.bytesPerPixel == 4 && f.depth == 32 {
				row[d+3] = src[s+3]
			}
		}
	}
	return data, nil
}
