package comms

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
)

// JPEGQuality is used for CompressedImage payloads
const JPEGQuality = 95

// RGBImage is an 8-bit, 3-channel raster stored row-major as R,G,B triples
type RGBImage struct {
	Rows int
	Cols int
	Pix  []uint8
}

// NewRGBImage allocates a black raster
func NewRGBImage(rows, cols int) *RGBImage {
	return &RGBImage{Rows: rows, Cols: cols, Pix: make([]uint8, rows*cols*3)}
}

// Empty reports whether the raster has no pixels
func (m *RGBImage) Empty() bool {
	return m == nil || m.Rows == 0 || m.Cols == 0
}

// At returns the pixel at (row, col)
func (m *RGBImage) At(row, col int) (r, g, b uint8) {
	i := (row*m.Cols + col) * 3
	return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
}

// Set stores the pixel at (row, col)
func (m *RGBImage) Set(row, col int, r, g, b uint8) {
	i := (row*m.Cols + col) * 3
	m.Pix[i], m.Pix[i+1], m.Pix[i+2] = r, g, b
}

// Equal compares dimensions and every pixel. A nil raster equals an empty one.
func (m *RGBImage) Equal(o *RGBImage) bool {
	if m.Empty() || o.Empty() {
		return m.Empty() && o.Empty()
	}
	return m.Rows == o.Rows && m.Cols == o.Cols && bytes.Equal(m.Pix, o.Pix)
}

// ToRGBA converts the raster to a standard library image
func (m *RGBImage) ToRGBA() *image.RGBA {
	if m.Empty() {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	out := image.NewRGBA(image.Rect(0, 0, m.Cols, m.Rows))
	for row := 0; row < m.Rows; row++ {
		for col := 0; col < m.Cols; col++ {
			r, g, b := m.At(row, col)
			out.SetRGBA(col, row, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return out
}

// RGBImageFrom copies any image into an RGBImage, dropping alpha
func RGBImageFrom(src image.Image) *RGBImage {
	bounds := src.Bounds()
	out := NewRGBImage(bounds.Dy(), bounds.Dx())
	for row := 0; row < out.Rows; row++ {
		for col := 0; col < out.Cols; col++ {
			c := color.RGBAModel.Convert(src.At(bounds.Min.X+col, bounds.Min.Y+row)).(color.RGBA)
			out.Set(row, col, c.R, c.G, c.B)
		}
	}
	return out
}

func checkWireDims(img *RGBImage) error {
	if img.Empty() {
		return nil
	}
	if img.Rows > math.MaxUint16 || img.Cols > math.MaxUint16 || len(img.Pix) < img.Rows*img.Cols*3 {
		return fmt.Errorf("%w: %dx%d", ErrUnsupportedImage, img.Rows, img.Cols)
	}
	return nil
}

// Image carries an uncompressed camera frame
type Image struct {
	TargetFPS float32
	Frame     *RGBImage
}

func (m *Image) Tag() uint8 { return TagImage }

func (m *Image) Serialize(p *Packet) error {
	if err := checkWireDims(m.Frame); err != nil {
		return err
	}
	frame := m.Frame
	if frame.Empty() {
		frame = NewRGBImage(0, 0)
	}
	p.Clear()
	p.BuildHeader(uint32(MinPacketSize+4+4+frame.Rows*frame.Cols*3), TagImage)
	p.data = appendFloat32(p.data, m.TargetFPS)
	p.data = appendRGB(p.data, frame)
	p.AppendChecksum()
	return nil
}

func (m *Image) Deserialize(p *Packet) error {
	if err := p.validate(TagImage, MinPacketSize+8, false); err != nil {
		return err
	}
	d := newPayloadDecoder(p)
	m.TargetFPS = d.f32()
	budget := d.remaining()
	frame, err := d.rgb(&budget)
	m.Frame = frame
	if err != nil {
		return fmt.Errorf("frame: %w", err)
	}
	return nil
}

func (m *Image) Equal(o *Image) bool {
	return m.TargetFPS == o.TargetFPS && m.Frame.Equal(o.Frame)
}

func (m *Image) String() string {
	rows, cols := 0, 0
	if m.Frame != nil {
		rows, cols = m.Frame.Rows, m.Frame.Cols
	}
	return fmt.Sprintf("TargetFPS : %v frame/s\nFrame ----: %d x %d Image", m.TargetFPS, rows, cols)
}

// CompressedImage carries a JPEG encoded camera frame. The payload length is
// only known after compression.
type CompressedImage struct {
	TargetFPS float32
	Frame     *RGBImage
}

func (m *CompressedImage) Tag() uint8 { return TagCompressedImage }

func (m *CompressedImage) Serialize(p *Packet) error {
	if m.Frame.Empty() {
		return fmt.Errorf("%w: cannot compress an empty frame", ErrImageCodec)
	}
	if err := checkWireDims(m.Frame); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, m.Frame.ToRGBA(), &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return fmt.Errorf("%w: %v", ErrImageCodec, err)
	}

	p.Clear()
	p.BuildHeader(0, TagCompressedImage)
	p.data = appendFloat32(p.data, m.TargetFPS)
	p.data = append(p.data, buf.Bytes()...)
	p.patchSize(uint32(len(p.data) + ChecksumSize))
	p.AppendChecksum()
	return nil
}

func (m *CompressedImage) Deserialize(p *Packet) error {
	if err := p.validate(TagCompressedImage, MinPacketSize+4, false); err != nil {
		return err
	}
	d := newPayloadDecoder(p)
	m.TargetFPS = d.f32()
	img, err := jpeg.Decode(bytes.NewReader(d.rest()))
	if err != nil {
		m.Frame = NewRGBImage(0, 0)
		return fmt.Errorf("%w: %v", ErrImageCodec, err)
	}
	m.Frame = RGBImageFrom(img)
	return nil
}

// Equal is pixel-exact. JPEG is lossy, so a frame that went through the wire
// generally differs from the frame that was serialized.
func (m *CompressedImage) Equal(o *CompressedImage) bool {
	return m.TargetFPS == o.TargetFPS && m.Frame.Equal(o.Frame)
}

func (m *CompressedImage) String() string {
	rows, cols := 0, 0
	if m.Frame != nil {
		rows, cols = m.Frame.Rows, m.Frame.Cols
	}
	return fmt.Sprintf("TargetFPS : %v frame/s\nFrame ----: %d x %d Image", m.TargetFPS, rows, cols)
}
