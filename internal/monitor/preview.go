package monitor

import (
	"encoding/binary"
	"image"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

var ErrUnsupportedFormat = errors.New("monitor: format has no preview")

// gray16 maps a 16-bit image to 8-bit gray, clipping at limit. Zero stays
// black. With invert, near values are bright (depth); otherwise bright
// values are bright (IR).
func gray16(im *capture.Image, limit uint16, invert bool) (*image.Gray, error) {
	w, h, stride := im.Width(), im.Height(), im.Stride()
	buf := im.Buffer()
	if w <= 0 || h <= 0 || stride < w*2 || len(buf) < stride*(h-1)+w*2 {
		return nil, errors.Errorf("monitor: %s buffer too small for %dx%d", im.Format(), w, h)
	}
	if limit == 0 {
		limit = 1
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := buf[y*stride:]
		for x := 0; x < w; x++ {
			v := binary.LittleEndian.Uint16(row[x*2:])
			if v == 0 {
				continue
			}
			if v > limit {
				v = limit
			}
			g := uint8(uint32(v) * 255 / uint32(limit))
			if invert {
				g = 255 - g
			}
			out.Pix[y*out.Stride+x] = g
		}
	}
	return out, nil
}

func bgra(im *capture.Image) (*image.RGBA, error) {
	w, h, stride := im.Width(), im.Height(), im.Stride()
	buf := im.Buffer()
	if stride < w*4 || len(buf) < stride*(h-1)+w*4 {
		return nil, errors.Errorf("monitor: BGRA32 buffer too small for %dx%d", w, h)
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := buf[y*stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			dst[x*4+0] = src[x*4+2]
			dst[x*4+1] = src[x*4+1]
			dst[x*4+2] = src[x*4+0]
			dst[x*4+3] = 0xff
		}
	}
	return out, nil
}

// nv12 deinterleaves the CbCr plane into a 4:2:0 YCbCr image
func nv12(im *capture.Image) (*image.YCbCr, error) {
	w, h, stride := im.Width(), im.Height(), im.Stride()
	buf := im.Buffer()
	if w%2 != 0 || h%2 != 0 || stride < w || len(buf) < stride*h*3/2 {
		return nil, errors.Errorf("monitor: NV12 buffer too small for %dx%d", w, h)
	}
	out := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for y := 0; y < h; y++ {
		copy(out.Y[y*out.YStride:y*out.YStride+w], buf[y*stride:])
	}
	uv := buf[stride*h:]
	for y := 0; y < h/2; y++ {
		row := uv[y*stride:]
		for x := 0; x < w/2; x++ {
			out.Cb[y*out.CStride+x] = row[x*2]
			out.Cr[y*out.CStride+x] = row[x*2+1]
		}
	}
	return out, nil
}

// yuy2 unpacks Y0 U Y1 V macropixels into a 4:2:2 YCbCr image
func yuy2(im *capture.Image) (*image.YCbCr, error) {
	w, h, stride := im.Width(), im.Height(), im.Stride()
	buf := im.Buffer()
	if w%2 != 0 || stride < w*2 || len(buf) < stride*(h-1)+w*2 {
		return nil, errors.Errorf("monitor: YUY2 buffer too small for %dx%d", w, h)
	}
	out := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio422)
	for y := 0; y < h; y++ {
		row := buf[y*stride:]
		for x := 0; x < w/2; x++ {
			px := row[x*4:]
			out.Y[y*out.YStride+x*2] = px[0]
			out.Y[y*out.YStride+x*2+1] = px[2]
			out.Cb[y*out.CStride+x] = px[1]
			out.Cr[y*out.CStride+x] = px[3]
		}
	}
	return out, nil
}

// decode turns an uncompressed capture image into an image.Image
func (s *Server) decode(im *capture.Image) (image.Image, error) {
	switch im.Format() {
	case types.FormatDepth16:
		return gray16(im, s.cfg.MaxDepth, true)
	case types.FormatIR16:
		return gray16(im, s.cfg.MaxIR, false)
	case types.FormatColorBGRA32:
		return bgra(im)
	case types.FormatColorNV12:
		return nv12(im)
	case types.FormatColorYUY2:
		return yuy2(im)
	default:
		return nil, errors.Wrap(ErrUnsupportedFormat, im.Format().String())
	}
}

// scale fits src into width pixels keeping the aspect ratio. Images that are
// already narrow enough are returned unchanged.
func scale(src image.Image, width int) image.Image {
	b := src.Bounds()
	if width <= 0 || b.Dx() <= width {
		return src
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	var dst draw.Image
	if _, ok := src.(*image.Gray); ok {
		dst = image.NewGray(image.Rect(0, 0, width, height))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
