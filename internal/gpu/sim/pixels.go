package sim

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

// resample copies src into dst with nearest-neighbour filtering. Channels missing from the
// source are written as zero, except a missing alpha channel which is opaque.
func resample(src []byte, srcExtent core1_0.Extent2D, srcBpp int, dst []byte, dstExtent core1_0.Extent2D, dstBpp int) {
	if srcExtent.Width == 0 || srcExtent.Height == 0 {
		return
	}
	for y := 0; y < dstExtent.Height; y++ {
		sy := y * srcExtent.Height / dstExtent.Height
		for x := 0; x < dstExtent.Width; x++ {
			sx := x * srcExtent.Width / dstExtent.Width
			s := (sy*srcExtent.Width + sx) * srcBpp
			t := (y*dstExtent.Width + x) * dstBpp
			if s+srcBpp > len(src) || t+dstBpp > len(dst) {
				continue
			}
			for c := 0; c < dstBpp; c++ {
				switch {
				case c < srcBpp:
					dst[t+c] = src[s+c]
				case c == 3:
					dst[t+c] = 0xff
				default:
					dst[t+c] = 0
				}
			}
		}
	}
}

func fill(texels []byte, bpp int, color [4]byte) {
	if bpp == 0 {
		return
	}
	for i := 0; i+bpp <= len(texels); i += bpp {
		copy(texels[i:i+bpp], color[:bpp])
	}
}

// discardedByte is what an image holds after a transition out of UNDEFINED.
const discardedByte = 0xcd

func discard(texels []byte) {
	for i := range texels {
		texels[i] = discardedByte
	}
}

func unorm(color [4]float32) [4]byte {
	var out [4]byte
	for i, c := range color {
		switch {
		case c <= 0:
			out[i] = 0
		case c >= 1:
			out[i] = 0xff
		default:
			out[i] = byte(c*255 + 0.5)
		}
	}
	return out
}

// GradientTexel is the value CmdDrawGradient writes at (x, y).
func GradientTexel(x, y int) [4]byte {
	return [4]byte{byte(x % 251), byte(y % 241), byte((x + y) % 239), 0xff}
}

// CmdDrawGradient stands in for a scene draw: it writes GradientTexel over the color attachment
// of the active render pass.
func (d *Device) CmdDrawGradient(cmd gpu.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.record(cmd, "DrawGradient", func(x *execution) error {
		if x.pass == nil {
			return ErrNoRenderPass
		}
		img, texels, err := d.imageBytes(x.pass.fb.Color)
		if err != nil {
			return err
		}
		bpp := gpu.BytesPerPixel(img.info.Format)
		w, h := img.info.Extent.Width, img.info.Extent.Height
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				t := GradientTexel(xx, y)
				copy(texels[(y*w+xx)*bpp:(y*w+xx+1)*bpp], t[:bpp])
			}
		}
		return nil
	})
}

// CmdDrawFill writes one color over the color attachment of the active render pass.
func (d *Device) CmdDrawFill(cmd gpu.CommandBuffer, color [4]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.record(cmd, "DrawFill", func(x *execution) error {
		if x.pass == nil {
			return ErrNoRenderPass
		}
		img, texels, err := d.imageBytes(x.pass.fb.Color)
		if err != nil {
			return err
		}
		fill(texels, gpu.BytesPerPixel(img.info.Format), color)
		return nil
	})
}

// CmdDrawTextured stands in for a full-screen quad sampling sources. Every source must be in
// SHADER_READ_ONLY_OPTIMAL; the first source is resampled over the color attachment.
func (d *Device) CmdDrawTextured(cmd gpu.CommandBuffer, sources ...gpu.Image) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sources = append([]gpu.Image(nil), sources...)
	return d.record(cmd, "DrawTextured", func(x *execution) error {
		if x.pass == nil {
			return ErrNoRenderPass
		}
		for _, s := range sources {
			img, ok := d.images[s]
			if !ok {
				return errors.Wrapf(ErrUnknownHandle, "sampled image %d", s)
			}
			if img.layout != core1_0.ImageLayoutShaderReadOnlyOptimal {
				return errors.Wrapf(ErrLayoutMismatch, "sampling image %d in layout %d", s, img.layout)
			}
		}
		if d.opts.trace {
			d.sampled = append(d.sampled, append([]gpu.Image(nil), sources...))
		}
		if len(sources) == 0 {
			return nil
		}

		srcImg, src, err := d.imageBytes(sources[0])
		if err != nil {
			return err
		}
		dstImg, dst, err := d.imageBytes(x.pass.fb.Color)
		if err != nil {
			return err
		}
		resample(src, srcImg.info.Extent, gpu.BytesPerPixel(srcImg.info.Format),
			dst, dstImg.info.Extent, gpu.BytesPerPixel(dstImg.info.Format))
		return nil
	})
}

// Sampled returns the sources of every executed CmdDrawTextured, in execution order.
func (d *Device) Sampled() [][]gpu.Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]gpu.Image(nil), d.sampled...)
}
