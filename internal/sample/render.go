package sample

import (
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"

	"github.com/pders01/ckpt-eval/internal/tensor"
	"github.com/spf13/afero"
	"golang.org/x/image/draw"
)

// DefaultPreviewSize caps the longer side of rendered previews.
const DefaultPreviewSize = 256

// Frames converts a (frames, 3, H, W) video in [-1, 1] to RGBA images,
// scaled down so neither side exceeds maxSize (0 keeps the size).
func Frames(video tensor.Tensor, maxSize int) ([]*image.RGBA, error) {
	if len(video.Shape) != 4 || video.Shape[1] != 3 {
		return nil, fmt.Errorf("expected (frames, 3, H, W), got shape %v", video.Shape)
	}
	f, h, w := video.Shape[0], video.Shape[2], video.Shape[3]
	hw := h * w

	dw, dh := w, h
	if maxSize > 0 && max(w, h) > maxSize {
		if w >= h {
			dw, dh = maxSize, max(1, h*maxSize/w)
		} else {
			dw, dh = max(1, w*maxSize/h), maxSize
		}
	}

	out := make([]*image.RGBA, f)
	for fi := 0; fi < f; fi++ {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		base := fi * 3 * hw
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := y*w + x
				img.SetRGBA(x, y, color.RGBA{
					R: toByte(video.Data[base+p]),
					G: toByte(video.Data[base+hw+p]),
					B: toByte(video.Data[base+2*hw+p]),
					A: 255,
				})
			}
		}
		if dw != w || dh != h {
			small := image.NewRGBA(image.Rect(0, 0, dw, dh))
			draw.CatmullRom.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)
			img = small
		}
		out[fi] = img
	}
	return out, nil
}

// toByte maps [-1, 1] to [0, 255].
func toByte(v float32) uint8 {
	v = (v + 1) * 127.5
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// TileVideos lays the videos of a (b, 3, f, H, W) batch side by side,
// returning one (f, 3, H, b*W) video.
func TileVideos(batch tensor.Tensor) (tensor.Tensor, error) {
	if len(batch.Shape) != 5 || batch.Shape[1] != 3 {
		return tensor.Tensor{}, fmt.Errorf("expected (b, 3, f, H, W), got shape %v", batch.Shape)
	}
	b, f, h, w := batch.Shape[0], batch.Shape[2], batch.Shape[3], batch.Shape[4]
	out := tensor.Zeros(f, 3, h, b*w)
	for bi := 0; bi < b; bi++ {
		for c := 0; c < 3; c++ {
			for fi := 0; fi < f; fi++ {
				for y := 0; y < h; y++ {
					src := (((bi*3+c)*f+fi)*h + y) * w
					dst := ((fi*3+c)*h+y)*b*w + bi*w
					copy(out.Data[dst:dst+w], batch.Data[src:src+w])
				}
			}
		}
	}
	return out, nil
}

// WriteGIF renders a (frames, 3, H, W) video as an endlessly looping GIF.
func WriteGIF(fs afero.Fs, path string, video tensor.Tensor, fps, maxSize int) error {
	frames, err := Frames(video, maxSize)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("video has no frames")
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	delay := max(1, 100/fps)

	anim := &gif.GIF{LoopCount: 0}
	for _, frame := range frames {
		pal := image.NewPaletted(frame.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(pal, frame.Bounds(), frame, image.Point{})
		anim.Image = append(anim.Image, pal)
		anim.Delay = append(anim.Delay, delay)
	}

	file, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := gif.EncodeAll(file, anim); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return file.Close()
}
