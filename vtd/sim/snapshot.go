package sim

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cavaliergopher/cpio"
)

// Image is the register window of one unit at a point in time.
type Image struct {
	Base uint64
	Regs []byte
}

const imageSuffix = ".regs"

var ErrSnapshot = errors.New("sim: bad snapshot")

// WriteSnapshot writes images to w as a cpio archive with one file per unit,
// named for the unit's base address.
func WriteSnapshot(w io.Writer, images []Image) error {
	cw := cpio.NewWriter(w)

	for _, img := range images {
		err := cw.WriteHeader(&cpio.Header{
			Name: fmt.Sprintf("%x%s", img.Base, imageSuffix),
			Mode: 0444,
			Size: int64(len(img.Regs)),
		})

		if err != nil {
			return err
		}

		if _, err := cw.Write(img.Regs); err != nil {
			return err
		}
	}

	return cw.Close()
}

// ReadSnapshot reads the images of a snapshot written by WriteSnapshot, in
// archive order.
func ReadSnapshot(r io.Reader) ([]Image, error) {
	cr := cpio.NewReader(r)

	var images []Image
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSnapshot, err)
		}

		name, ok := strings.CutSuffix(hdr.Name, imageSuffix)
		if !ok {
			continue
		}

		base, err := strconv.ParseUint(name, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSnapshot, hdr.Name, err)
		}

		regs, err := io.ReadAll(cr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSnapshot, hdr.Name, err)
		}

		images = append(images, Image{Base: base, Regs: regs})
	}

	return images, nil
}

// Load creates a unit whose registers start out as img's. Commands that
// were in flight when the image was taken have completed.
func Load(img Image, cfg Config) (*Unit, error) {
	if len(img.Regs) < regECAP+8 {
		return nil, fmt.Errorf("%w: %d byte image at %#x", ErrSnapshot, len(img.Regs), img.Base)
	}

	cfg.Version = le.Uint32(img.Regs[regVER:])
	cfg.Cap = le.Uint64(img.Regs[regCAP:])
	cfg.ECap = le.Uint64(img.Regs[regECAP:])
	cfg.Size = len(img.Regs) &^ 7

	u, err := New(cfg)
	if err != nil {
		return nil, err
	}

	copy(u.regs, img.Regs)

	u.w32(regGSTS, u.r32(regGSTS)&^gstsWBFS)
	u.w64(regCCMD, u.r64(regCCMD)&^ccmdICC)

	off := u.iotlbOff() + 8
	u.w64(off, u.r64(off)&^iotlbIVT)

	return u, nil
}

// LoadSnapshot reads a snapshot and loads a unit from each image. The
// images are returned too, for their base addresses.
func LoadSnapshot(r io.Reader, cfg Config) ([]*Unit, []Image, error) {
	images, err := ReadSnapshot(r)
	if err != nil {
		return nil, nil, err
	}

	units := make([]*Unit, len(images))
	for i, img := range images {
		u, err := Load(img, cfg)
		if err != nil {
			return nil, nil, err
		}

		units[i] = u
	}

	return units, images, nil
}
