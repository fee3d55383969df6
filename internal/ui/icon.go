package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/disintegration/imaging"
)

var (
	iconOnce sync.Once
	iconData []byte
)

// iconPNG draws the tray icon: a filled frame with a lighter inset.
func iconPNG() []byte {
	iconOnce.Do(func() {
		icon := imaging.New(32, 32, color.NRGBA{40, 90, 160, 255})
		inset := imaging.New(20, 14, color.NRGBA{220, 230, 245, 255})
		icon = imaging.Paste(icon, inset, image.Pt(6, 9))
		var buf bytes.Buffer
		if err := png.Encode(&buf, icon); err == nil {
			iconData = buf.Bytes()
		}
	})
	return iconData
}
