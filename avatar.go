package main

import (
	"bytes"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// Avatars are normalized to a fixed square like the rest of the profile UI
// expects.
const avatarSize = 160

// supportedImage sniffs the actual file content; the multipart header's
// Content-Type is client-controlled and not trusted.
func supportedImage(fh *multipart.FileHeader) bool {
	f, err := fh.Open()
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := f.Read(head)
	if n == 0 && err != nil {
		return false
	}
	switch http.DetectContentType(head[:n]) {
	case "image/jpeg", "image/png":
		return true
	}
	return false
}

// processAvatar extracts the client-chosen crop box and normalizes it to a
// 160x160 JPEG.
func processAvatar(fh *multipart.FileHeader, x, y, width, height int) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	src, err := imaging.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode avatar: %w", err)
	}
	box := image.Rect(x, y, x+width, y+height)
	if !box.In(src.Bounds()) {
		return nil, fmt.Errorf("crop box %v outside image bounds %v", box, src.Bounds())
	}
	img := imaging.Crop(src, box)
	img = imaging.Resize(img, avatarSize, avatarSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode avatar: %w", err)
	}
	return buf.Bytes(), nil
}

// saveAvatar writes the processed image under the avatar dir and returns the
// name to store on the user record.
func saveAvatar(data []byte) (string, error) {
	if err := os.MkdirAll(cfg.Avatar.Dir, 0755); err != nil {
		return "", err
	}
	name := uuid.NewString()
	if err := os.WriteFile(filepath.Join(cfg.Avatar.Dir, name+".jpg"), data, 0644); err != nil {
		return "", err
	}
	return name, nil
}
