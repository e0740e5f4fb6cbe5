package crypt

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Magic-number table per claimed extension. An upload whose first bytes do
// not match any signature for its extension is rejected before it reaches
// disk under its final name.
var magicNumbers = map[string][][]byte{
	"png":  {{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	"jpg":  {{0xFF, 0xD8, 0xFF}},
	"jpeg": {{0xFF, 0xD8, 0xFF}},
	"gif":  {[]byte("GIF87a"), []byte("GIF89a")},
	"bmp":  {{0x42, 0x4D}},
	"webp": {[]byte("RIFF")},
	"ico":  {{0x00, 0x00, 0x01, 0x00}},
	"pdf":  {[]byte("%PDF")},
	// Office OOXML containers and plain zip share the PK signature.
	"zip":  {{0x50, 0x4B, 0x03, 0x04}, {0x50, 0x4B, 0x05, 0x06}},
	"docx": {{0x50, 0x4B, 0x03, 0x04}},
	"xlsx": {{0x50, 0x4B, 0x03, 0x04}},
	"pptx": {{0x50, 0x4B, 0x03, 0x04}},
	"hwpx": {{0x50, 0x4B, 0x03, 0x04}},
	"7z":   {{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}},
	"rar":  {[]byte("Rar!")},
	"gz":   {{0x1F, 0x8B}},
}

// Extensions whose content is free-form text; no signature to check.
var textExtensions = map[string]bool{
	"txt": true, "csv": true, "md": true, "log": true, "json": true,
}

// HeaderCheckLen is how many leading bytes callers should hand to
// ValidateFileHeader.
const HeaderCheckLen = 16

// ValidateFileHeader reports whether the file's leading bytes match the
// claimed extension. Unknown and text extensions pass; a known extension
// with mismatched bytes fails.
func ValidateFileHeader(filename string, header []byte) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" || textExtensions[ext] {
		return true
	}

	signatures, known := magicNumbers[ext]
	if !known {
		return true
	}

	for _, sig := range signatures {
		if len(header) >= len(sig) && bytes.Equal(header[:len(sig)], sig) {
			return true
		}
	}
	return false
}
