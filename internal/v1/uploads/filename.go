// Package uploads implements the file upload pipeline: filename hygiene,
// single-use upload tokens, and the antivirus scan queue.
package uploads

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// allowedExtensions is the upload extension allowlist.
var allowedExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true,
	"bmp": true, "tiff": true, "tif": true, "ico": true, "svg": true,
	"heic": true, "heif": true, "pdf": true, "doc": true, "docx": true,
	"xls": true, "xlsx": true, "txt": true, "zip": true, "rar": true,
	"7z": true,
}

// imageExtensions decide whether an upload renders inline as an image.
var imageExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true,
	"webp": true, "bmp": true, "ico": true,
}

// Ext returns the lowercased extension without the dot, or "".
func Ext(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 || i == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

// Allowed reports whether the filename's extension is uploadable.
func Allowed(filename string) bool {
	return allowedExtensions[Ext(filename)]
}

// Kind classifies an upload as "image" or "file" for gallery filtering.
func Kind(filename string) string {
	if imageExtensions[Ext(filename)] {
		return "image"
	}
	return "file"
}

// SecureFilename strips path components and characters that are unsafe in a
// stored filename. Unicode letters survive; separators and control characters
// do not. An empty result falls back to "file".
func SecureFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = path.Base(filename)

	var b strings.Builder
	for _, r := range filename {
		switch {
		case r < 0x20 || r == 0x7F:
			// drop control characters
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), " .")
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "file"
	}
	return cleaned
}

// StoredName builds the on-disk name: a timestamp plus a random infix keeps
// simultaneous uploads of the same filename from colliding.
func StoredName(filename string) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s_%s_%s",
		time.Now().Format("20060102150405"),
		hex.EncodeToString(buf[:]),
		SecureFilename(filename))
}
