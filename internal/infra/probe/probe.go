// Package probe identifies submitted content: digests, size, detected MIME
// type and the container kind the extraction engine dispatches on. Detection
// is content-based; the submitted filename only breaks ties for formats whose
// magic bytes are ambiguous.
package probe

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// Identify builds the file record for one piece of submitted content.
func Identify(name string, data []byte) (*triage.File, error) {
	if name == "" {
		return nil, fmt.Errorf("probe: file name is required")
	}

	s256 := sha256.Sum256(data)
	s1 := sha1.Sum(data)
	m5 := md5.Sum(data)

	mtype := mimetype.Detect(data)
	kind := kindOf(mtype, name)

	return triage.NewFile(
		hex.EncodeToString(s256[:]),
		hex.EncodeToString(s1[:]),
		hex.EncodeToString(m5[:]),
		int64(len(data)),
		mtype.String(),
		kind,
		name,
	)
}

// kindOf maps a detected MIME type onto the container kinds the extraction
// engine understands. Zip-derived document formats (docx, jar, apk) detect as
// their specific types and therefore stay ContainerNone; only genuine zip
// archives dispatch to extraction.
func kindOf(m *mimetype.MIME, name string) triage.ContainerKind {
	switch {
	case m.Is("application/zip"):
		return triage.ContainerZip
	case m.Is("application/x-7z-compressed"):
		return triage.Container7z
	case m.Is("application/x-rar-compressed") || m.Is("application/vnd.rar"):
		return triage.ContainerRar
	case m.Is("application/x-tar"):
		return triage.ContainerTar
	case m.Is("application/gzip"):
		return triage.ContainerGzip
	case m.Is("application/x-bzip2"):
		return triage.ContainerBzip2
	case m.Is("application/x-xz"), m.Is("application/x-lzma"):
		return triage.ContainerXz
	case m.Is("application/x-iso9660-image"):
		return triage.ContainerISO
	case m.Is("message/rfc822"):
		return triage.ContainerEmail
	}

	// Formats whose magic detection is weak or absent.
	switch strings.ToLower(filepath.Ext(name)) {
	case ".eml":
		return triage.ContainerEmail
	case ".lzma":
		return triage.ContainerXz
	}
	return triage.ContainerNone
}
