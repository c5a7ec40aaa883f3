package triage

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContainerKind classifies a file into the closed set of container formats
// the extraction engine knows how to unpack. The zero value means the file
// is not a container.
type ContainerKind string

const (
	ContainerNone  ContainerKind = ""
	ContainerZip   ContainerKind = "zip"
	Container7z    ContainerKind = "7z"
	ContainerRar   ContainerKind = "rar"
	ContainerTar   ContainerKind = "tar"
	ContainerGzip  ContainerKind = "gzip"
	ContainerBzip2 ContainerKind = "bzip2"

	// ContainerXz covers both xz and legacy lzma single streams.
	ContainerXz ContainerKind = "xz"

	ContainerISO   ContainerKind = "iso"
	ContainerEmail ContainerKind = "email"
)

// IsArchive reports whether the kind is an archive format. Email containers
// take a separate unpacking path.
func (k ContainerKind) IsArchive() bool {
	switch k {
	case ContainerZip, Container7z, ContainerRar, ContainerTar,
		ContainerGzip, ContainerBzip2, ContainerXz, ContainerISO:
		return true
	default:
		return false
	}
}

// IsContainer reports whether the extraction engine handles this kind at all.
func (k ContainerKind) IsContainer() bool { return k.IsArchive() || k == ContainerEmail }

// File describes one submitted payload. Files are content-addressed by their
// sha256 digest. Digests, size and type detection happen once when the bytes
// are first seen; everything except the deletion flag is immutable afterwards.
//
// A deleted file keeps its metadata but its content bytes are gone; readers
// must treat missing bytes as a clean failure, never as empty content.
type File struct {
	sha256 string
	sha1   string
	md5    string

	size int64
	mime string
	kind ContainerKind
	name string

	deleted bool
	savedAt time.Time
}

// FileOption allows customizing file creation.
type FileOption func(*File)

// WithFileTimeProvider sets a custom time provider, primarily for testing.
func WithFileTimeProvider(tp TimeProvider) FileOption {
	return func(f *File) { f.savedAt = tp.Now() }
}

// NewFile creates a file record from freshly probed submission metadata.
func NewFile(sha256, sha1, md5 string, size int64, mime string, kind ContainerKind, name string, opts ...FileOption) (*File, error) {
	if sha256 == "" {
		return nil, fmt.Errorf("file requires a sha256 digest")
	}
	if name == "" {
		return nil, fmt.Errorf("file requires an original name")
	}
	if size < 0 {
		return nil, fmt.Errorf("file size cannot be negative: %d", size)
	}

	f := &File{
		sha256:  sha256,
		sha1:    sha1,
		md5:     md5,
		size:    size,
		mime:    mime,
		kind:    kind,
		name:    name,
		savedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// ReconstructFile rebuilds a file record from persisted state.
func ReconstructFile(
	sha256, sha1, md5 string,
	size int64,
	mime string,
	kind ContainerKind,
	name string,
	deleted bool,
	savedAt time.Time,
) *File {
	return &File{
		sha256:  sha256,
		sha1:    sha1,
		md5:     md5,
		size:    size,
		mime:    mime,
		kind:    kind,
		name:    name,
		deleted: deleted,
		savedAt: savedAt,
	}
}

// SHA256 returns the content digest that identifies this file.
func (f *File) SHA256() string { return f.sha256 }

// SHA1 returns the secondary sha1 digest.
func (f *File) SHA1() string { return f.sha1 }

// MD5 returns the secondary md5 digest.
func (f *File) MD5() string { return f.md5 }

// Size returns the content size in bytes.
func (f *File) Size() int64 { return f.size }

// MIME returns the detected MIME string.
func (f *File) MIME() string { return f.mime }

// Kind returns the detected container kind, ContainerNone for plain files.
func (f *File) Kind() ContainerKind { return f.kind }

// Name returns the original filename supplied at submission.
func (f *File) Name() string { return f.name }

// Deleted reports whether the content bytes have been discarded.
func (f *File) Deleted() bool { return f.deleted }

// SavedAt returns when the file record was created.
func (f *File) SavedAt() time.Time { return f.savedAt }

// MarkDeleted flags the file as deleted. Metadata and digests survive; the
// bytes do not.
func (f *File) MarkDeleted() { f.deleted = true }

// fileJSON is the wire representation of a File.
type fileJSON struct {
	SHA256  string        `json:"sha256"`
	SHA1    string        `json:"sha1,omitempty"`
	MD5     string        `json:"md5,omitempty"`
	Size    int64         `json:"size"`
	MIME    string        `json:"mime,omitempty"`
	Kind    ContainerKind `json:"kind,omitempty"`
	Name    string        `json:"name"`
	Deleted bool          `json:"deleted,omitempty"`
	SavedAt time.Time     `json:"saved_at"`
}

// MarshalJSON serializes the File object into a JSON byte array.
func (f *File) MarshalJSON() ([]byte, error) {
	return json.Marshal(&fileJSON{
		SHA256:  f.sha256,
		SHA1:    f.sha1,
		MD5:     f.md5,
		Size:    f.size,
		MIME:    f.mime,
		Kind:    f.kind,
		Name:    f.name,
		Deleted: f.deleted,
		SavedAt: f.savedAt,
	})
}

// UnmarshalJSON deserializes JSON data into a File object.
func (f *File) UnmarshalJSON(data []byte) error {
	var aux fileJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*f = *ReconstructFile(aux.SHA256, aux.SHA1, aux.MD5, aux.Size, aux.MIME, aux.Kind, aux.Name, aux.Deleted, aux.SavedAt)
	return nil
}
