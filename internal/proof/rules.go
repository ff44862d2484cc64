package proof

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"dealerdesk/internal/config"
)

type Family string

const (
	Image    Family = "image"
	Document Family = "document"
	Video    Family = "video"
)

type kind struct {
	family Family
	mime   string
	// aliases are other MIME types browsers send for the same extension.
	aliases []string
}

var kinds = map[string]kind{
	"jpg":  {Image, "image/jpeg", []string{"image/jpg", "image/pjpeg"}},
	"jpeg": {Image, "image/jpeg", []string{"image/jpg", "image/pjpeg"}},
	"png":  {Image, "image/png", nil},
	"gif":  {Image, "image/gif", nil},
	"webp": {Image, "image/webp", nil},
	"pdf":  {Document, "application/pdf", nil},
	"mp4":  {Video, "video/mp4", nil},
}

// InvalidFileError rejects one upload before anything is written.
type InvalidFileError struct {
	Filename string
	Reason   string
}

func (e InvalidFileError) Error() string {
	if e.Filename == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Filename, e.Reason)
}

// Upload describes one incoming file before it is stored.
type Upload struct {
	Filename string
	MimeType string
	Size     int64
}

// Accepted is an upload that passed the rules, with its canonical MIME type.
type Accepted struct {
	Upload
	Ext    string
	Family Family
}

type Rules struct {
	MaxFiles         int
	MaxImageBytes    int64
	MaxDocumentBytes int64
	MaxVideoBytes    int64
}

func RulesFrom(cfg config.ProofsConfig) Rules {
	return Rules{
		MaxFiles:         cfg.MaxFiles,
		MaxImageBytes:    cfg.MaxImageBytes,
		MaxDocumentBytes: cfg.MaxDocumentBytes,
		MaxVideoBytes:    cfg.MaxVideoBytes,
	}
}

func (r Rules) limit(f Family) int64 {
	switch f {
	case Image:
		return r.MaxImageBytes
	case Video:
		return r.MaxVideoBytes
	}
	return r.MaxDocumentBytes
}

// MaxBatchBytes is the most a full batch of files may weigh.
func (r Rules) MaxBatchBytes() int64 {
	return int64(r.MaxFiles) * max(r.MaxImageBytes, r.MaxDocumentBytes, r.MaxVideoBytes)
}

// Check validates one file.
func (r Rules) Check(u Upload) (Accepted, error) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Filename), "."))
	k, ok := kinds[ext]
	if !ok {
		return Accepted{}, InvalidFileError{Filename: u.Filename, Reason: "недопустимый тип файла"}
	}
	mime := strings.ToLower(strings.TrimSpace(u.MimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch {
	case mime == "" || mime == "application/octet-stream":
		mime = k.mime
	case mime == k.mime:
	case contains(k.aliases, mime):
		mime = k.mime
	default:
		return Accepted{}, InvalidFileError{Filename: u.Filename, Reason: "тип содержимого не соответствует расширению"}
	}
	if u.Size <= 0 {
		return Accepted{}, InvalidFileError{Filename: u.Filename, Reason: "пустой файл"}
	}
	if u.Size > r.limit(k.family) {
		return Accepted{}, InvalidFileError{Filename: u.Filename, Reason: fmt.Sprintf("файл больше %d байт", r.limit(k.family))}
	}
	u.MimeType = mime
	return Accepted{Upload: u, Ext: ext, Family: k.family}, nil
}

// CheckBatch validates a whole batch against the per-response cap, counting
// files already stored. Any failure rejects the batch.
func (r Rules) CheckBatch(existing int, uploads []Upload) ([]Accepted, error) {
	if existing+len(uploads) > r.MaxFiles {
		return nil, InvalidFileError{Reason: fmt.Sprintf("не более %d файлов на ответ", r.MaxFiles)}
	}
	out := make([]Accepted, 0, len(uploads))
	for _, u := range uploads {
		a, err := r.Check(u)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// StoragePath builds dealerships/{dealership|global}/tasks/{task}/{uuid}.{ext}.
func StoragePath(dealershipID *string, taskID, ext string) string {
	scope := "global"
	if dealershipID != nil && *dealershipID != "" {
		scope = *dealershipID
	}
	return path.Join("dealerships", scope, "tasks", taskID, uuid.NewString()+"."+ext)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
