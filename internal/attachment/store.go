// Package attachment stores uploaded media on local disk and serves it back
// under /uploads/.
package attachment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/parley/chat-app/internal/message"
)

// URLPrefix is the public path stored attachments are served under.
const URLPrefix = "/uploads/"

var (
	ErrTooLarge = errors.New("attachment: file exceeds upload limit")
	ErrEmpty    = errors.New("attachment: file is empty")
)

// Upload is one file received from a client along with the metadata the
// client reported for it.
type Upload struct {
	Name     string
	MimeType string  // sniffed from the content when empty
	Duration float64 // seconds, audio and video only
	Caption  string
	Body     io.Reader
}

// DiskStore writes attachments into a directory under random names.
type DiskStore struct {
	dir      string
	maxBytes int64
}

// NewDiskStore creates dir if needed. maxBytes <= 0 disables the size check.
func NewDiskStore(dir string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("attachment: create dir: %w", err)
	}
	return &DiskStore{dir: dir, maxBytes: maxBytes}, nil
}

// Save streams u to disk and returns the attachment record pointing at it.
// A partially written file is removed on error.
func (s *DiskStore) Save(u Upload) (*message.Attachment, error) {
	br := bufio.NewReader(u.Body)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("attachment: read: %w", err)
	}
	if len(head) == 0 {
		return nil, ErrEmpty
	}

	mimeType := u.MimeType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(head)
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}

	fileName := ulid.Make().String() + extension(u.Name, mimeType)
	path := filepath.Join(s.dir, fileName)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("attachment: create file: %w", err)
	}

	var src io.Reader = br
	if s.maxBytes > 0 {
		src = io.LimitReader(br, s.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxBytes > 0 && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("attachment: write file: %w", err)
	}

	kind := message.KindForMime(mimeType)
	a := &message.Attachment{
		Kind:     kind,
		URL:      URLPrefix + fileName,
		Name:     displayName(u.Name, fileName),
		Size:     n,
		MimeType: mimeType,
		Caption:  strings.TrimSpace(u.Caption),
	}
	if kind == message.KindAudio || kind == message.KindVideo {
		a.Duration = u.Duration
	}
	return a, nil
}

// Remove deletes the file behind a URL returned by Save.
func (s *DiskStore) Remove(url string) error {
	name, ok := strings.CutPrefix(url, URLPrefix)
	if !ok || name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("attachment: not a stored url: %q", url)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("attachment: remove: %w", err)
	}
	return nil
}

// Handler serves stored files; mount it at URLPrefix.
func (s *DiskStore) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.dir))
	return http.StripPrefix(URLPrefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No directory listings.
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		fs.ServeHTTP(w, r)
	}))
}

// extension keeps the client's extension when it is short and plain,
// otherwise derives one from the MIME type.
func extension(name, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 1 && len(ext) <= 8 && isAlnum(ext[1:]) {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func displayName(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	return name
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
