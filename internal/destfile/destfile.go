// Package destfile derives the destination path for a download from the
// app-supplied hint and the HTTP response headers, picks unique names on
// collision, and enforces storage-capacity limits.
package destfile

import (
	"fmt"
	"math/rand"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/yxl/DownloadProvider/internal/download"
)

const (
	defaultFilename  = "downloadfile"
	defaultHTMLExt   = ".html"
	defaultTextExt   = ".txt"
	defaultBinaryExt = ".bin"

	// sequenceSeparator splits the base name from the collision counter.
	sequenceSeparator = "-"

	dirPerm = 0o755
)

// contentDispositionPattern matches the attachment form of the
// Content-Disposition header; other dispositions are ignored.
var contentDispositionPattern = regexp.MustCompile(`attachment;\s*filename\s*=\s*"([^"]*)"`)

var unsafeCharacters = regexp.MustCompile(`[^a-zA-Z0-9.\-_]+`)

// Error is a fatal path-derivation failure carrying the terminal status
// the download should end with.
type Error struct {
	Status download.Status
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("destfile: %s", e.Reason)
}

// Options configures path derivation for one engine instance.
type Options struct {
	// DataDir is the engine-managed storage root for internal downloads.
	DataDir string

	// ExternalDir is the user-visible downloads directory. Empty means
	// no external storage is attached.
	ExternalDir string

	// Acceptable decides whether the platform can handle a content type
	// delivered to external storage. nil accepts everything. Public-mode
	// requests are exempt from this check.
	Acceptable func(mimeType string) bool
}

// Request carries everything known about a download at header time.
type Request struct {
	URL                string
	Hint               string
	ContentDisposition string
	ContentLocation    string
	MimeType           string
	Destination        download.Destination
	ContentLength      int64
	Mode               download.Mode
}

// Generate returns the full destination path for a download, or an
// *Error with the terminal status to report.
func (o Options) Generate(req Request) (string, error) {
	if err := o.checkCanHandle(req); err != nil {
		return "", err
	}

	if req.Destination == download.DestinationFileURI {
		return o.pathForFileURI(req)
	}

	base, err := o.locateBaseDir(req)
	if err != nil {
		return "", err
	}

	return o.generateFilePath(base, req)
}

func (o Options) checkCanHandle(req Request) error {
	if req.Mode == download.ModePublic {
		return nil
	}

	if req.Destination != download.DestinationExternal {
		return nil
	}

	if req.MimeType == "" {
		return &Error{
			Status: download.StatusNotAcceptable,
			Reason: "external download with no mime type not allowed",
		}
	}

	if o.Acceptable != nil && !o.Acceptable(req.MimeType) {
		return &Error{
			Status: download.StatusNotAcceptable,
			Reason: "no handler found for this download type",
		}
	}

	return nil
}

func (o Options) pathForFileURI(req Request) (string, error) {
	if o.ExternalDir == "" || !dirExists(o.ExternalDir) {
		return "", &Error{
			Status: download.StatusDeviceNotFound,
			Reason: "external storage not mounted",
		}
	}

	path := req.Hint

	if strings.HasSuffix(path, "/") {
		full, err := o.generateFilePath(strings.TrimSuffix(path, "/"), req)
		if err != nil {
			return "", err
		}

		path = full
	} else if _, err := os.Stat(path); err == nil {
		return "", &Error{
			Status: download.StatusFileAlreadyExists,
			Reason: "requested destination file already exists",
		}
	}

	if err := o.checkSpace(filepath.Dir(path), req.ContentLength); err != nil {
		return "", err
	}

	return path, nil
}

func (o Options) locateBaseDir(req Request) (string, error) {
	if req.Destination == download.DestinationExternal {
		if o.ExternalDir == "" || !dirExists(filepath.Dir(o.ExternalDir)) {
			return "", &Error{
				Status: download.StatusDeviceNotFound,
				Reason: "external storage not mounted",
			}
		}

		if err := o.checkSpace(filepath.Dir(o.ExternalDir), req.ContentLength); err != nil {
			return "", err
		}

		if err := os.MkdirAll(o.ExternalDir, dirPerm); err != nil {
			return "", &Error{
				Status: download.StatusFileError,
				Reason: "unable to create external downloads directory",
			}
		}

		return o.ExternalDir, nil
	}

	if err := os.MkdirAll(o.DataDir, dirPerm); err != nil {
		return "", &Error{
			Status: download.StatusFileError,
			Reason: "unable to create internal download storage",
		}
	}

	if err := o.checkSpace(o.DataDir, req.ContentLength); err != nil {
		return "", err
	}

	return o.DataDir, nil
}

func (o Options) checkSpace(root string, contentLength int64) error {
	if contentLength <= 0 {
		return nil
	}

	avail, err := availableBytes(root)
	if err != nil {
		// Can't determine free space; let the write path report I/O
		// failures instead of guessing here.
		return nil
	}

	if avail < contentLength {
		return &Error{
			Status: download.StatusInsufficientSpace,
			Reason: "insufficient space on destination filesystem",
		}
	}

	return nil
}

func (o Options) generateFilePath(base string, req Request) (string, error) {
	filename := chooseFilename(req.URL, req.Hint, req.ContentDisposition, req.ContentLocation)

	var extension string

	dotIndex := strings.Index(filename, ".")
	if dotIndex < 0 {
		extension = chooseExtensionFromMimeType(req.MimeType, true)
	} else {
		extension = chooseExtensionFromFilename(req.MimeType, filename)
		filename = filename[:dotIndex]
	}

	return chooseUniqueFilename(filepath.Join(base, filename), extension)
}

func chooseFilename(rawURL, hint, contentDisposition, contentLocation string) string {
	var filename string

	// App-supplied hint wins.
	if hint != "" && !strings.HasSuffix(hint, "/") {
		filename = lastSegment(hint)
	}

	if filename == "" && contentDisposition != "" {
		if m := contentDispositionPattern.FindStringSubmatch(contentDisposition); m != nil {
			filename = lastSegment(m[1])
		}
	}

	if filename == "" && contentLocation != "" {
		if decoded, err := url.QueryUnescape(contentLocation); err == nil {
			if !strings.HasSuffix(decoded, "/") && !strings.Contains(decoded, "?") {
				filename = lastSegment(decoded)
			}
		}
	}

	if filename == "" {
		if decoded, err := url.QueryUnescape(rawURL); err == nil {
			if !strings.HasSuffix(decoded, "/") && !strings.Contains(decoded, "?") {
				filename = lastSegment(decoded)
			}
		}
	}

	if filename == "" {
		filename = defaultFilename
	}

	return unsafeCharacters.ReplaceAllString(filename, "_")
}

func lastSegment(path string) string {
	if index := strings.LastIndex(path, "/"); index >= 0 {
		return path[index+1:]
	}

	return path
}

// chooseExtensionFromMimeType maps a MIME type to a file extension,
// falling back to coarse defaults when the type is unknown. The html
// and octet-stream cases are pinned so the result does not depend on
// the host's mime table.
func chooseExtensionFromMimeType(mimeType string, useDefaults bool) string {
	lower := strings.ToLower(mimeType)

	switch {
	case lower == "" || lower == "application/octet-stream":
	case lower == "text/html":
		return defaultHTMLExt
	default:
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}

	if strings.HasPrefix(lower, "text/") {
		if useDefaults {
			return defaultTextExt
		}

		return ""
	}

	if useDefaults {
		return defaultBinaryExt
	}

	return ""
}

// chooseExtensionFromFilename keeps the source extension unless it
// contradicts the declared MIME type, in which case the type wins.
func chooseExtensionFromFilename(mimeType, filename string) string {
	if mimeType != "" {
		lastDot := strings.LastIndex(filename, ".")

		typeFromExt := mime.TypeByExtension(filename[lastDot:])
		if mediaType, _, err := mime.ParseMediaType(typeFromExt); err != nil ||
			!strings.EqualFold(mediaType, mimeType) {
			if ext := chooseExtensionFromMimeType(mimeType, false); ext != "" {
				return ext
			}
		}
	}

	return filename[strings.Index(filename, "."):]
}

// chooseUniqueFilename appends "-<n>" sequence numbers with randomized
// growth until it finds an unused path. The randomization keeps two
// engines racing on the same directory from probing identical runs.
func chooseUniqueFilename(filename, extension string) (string, error) {
	fullFilename := filename + extension
	if !fileExists(fullFilename) {
		return fullFilename, nil
	}

	filename += sequenceSeparator

	sequence := 1
	for magnitude := 1; magnitude < 1000000000; magnitude *= 10 {
		for iteration := 0; iteration < 9; iteration++ {
			fullFilename = filename + strconv.Itoa(sequence) + extension
			if !fileExists(fullFilename) {
				return fullFilename, nil
			}

			sequence += rand.Intn(magnitude) + 1
		}
	}

	return "", &Error{
		Status: download.StatusFileError,
		Reason: "failed to generate an unused filename on download storage",
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.IsDir()
}
