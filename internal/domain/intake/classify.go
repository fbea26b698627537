package intake

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// routeEntry maps a detected mime type to its category and worker pipeline.
type routeEntry struct {
	category Category
	route    []string
}

// mimeRoutes is the fixed routing table, keyed by exact mime type. Prefix
// families (image/*, audio/*, text/*) are handled in routeFor.
var mimeRoutes = map[string]routeEntry{
	"application/pdf":    {CategoryDocument, []string{"cpu-extract"}},
	"application/msword": {CategoryDocument, []string{"cpu-extract"}},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {CategoryDocument, []string{"cpu-extract"}},
	"application/vnd.oasis.opendocument.text":                                 {CategoryDocument, []string{"cpu-extract"}},
	"application/vnd.ms-excel":                                                {CategoryDocument, []string{"cpu-extract"}},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       {CategoryDocument, []string{"cpu-extract"}},
	"text/csv":                     {CategoryDocument, []string{"cpu-extract"}},
	"text/plain":                   {CategoryDocument, []string{"cpu-light"}},
	"text/markdown":                {CategoryDocument, []string{"cpu-light"}},
	"application/json":             {CategoryDocument, []string{"cpu-light"}},
	"message/rfc822":               {CategoryDocument, []string{"cpu-extract"}},
	"application/vnd.ms-outlook":   {CategoryDocument, []string{"cpu-extract"}},
	"application/zip":              {CategoryArchive, []string{"cpu-archive"}},
	"application/x-tar":            {CategoryArchive, []string{"cpu-archive"}},
	"application/gzip":             {CategoryArchive, []string{"cpu-archive"}},
	"application/x-7z-compressed":  {CategoryArchive, []string{"cpu-archive"}},
	"application/x-rar-compressed": {CategoryArchive, []string{"cpu-archive"}},
}

// containerMimes are office/jar container formats: is_archive is set for
// introspection, but they keep their document pipeline and are never routed
// through cpu-archive extraction.
var containerMimes = map[string]struct{}{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       {},
	"application/vnd.oasis.opendocument.text":                                 {},
	"application/jar":        {},
	"application/java-archive": {},
}

// extensionMimes is the fallback when content magic yields nothing usable.
var extensionMimes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".odt":  "application/vnd.oasis.opendocument.text",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".json": "application/json",
	".eml":  "message/rfc822",
	".msg":  "application/vnd.ms-outlook",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".7z":   "application/x-7z-compressed",
	".rar":  "application/x-rar-compressed",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
}

// Classify detects the file's type by content magic, falling back to the
// extension when magic returns application/octet-stream. Low-confidence
// results are categorized unknown with an empty route, requiring manual
// override before dispatch.
func Classify(path, originalName string, size int64, sha256 string) (FileInfo, []string) {
	ext := strings.ToLower(filepath.Ext(originalName))
	info := FileInfo{
		Path:         path,
		OriginalName: originalName,
		Size:         size,
		SHA256:       sha256,
		Extension:    ext,
	}

	mime := ""
	if mtype, err := mimetype.DetectFile(path); err == nil {
		mime = normalizeMime(mtype.String())
		info.Confidence = 0.9
		info.Method = "magic"
	}

	if mime == "" || mime == "application/octet-stream" {
		if fallback, ok := extensionMimes[ext]; ok {
			mime = fallback
			info.Confidence = 0.5
			info.Method = "extension"
		}
	}

	info.MimeType = mime
	if mime == "" || mime == "application/octet-stream" || info.Confidence < 0.3 {
		info.Category = CategoryUnknown
		info.MimeType = "application/octet-stream"
		info.ExtensionFidelity = false
		return info, nil
	}

	category, route := routeFor(mime)
	info.Category = category
	_, info.IsArchive = containerMimes[mime]
	if category == CategoryArchive {
		info.IsArchive = true
	}
	info.ExtensionFidelity = extensionAgrees(ext, mime)
	return info, route
}

func routeFor(mime string) (Category, []string) {
	if entry, ok := mimeRoutes[mime]; ok {
		return entry.category, append([]string(nil), entry.route...)
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return CategoryImage, []string{"cpu-light", RouteByQuality}
	case strings.HasPrefix(mime, "audio/"):
		return CategoryAudio, []string{"gpu-whisper"}
	case strings.HasPrefix(mime, "text/"):
		return CategoryDocument, []string{"cpu-light"}
	}
	return CategoryUnknown, nil
}

// extensionAgrees reports whether the filename extension maps to the same
// mime (or mime family) the content detector found. Advisory only; a
// mismatch never blocks the pipeline but feeds the file-mismatch anomaly
// detector.
func extensionAgrees(ext, mime string) bool {
	if ext == "" {
		return false
	}
	expected, ok := extensionMimes[ext]
	if !ok {
		return false
	}
	if expected == mime {
		return true
	}
	// Same media family still counts (e.g. .tif detected as image/tiff-fx),
	// except application/*, which is far too broad to call agreement.
	family := strings.SplitN(expected, "/", 2)[0]
	return family != "application" && strings.HasPrefix(mime, family+"/")
}

// normalizeMime strips parameters like "; charset=utf-8".
func normalizeMime(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}
