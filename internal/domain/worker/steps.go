package worker

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/domain/intake"
	"github.com/arkhamlabs/arkham/internal/domain/queue"
)

// Limits guarding the extraction steps against hostile inputs.
const (
	maxTextBytes      = 32 << 20 // per-file text read cap
	maxArchiveEntries = 1000
	maxEntryBytes     = 64 << 20
)

// Ingestor re-ingests nested payloads (archive entries, mail attachments).
// Implemented by the intake manager.
type Ingestor interface {
	ReceiveFile(ctx context.Context, r io.Reader, filename string, priority int) (*intake.IngestJob, error)
}

// payloadPath pulls the stored file path out of a step payload.
func payloadPath(job *queue.Job) (string, error) {
	path, _ := job.Payload["file_path"].(string)
	if path == "" {
		return "", fmt.Errorf("worker: payload missing file_path")
	}
	return path, nil
}

func payloadMime(job *queue.Job) string {
	info, _ := job.Payload["file_info"].(map[string]any)
	mime, _ := info["mime_type"].(string)
	return mime
}

// NewLightProcessor handles the cpu-light pool: plain-text reads for text
// documents, quality classification for images.
func NewLightProcessor() Processor {
	return ProcessorFunc(func(_ context.Context, job *queue.Job) (map[string]any, error) {
		path, err := payloadPath(job)
		if err != nil {
			return nil, err
		}

		info, _ := job.Payload["file_info"].(map[string]any)
		if category, _ := info["category"].(string); category == string(intake.CategoryImage) {
			quality, qErr := intake.ScoreImageFile(path)
			if qErr != nil {
				return nil, qErr
			}
			return map[string]any{
				"classification": intake.ClassifyQuality(quality),
				"quality_score":  quality,
			}, nil
		}

		text, err := readTextFile(path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil
	})
}

// NewExtractProcessor handles the cpu-extract pool: email body extraction
// for message/rfc822, direct reads for CSV/text formats, and a printable-run
// scan as the fallback for binary document formats. Mail attachments are
// re-ingested through the supplied ingestor when one is present.
func NewExtractProcessor(ingestor Ingestor) Processor {
	return ProcessorFunc(func(ctx context.Context, job *queue.Job) (map[string]any, error) {
		path, err := payloadPath(job)
		if err != nil {
			return nil, err
		}

		switch mime := payloadMime(job); {
		case mime == "message/rfc822":
			return extractEmail(ctx, path, ingestor)
		case mime == "text/csv" || strings.HasPrefix(mime, "text/"):
			text, rErr := readTextFile(path)
			if rErr != nil {
				return nil, rErr
			}
			return map[string]any{"text": text, "extraction_method": "direct"}, nil
		default:
			text, rErr := extractPrintable(path)
			if rErr != nil {
				return nil, rErr
			}
			return map[string]any{"text": text, "extraction_method": "printable_scan"}, nil
		}
	})
}

// NewArchiveProcessor handles the cpu-archive pool: expands zip/tar/gz and
// re-ingests every entry as its own batch-priority file.
func NewArchiveProcessor(ingestor Ingestor) Processor {
	return ProcessorFunc(func(ctx context.Context, job *queue.Job) (map[string]any, error) {
		if ingestor == nil {
			return nil, fmt.Errorf("worker: archive expansion needs an ingestor")
		}
		path, err := payloadPath(job)
		if err != nil {
			return nil, err
		}

		var entries int
		var entryErr error
		switch mime := payloadMime(job); mime {
		case "application/zip":
			entries, entryErr = expandZip(ctx, path, ingestor)
		case "application/x-tar":
			entries, entryErr = expandTar(ctx, path, ingestor, false)
		case "application/gzip":
			entries, entryErr = expandTar(ctx, path, ingestor, true)
		default:
			return nil, fmt.Errorf("worker: unsupported archive type %s", mime)
		}
		if entryErr != nil {
			return nil, entryErr
		}
		return map[string]any{"entries_ingested": entries}, nil
	})
}

// NewImagePrepProcessor handles the cpu-image pool: the preprocessing step
// before OCR. It validates the image and passes the (possibly rewritten)
// path forward for the GPU step.
func NewImagePrepProcessor() Processor {
	return ProcessorFunc(func(_ context.Context, job *queue.Job) (map[string]any, error) {
		path, err := payloadPath(job)
		if err != nil {
			return nil, err
		}
		quality, err := intake.ScoreImageFile(path)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"preprocessed":       true,
			"preprocessed_path":  path,
			"preprocess_quality": quality,
		}, nil
	})
}

func readTextFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("worker: open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxTextBytes))
	if err != nil {
		return "", fmt.Errorf("worker: read %s: %w", path, err)
	}
	return string(data), nil
}

// extractEmail parses an RFC822 message, returning subject + body as text.
// Attachments of multipart messages are re-ingested through the ingestor so
// each gets its own pipeline run.
func extractEmail(ctx context.Context, path string, ingestor Ingestor) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("worker: open email: %w", err)
	}
	defer f.Close()

	msg, err := mail.ReadMessage(f)
	if err != nil {
		return nil, fmt.Errorf("worker: parse email: %w", err)
	}

	subject := msg.Header.Get("Subject")
	result := map[string]any{
		"extraction_method": "rfc822",
		"from":              msg.Header.Get("From"),
		"subject":           subject,
	}

	var body string
	mediaType, params, ctErr := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if ctErr == nil && strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		var attachments int
		body, attachments, err = walkMultipart(ctx, msg.Body, params["boundary"], ingestor)
		if err != nil {
			return nil, err
		}
		if attachments > 0 {
			result["attachments_ingested"] = attachments
		}
	} else {
		raw, rErr := io.ReadAll(io.LimitReader(msg.Body, maxTextBytes))
		if rErr != nil {
			return nil, fmt.Errorf("worker: read email body: %w", rErr)
		}
		body = string(raw)
	}

	result["text"] = subject + "\n\n" + body
	return result, nil
}

// walkMultipart joins the text parts and re-ingests any part carrying a
// filename. Attachment failures are logged, not fatal: a broken attachment
// should not sink the email's own text.
func walkMultipart(ctx context.Context, r io.Reader, boundary string, ingestor Ingestor) (string, int, error) {
	mr := multipart.NewReader(r, boundary)
	var text strings.Builder
	attachments := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return text.String(), attachments, fmt.Errorf("worker: read email part: %w", err)
		}

		if name := part.FileName(); name != "" {
			if ingestor != nil {
				if _, iErr := ingestor.ReceiveFile(ctx, io.LimitReader(part, maxEntryBytes), name, intake.PriorityBatch); iErr != nil {
					log.WithError(iErr).WithField("attachment", name).Warn("attachment re-ingest failed")
				} else {
					attachments++
				}
			}
			continue
		}

		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if partType == "" || strings.HasPrefix(partType, "text/plain") {
			data, rErr := io.ReadAll(io.LimitReader(part, maxTextBytes))
			if rErr != nil {
				return text.String(), attachments, fmt.Errorf("worker: read email part: %w", rErr)
			}
			text.Write(data)
			text.WriteByte('\n')
		}
	}
	return text.String(), attachments, nil
}

// extractPrintable pulls printable runs (>= 4 chars) out of a binary file.
// A crude but dependency-free fallback for formats without a native reader.
func extractPrintable(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("worker: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxTextBytes))
	if err != nil {
		return "", fmt.Errorf("worker: read %s: %w", path, err)
	}

	var out strings.Builder
	var run []byte
	flush := func() {
		if len(run) >= 4 {
			out.Write(run)
			out.WriteByte('\n')
		}
		run = run[:0]
	}
	for _, b := range data {
		r := rune(b)
		if r < 128 && (unicode.IsPrint(r) || r == '\t') {
			run = append(run, b)
		} else {
			flush()
		}
	}
	flush()
	return out.String(), nil
}

func expandZip(ctx context.Context, path string, ingestor Ingestor) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("worker: open zip: %w", err)
	}
	defer zr.Close()

	count := 0
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		if count >= maxArchiveEntries {
			log.WithField("path", path).Warn("archive entry cap reached")
			break
		}
		rc, oErr := entry.Open()
		if oErr != nil {
			log.WithError(oErr).WithField("entry", entry.Name).Warn("skipping unreadable zip entry")
			continue
		}
		_, iErr := ingestor.ReceiveFile(ctx, io.LimitReader(rc, maxEntryBytes), entry.Name, intake.PriorityBatch)
		rc.Close()
		if iErr != nil {
			return count, fmt.Errorf("worker: ingest zip entry %s: %w", entry.Name, iErr)
		}
		count++
	}
	return count, nil
}

func expandTar(ctx context.Context, path string, ingestor Ingestor, gzipped bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("worker: open tar: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, gErr := gzip.NewReader(f)
		if gErr != nil {
			return 0, fmt.Errorf("worker: open gzip: %w", gErr)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	count := 0
	for {
		hdr, nErr := tr.Next()
		if nErr == io.EOF {
			break
		}
		if nErr != nil {
			// A bare .gz (not a tarball) yields a tar parse error on the
			// first header: ingest the decompressed stream as one file.
			if gzipped && count == 0 {
				return ingestBareGzip(ctx, path, ingestor)
			}
			return count, fmt.Errorf("worker: read tar: %w", nErr)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if count >= maxArchiveEntries {
			log.WithField("path", path).Warn("archive entry cap reached")
			break
		}
		_, iErr := ingestor.ReceiveFile(ctx, io.LimitReader(tr, maxEntryBytes), hdr.Name, intake.PriorityBatch)
		if iErr != nil {
			return count, fmt.Errorf("worker: ingest tar entry %s: %w", hdr.Name, iErr)
		}
		count++
	}
	return count, nil
}

func ingestBareGzip(ctx context.Context, path string, ingestor Ingestor) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	name := gz.Name
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSuffix(path, ".gz"), ".gzip")
	}
	if _, err := ingestor.ReceiveFile(ctx, io.LimitReader(gz, maxEntryBytes), name, intake.PriorityBatch); err != nil {
		return 0, err
	}
	return 1, nil
}
