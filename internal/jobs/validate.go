package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/slimpdf/internal/apperr"
	"github.com/yourusername/slimpdf/internal/pdf"
	"github.com/yourusername/slimpdf/internal/storage"
	"github.com/yourusername/slimpdf/internal/tier"
)

// sniffLen は種類判定のために先読みするバイト数です。
const sniffLen = 3072

// ErrFileTooLarge はファイルがティアのサイズ上限を超えたことを表します。
var ErrFileTooLarge = errors.New("file too large")

var imageTypes = []string{"image/jpeg", "image/png", "image/tiff", "image/webp"}

// Upload は受け付けたアップロード1件です。Open は何度呼んでも先頭から読めます。
type Upload struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// checkUploads は件数と申告サイズをティアの上限と照合します。
func checkUploads(tool pdf.Tool, t tier.Tier, uploads []Upload) error {
	n := len(uploads)
	switch tool {
	case pdf.ToolCompress:
		if n != 1 {
			return apperr.Validation("exactly one PDF file is required")
		}
	case pdf.ToolMerge:
		if n < 2 {
			return apperr.Validation("at least two PDF files are required to merge")
		}
		if t.MaxMergeFiles > 0 && n > t.MaxMergeFiles {
			return apperr.Validation(fmt.Sprintf("at most %d files can be merged on the %s tier", t.MaxMergeFiles, t.Name))
		}
	case pdf.ToolImageToPDF:
		if n == 0 {
			return apperr.Validation("at least one image is required")
		}
		if t.MaxImages > 0 && n > t.MaxImages {
			return apperr.Validation(fmt.Sprintf("at most %d images can be converted on the %s tier", t.MaxImages, t.Name))
		}
	default:
		return apperr.Validation(fmt.Sprintf("unsupported tool: %s", tool))
	}

	limit := maxBytesFor(tool, t)
	for _, u := range uploads {
		if u.Open == nil {
			return apperr.Validation("upload is not readable")
		}
		if u.Size <= 0 {
			return apperr.Validation(fmt.Sprintf("%s is empty", displayName(u.Filename)))
		}
		if limit > 0 && u.Size > limit {
			return tooLarge(u.Filename, limit)
		}
	}
	return nil
}

// storeInput は内容を先読みして種類を判定し、入力として保存します。
// 申告サイズではなく実際に書き込んだバイト数で上限を確認します。
func storeInput(ctx context.Context, files *storage.Manager, jobID string, tool pdf.Tool, t tier.Tier, ttl time.Duration, u Upload) (*InputFile, error) {
	rc, err := u.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer rc.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]

	mtype := mimetype.Detect(head)
	if err := checkType(tool, mtype, u.Filename); err != nil {
		return nil, err
	}

	limit := maxBytesFor(tool, t)
	stored, err := files.Store(ctx, io.MultiReader(bytes.NewReader(head), rc), storage.StoreRequest{
		JobID:       jobID,
		Kind:        storage.KindInput,
		Ext:         mtype.Extension(),
		ContentType: mtype.String(),
		TTL:         ttl,
		MaxBytes:    limit,
	})
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, tooLarge(u.Filename, limit)
		}
		return nil, err
	}
	return &InputFile{
		FileID:      stored.ID,
		Filename:    displayName(u.Filename),
		Size:        stored.Size,
		ContentType: mtype.String(),
	}, nil
}

func checkType(tool pdf.Tool, mtype *mimetype.MIME, filename string) error {
	switch tool {
	case pdf.ToolImageToPDF:
		if !mimetype.EqualsAny(mtype.String(), imageTypes...) {
			return apperr.Validation(fmt.Sprintf("%s is not a supported image (JPEG, PNG, TIFF, WebP)", displayName(filename)))
		}
	default:
		if !mtype.Is("application/pdf") {
			return apperr.Validation(fmt.Sprintf("%s is not a PDF document", displayName(filename)))
		}
	}
	return nil
}

func maxBytesFor(tool pdf.Tool, t tier.Tier) int64 {
	if tool == pdf.ToolImageToPDF {
		return t.MaxImageBytes
	}
	return t.MaxFileBytes
}

func tooLarge(filename string, limit int64) error {
	return apperr.New(apperr.CodeValidation,
		fmt.Sprintf("%s exceeds the %d MB limit", displayName(filename), limit/(1024*1024)),
		ErrFileTooLarge)
}

// displayName は利用者のファイル名を表示用に整えます。保存先のパスには使いません。
func displayName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "document"
	}
	return name
}

// downloadFilename は成果物のファイル名 <stem>_<tool>.pdf を作ります。
func downloadFilename(record *Record) string {
	stem := "document"
	if len(record.Inputs) > 0 {
		base := displayName(record.Inputs[0].Filename)
		if s := strings.TrimSuffix(base, filepath.Ext(base)); s != "" {
			stem = s
		}
	}
	return fmt.Sprintf("%s_%s.pdf", stem, record.Tool)
}
