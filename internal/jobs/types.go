package jobs

import (
	"time"

	"github.com/yourusername/slimpdf/internal/pdf"
	"github.com/yourusername/slimpdf/internal/tier"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition は状態遷移が前進方向かどうかを返します。
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// 失敗理由の分類
const (
	ErrorAdapterFailed  = "ADAPTER_FAILED"
	ErrorAdapterTimeout = "ADAPTER_TIMEOUT"
	ErrorInputMissing   = "INPUT_MISSING"
	ErrorInvalidDoc     = "INVALID_DOCUMENT"
	ErrorInternal       = "INTERNAL_ERROR"
)

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InputFile は受け付けた入力ファイルです。Filename は表示用で、保存先には使いません。
type InputFile struct {
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// OutputFile は完了したジョブの成果物です。
type OutputFile struct {
	FileID           string      `json:"file_id"`
	Filename         string      `json:"filename"`
	Size             int64       `json:"size"`
	ReductionPercent *float64    `json:"reduction_percent,omitempty"`
	Quality          pdf.Quality `json:"quality,omitempty"`
	Pages            int         `json:"pages,omitempty"`
}

// Record はジョブの現在状態を表します。
// ExpiresAt と Output は completed のときだけ、Error は failed のときだけ設定されます。
type Record struct {
	JobID       string       `json:"job_id"`
	Tool        pdf.Tool     `json:"tool"`
	Status      Status       `json:"status"`
	OwnerID     string       `json:"owner_id,omitempty"`
	Tier        tier.Name    `json:"tier"`
	Options     OptionsSpec  `json:"options"`
	Inputs      []InputFile  `json:"inputs"`
	Output      *OutputFile  `json:"output,omitempty"`
	Progress    ProgressInfo `json:"progress"`
	Error       *ErrorInfo   `json:"error,omitempty"`
	Expired     bool         `json:"expired,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

// OriginalSize は入力ファイルの合計サイズです。
func (r *Record) OriginalSize() int64 {
	var total int64
	for _, in := range r.Inputs {
		total += in.Size
	}
	return total
}
