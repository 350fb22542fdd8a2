// Package jobs は非同期ジョブの投入・実行・状態管理を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/slimpdf/internal/apperr"
	"github.com/yourusername/slimpdf/internal/auth"
	"github.com/yourusername/slimpdf/internal/metrics"
	"github.com/yourusername/slimpdf/internal/pdf"
	"github.com/yourusername/slimpdf/internal/ratelimit"
	"github.com/yourusername/slimpdf/internal/storage"
	"github.com/yourusername/slimpdf/internal/tier"
)

// Scheduler はジョブIDを非同期実行に回します。
// 同じIDを2回受け取っても Run は1回しか処理しません。
type Scheduler interface {
	Schedule(ctx context.Context, jobID string) error
}

// Merger はPDFを順番どおりに結合するアダプターです。
type Merger interface {
	Merge(ctx context.Context, inputs []string, outputPath string) error
}

// ImageConverter は画像をPDFに変換するアダプターです。
type ImageConverter interface {
	ImagesToPDF(ctx context.Context, inputs []string, outputPath string, size pdf.PageSize) error
}

// PageCounter はPDFのページ数を数えます。
type PageCounter interface {
	PageCount(ctx context.Context, path string) (int, error)
}

// Adapters は変換処理の実装一式です。
type Adapters struct {
	Compressor pdf.Compressor
	Merger     Merger
	Images     ImageConverter
	Pages      PageCounter
}

// Deps は Manager が依存するコンポーネントです。
type Deps struct {
	Store    *Store
	Files    *storage.Manager
	Limiter  *ratelimit.Limiter
	Policy   *tier.Policy
	Adapters Adapters
	Logger   zerolog.Logger

	// WorkDir は変換用作業ディレクトリのルートです。
	WorkDir string
	// InputTTL はアップロード済み入力の保持時間です。
	InputTTL time.Duration
	// BaseURL はダウンロードURLの前置きです。空なら相対パスになります。
	BaseURL string
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	store     *Store
	files     *storage.Manager
	limiter   *ratelimit.Limiter
	policy    *tier.Policy
	adapters  Adapters
	search    *pdf.Search
	scheduler Scheduler
	workDir   string
	inputTTL  time.Duration
	baseURL   string
	now       func() time.Time
	logger    zerolog.Logger
}

// Option は Manager の設定を変更します。
type Option func(*Manager)

// WithClock は現在時刻の取得方法を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager は Manager を初期化します。Scheduler は SetScheduler で後から設定します。
func NewManager(deps Deps, opts ...Option) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("store is nil")
	}
	if deps.Files == nil {
		return nil, errors.New("file manager is nil")
	}
	if deps.Limiter == nil {
		return nil, errors.New("limiter is nil")
	}
	if deps.Policy == nil {
		return nil, errors.New("tier policy is nil")
	}
	if deps.Adapters.Compressor == nil || deps.Adapters.Merger == nil || deps.Adapters.Images == nil {
		return nil, errors.New("adapters are incomplete")
	}
	if deps.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if deps.InputTTL <= 0 {
		deps.InputTTL = 2 * time.Hour
	}

	logger := deps.Logger.With().Str("component", "jobs").Logger()
	m := &Manager{
		store:    deps.Store,
		files:    deps.Files,
		limiter:  deps.Limiter,
		policy:   deps.Policy,
		adapters: deps.Adapters,
		search:   pdf.NewSearch(instrumentedCompressor{inner: deps.Adapters.Compressor}, pdf.Tiers, logger),
		workDir:  deps.WorkDir,
		inputTTL: deps.InputTTL,
		baseURL:  strings.TrimRight(deps.BaseURL, "/"),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetScheduler はジョブの実行方式を設定します。
func (m *Manager) SetScheduler(s Scheduler) {
	m.scheduler = s
}

// SubmitResult は受付結果です。
type SubmitResult struct {
	JobID    string
	Status   Status
	Decision ratelimit.Decision
}

// Submit は入力を検証し、利用回数を確認したうえでジョブを pending で作成して実行に回します。
// 処理の完了は待ちません。検証エラーと上限到達はここで同期的に返します。
func (m *Manager) Submit(ctx context.Context, id auth.Identity, uploads []Upload, opts Options) (*SubmitResult, error) {
	if m.scheduler == nil {
		return nil, errors.New("scheduler is not configured")
	}
	opts, err := validateOptions(opts)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	tool := opts.Tool()
	t := m.policy.For(id.Tier)
	if err := checkUploads(tool, t, uploads); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	logger := m.logger.With().Str("job_id", jobID).Str("tool", string(tool)).Logger()

	inputs := make([]InputFile, 0, len(uploads))
	for _, u := range uploads {
		in, err := storeInput(ctx, m.files, jobID, tool, t, m.inputTTL, u)
		if err != nil {
			m.deleteInputs(ctx, inputs)
			return nil, err
		}
		inputs = append(inputs, *in)
	}

	decision, err := m.limiter.CheckAndIncrement(ctx, id, tool)
	if err != nil {
		m.deleteInputs(ctx, inputs)
		if denied, ok := ratelimit.IsDenied(err); ok {
			metrics.QuotaDenied.WithLabelValues(string(tool)).Inc()
			return nil, apperr.New(apperr.CodeQuotaExceeded, denied.Error(), denied)
		}
		return nil, err
	}

	record := &Record{
		JobID:     jobID,
		Tool:      tool,
		Status:    StatusPending,
		OwnerID:   id.OwnerID(),
		Tier:      t.Name,
		Options:   opts.encode(),
		Inputs:    inputs,
		Progress:  ProgressInfo{Percent: 0, Stage: "queued"},
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, record); err != nil {
		m.deleteInputs(ctx, inputs)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := m.scheduler.Schedule(ctx, jobID); err != nil {
		m.discard(ctx, record)
		logger.Error().Err(err).Msg("failed to schedule job")
		return nil, fmt.Errorf("failed to schedule job: %w", err)
	}

	metrics.JobsTotal.WithLabelValues(string(tool), "submitted").Inc()
	logger.Info().
		Str("tier", string(t.Name)).
		Int("inputs", len(inputs)).
		Int64("original_size", record.OriginalSize()).
		Msg("job submitted")

	return &SubmitResult{JobID: jobID, Status: StatusPending, Decision: decision}, nil
}

// JobView は呼び出し元に返すジョブ状態です。値が決まっていない項目は null になります。
type JobView struct {
	JobID            string        `json:"job_id"`
	Status           Status        `json:"status"`
	Tool             pdf.Tool      `json:"tool"`
	Progress         ProgressInfo  `json:"progress"`
	OriginalSize     *int64        `json:"original_size"`
	OutputSize       *int64        `json:"output_size"`
	ReductionPercent *float64      `json:"reduction_percent"`
	Quality          *pdf.Quality  `json:"quality"`
	Pages            *int          `json:"pages"`
	DownloadURL      *string       `json:"download_url"`
	ExpiresAt        *time.Time    `json:"expires_at"`
	ErrorCode        *string       `json:"error_code"`
	ErrorMessage     *string       `json:"error_message"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      *time.Time    `json:"completed_at"`
	Inputs           []InputDetail `json:"inputs"`
}

// InputDetail は入力ファイルの表示用情報です。
type InputDetail struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// GetStatus はジョブの状態を返します。読み取りだけで、実行中の Run と並行に呼べます。
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*JobView, error) {
	record, err := m.lookup(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return m.view(record), nil
}

func (m *Manager) view(record *Record) *JobView {
	original := record.OriginalSize()
	v := &JobView{
		JobID:        record.JobID,
		Status:       record.Status,
		Tool:         record.Tool,
		Progress:     record.Progress,
		OriginalSize: &original,
		ExpiresAt:    record.ExpiresAt,
		CreatedAt:    record.CreatedAt,
		CompletedAt:  record.CompletedAt,
		Inputs:       make([]InputDetail, 0, len(record.Inputs)),
	}
	for _, in := range record.Inputs {
		v.Inputs = append(v.Inputs, InputDetail{Filename: in.Filename, Size: in.Size})
	}

	if record.Status == StatusCompleted && record.Output != nil {
		size := record.Output.Size
		v.OutputSize = &size
		v.ReductionPercent = record.Output.ReductionPercent
		if record.Output.Quality != "" {
			q := record.Output.Quality
			v.Quality = &q
		}
		if record.Output.Pages > 0 {
			pages := record.Output.Pages
			v.Pages = &pages
		}
		if m.downloadable(record) {
			url := m.downloadURL(record.JobID)
			v.DownloadURL = &url
		}
	}
	if record.Status == StatusFailed && record.Error != nil {
		code, message := record.Error.Code, record.Error.Message
		v.ErrorCode = &code
		v.ErrorMessage = &message
	}
	return v
}

// Download は成果物の読み出し口です。Reader は呼び出し側で閉じます。
type Download struct {
	Reader      io.ReadCloser
	Size        int64
	Filename    string
	ContentType string
	JobID       string
}

// GetDownload は成果物を開きます。
// 未知のIDは NotFound、終端前や失敗ジョブは NotReady、期限切れや実ファイル欠落は Gone です。
func (m *Manager) GetDownload(ctx context.Context, jobID string) (*Download, error) {
	record, err := m.lookup(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch record.Status {
	case StatusCompleted:
	case StatusFailed:
		return nil, apperr.NotReady("job failed and has no output")
	default:
		return nil, apperr.NotReady(fmt.Sprintf("job is still %s", record.Status))
	}
	if record.Output == nil {
		return nil, apperr.Gone("output is no longer available", nil)
	}
	if !m.downloadable(record) {
		return nil, apperr.Gone("download link has expired", nil)
	}

	file, stored, err := m.files.Open(ctx, record.Output.FileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Gone("download link has expired", err)
		}
		return nil, err
	}
	contentType := stored.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	return &Download{
		Reader:      file,
		Size:        stored.Size,
		Filename:    record.Output.Filename,
		ContentType: contentType,
		JobID:       record.JobID,
	}, nil
}

func (m *Manager) lookup(ctx context.Context, jobID string) (*Record, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, apperr.Validation("job id is required")
	}
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, apperr.NotFound("job not found")
	}
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if record == nil {
		return nil, apperr.NotFound("job not found")
	}
	return record, nil
}

func (m *Manager) downloadable(record *Record) bool {
	if record.Expired || record.ExpiresAt == nil {
		return false
	}
	return m.now().Before(*record.ExpiresAt)
}

func (m *Manager) downloadURL(jobID string) string {
	return fmt.Sprintf("%s/api/v1/jobs/%s/download", m.baseURL, jobID)
}

// discard は実行に回せなかったジョブを入力ごと取り消します。
func (m *Manager) discard(ctx context.Context, record *Record) {
	m.deleteInputs(ctx, record.Inputs)
	if err := m.store.Delete(ctx, record.JobID); err != nil {
		m.logger.Error().Err(err).Str("job_id", record.JobID).Msg("failed to delete unscheduled job")
	}
}

func (m *Manager) deleteInputs(ctx context.Context, inputs []InputFile) {
	for _, in := range inputs {
		if err := m.files.Delete(ctx, in.FileID); err != nil {
			m.logger.Warn().Err(err).Str("file_id", in.FileID).Msg("failed to delete input file")
		}
	}
}
