package jobs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/slimpdf/internal/apperr"
	"github.com/yourusername/slimpdf/internal/auth"
	"github.com/yourusername/slimpdf/internal/config"
	"github.com/yourusername/slimpdf/internal/pdf"
	"github.com/yourusername/slimpdf/internal/ratelimit"
	"github.com/yourusername/slimpdf/internal/storage"
	"github.com/yourusername/slimpdf/internal/tier"
)

const kb = 1024

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeCompressor はティアごとに決められたサイズの出力を作ります。
type fakeCompressor struct {
	mu    sync.Mutex
	sizes map[pdf.Quality]int64
	err   error
	calls []pdf.Quality
}

func (f *fakeCompressor) Compress(ctx context.Context, inputPath, outputPath string, t pdf.Tier) error {
	f.mu.Lock()
	f.calls = append(f.calls, t.Quality)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return writePDF(outputPath, f.sizes[t.Quality])
}

func (f *fakeCompressor) Calls() []pdf.Quality {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pdf.Quality(nil), f.calls...)
}

// fakeMerger は入力の先頭行を順に記録し、それを連結した出力を作ります。
type fakeMerger struct {
	heads []string
	panic bool
}

func (f *fakeMerger) Merge(ctx context.Context, inputs []string, outputPath string) error {
	if f.panic {
		panic("merge exploded")
	}
	var out bytes.Buffer
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		line, _, _ := bytes.Cut(data, []byte("\n"))
		f.heads = append(f.heads, string(line))
		out.Write(data)
	}
	return os.WriteFile(outputPath, out.Bytes(), 0o600)
}

type fakeImages struct {
	size pdf.PageSize
}

func (f *fakeImages) ImagesToPDF(ctx context.Context, inputs []string, outputPath string, size pdf.PageSize) error {
	f.size = size
	return writePDF(outputPath, int64(len(inputs))*kb)
}

type fakePages struct{}

func (fakePages) PageCount(ctx context.Context, path string) (int, error) {
	return 3, nil
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingScheduler) Schedule(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, jobID)
	return nil
}

type harness struct {
	manager    *Manager
	store      *Store
	files      *storage.Manager
	limiter    *ratelimit.Limiter
	clock      *fakeClock
	compressor *fakeCompressor
	merger     *fakeMerger
	images     *fakeImages
	scheduler  *recordingScheduler
	filesDir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	registry, err := storage.OpenRegistry(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	filesDir := filepath.Join(dir, "files")
	files, err := storage.NewManager(filesDir, registry, zerolog.Nop(), storage.WithClock(clock.Now))
	require.NoError(t, err)

	policy := tier.NewPolicy(&config.Config{
		MaxFileSizeFreeMB:     20,
		MaxFileSizeProMB:      100,
		MaxImageSizeFreeMB:    5,
		MaxImageSizeProMB:     20,
		MaxMergeFilesFree:     5,
		MaxMergeFilesPro:      50,
		MaxImagesFree:         10,
		MaxImagesPro:          100,
		FileExpiryFreeMinutes: 60,
		FileExpiryProMinutes:  1440,
		RateLimitCompress:     2,
		RateLimitMerge:        3,
		RateLimitImageToPDF:   3,
	})
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisCounter(rdb), policy, zerolog.Nop())
	limiter.SetClock(clock.Now)

	store := NewStore(rdb, 7*24*time.Hour)
	store.now = clock.Now

	h := &harness{
		store:      store,
		files:      files,
		limiter:    limiter,
		clock:      clock,
		compressor: &fakeCompressor{sizes: map[pdf.Quality]int64{}},
		merger:     &fakeMerger{},
		images:     &fakeImages{},
		scheduler:  &recordingScheduler{},
		filesDir:   filesDir,
	}
	m, err := NewManager(Deps{
		Store:   store,
		Files:   files,
		Limiter: limiter,
		Policy:  policy,
		Adapters: Adapters{
			Compressor: h.compressor,
			Merger:     h.merger,
			Images:     h.images,
			Pages:      fakePages{},
		},
		Logger:   zerolog.Nop(),
		WorkDir:  filepath.Join(dir, "work"),
		InputTTL: 2 * time.Hour,
	}, WithClock(clock.Now))
	require.NoError(t, err)
	m.SetScheduler(h.scheduler)
	h.manager = m
	return h
}

func writePDF(path string, size int64) error {
	return os.WriteFile(path, pdfBytes("%PDF-1.7 out", size), 0o600)
}

func pdfBytes(head string, size int64) []byte {
	data := make([]byte, size)
	copy(data, head+"\n")
	return data
}

func upload(name string, data []byte) Upload {
	return Upload{
		Filename: name,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func pdfUpload(name string, size int64) Upload {
	return upload(name, pdfBytes("%PDF-1.4 "+name, size))
}

func pngUpload(name string) Upload {
	data := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 256)...)
	return upload(name, data)
}

func (h *harness) submit(t *testing.T, id auth.Identity, uploads []Upload, opts Options) string {
	t.Helper()
	res, err := h.manager.Submit(context.Background(), id, uploads, opts)
	require.NoError(t, err)
	return res.JobID
}

func (h *harness) storedFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.filesDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

var anon = auth.Anonymous("198.51.100.4")

func TestSubmitCreatesPendingJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.manager.Submit(ctx, anon, []Upload{pdfUpload("report.pdf", 10*kb)}, CompressPreset{})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, 1, res.Decision.Remaining)
	assert.Equal(t, []string{res.JobID}, h.scheduler.ids)

	view, err := h.manager.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)
	assert.Equal(t, pdf.ToolCompress, view.Tool)
	require.NotNil(t, view.OriginalSize)
	assert.Equal(t, int64(10*kb), *view.OriginalSize)
	assert.Nil(t, view.OutputSize)
	assert.Nil(t, view.DownloadURL)
	assert.Nil(t, view.ExpiresAt)
	assert.Nil(t, view.ErrorMessage)
	assert.Nil(t, view.CompletedAt)

	record, err := h.store.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, CompressPreset{Quality: pdf.QualityMedium}.encode(), record.Options)
	assert.Empty(t, record.OwnerID)
}

func TestTargetCompressionStopsAtFirstFittingTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.compressor.sizes = map[pdf.Quality]int64{
		pdf.QualityLow:     4 * kb,
		pdf.QualityMedium:  6 * kb,
		pdf.QualityHigh:    9 * kb,
		pdf.QualityMaximum: 12 * kb,
	}

	jobID := h.submit(t, anon, []Upload{pdfUpload("scan.pdf", 15*kb)}, CompressTarget{TargetBytes: 5 * kb})
	require.NoError(t, h.manager.Run(ctx, jobID))

	view, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	require.NotNil(t, view.OutputSize)
	assert.Equal(t, int64(4*kb), *view.OutputSize)
	require.NotNil(t, view.ReductionPercent)
	assert.Equal(t, 73.3, *view.ReductionPercent)
	require.NotNil(t, view.DownloadURL)
	assert.Equal(t, "/api/v1/jobs/"+jobID+"/download", *view.DownloadURL)
	require.NotNil(t, view.ExpiresAt)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *view.ExpiresAt)
	require.NotNil(t, view.Pages)
	assert.Equal(t, 3, *view.Pages)
	assert.Nil(t, view.ErrorCode)
	assert.Equal(t, []pdf.Quality{pdf.QualityLow}, h.compressor.Calls())

	dl, err := h.manager.GetDownload(ctx, jobID)
	require.NoError(t, err)
	defer dl.Reader.Close()
	assert.Equal(t, "scan_compress.pdf", dl.Filename)
	assert.Equal(t, "application/pdf", dl.ContentType)
	assert.Equal(t, int64(4*kb), dl.Size)

	// 入力は終端状態で削除され、成果物だけが残る
	assert.Len(t, h.storedFiles(t), 1)
}

func TestPresetCompressionIsSingleAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.compressor.sizes = map[pdf.Quality]int64{pdf.QualityLow: 3 * kb}

	jobID := h.submit(t, anon, []Upload{pdfUpload("book.pdf", 10*kb)}, CompressPreset{Quality: pdf.QualityLow})
	require.NoError(t, h.manager.Run(ctx, jobID))

	assert.Equal(t, []pdf.Quality{pdf.QualityLow}, h.compressor.Calls())
	view, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, int64(3*kb), *view.OutputSize)
	require.NotNil(t, view.Quality)
	assert.Equal(t, pdf.QualityLow, *view.Quality)
}

func TestThirdFreeSubmitExceedsQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, anon, []Upload{pdfUpload("a.pdf", kb)}, CompressPreset{})
	h.submit(t, anon, []Upload{pdfUpload("b.pdf", kb)}, CompressPreset{})

	_, err := h.manager.Submit(ctx, anon, []Upload{pdfUpload("c.pdf", kb)}, CompressPreset{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeQuotaExceeded))
	denied, ok := ratelimit.IsDenied(err)
	require.True(t, ok)
	assert.Equal(t, 0, denied.Decision.Remaining)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), denied.Decision.ResetAt)

	// 拒否されたジョブは作られず、入力も残らない
	assert.Len(t, h.scheduler.ids, 2)
	assert.Len(t, h.storedFiles(t), 2)

	// 別ツールは影響を受けない
	h.submit(t, anon, []Upload{pdfUpload("d.pdf", kb), pdfUpload("e.pdf", kb)}, MergeOptions{})
}

func TestProTierIsUnlimited(t *testing.T) {
	h := newHarness(t)
	pro := auth.APIKey("sk_live_example", tier.Pro)

	for i := 0; i < 5; i++ {
		res, err := h.manager.Submit(context.Background(), pro, []Upload{pdfUpload("a.pdf", kb)}, CompressPreset{})
		require.NoError(t, err)
		assert.True(t, res.Decision.Unlimited)
	}

	record, err := h.store.Get(context.Background(), h.scheduler.ids[0])
	require.NoError(t, err)
	assert.Equal(t, tier.Pro, record.Tier)
	assert.Equal(t, pro.Key, record.OwnerID)
}

func TestDownloadExpiresAfterOutputTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.compressor.sizes = map[pdf.Quality]int64{pdf.QualityMedium: 2 * kb}

	jobID := h.submit(t, anon, []Upload{pdfUpload("a.pdf", 8*kb)}, CompressPreset{})
	require.NoError(t, h.manager.Run(ctx, jobID))
	completedAt := h.clock.Now()

	h.clock.Advance(3599 * time.Second)
	dl, err := h.manager.GetDownload(ctx, jobID)
	require.NoError(t, err)
	data, err := io.ReadAll(dl.Reader)
	require.NoError(t, err)
	require.NoError(t, dl.Reader.Close())
	assert.Len(t, data, 2*kb)

	h.clock.Advance(2 * time.Second)
	_, err = h.manager.GetDownload(ctx, jobID)
	assert.True(t, apperr.Is(err, apperr.CodeGone), "expired before the sweep runs: %v", err)

	summary, err := NewSweeper(h.manager, time.Minute).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DeletedFiles)
	assert.Equal(t, 1, summary.ExpiredJobs)
	assert.Empty(t, h.storedFiles(t))

	_, err = h.manager.GetDownload(ctx, jobID)
	assert.True(t, apperr.Is(err, apperr.CodeGone))

	view, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Nil(t, view.DownloadURL)
	require.NotNil(t, view.ExpiresAt)
	assert.Equal(t, completedAt.Add(time.Hour), *view.ExpiresAt)
}

func TestAdapterTimeoutFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.compressor.err = &pdf.AdapterError{Op: "compress", Detail: "adapter timeout", Err: pdf.ErrAdapterTimeout}

	jobID := h.submit(t, anon, []Upload{pdfUpload("a.pdf", 8*kb)}, CompressTarget{TargetBytes: kb})
	require.NoError(t, h.manager.Run(ctx, jobID))

	view, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	require.NotNil(t, view.ErrorMessage)
	assert.Equal(t, "adapter timeout", *view.ErrorMessage)
	assert.Equal(t, ErrorAdapterTimeout, *view.ErrorCode)
	assert.Nil(t, view.ExpiresAt)
	assert.Nil(t, view.OutputSize)
	assert.NotNil(t, view.CompletedAt)

	_, err = h.manager.GetDownload(ctx, jobID)
	assert.True(t, apperr.Is(err, apperr.CodeNotReady))

	// 成果物は登録されず、入力も消える
	assert.Empty(t, h.storedFiles(t))
}

func TestAdapterFailureDetailHasNoPaths(t *testing.T) {
	h := newHarness(t)
	h.compressor.err = &pdf.AdapterError{Op: "compress", Detail: "ghostscript exited with status 1", Err: errors.New("exit status 1")}

	jobID := h.submit(t, anon, []Upload{pdfUpload("a.pdf", 8*kb)}, CompressPreset{})
	require.NoError(t, h.manager.Run(context.Background(), jobID))

	record, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, record.Error)
	assert.Equal(t, ErrorAdapterFailed, record.Error.Code)
	assert.Equal(t, "ghostscript exited with status 1", record.Error.Message)
	assert.NotContains(t, record.Error.Message, h.filesDir)
}

func TestPanicInAdapterIsCaught(t *testing.T) {
	h := newHarness(t)
	h.merger.panic = true

	jobID := h.submit(t, anon, []Upload{pdfUpload("a.pdf", kb), pdfUpload("b.pdf", kb)}, MergeOptions{})
	require.NotPanics(t, func() {
		require.NoError(t, h.manager.Run(context.Background(), jobID))
	})

	view, err := h.manager.GetStatus(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, ErrorInternal, *view.ErrorCode)
}

func TestMergeKeepsUploadOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	jobID := h.submit(t, anon, []Upload{
		pdfUpload("first.pdf", kb),
		pdfUpload("second.pdf", kb),
		pdfUpload("third.pdf", kb),
	}, MergeOptions{})
	require.NoError(t, h.manager.Run(ctx, jobID))

	assert.Equal(t, []string{"%PDF-1.4 first.pdf", "%PDF-1.4 second.pdf", "%PDF-1.4 third.pdf"}, h.merger.heads)
	view, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Nil(t, view.ReductionPercent)
	assert.Equal(t, int64(3*kb), *view.OutputSize)

	dl, err := h.manager.GetDownload(ctx, jobID)
	require.NoError(t, err)
	dl.Reader.Close()
	assert.Equal(t, "first_merge.pdf", dl.Filename)
}

func TestImageToPDF(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	jobID := h.submit(t, anon, []Upload{pngUpload("a.png"), pngUpload("b.png")}, ImageOptions{PageSize: pdf.PageSizeLetter})
	require.NoError(t, h.manager.Run(ctx, jobID))

	assert.Equal(t, pdf.PageSizeLetter, h.images.size)
	view, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, int64(2*kb), *view.OutputSize)
}

func TestRunIsSingleClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.compressor.sizes = map[pdf.Quality]int64{pdf.QualityMedium: kb}

	jobID := h.submit(t, anon, []Upload{pdfUpload("a.pdf", 4*kb)}, CompressPreset{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.manager.Run(ctx, jobID))
		}()
	}
	wg.Wait()

	assert.Len(t, h.compressor.Calls(), 1)
	view, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
}

func TestRunUnknownJobIsNoop(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.manager.Run(context.Background(), "0b7c3a0e-55f5-4a8e-9d43-3f1f1f0c2b11"))
}

func TestInputMissingFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	jobID := h.submit(t, anon, []Upload{pdfUpload("a.pdf", kb)}, CompressPreset{})
	record, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, h.files.Delete(ctx, record.Inputs[0].FileID))

	require.NoError(t, h.manager.Run(ctx, jobID))
	record, err = h.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, ErrorInputMissing, record.Error.Code)
}

func TestRunDeletesEveryInputOfJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	jobID := h.submit(t, anon, []Upload{pdfUpload("a.pdf", kb), pdfUpload("b.pdf", kb)}, MergeOptions{})
	// 記録に載らなかった入力も台帳からたどって消す
	stray, err := h.files.Store(ctx, strings.NewReader("%PDF-1.7 stray"), storage.StoreRequest{
		JobID: jobID,
		Kind:  storage.KindInput,
		Ext:   ".pdf",
		TTL:   time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, h.manager.Run(ctx, jobID))

	record, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
	_, err = h.files.Stat(ctx, stray.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{filepath.Base(mustStat(t, h, record.Output.FileID))}, h.storedFiles(t))
}

func mustStat(t *testing.T, h *harness, fileID string) string {
	t.Helper()
	f, err := h.files.Stat(context.Background(), fileID)
	require.NoError(t, err)
	return f.Path
}

func TestGetStatusAndDownloadErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.GetStatus(ctx, "0b7c3a0e-55f5-4a8e-9d43-3f1f1f0c2b11")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	_, err = h.manager.GetStatus(ctx, "../../etc/passwd")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	_, err = h.manager.GetDownload(ctx, "0b7c3a0e-55f5-4a8e-9d43-3f1f1f0c2b11")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	jobID := h.submit(t, anon, []Upload{pdfUpload("a.pdf", kb)}, CompressPreset{})
	_, err = h.manager.GetDownload(ctx, jobID)
	assert.True(t, apperr.Is(err, apperr.CodeNotReady))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		uploads []Upload
		opts    Options
		tooBig  bool
	}{
		{name: "image sent to compress", uploads: []Upload{pngUpload("a.png")}, opts: CompressPreset{}},
		{name: "pdf sent as image", uploads: []Upload{pdfUpload("a.pdf", kb)}, opts: ImageOptions{}},
		{name: "merge needs two files", uploads: []Upload{pdfUpload("a.pdf", kb)}, opts: MergeOptions{}},
		{name: "two files to compress", uploads: []Upload{pdfUpload("a.pdf", kb), pdfUpload("b.pdf", kb)}, opts: CompressPreset{}},
		{name: "unknown quality", uploads: []Upload{pdfUpload("a.pdf", kb)}, opts: CompressPreset{Quality: "ultra"}},
		{name: "non-positive target", uploads: []Upload{pdfUpload("a.pdf", kb)}, opts: CompressTarget{}},
		{name: "unknown page size", uploads: []Upload{pngUpload("a.png")}, opts: ImageOptions{PageSize: "a0"}},
		{name: "missing options", uploads: []Upload{pdfUpload("a.pdf", kb)}, opts: nil},
		{name: "over tier size", uploads: []Upload{{Filename: "big.pdf", Size: 21 * 1024 * 1024, Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(nil)), nil }}}, opts: CompressPreset{}, tooBig: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.Submit(ctx, anon, tt.uploads, tt.opts)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.CodeValidation), "got %v", err)
			assert.Equal(t, tt.tooBig, errors.Is(err, ErrFileTooLarge))
		})
	}

	// 検証で落ちた投入は回数を消費しない
	peek, err := h.limiter.Peek(ctx, anon, pdf.ToolCompress)
	require.NoError(t, err)
	assert.Equal(t, int64(0), peek.Used)
	assert.Empty(t, h.storedFiles(t))
	assert.Empty(t, h.scheduler.ids)
}

func TestSubmitScheduleFailureDiscardsJob(t *testing.T) {
	h := newHarness(t)
	h.scheduler.err = errors.New("queue unavailable")

	_, err := h.manager.Submit(context.Background(), anon, []Upload{pdfUpload("a.pdf", kb)}, CompressPreset{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
	assert.Empty(t, h.storedFiles(t))

	keys := h.store.rdb.Keys(context.Background(), jobKeyPrefix+"*").Val()
	assert.Empty(t, keys)
}

func TestLocalPoolRunsSubmittedJobs(t *testing.T) {
	h := newHarness(t)
	h.compressor.sizes = map[pdf.Quality]int64{pdf.QualityMedium: kb}

	pool := NewLocalPool(h.manager, 2, 0, zerolog.Nop())
	h.manager.SetScheduler(pool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	jobID := h.submit(t, auth.APIKey("sk_a", tier.Pro), []Upload{pdfUpload("a.pdf", 4*kb)}, CompressPreset{})

	require.Eventually(t, func() bool {
		view, err := h.manager.GetStatus(context.Background(), jobID)
		return err == nil && view.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	pool.Stop()
	assert.Equal(t, int64(1), pool.Stats().Processed)
	assert.ErrorIs(t, pool.Schedule(context.Background(), jobID), ErrPoolClosed)
}

func TestDownloadFilename(t *testing.T) {
	tests := []struct {
		input string
		tool  pdf.Tool
		want  string
	}{
		{input: "report.pdf", tool: pdf.ToolCompress, want: "report_compress.pdf"},
		{input: `C:\Users\me\scan.PDF`, tool: pdf.ToolCompress, want: "scan_compress.pdf"},
		{input: "../../etc/passwd", tool: pdf.ToolMerge, want: "passwd_merge.pdf"},
		{input: "photo.jpg", tool: pdf.ToolImageToPDF, want: "photo_image_to_pdf.pdf"},
		{input: "", tool: pdf.ToolMerge, want: "document_merge.pdf"},
	}
	for _, tt := range tests {
		record := &Record{Tool: tt.tool, Inputs: []InputFile{{Filename: tt.input}}}
		assert.Equal(t, tt.want, downloadFilename(record), tt.input)
	}
}
