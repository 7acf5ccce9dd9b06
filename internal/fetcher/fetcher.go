// Package fetcher downloads a job's media into its workspace.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/apperr"
	"github.com/bobarin/renderd/internal/pkg/logger"
	"github.com/bobarin/renderd/internal/pkg/retry"
	"github.com/bobarin/renderd/internal/workspace"
)

const userAgent = "renderd/1.0"

// Request asks for one remote asset on behalf of a scene (-1 for job-wide
// assets such as background music).
type Request struct {
	Scene int
	URL   string
	Kind  models.AssetKind
}

// Options configures a Fetcher. Zero values fall back to defaults.
type Options struct {
	Concurrency int
	Timeout     time.Duration // per attempt
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxBytes    int64 // per asset, 0 = unlimited
	Client      *http.Client
}

// Fetcher downloads assets with bounded fan-out and retries.
type Fetcher struct {
	client      *http.Client
	concurrency int
	timeout     time.Duration
	policy      retry.Policy
	maxBytes    int64
	log         *logger.Logger
}

func New(opts Options, log *logger.Logger) *Fetcher {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 6
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	f := &Fetcher{
		client:      client,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
		maxBytes:    opts.MaxBytes,
		log:         log.WithComponent("fetcher"),
	}
	f.policy = retry.Policy{MaxRetries: opts.MaxRetries, BaseDelay: opts.BaseDelay, MaxDelay: opts.MaxDelay}
	return f
}

// FetchAll downloads every distinct URL once and returns url -> absolute
// local path. The first unrecoverable failure cancels the remaining fetches
// and is returned as an AssetError naming the scene and URL.
func (f *Fetcher) FetchAll(ctx context.Context, ws *workspace.Workspace, reqs []Request) (map[string]string, error) {
	unique := dedupe(reqs)
	paths := make([]string, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i, req := range unique {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p, err := f.fetch(gctx, ws, req)
			if err != nil {
				return apperr.Asset(req.Scene, req.URL, err)
			}
			paths[i] = p
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil, apperr.Canceled(apperr.StageFetch, ctx.Err())
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(unique))
	for i, req := range unique {
		out[req.URL] = paths[i]
	}
	return out, nil
}

// dedupe keeps the first request per URL in scene order. When one URL is
// wanted as both a visual and as audio (clip audio), the visual kind wins.
func dedupe(reqs []Request) []Request {
	sorted := make([]Request, len(reqs))
	copy(sorted, reqs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Scene < sorted[j].Scene })

	index := make(map[string]int)
	var out []Request
	for _, r := range sorted {
		if i, ok := index[r.URL]; ok {
			if out[i].Kind == models.AssetAudio && r.Kind != models.AssetAudio {
				out[i].Kind = r.Kind
			}
			continue
		}
		index[r.URL] = len(out)
		out = append(out, r)
	}
	return out
}

func (f *Fetcher) fetch(ctx context.Context, ws *workspace.Workspace, req Request) (string, error) {
	dest := ws.Path(workspace.DirAssets, FileName(req))

	policy := f.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		f.log.Warn("fetch retry", "scene", req.Scene, "url", req.URL, "attempt", attempt, "delay", delay.String(), "error", err)
	}

	start := time.Now()
	var size int64
	err := policy.Do(ctx, func(ctx context.Context) error {
		n, err := f.download(ctx, ws, req, dest)
		size = n
		return err
	})
	if err != nil {
		return "", err
	}

	f.log.Debug("fetched", "scene", req.Scene, "url", req.URL, "bytes", size, "elapsed", time.Since(start).String())
	return dest, nil
}

// download performs one attempt. Errors that retrying cannot fix are marked
// permanent.
func (f *Fetcher) download(ctx context.Context, ws *workspace.Workspace, req Request, dest string) (int64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &retry.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if retry.IsRetryableStatus(resp.StatusCode) {
			return 0, se
		}
		return 0, retry.Permanent(se)
	}

	if !Accepts(req.Kind, resp.Header.Get("Content-Type"), req.URL) {
		return 0, retry.Permanent(fmt.Errorf("content type %q is not %s", resp.Header.Get("Content-Type"), req.Kind))
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return 0, retry.Permanent(fmt.Errorf("asset is %d bytes, limit is %d", resp.ContentLength, f.maxBytes))
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	n, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return 0, fmt.Errorf("failed to read body: %w", copyErr)
	}
	if closeErr != nil {
		return 0, retry.Permanent(fmt.Errorf("failed to write asset: %w", closeErr))
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return 0, retry.Permanent(fmt.Errorf("asset exceeds %d bytes", f.maxBytes))
	}
	if n == 0 {
		return 0, retry.Permanent(errors.New("asset is empty"))
	}

	if err := ws.Reserve(n); err != nil {
		return 0, retry.Permanent(err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		ws.Release(n)
		return 0, retry.Permanent(fmt.Errorf("failed to move asset into place: %w", err))
	}
	return n, nil
}

// Import copies a local file (the default background music) into the
// workspace and accounts it against the quota.
func Import(ws *workspace.Workspace, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if err := ws.Reserve(info.Size()); err != nil {
		return "", err
	}

	dest := ws.Path(workspace.DirAssets, "local_"+hashName(src)+strings.ToLower(filepath.Ext(src)))
	out, err := os.Create(dest)
	if err != nil {
		ws.Release(info.Size())
		return "", fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		ws.Release(info.Size())
		return "", fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		ws.Release(info.Size())
		return "", err
	}
	return dest, nil
}

// FileName is the deterministic workspace name for a request.
func FileName(req Request) string {
	prefix := fmt.Sprintf("%03d", req.Scene)
	if req.Scene < 0 {
		prefix = "job"
	}
	return fmt.Sprintf("%s_%s_%s%s", prefix, req.Kind, hashName(req.URL), extension(req.URL))
}

func hashName(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

func extension(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) > 6 || strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return ext
}

var extensionKinds = map[string]models.AssetKind{
	".mp4": models.AssetVideo, ".mov": models.AssetVideo, ".webm": models.AssetVideo,
	".mkv": models.AssetVideo, ".m4v": models.AssetVideo,
	".jpg": models.AssetImage, ".jpeg": models.AssetImage, ".png": models.AssetImage,
	".webp": models.AssetImage, ".bmp": models.AssetImage, ".gif": models.AssetImage,
	".mp3": models.AssetAudio, ".wav": models.AssetAudio, ".m4a": models.AssetAudio,
	".aac": models.AssetAudio, ".ogg": models.AssetAudio, ".flac": models.AssetAudio,
	".opus": models.AssetAudio,
}

// Accepts checks a response's content type against the expected kind.
// Generic or missing types are judged by the URL's extension; an unknown
// extension is accepted and left for the prober to reject.
func Accepts(kind models.AssetKind, contentType, rawURL string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" || mediaType == "application/octet-stream" || mediaType == "binary/octet-stream" {
		extKind, known := extensionKinds[extension(rawURL)]
		if !known {
			return true
		}
		return extKind == kind || (kind == models.AssetAudio && extKind == models.AssetVideo)
	}

	major, _, _ := strings.Cut(mediaType, "/")
	switch kind {
	case models.AssetVideo:
		return major == "video"
	case models.AssetImage:
		return major == "image"
	case models.AssetAudio:
		// Audio-only mp4/webm is commonly served as video/*.
		return major == "audio" || major == "video" || mediaType == "application/ogg"
	}
	return false
}
