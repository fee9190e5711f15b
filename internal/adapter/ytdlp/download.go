// Package ytdlp implements the download stage by shelling out to yt-dlp
// (or any command with the same output contract).
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/google/shlex"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/logger"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/objectstore"
)

const (
	placeholderURL    = "{url}"
	placeholderOutput = "{output}"
	stderrTail        = 4096
)

var progressLine = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)

// transientMarkers are stderr fragments that indicate the remote side or
// the network failed, not the request itself.
var transientMarkers = []string{
	"HTTP Error 429",
	"Too Many Requests",
	"HTTP Error 5",
	"timed out",
	"Connection reset",
	"Temporary failure in name resolution",
	"Unable to download webpage",
}

// Downloader fetches the audio track of params.url and uploads it under
// audio/<fingerprint>.mp3.
type Downloader struct {
	argv        []string
	workDir     string
	maxFileSize datasize.ByteSize
	objects     objectstore.Store
}

// New parses the configured command template. The template must contain
// both {url} and {output}.
func New(cfg config.Media, objects objectstore.Store) (*Downloader, error) {
	argv, err := shlex.Split(cfg.DownloadCommand)
	if err != nil {
		return nil, fmt.Errorf("parse download command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("download command is empty")
	}
	joined := strings.Join(argv, " ")
	for _, p := range []string{placeholderURL, placeholderOutput} {
		if !strings.Contains(joined, p) {
			return nil, fmt.Errorf("download command must contain %s", p)
		}
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Downloader{argv: argv, workDir: cfg.WorkDir, maxFileSize: cfg.MaxFileSize, objects: objects}, nil
}

func (d *Downloader) Stage() stage.Stage { return stage.Download }

func (d *Downloader) Run(ctx context.Context, in stage.Input, report stage.ProgressFunc) (stage.Output, error) {
	key := "audio/" + in.Fingerprint + ".mp3"
	if ok, err := d.objects.Exists(ctx, key); err == nil && ok {
		return stage.Output{Ref: key}, nil
	}

	dir, err := os.MkdirTemp(d.workDir, "dl-*")
	if err != nil {
		return stage.Output{}, domain.Transient("work dir unavailable", err)
	}
	defer os.RemoveAll(dir)

	if err := d.exec(ctx, in, filepath.Join(dir, "audio.%(ext)s"), report); err != nil {
		return stage.Output{}, err
	}

	path, size, err := largestFile(dir)
	if err != nil {
		return stage.Output{}, domain.Fatal("download produced no file", err)
	}
	if d.maxFileSize > 0 && uint64(size) > d.maxFileSize.Bytes() {
		return stage.Output{}, domain.Fatal("media exceeds size limit",
			fmt.Errorf("%s is %d bytes, limit %s", filepath.Base(path), size, d.maxFileSize.HR()))
	}

	report(95, "uploading audio")
	f, err := os.Open(path)
	if err != nil {
		return stage.Output{}, domain.Transient("could not read downloaded file", err)
	}
	defer f.Close()
	if err := d.objects.Put(ctx, key, f, size, "audio/mpeg"); err != nil {
		return stage.Output{}, domain.Transient("object store unavailable", err)
	}
	return stage.Output{Ref: key}, nil
}

func (d *Downloader) command(url, output string) []string {
	args := make([]string, len(d.argv))
	for i, a := range d.argv {
		a = strings.ReplaceAll(a, placeholderURL, url)
		args[i] = strings.ReplaceAll(a, placeholderOutput, output)
	}
	return args
}

func (d *Downloader) exec(ctx context.Context, in stage.Input, output string, report stage.ProgressFunc) error {
	args := d.command(in.Params.URL, output)
	bin, err := exec.LookPath(args[0])
	if err != nil {
		return domain.Fatal("downloader not installed", err)
	}

	cmd := exec.CommandContext(ctx, bin, args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.Transient("could not start downloader", err)
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	slog.InfoContext(logger.WithTaskID(ctx, in.TaskID), "download started", "cmd", args[0], "url", in.Params.URL)
	if err := cmd.Start(); err != nil {
		return domain.Transient("could not start downloader", err)
	}
	scanProgress(stdout, func(pct int) { report(pct*90/100, "downloading") })

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return classify(stderr.String(), err)
	}
	return nil
}

// scanProgress reads yt-dlp's stdout and reports every new whole percent.
func scanProgress(r io.Reader, fn func(pct int)) {
	last := -1
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		pct, ok := parseProgress(sc.Text())
		if ok && pct > last {
			last = pct
			fn(pct)
		}
	}
	// An over-long line stops the scanner; keep draining so the child never blocks.
	_, _ = io.Copy(io.Discard, r)
}

func parseProgress(line string) (int, bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return min(int(f), 100), true
}

func classify(stderr string, err error) error {
	cause := fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr))
	for _, m := range transientMarkers {
		if strings.Contains(stderr, m) {
			return domain.Transient("source temporarily unavailable", cause)
		}
	}
	slog.Debug("download failed", "stderr", stderr)
	return domain.Fatal("download failed", cause)
}

func largestFile(dir string) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, err
	}
	var best string
	var size int64 = -1
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() > size {
			best, size = filepath.Join(dir, e.Name()), info.Size()
		}
	}
	if best == "" {
		return "", 0, errors.New("no output file")
	}
	return best, size, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
