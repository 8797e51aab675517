// Package download implements the content-delivery driver from spec.md
// §4.5: it drives a steamcmd-style tool under a pseudo-terminal, parses its
// two progress dialects, and re-spawns it across self-update exit codes.
package download

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"hostfleet/internal/config"
	"hostfleet/internal/fetch"
	"hostfleet/internal/logging"
	"hostfleet/internal/manifest"
	"hostfleet/internal/task"
)

// toolSelfUpdateRe matches steamcmd's own update progress lines, e.g.
// "[ 42%] Downloading update (1234 of 5678)  ...".
var toolSelfUpdateRe = regexp.MustCompile(`^\[\s{0,2}(\d+)%\] (\w+).*\((\d+) of (\d+).*$`)

// gameDownloadRe matches steamcmd's app_update progress lines, e.g.
// " Update state (0x61) downloading, progress: 42.50 (123 / 456)".
var gameDownloadRe = regexp.MustCompile(`^ Update state \((0x[0-9a-f]+)\) ([\w ]*), progress: (\d+\.\d+) \((\d+) / (\d+)\)$`)

// exitSelfUpdate is steamcmd's "I updated myself, run me again" sentinel.
const exitSelfUpdate = 42

// ProgressSink is an alias for task.ProgressSink kept local for readability
// at call sites within this package.
type ProgressSink = task.ProgressSink

// RunRequest is the request payload for a downloadGame operation.
type RunRequest struct {
	GameID                string
	Force                 bool
	Validate              bool
	Clean                 bool
	SteamCmdClean         bool
	Username              string
	Password              string
	RootDirectoryOverride string
}

// Driver owns one content-delivery tool installation and drives it per
// request.
type Driver struct {
	cfg *config.Config
	log *logging.Logger
}

// NewDriver constructs a download Driver.
func NewDriver(cfg *config.Config, log *logging.Logger) *Driver {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Driver{cfg: cfg, log: log}
}

func (d *Driver) rootDir(req RunRequest) string {
	if req.RootDirectoryOverride != "" {
		return req.RootDirectoryOverride
	}
	return d.cfg.ServerFilesRootDir
}

func (d *Driver) toolDir(req RunRequest) string {
	return filepath.Join(d.rootDir(req), "steamcmd")
}

func (d *Driver) downloadDir(req RunRequest) string {
	return filepath.Join(d.rootDir(req), "base", req.GameID)
}

// DownloadDir returns the directory a downloadGame request for req would
// populate, so callers (e.g. cancelDownload --cleanup) can remove it
// without duplicating the path convention.
func (d *Driver) DownloadDir(req RunRequest) string {
	return d.downloadDir(req)
}

// Execute is a task.Work implementation: it validates the manifest, ensures
// the tool is present, pre-cleans if requested, then drives the tool
// through its self-update respawn loop to completion, forwarding output and
// progress to rec.
func (d *Driver) Execute(ctx context.Context, rec *task.Record, req RunRequest) *task.Failure {
	game, err := manifest.LoadGame(d.rootDir(req), req.GameID)
	if err != nil {
		return task.NewFailure(task.KindValidationError, fmt.Sprintf("gameId unsupported: no manifest for %q", req.GameID), err)
	}
	if game.DownloadType != manifest.SupportedDownloadType {
		return task.NewFailure(task.KindUnsupported, fmt.Sprintf("gameId unsupported: downloadType %q is not supported", game.DownloadType), nil)
	}
	if d.cfg.SteamCmdTwoFactorEnabled {
		// DESIGN NOTES (d): two-factor requests must reject, never attempt.
		return task.NewFailure(task.KindUnsupported, "two-factor authentication is not supported", nil)
	}

	if req.SteamCmdClean {
		if err := os.RemoveAll(d.toolDir(req)); err != nil {
			return task.NewFailure(task.KindExternalToolError, "removing steamcmd directory", err)
		}
	}
	if err := d.ensureToolPresent(ctx, req); err != nil {
		return task.NewFailure(task.KindExternalToolError, "installing content-delivery tool", err)
	}

	if req.Clean {
		if err := os.RemoveAll(d.downloadDir(req)); err != nil {
			return task.NewFailure(task.KindExternalToolError, "pre-clean of download directory", err)
		}
	}
	if err := os.MkdirAll(d.downloadDir(req), 0o755); err != nil {
		return task.NewFailure(task.KindExternalToolError, "creating download directory", err)
	}

	script := d.buildScript(req, game.DownloadID)

	limit := d.cfg.SteamCmdRespawnLimit
	if limit <= 0 {
		limit = config.DefaultSteamCmdRespawnLimit
	}

	for attempt := 0; attempt <= limit; attempt++ {
		exitCode, err := d.runOnce(ctx, rec, req, script)
		if err != nil {
			if ctx.Err() != nil {
				return task.NewFailure(task.KindCanceled, "tool terminated by cancellation", nil)
			}
			return task.NewFailure(task.KindExternalToolError, "running content-delivery tool", err)
		}
		switch exitCode {
		case 0:
			return nil
		case exitSelfUpdate:
			rec.EmitOutput(fmt.Sprintf("content-delivery tool self-updated, respawning (attempt %d/%d)", attempt+1, limit))
			continue
		default:
			if ctx.Err() != nil {
				return task.NewFailure(task.KindCanceled, "tool terminated by cancellation", nil)
			}
			return task.NewFailure(task.KindExternalToolError, fmt.Sprintf("tool exited with code %d", exitCode), nil)
		}
	}
	return task.NewFailure(task.KindExternalToolError, fmt.Sprintf("tool self-updated more than %d times", limit), nil)
}

func (d *Driver) ensureToolPresent(ctx context.Context, req RunRequest) error {
	binPath := filepath.Join(d.toolDir(req), "steamcmd.sh")
	if req.Force {
		if err := os.RemoveAll(d.toolDir(req)); err != nil {
			return err
		}
	}
	if info, err := os.Stat(binPath); err == nil && info.Mode()&0o111 != 0 {
		return nil
	}
	if err := os.RemoveAll(d.toolDir(req)); err != nil {
		return err
	}
	if err := os.MkdirAll(d.toolDir(req), 0o755); err != nil {
		return err
	}
	if d.cfg.SteamCmdDownloadURL == "" {
		return fmt.Errorf("STEAMCMD_DOWNLOAD_URL is not configured")
	}
	return fetch.TarGzToDir(ctx, d.cfg.SteamCmdDownloadURL, d.toolDir(req))
}

// buildScript assembles the non-interactive directive script from spec.md
// §4.5 step 2: install directory, login, app_update, quit.
func (d *Driver) buildScript(req RunRequest, appID string) []string {
	lines := []string{
		fmt.Sprintf("force_install_dir %s", d.downloadDir(req)),
	}
	if req.Username != "" {
		lines = append(lines, fmt.Sprintf("login %s %s", req.Username, req.Password))
	} else {
		lines = append(lines, "login anonymous")
	}
	updateCmd := fmt.Sprintf("app_update %s", appID)
	if req.Validate || d.cfg.SteamCmdInitialValidate {
		updateCmd += " validate"
	}
	lines = append(lines, updateCmd, "quit")
	return lines
}

// runOnce spawns the tool once under a pseudo-terminal and returns its exit
// code. A child killed by a signal (as on cancellation) is reported as exit
// code -1 with a nil error; failures other than the process exiting are
// returned as err.
func (d *Driver) runOnce(ctx context.Context, sink ProgressSink, req RunRequest, script []string) (int, error) {
	binPath := filepath.Join(d.toolDir(req), "steamcmd.sh")
	var args []string
	for _, line := range script {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		args = append(args, "+"+fields[0])
		args = append(args, fields[1:]...)
	}
	cmd := exec.Command(binPath, args...)
	cmd.Env = append(os.Environ(), "LD_LIBRARY_PATH="+filepath.Join(d.toolDir(req), "linux32"))
	cmd.Dir = d.toolDir(req)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("start under pty: %w", err)
	}
	defer ptmx.Close()

	// Cancellation of this download's own ctx always targets this cmd
	// directly: runOnce already has the one child it owns in scope, and
	// several downloads for distinct gameIds can be in flight at once (each
	// under its own lock), so a shared process-wide registration would
	// signal whichever child registered last instead of the one actually
	// being canceled. done closes once streamOutput's pty read loop ends,
	// which happens when the child exits; if it doesn't honor SIGTERM
	// within CancelGracePeriod, escalate to SIGKILL so cancellation cannot
	// hang past spec.md §5's cooperative-cancellation budget.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process == nil {
				return
			}
			_ = cmd.Process.Signal(syscall.SIGTERM)
			timer := time.NewTimer(config.CancelGracePeriod)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				_ = cmd.Process.Kill()
			}
		case <-done:
		}
	}()

	d.streamOutput(ptmx, sink)
	close(done)

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// streamOutput reads the pty line by line, splitting on the tool's \r\n
// line endings and skipping stray empties, emitting every non-empty line
// and testing it against both progress dialects.
func (d *Driver) streamOutput(r io.Reader, sink ProgressSink) {
	reader := bufio.NewReader(r)
	var buf bytes.Buffer
	for {
		b, err := reader.ReadByte()
		if err != nil {
			if buf.Len() > 0 {
				d.handleLine(buf.String(), sink)
			}
			return
		}
		if b == '\n' {
			line := strings.TrimSuffix(buf.String(), "\r")
			buf.Reset()
			if line == "" {
				continue
			}
			d.handleLine(line, sink)
			continue
		}
		buf.WriteByte(b)
	}
}

func (d *Driver) handleLine(line string, sink ProgressSink) {
	sink.EmitOutput(line)
	if m := toolSelfUpdateRe.FindStringSubmatch(line); m != nil {
		pct, _ := strconv.ParseFloat(m[1], 64)
		received, _ := strconv.ParseInt(m[3], 10, 64)
		total, _ := strconv.ParseInt(m[4], 10, 64)
		sink.EmitProgress(task.Progress{
			Stage: "tool-self-update", StateName: m[2], Percent: pct,
			BytesReceived: received, BytesTotal: total, RawLine: line,
		})
		return
	}
	if m := gameDownloadRe.FindStringSubmatch(line); m != nil {
		pct, _ := strconv.ParseFloat(m[3], 64)
		received, _ := strconv.ParseInt(m[4], 10, 64)
		total, _ := strconv.ParseInt(m[5], 10, 64)
		sink.EmitProgress(task.Progress{
			Stage: "game-download", StateHex: m[1], StateName: strings.TrimSpace(m[2]), Percent: pct,
			BytesReceived: received, BytesTotal: total, RawLine: line,
		})
	}
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

