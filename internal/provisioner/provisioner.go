// Package provisioner implements the app startup pipeline: materialize an
// isolated Python runtime, install dependencies, and launch the app
// bound to an allocated port under its URL base path.
//
// It is grounded on the provisioning routine of the system this control
// plane's behavior was modeled on: a venv per app, pip as the installer,
// and Streamlit as the serving framework.
package provisioner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kvross/apphost/internal/logwriter"
	"github.com/kvross/apphost/internal/metastore"
	"github.com/kvross/apphost/internal/portpool"
	"github.com/kvross/apphost/internal/supervisor"
)

const (
	pipUpgradeTimeout      = 15 * time.Minute
	ensureFrameworkTimeout = 20 * time.Minute
	installTimeout         = 30 * time.Minute

	requirementsFile = "requirements.txt"
	entryFile        = "app.py"
	venvDir          = "venv"

	frameworkToken = "streamlit"
)

// Provisioner runs the startup pipeline for one app at a time, invoked as
// a detached background task by the lifecycle manager.
type Provisioner struct {
	Store   *metastore.Store
	Ports   *portpool.Allocator
	Bind    string
	AppsDir string
}

// New builds a Provisioner.
func New(store *metastore.Store, ports *portpool.Allocator, bind, appsDir string) *Provisioner {
	return &Provisioner{Store: store, Ports: ports, Bind: bind, AppsDir: appsDir}
}

// Run executes the full startup pipeline for appID, loading and
// persisting the record itself at each step so it reflects the true
// current state even though it runs off the request path. Any failure is
// captured into record.Error with status=failed and is not retried: it
// stays terminal until the next start or update. Run never returns an
// error to its caller, which only needs to dispatch it as a goroutine.
func (p *Provisioner) Run(appID string) {
	appDir := filepath.Join(p.AppsDir, appID)
	log, err := logwriter.New(appDir)
	if err != nil {
		// Nothing we can do without a log sink; record the failure if
		// possible and give up.
		p.fail(appID, fmt.Sprintf("open log: %v", err))
		return
	}
	defer log.Close()

	rec, err := p.Store.Load(appID)
	if err != nil {
		log.AppendLine(fmt.Sprintf("FAILED: load record: %v", err))
		return
	}

	if err := p.resolvePort(rec); err != nil {
		p.captureFailure(rec, log, err)
		return
	}

	rec.Status = metastore.StatusStarting
	if err := p.save(rec); err != nil {
		log.AppendLine(fmt.Sprintf("FAILED: persist starting: %v", err))
		return
	}
	log.AppendLine("provisioning started")

	venvPath := filepath.Join(appDir, venvDir)
	if err := p.ensureVenv(venvPath, log); err != nil {
		p.captureFailure(rec, log, err)
		return
	}

	pip, pythonBin := venvBinaries(venvPath)

	if err := p.runInstallCommand(pipUpgradeTimeout, log, pip, "install", "--upgrade", "pip"); err != nil {
		p.captureFailure(rec, log, fmt.Errorf("upgrade pip: %w", err))
		return
	}

	hasFramework, err := requirementsDeclare(filepath.Join(appDir, requirementsFile), frameworkToken)
	if err != nil {
		p.captureFailure(rec, log, fmt.Errorf("read requirements: %w", err))
		return
	}
	if !hasFramework {
		if err := p.runInstallCommand(ensureFrameworkTimeout, log, pip, "install", frameworkToken); err != nil {
			p.captureFailure(rec, log, fmt.Errorf("install %s: %w", frameworkToken, err))
			return
		}
	}

	nonEmpty, err := requirementsNonEmpty(filepath.Join(appDir, requirementsFile))
	if err != nil {
		p.captureFailure(rec, log, fmt.Errorf("read requirements: %w", err))
		return
	}
	if nonEmpty {
		if err := p.runInstallCommand(installTimeout, log, pip, "install", "-r", requirementsFile); err != nil {
			p.captureFailure(rec, log, fmt.Errorf("install requirements: %w", err))
			return
		}
	}

	pid, err := p.spawnApp(appDir, pythonBin, rec, log)
	if err != nil {
		p.captureFailure(rec, log, fmt.Errorf("spawn app: %w", err))
		return
	}

	rec.PID = pid
	rec.Status = metastore.StatusRunning
	rec.Error = ""
	if err := p.save(rec); err != nil {
		log.AppendLine(fmt.Sprintf("FAILED: persist running: %v", err))
		return
	}
	log.AppendLine(fmt.Sprintf("started pid=%d port=%d", pid, rec.Port))
}

func (p *Provisioner) resolvePort(rec *metastore.Record) error {
	if rec.Port != 0 && p.Ports.IsFree(rec.Port) {
		return nil
	}
	port, err := p.Ports.Allocate()
	if err != nil {
		return err
	}
	rec.Port = port
	return p.save(rec)
}

// save advances the record's mutation timestamp before persisting, so
// every provisioner-side write is observable as a fresh update.
func (p *Provisioner) save(rec *metastore.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	return p.Store.Save(rec)
}

func (p *Provisioner) ensureVenv(venvPath string, log *logwriter.Writer) error {
	if _, err := os.Stat(venvPath); err == nil {
		return nil
	}
	log.AppendLine("creating venv")
	ctx, cancel := context.WithTimeout(context.Background(), pipUpgradeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "python3", "-m", "venv", venvPath)
	return p.runLogged(cmd, log)
}

func (p *Provisioner) runInstallCommand(timeout time.Duration, log *logwriter.Writer, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	log.AppendLine(fmt.Sprintf("run %s %s", name, strings.Join(args, " ")))
	err := p.runLogged(cmd, log)
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return err
}

// runLogged streams a command's combined stdout/stderr into log line by
// line as it runs, then waits for exit.
func (p *Provisioner) runLogged(cmd *exec.Cmd, log *logwriter.Writer) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.AppendLine(scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		log.AppendLine(fmt.Sprintf("FAILED: %v", err))
		return err
	}
	return nil
}

func (p *Provisioner) spawnApp(appDir, pythonBin string, rec *metastore.Record, log *logwriter.Writer) (int, error) {
	args := []string{
		"-m", "streamlit", "run", entryFile,
		"--server.address", p.Bind,
		"--server.port", fmt.Sprintf("%d", rec.Port),
		"--server.baseUrlPath", fmt.Sprintf("apps/%s", rec.AppID),
		"--server.headless", "true",
		"--server.enableCORS", "false",
		"--server.enableXsrfProtection", "false",
	}
	cmd := exec.Command(pythonBin, args...)
	cmd.Dir = appDir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	sink, err := log.Sink()
	if err != nil {
		return 0, err
	}
	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := supervisor.Spawn(cmd); err != nil {
		sink.Close()
		return 0, err
	}

	// Reap the process asynchronously so it doesn't become a zombie; the
	// supervisor's liveness reconciliation reads PID state independently.
	go func() {
		cmd.Wait()
		sink.Close()
	}()

	return cmd.Process.Pid, nil
}

func (p *Provisioner) captureFailure(rec *metastore.Record, log *logwriter.Writer, err error) {
	rec.Error = err.Error()
	rec.Status = metastore.StatusFailed
	if saveErr := p.save(rec); saveErr != nil {
		log.AppendLine(fmt.Sprintf("FAILED: %v (and failed to persist: %v)", err, saveErr))
		return
	}
	log.AppendLine(fmt.Sprintf("FAILED: %v", err))
}

func (p *Provisioner) fail(appID, msg string) {
	rec, err := p.Store.Load(appID)
	if err != nil {
		return
	}
	rec.Error = msg
	rec.Status = metastore.StatusFailed
	_ = p.save(rec)
}

// venvBinaries returns the pip and python executable paths inside a venv,
// accounting for the Windows Scripts/ layout vs. POSIX bin/.
func venvBinaries(venvPath string) (pip, python string) {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvPath, "Scripts", "pip.exe"), filepath.Join(venvPath, "Scripts", "python.exe")
	}
	return filepath.Join(venvPath, "bin", "pip"), filepath.Join(venvPath, "bin", "python")
}

// requirementsDeclare reports whether any non-blank, non-comment line of
// the manifest at path mentions token (case-insensitive, ignoring any
// version pin after ==, >=, etc).
func requirementsDeclare(path, token string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(strings.ToLower(line), strings.ToLower(token)) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// requirementsNonEmpty reports whether the manifest has any non-blank
// content at all. Comment lines count: pip is still invoked on a
// comments-only manifest.
func requirementsNonEmpty(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return len(bytes.TrimSpace(data)) > 0, nil
}
