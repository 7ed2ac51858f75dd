// Package envrouter implements the Environment Router and Stage Executor:
// it maps a stage to one of the fixed isolated Python environments, launches
// the stage as a subprocess with the environment variables a stage
// collaborator expects, enforces the per-stage wall-clock timeout with a
// graceful-terminate-then-kill escalation, and tees stderr to a per-stage
// log file.
package envrouter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/shirou/gopsutil/v4/mem"
	log "github.com/sirupsen/logrus"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/logging"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// gracePeriod is how long the executor waits after a graceful terminate
// signal before escalating to a kill.
const gracePeriod = 10 * time.Second

// Router locates and launches stage subprocesses.
type Router struct {
	// EnvRoot is the directory under which each environment name has its
	// own interpreter at <EnvRoot>/<env>/bin/python.
	EnvRoot string
	// SigningKey signs CONFIG_SNAPSHOT_TOKEN. Empty disables token issuance.
	SigningKey string
}

// New builds a Router.
func New(envRoot, signingKey string) *Router {
	return &Router{EnvRoot: envRoot, SigningKey: signingKey}
}

// Interpreter returns the path to the Python interpreter for an environment
// name.
func (r *Router) Interpreter(envName string) string {
	return filepath.Join(r.EnvRoot, envName, "bin", "python")
}

// Request describes one stage subprocess launch.
type Request struct {
	JobID             string
	Stage             string
	Env               string
	JobDir            string
	OutputDir         string
	ConfigSnapshotPath string
	Credentials       map[string]string
	Timeout           time.Duration
	LogPath           string
}

// Result is the outcome of one subprocess execution.
type Result struct {
	ExitCode int
	TimedOut bool
	Killed   bool
}

// snapshotClaims binds a stage's CONFIG_SNAPSHOT to the issuing job so a
// stage helper library can verify it received this run's untampered
// configuration.
type snapshotClaims struct {
	jwt.RegisteredClaims
	JobID      string `json:"job_id"`
	Stage      string `json:"stage"`
	SHA256     string `json:"sha256"`
}

// issueSnapshotToken signs a JWT binding jobID/stage/the snapshot file's
// hash. Returns "" with no error if signing is disabled (no key configured).
func (r *Router) issueSnapshotToken(jobID, stage, snapshotPath string) (string, error) {
	if r.SigningKey == "" {
		return "", nil
	}
	raw, err := os.ReadFile(snapshotPath)
	if err != nil {
		return "", perr.Wrap(perr.ConfigError, stage, err)
	}
	hash := sha256Hex(raw)
	claims := snapshotClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
		JobID:  jobID,
		Stage:  stage,
		SHA256: hash,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(r.SigningKey))
	if err != nil {
		return "", perr.Wrap(perr.ConfigError, stage, err)
	}
	return signed, nil
}

// VerifySnapshotToken validates a token previously issued by
// issueSnapshotToken. Nothing in this module calls it; it is exported for
// code that audits a stage's claimed snapshot.
func (r *Router) VerifySnapshotToken(token string) (jobID, stage, sha256 string, err error) {
	if r.SigningKey == "" {
		return "", "", "", perr.New(perr.ConfigError, "snapshot signing is disabled")
	}
	claims := &snapshotClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(r.SigningKey), nil
	})
	if err != nil || !parsed.Valid {
		return "", "", "", perr.Wrap(perr.ConfigError, "", fmt.Errorf("invalid snapshot token: %w", err))
	}
	return claims.JobID, claims.Stage, claims.SHA256, nil
}

// memoryAdvisoryMB reports an advisory MAX_MEMORY_MB for a stage, scaled by
// weight (0 < weight <= 1) of the host's currently available memory. A
// gopsutil failure yields a conservative zero (stage collaborators treat 0
// as "no advisory given").
func memoryAdvisoryMB(weight float64) int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.WithError(err).Warn("memory advisory unavailable")
		return 0
	}
	availableMB := vm.Available / (1024 * 1024)
	return int(float64(availableMB) * weight)
}

// buildEnv constructs the subprocess environment: base vars, the config
// snapshot and its token, a memory advisory, and credentials.
func (r *Router) buildEnv(req Request, memWeight float64) ([]string, error) {
	env := []string{
		"JOB_DIR=" + req.JobDir,
		"STAGE_NAME=" + req.Stage,
		"OUTPUT_DIR=" + req.OutputDir,
		"CONFIG_SNAPSHOT=" + req.ConfigSnapshotPath,
		fmt.Sprintf("MAX_MEMORY_MB=%d", memoryAdvisoryMB(memWeight)),
	}
	token, err := r.issueSnapshotToken(req.JobID, req.Stage, req.ConfigSnapshotPath)
	if err != nil {
		return nil, err
	}
	if token != "" {
		env = append(env, "CONFIG_SNAPSHOT_TOKEN="+token)
	}
	for k, v := range req.Credentials {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// Execute launches the stage subprocess and waits for it to exit, timeout,
// or be cancelled via ctx. Stderr is tee'd to req.LogPath; stdout is
// captured in memory and discarded (the manifest tracker records
// artifacts, not raw stdout).
func (r *Router) Execute(ctx context.Context, req Request, memWeight float64) (Result, error) {
	env, err := r.buildEnv(req, memWeight)
	if err != nil {
		return Result{}, err
	}
	log.WithFields(logging.SummarizeEnv(env)).WithFields(log.Fields{
		"stage": req.Stage, "env": req.Env, "job_id": req.JobID,
	}).Info("launching stage subprocess")

	logFile, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Result{}, perr.Wrap(perr.ConfigError, req.Stage, err)
	}
	defer logFile.Close()

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(r.Interpreter(req.Env), "-m", "stages.run", "--stage", req.Stage)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(logFile, &stderr)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{}, perr.Wrap(perr.SubprocessCrash, req.Stage, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return exitResult(err), classifyExit(err, req.Stage, stderr.String())
	case <-timer.C:
		terminate(cmd)
		select {
		case err := <-done:
			res := exitResult(err)
			res.TimedOut = true
			return res, perr.New(perr.Timeout, fmt.Sprintf("stage %s exceeded timeout %s", req.Stage, timeout))
		case <-time.After(gracePeriod):
			kill(cmd)
			<-done
			return Result{ExitCode: -1, TimedOut: true, Killed: true}, perr.New(perr.Timeout, fmt.Sprintf("stage %s killed after grace period", req.Stage))
		}
	case <-ctx.Done():
		terminate(cmd)
		select {
		case err := <-done:
			_ = err
		case <-time.After(gracePeriod):
			kill(cmd)
			<-done
		}
		return Result{ExitCode: -1, Killed: true}, perr.New(perr.Cancelled, fmt.Sprintf("stage %s cancelled", req.Stage))
	}
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func exitResult(err error) Result {
	if err == nil {
		return Result{ExitCode: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return Result{ExitCode: exitErr.ExitCode()}
	}
	return Result{ExitCode: -1}
}

func classifyExit(err error, stage, stderrTail string) error {
	if err == nil {
		return nil
	}
	if len(stderrTail) > 500 {
		stderrTail = stderrTail[len(stderrTail)-500:]
	}
	return perr.Wrap(perr.SubprocessCrash, stage, fmt.Errorf("%w (stderr: %s)", err, stderrTail))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
