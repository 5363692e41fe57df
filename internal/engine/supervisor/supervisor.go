// Package supervisor owns the lifecycle of one engine subprocess: work-dir
// scaffolding, port and credential assignment, launch, console readiness,
// and termination. It deals with everything around the simulation, not the
// simulation itself.
package supervisor

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"beltlab.ai/internal/rcon"
)

//go:embed assets/server-settings.json
var serverSettingsJSON []byte

//go:embed assets/mod
var modAssets embed.FS

const modName = "beltlab-mod"

// tickCommand is the readiness handshake: the first console exchange that
// proves the engine is serving and tells us the starting tick.
const tickCommand = "/silent-command rcon.print(game.tick)"

// Error is fatal to subprocess creation or to a running server: bind or
// readiness timeout, early exit, failed termination.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("supervisor %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Config locates the engine install and bounds startup/shutdown.
type Config struct {
	InstallDir       string        // engine install folder (binary under bin/x64)
	SaveFile         string        // template save loaded into the work dir
	ReadinessTimeout time.Duration // default 20s; rarely but legitimately slow under load
	StopTimeout      time.Duration // graceful-exit wait before SIGKILL, default 5s
}

func (c Config) withDefaults() Config {
	if c.InstallDir == "" {
		if env := os.Getenv("ENGINE_PATH"); env != "" {
			c.InstallDir = env
		} else if home, err := os.UserHomeDir(); err == nil {
			c.InstallDir = filepath.Join(home, "factorio")
		}
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = 20 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

// ConnectionInfo is assigned once at startup and immutable afterwards.
type ConnectionInfo struct {
	GamePort        int    `json:"game_port"`
	GamePassword    string `json:"game_password"`
	ConsolePort     int    `json:"console_port"`
	ConsolePassword string `json:"console_password"`
}

// GameAddress is the UDP endpoint game clients connect to. The engine is
// bound to loopback.
func (c ConnectionInfo) GameAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", c.GamePort)
}

// ConsoleAddress is the TCP endpoint of the remote console.
func (c ConnectionInfo) ConsoleAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", c.ConsolePort)
}

// Server is one supervised engine subprocess with its console attached.
type Server struct {
	dir         string
	cmd         *exec.Cmd
	waitC       chan error
	info        ConnectionInfo
	console     *rcon.Client
	initialTick uint64
	stopTimeout time.Duration
	log         *log.Logger

	// preserveDir keeps the work dir on disk for debugging when shutdown
	// was abnormal.
	preserveDir bool

	stopOnce sync.Once
	stopErr  error
}

func (s *Server) Info() ConnectionInfo  { return s.info }
func (s *Server) Console() *rcon.Client { return s.console }
func (s *Server) InitialTick() uint64   { return s.initialTick }
func (s *Server) WorkDir() string       { return s.dir }

// PreserveWorkDir keeps the work dir after Stop, for postmortems.
func (s *Server) PreserveWorkDir() { s.preserveDir = true }

// Start launches an engine subprocess and blocks until its console accepts
// the handshake. Every failure path terminates the subprocess first; a
// startup failure never leaves an orphan. A rejected console credential is
// retried once: it means the OS handed out a port another server was still
// holding.
func Start(ctx context.Context, cfg Config, logger *log.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	for attempt := 0; ; attempt++ {
		srv, err := start(ctx, cfg, logger)
		if err == nil {
			return srv, nil
		}
		if attempt == 0 && errors.Is(err, rcon.ErrAuthFailed) {
			if logger != nil {
				logger.Printf("retrying launch after credential collision: %v", err)
			}
			continue
		}
		return nil, err
	}
}

func start(ctx context.Context, cfg Config, logger *log.Logger) (srv *Server, err error) {
	dir, err := os.MkdirTemp("", "beltlab-engine-")
	if err != nil {
		return nil, &Error{Op: "workdir", Err: err}
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	if err := scaffold(dir, cfg.SaveFile); err != nil {
		return nil, &Error{Op: "scaffold", Err: err}
	}

	gamePort, err := freeUDPPort()
	if err != nil {
		return nil, &Error{Op: "allocate game port", Err: err}
	}
	consolePort, err := freeTCPPort()
	if err != nil {
		return nil, &Error{Op: "allocate console port", Err: err}
	}
	info := ConnectionInfo{
		GamePort:        gamePort,
		GamePassword:    "", // the game interface is unauthenticated in this setup
		ConsolePort:     consolePort,
		ConsolePassword: uuid.NewString(),
	}

	bin := filepath.Join(cfg.InstallDir, "bin", "x64", "factorio")
	args := []string{
		"--config", filepath.Join(dir, "config.ini"),
		"--mod-directory", filepath.Join(dir, "mods"),
		"--bind", "127.0.0.1",
		"--port", strconv.Itoa(info.GamePort),
		"--rcon-bind", fmt.Sprintf("127.0.0.1:%d", info.ConsolePort),
		"--rcon-password", info.ConsolePassword,
		"--server-settings", filepath.Join(dir, "server-settings.json"),
		"--start-server", filepath.Join(dir, "saves", "save.zip"),
	}
	if logger != nil {
		logger.Printf("launching engine: %s %s", bin, strings.Join(args, " "))
	}
	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return nil, &Error{Op: "launch", Err: err}
	}
	waitC := make(chan error, 1)
	go func() { waitC <- cmd.Wait() }()

	srv = &Server{dir: dir, cmd: cmd, waitC: waitC, info: info, stopTimeout: cfg.StopTimeout, log: logger}
	if err := srv.awaitReady(ctx, cfg.ReadinessTimeout); err != nil {
		srv.terminate()
		return nil, err
	}
	return srv, nil
}

// awaitReady retries the console handshake until the readiness deadline.
// An early subprocess exit fails immediately.
func (s *Server) awaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case waitErr := <-s.waitC:
			s.waitC <- waitErr
			return &Error{Op: "readiness", Err: fmt.Errorf("engine exited before ready: %v", waitErr)}
		case <-ctx.Done():
			return &Error{Op: "readiness", Err: ctx.Err()}
		default:
		}
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		client, err := rcon.Dial(attemptCtx, fmt.Sprintf("127.0.0.1:%d", s.info.ConsolePort), s.info.ConsolePassword)
		if err == nil {
			out, execErr := client.Exec(attemptCtx, tickCommand)
			cancel()
			if execErr == nil {
				tick, parseErr := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
				if parseErr != nil {
					_ = client.Close()
					return &Error{Op: "handshake", Err: fmt.Errorf("unparsable tick %q", out)}
				}
				s.console = client
				s.initialTick = tick
				return nil
			}
			_ = client.Close()
			lastErr = execErr
		} else {
			cancel()
			if errors.Is(err, rcon.ErrAuthFailed) {
				return &Error{Op: "readiness", Err: fmt.Errorf("console rejected credential: %w", rcon.ErrAuthFailed)}
			}
			lastErr = err
		}
		time.Sleep(200 * time.Millisecond)
	}
	return &Error{Op: "readiness", Err: fmt.Errorf("deadline after %s: %v", timeout, lastErr)}
}

// Stop terminates the subprocess: SIGTERM, a bounded wait for graceful
// exit, then SIGKILL. Safe to call repeatedly and on an already-exited
// process; later calls return the first outcome.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.stop() })
	return s.stopErr
}

func (s *Server) stop() error {
	if s.console != nil {
		_ = s.console.Close()
	}
	s.terminate()
	if s.preserveDir {
		if s.log != nil {
			s.log.Printf("preserving engine work dir %s", s.dir)
		}
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return &Error{Op: "cleanup", Err: err}
	}
	return nil
}

// terminate brings the subprocess down, escalating from SIGTERM to
// SIGKILL. It tolerates a process that is already gone.
func (s *Server) terminate() {
	select {
	case waitErr := <-s.waitC:
		// Already exited.
		s.waitC <- waitErr
		return
	default:
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	graceful := s.stopTimeout
	if graceful <= 0 {
		graceful = 5 * time.Second
	}
	select {
	case waitErr := <-s.waitC:
		s.waitC <- waitErr
		return
	case <-time.After(graceful):
	}
	_ = s.cmd.Process.Kill()
	waitErr := <-s.waitC
	s.waitC <- waitErr
}

// logPath is the engine's rolling log inside the work dir.
func (s *Server) logPath() string {
	return filepath.Join(s.dir, "factorio-current.log")
}

// SaveWorld asks the engine to save and blocks until the save is confirmed
// in the engine log, then moves the produced file to target. Saving is
// asynchronous on the engine side; tailing the log is the only completion
// signal it offers.
func (s *Server) SaveWorld(ctx context.Context, target string) error {
	tempName := uuid.NewString() + ".zip"
	offset, err := fileSize(s.logPath())
	if err != nil {
		return &Error{Op: "save", Err: err}
	}
	command := fmt.Sprintf("/sc game.server_save('%s')", strings.TrimSuffix(tempName, ".zip"))
	if _, err := s.console.Exec(ctx, command); err != nil {
		return &Error{Op: "save", Err: err}
	}
	if err := awaitLogLine(ctx, s.logPath(), offset, "Saving finished"); err != nil {
		return &Error{Op: "save", Err: err}
	}
	produced := filepath.Join(s.dir, "saves", tempName)
	// Copy then delete: a rename can cross devices between the work dir
	// and the target.
	if err := copyFile(produced, target); err != nil {
		return &Error{Op: "save", Err: err}
	}
	if err := os.Remove(produced); err != nil {
		return &Error{Op: "save", Err: err}
	}
	return nil
}

func fileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return st.Size(), nil
}

// awaitLogLine polls the file from offset until a line containing needle
// appears or the context expires.
func awaitLogLine(ctx context.Context, path string, offset int64, needle string) error {
	for {
		f, err := os.Open(path)
		if err == nil {
			if _, err := f.Seek(offset, io.SeekStart); err == nil {
				b, readErr := io.ReadAll(f)
				if readErr == nil && strings.Contains(string(b), needle) {
					_ = f.Close()
					return nil
				}
			}
			_ = f.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %q in %s: %w", needle, path, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// scaffold prepares the work dir: save file, config.ini redirecting the
// write dir, server settings, and the bridge mod.
func scaffold(dir, saveFile string) error {
	savesDir := filepath.Join(dir, "saves")
	if err := os.MkdirAll(savesDir, 0o755); err != nil {
		return err
	}
	if saveFile == "" {
		return fmt.Errorf("no save file configured")
	}
	if err := copyFile(saveFile, filepath.Join(savesDir, "save.zip")); err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	configINI := fmt.Sprintf("[path]\nread-data=__PATH__executable__/../../data\nwrite-data=%s\n", dir)
	if err := os.WriteFile(filepath.Join(dir, "config.ini"), []byte(configINI), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "server-settings.json"), serverSettingsJSON, 0o644); err != nil {
		return err
	}
	return installMod(filepath.Join(dir, "mods"))
}

// installMod copies the embedded bridge mod into the mods directory.
func installMod(modsDir string) error {
	target := filepath.Join(modsDir, modName)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	entries, err := fs.ReadDir(modAssets, "assets/mod")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		b, err := modAssets.ReadFile("assets/mod/" + entry.Name())
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(target, entry.Name()), b, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
