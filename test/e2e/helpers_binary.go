//go:build e2e

package e2e

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// devServerProc manages a running `liftlog devserver` process.
type devServerProc struct {
	cmd     *exec.Cmd
	port    int
	apiKey  string
	logFile *os.File
}

// startDevServer launches the devserver on port (0 picks a free one) and
// waits for /health.
func startDevServer(t *testing.T, port int) *devServerProc {
	t.Helper()
	requireLiftlog(t)

	dir := t.TempDir()
	if port == 0 {
		port = freePort(t)
	}

	lf, err := os.Create(filepath.Join(dir, "devserver.log"))
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}

	cmd := exec.Command(liftlogBin, "devserver", "--port", fmt.Sprintf("%d", port))
	cmd.Env = append(os.Environ(),
		"LIFTLOG_API_KEY="+testAPIKey,
		"LIFTLOG_CONFIG_PATH="+filepath.Join(dir, "nonexistent.yaml"),
	)
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start devserver: %v", err)
	}

	s := &devServerProc{cmd: cmd, port: port, apiKey: testAPIKey, logFile: lf}
	t.Cleanup(s.stop)

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("devserver not healthy: %v", err)
	}
	return s
}

func (s *devServerProc) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
	s.logFile.Close()
}

func (s *devServerProc) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

func (s *devServerProc) apiURL() string {
	return s.baseURL() + "/api"
}

func (s *devServerProc) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("devserver not healthy after %s", timeout)
}

// liftlogCLI runs the liftlog binary against one store image.
type liftlogCLI struct {
	storePath string
	apiURL    string
	configDir string
}

func newCLI(t *testing.T, apiURL string) *liftlogCLI {
	t.Helper()
	requireLiftlog(t)
	dir := t.TempDir()
	return &liftlogCLI{
		storePath: filepath.Join(dir, "liftlog.db"),
		apiURL:    apiURL,
		configDir: dir,
	}
}

// exec returns stdout only; logs go to stderr.
func (c *liftlogCLI) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"--store", c.storePath, "--api-url", c.apiURL}, args...)
	cmd := exec.Command(liftlogBin, full...)
	cmd.Env = append(os.Environ(),
		"LIFTLOG_API_KEY="+testAPIKey,
		"LIFTLOG_CONFIG_PATH="+filepath.Join(c.configDir, "nonexistent.yaml"),
		"LIFTLOG_LOG_LEVEL=warn",
	)
	out, err := cmd.Output()
	if ee, ok := err.(*exec.ExitError); ok {
		t.Logf("liftlog %v stderr: %s", args, ee.Stderr)
	}
	return string(out), err
}

func (c *liftlogCLI) mustExec(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.exec(t, args...)
	if err != nil {
		t.Fatalf("liftlog %v: %v\n%s", args, err, out)
	}
	return out
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
