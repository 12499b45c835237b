// Package dockercli drives the docker CLI to build and run containerized apps.
package dockercli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/appforge-backend/internal/platform/httpx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
	"github.com/yungbote/appforge-backend/internal/platform/sitestore"
)

// Runner executes the docker binary with args in dir and returns stdout.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

type Config struct {
	Binary        string
	Network       string
	Memory        string
	ContainerPort int
	// PublishHost is the host interface container ports bind to.
	PublishHost string
	BaseImage   string
	// ReadyPath is requested on the target until the app answers.
	ReadyPath     string
	ReadyInterval time.Duration
}

type Docker struct {
	log    *logger.Logger
	cfg    Config
	run    Runner
	client *http.Client
}

type RunSpec struct {
	Name   string
	Image  string
	Labels map[string]string
	Env    map[string]string
	// Volumes maps named volumes to mount points inside the container.
	Volumes map[string]string
}

func New(log *logger.Logger, cfg Config, run Runner) *Docker {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Memory == "" {
		cfg.Memory = "256m"
	}
	if cfg.ContainerPort <= 0 {
		cfg.ContainerPort = 3000
	}
	if cfg.PublishHost == "" {
		cfg.PublishHost = "127.0.0.1"
	}
	if cfg.BaseImage == "" {
		cfg.BaseImage = "node:20-alpine"
	}
	if cfg.ReadyPath == "" {
		cfg.ReadyPath = "/"
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 500 * time.Millisecond
	}
	if run == nil {
		run = ExecRunner(cfg.Binary)
	}
	return &Docker{
		log:    log.With("service", "DockerCLI"),
		cfg:    cfg,
		run:    run,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// ExecRunner runs the real binary. Stderr is folded into the error.
func ExecRunner(binary string) Runner {
	return func(ctx context.Context, dir string, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Dir = dir
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), fmt.Errorf("%s %s: exit %d: %s", binary, args[0], exitErr.ExitCode(), tail(stderr.String(), 512))
			}
			return stdout.String(), fmt.Errorf("%s %s: %w", binary, args[0], err)
		}
		return stdout.String(), nil
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Dockerfile is used when the bundle does not ship its own.
func (d *Docker) Dockerfile(entry string) string {
	if entry == "" {
		entry = "server.js"
	}
	return fmt.Sprintf(`FROM %s
WORKDIR /app
COPY . .
RUN if [ -f package.json ]; then npm install --omit=dev; fi
ENV PORT=%d
EXPOSE %d
CMD ["node", %q]
`, d.cfg.BaseImage, d.cfg.ContainerPort, d.cfg.ContainerPort, entry)
}

// Build writes files to a scratch context directory and builds tag from it.
func (d *Docker) Build(ctx context.Context, tag, entry string, files map[string][]byte) error {
	dir, err := os.MkdirTemp("", "appforge-build-")
	if err != nil {
		return fmt.Errorf("creating build dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if _, ok := files["Dockerfile"]; !ok {
		files = withFile(files, "Dockerfile", []byte(d.Dockerfile(entry)))
	}
	for name, body := range files {
		k, ok := sitestore.CleanKey(name)
		if !ok {
			return fmt.Errorf("invalid bundle path %q", name)
		}
		p := filepath.Join(dir, filepath.FromSlash(k))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, body, 0o644); err != nil {
			return err
		}
	}
	d.log.Info("docker build", "tag", tag, "files", len(files))
	_, err = d.run(ctx, dir, "build", "-t", tag, ".")
	return err
}

func withFile(files map[string][]byte, name string, body []byte) map[string][]byte {
	out := make(map[string][]byte, len(files)+1)
	for k, v := range files {
		out[k] = v
	}
	out[name] = body
	return out
}

// Run starts a detached container and returns its id and the http target
// the router should proxy to.
func (d *Docker) Run(ctx context.Context, spec RunSpec) (string, string, error) {
	_ = d.Remove(ctx, spec.Name)

	args := []string{"run", "-d", "--name", spec.Name, "--memory", d.cfg.Memory, "--restart", "unless-stopped"}
	if d.cfg.Network != "" {
		args = append(args, "--network", d.cfg.Network)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, k := range sortedKeys(spec.Volumes) {
		args = append(args, "-v", k+":"+spec.Volumes[k])
	}
	port := strconv.Itoa(d.cfg.ContainerPort)
	args = append(args, "-e", "PORT="+port, "-p", d.cfg.PublishHost+"::"+port, spec.Image)

	out, err := d.run(ctx, "", args...)
	if err != nil {
		return "", "", err
	}
	id := firstLine(out)

	mapped, err := d.run(ctx, "", "port", spec.Name, port+"/tcp")
	if err != nil {
		_ = d.Remove(ctx, spec.Name)
		return "", "", err
	}
	addr := firstLine(mapped)
	if addr == "" {
		_ = d.Remove(ctx, spec.Name)
		return "", "", fmt.Errorf("docker port: no mapping for %s", spec.Name)
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	return id, "http://" + addr, nil
}

// Ready polls until the container is running and target answers HTTP with a
// status below 500. It gives up when the container exits or ctx is done.
func (d *Docker) Ready(ctx context.Context, name, target string) error {
	url := strings.TrimRight(target, "/") + d.cfg.ReadyPath
	var last error
	for {
		state, err := d.run(ctx, "", "inspect", "-f", "{{.State.Status}}", name)
		switch status := firstLine(state); {
		case err != nil:
			last = err
		case status == "exited" || status == "dead":
			return fmt.Errorf("container %s %s before answering", name, status)
		default:
			if last = d.probe(ctx, url); last == nil {
				return nil
			}
		}
		if err := httpx.SleepContext(ctx, d.cfg.ReadyInterval); err != nil {
			return fmt.Errorf("container %s not ready: %w", name, last)
		}
	}
}

func (d *Docker) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s answered %d", url, resp.StatusCode)
	}
	return nil
}

// Remove force-removes a container; a missing container is not an error.
func (d *Docker) Remove(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	_, err := d.run(ctx, "", "rm", "-f", name)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container") {
		return nil
	}
	return err
}

func (d *Docker) RemoveImage(ctx context.Context, tag string) error {
	_, err := d.run(ctx, "", "rmi", "-f", tag)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "no such image") {
		return nil
	}
	return err
}

// RemoveVolume deletes a named volume; a missing volume is not an error.
func (d *Docker) RemoveVolume(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	_, err := d.run(ctx, "", "volume", "rm", "-f", name)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "no such volume") {
		return nil
	}
	return err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
