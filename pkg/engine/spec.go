package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/types"
)

// Labels stamped on every container so the event watcher and the
// reaper can tell ours apart from everything else on the host.
const (
	LabelManaged  = "stoker.managed"
	LabelJobID    = "stoker.job_id"
	LabelRunnerID = "stoker.runner_id"
	LabelPool     = "stoker.pool"
)

// Bind is one host path mounted into the container.
type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes one runner container. Secrets are passed by handle in
// Env, never inline.
type Spec struct {
	Name     string
	JobID    string
	RunnerID string
	PoolKey  types.PoolKey

	Cmd  []string
	Env  []string
	User string

	Binds   []Bind
	AddCaps []string

	// WritableRoot opts out of the read-only rootfs default for images
	// that cannot run without it.
	WritableRoot bool

	Profile *types.ResourceProfile
}

// validate checks the spec against the configured allow-lists. A
// violation is a validation error, which the retry policy treats as
// non-retryable.
func (s *Spec) validate(cfg config.ContainerConfig) error {
	if s.Profile == nil || s.Profile.Image == "" {
		return errdefs.Validationf("container spec has no image")
	}
	if !imageAllowed(s.Profile.Image, cfg.AllowedImages) {
		return errdefs.Validationf("image %q is not on the allow-list", s.Profile.Image)
	}
	for _, b := range s.Binds {
		if !bindAllowed(b.Source, cfg.AllowedBindPaths) {
			return errdefs.Validationf("bind source %q is not on the allow-list", b.Source)
		}
	}
	for _, c := range s.AddCaps {
		if !capAllowed(c, cfg.AllowedCaps) {
			return errdefs.Securityf("capability %q is not on the allow-list", c)
		}
	}
	if s.Profile.MemoryBytes <= 0 {
		return errdefs.Validationf("profile %q has no memory cap", s.Profile.Name)
	}
	return nil
}

func imageAllowed(image string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(image, p) {
			return true
		}
	}
	return false
}

func bindAllowed(source string, roots []string) bool {
	source = filepath.Clean(source)
	for _, root := range roots {
		root = filepath.Clean(root)
		if source == root || strings.HasPrefix(source, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func capAllowed(c string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, c) {
			return true
		}
	}
	return false
}

// labels builds the managed label set.
func (s *Spec) labels() map[string]string {
	return map[string]string{
		LabelManaged:  "true",
		LabelJobID:    s.JobID,
		LabelRunnerID: s.RunnerID,
		LabelPool:     s.PoolKey.String(),
	}
}

// engineConfig translates the spec into engine API shapes with the
// security defaults applied: all capabilities dropped, privilege
// escalation disabled, non-root user, read-only rootfs unless opted
// out, and hard resource caps from the profile.
func (s *Spec) engineConfig() (*container.Config, *container.HostConfig) {
	user := s.User
	if user == "" {
		user = "1000:1000"
	}

	cfg := &container.Config{
		Image:  s.Profile.Image,
		Cmd:    s.Cmd,
		Env:    s.Env,
		User:   user,
		Labels: s.labels(),
	}

	mounts := make([]mount.Mount, 0, len(s.Binds))
	for _, b := range s.Binds {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.Source,
			Target:   b.Target,
			ReadOnly: b.ReadOnly,
		})
	}

	resources := container.Resources{
		CPUShares: s.Profile.CPUShares,
		NanoCPUs:  s.Profile.NanoCPUs,
		Memory:    s.Profile.MemoryBytes,
	}
	if s.Profile.GPU {
		resources.DeviceRequests = []container.DeviceRequest{{
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	host := &container.HostConfig{
		CapDrop:        []string{"ALL"},
		CapAdd:         s.AddCaps,
		SecurityOpt:    []string{"no-new-privileges:true"},
		ReadonlyRootfs: !s.WritableRoot,
		Tmpfs:          map[string]string{"/tmp": ""},
		Mounts:         mounts,
		Resources:      resources,
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	return cfg, host
}

// Hash is a stable digest of the spec, kept on the container record so
// drift between desired and actual spec is detectable.
func (s *Spec) Hash() string {
	raw, _ := json.Marshal(s)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
