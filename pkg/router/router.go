package router

import (
	"path"
	"strings"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/types"
)

// Decision is the routing result for one job. Routing is deterministic
// and side-effect-free; the caller enqueues.
type Decision struct {
	QueueName      string
	Priority       int
	Profile        *types.ResourceProfile
	RequiredLabels []string
}

// Router classifies incoming jobs. Rules apply in order: capability
// tags, then repository rules, then the default profile.
type Router struct {
	defaultQueue   string
	defaultProfile string
	profiles       map[string]*types.ResourceProfile
	capabilityTags map[string]string
	repoRules      []config.RepoRule
	repoTiers      map[string]string
}

// New builds a router from the routing config block.
func New(cfg config.RouterConfig) (*Router, error) {
	profiles := make(map[string]*types.ResourceProfile, len(cfg.Profiles))
	for name, pc := range cfg.Profiles {
		profiles[name] = pc.Profile(name)
	}
	if _, ok := profiles[cfg.DefaultProfile]; !ok {
		return nil, errdefs.Fatalf("default profile %q is not defined", cfg.DefaultProfile)
	}
	for tag, profile := range cfg.CapabilityTags {
		if _, ok := profiles[profile]; !ok {
			return nil, errdefs.Fatalf("capability tag %q maps to unknown profile %q", tag, profile)
		}
	}
	for _, rule := range cfg.RepoRules {
		if _, ok := profiles[rule.Profile]; !ok {
			return nil, errdefs.Fatalf("repo rule %q maps to unknown profile %q", rule.Pattern, rule.Profile)
		}
	}
	return &Router{
		defaultQueue:   cfg.DefaultQueue,
		defaultProfile: cfg.DefaultProfile,
		profiles:       profiles,
		capabilityTags: cfg.CapabilityTags,
		repoRules:      cfg.RepoRules,
		repoTiers:      cfg.RepoTiers,
	}, nil
}

// Route classifies a job in state Received. First match wins:
// capability tags, then repository rules, then defaults.
func (r *Router) Route(job *types.Job) Decision {
	queue := r.defaultQueue
	profileName := r.defaultProfile

	if name, ok := r.matchCapability(job.RequestedLabels); ok {
		profileName = name
	} else if rule, ok := r.matchRepo(job.Repository); ok {
		profileName = rule.Profile
		if rule.Queue != "" {
			queue = rule.Queue
		}
	}

	return Decision{
		QueueName:      queue,
		Priority:       r.priority(job),
		Profile:        r.profiles[profileName],
		RequiredLabels: job.RequestedLabels,
	}
}

func (r *Router) matchCapability(labels []string) (string, bool) {
	for _, label := range labels {
		if profile, ok := r.capabilityTags[strings.ToLower(label)]; ok {
			return profile, true
		}
	}
	return "", false
}

func (r *Router) matchRepo(repo string) (config.RepoRule, bool) {
	for _, rule := range r.repoRules {
		if matched, err := path.Match(rule.Pattern, repo); err == nil && matched {
			return rule, true
		}
	}
	return config.RepoRule{}, false
}

// priority derives from the repository tier combined with workflow
// metadata. Default-branch workflows of gold repos land at 1; bulk
// work on bronze repos lands at 5.
func (r *Router) priority(job *types.Job) int {
	base := 3
	switch r.tier(job.Repository) {
	case "gold":
		base = 2
	case "bronze":
		base = 4
	}
	if isDefaultBranchRun(job.Workflow) {
		base--
	}
	if base < 1 {
		base = 1
	}
	if base > 5 {
		base = 5
	}
	return base
}

func (r *Router) tier(repo string) string {
	for pattern, tier := range r.repoTiers {
		if matched, err := path.Match(pattern, repo); err == nil && matched {
			return tier
		}
	}
	return "silver"
}

// isDefaultBranchRun keys off the workflow ref metadata intake packs
// into the workflow field ("<name>@<ref>").
func isDefaultBranchRun(workflow string) bool {
	_, ref, ok := strings.Cut(workflow, "@")
	if !ok {
		return false
	}
	return ref == "refs/heads/main" || ref == "refs/heads/master"
}
