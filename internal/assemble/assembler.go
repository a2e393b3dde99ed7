package assemble

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/backpost/internal/config"
	"github.com/mattjoyce/backpost/internal/log"
	"github.com/mattjoyce/backpost/internal/network"
	"github.com/mattjoyce/backpost/internal/queue"
)

// Options carries credentials and knobs that do not come from the job row.
type Options struct {
	AI       config.AIConfig
	Captcha  config.CaptchaConfig
	Fallback string     // last link of the language chain; "en" when empty
	Rand     *rand.Rand // network pick; seeded from the clock when nil
}

// Assembler turns a claimed job row into a Descriptor.
type Assembler struct {
	networks network.Directory
	projects ProjectSource
	meta     MetaSource
	opts     Options
	log      *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// New builds an Assembler. meta may be nil to skip page metadata lookups.
func New(networks network.Directory, projects ProjectSource, meta MetaSource, opts Options) *Assembler {
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Fallback == "" {
		opts.Fallback = FallbackLanguage
	}
	return &Assembler{
		networks: networks,
		projects: projects,
		meta:     meta,
		opts:     opts,
		log:      log.WithComponent("assemble"),
		rnd:      rnd,
	}
}

// Assemble applies defaults, then overlays the declared payload keys, then
// propagates the resolved language. Configuration problems come back as
// *FatalError.
func (a *Assembler) Assemble(ctx context.Context, j *queue.Job) (*Descriptor, error) {
	p, unknown, err := ParsePayload(j.Payload)
	if err != nil {
		return nil, fatal(CodeAssemblyFailed, "%v", err)
	}
	if len(unknown) > 0 {
		a.log.Debug("ignoring unknown payload keys", "job_id", j.ID, "keys", unknown)
	}

	d := &Descriptor{
		JobID:   j.ID,
		JobUUID: j.UUID,
		Attempt: j.Attempts,
		Target:  Target{URL: j.TargetURL, Anchor: j.Anchor},
		Project: Project{ID: j.ProjectID},
		Region:  deref(p.Region),
		Topic:   deref(p.Topic),
		Wishes:  deref(p.Wishes),
	}

	slug := j.Network
	if p.Network != nil && *p.Network != "" {
		slug = *p.Network
	}
	net, err := a.resolveNetwork(ctx, slug, d.Region, d.Topic)
	if err != nil {
		return nil, err
	}
	d.Network = net

	if err := a.resolveCredentials(d, p); err != nil {
		return nil, err
	}

	if proj, err := a.projects.Project(ctx, j.ProjectID); err != nil {
		return nil, fatal(CodeAssemblyFailed, "%v", err)
	} else if proj != nil {
		d.Project = *proj
	}

	overlayMeta(&d.PageMeta, p.PageMeta)
	if d.PageMeta.Lang == "" && p.Language == nil && a.meta != nil {
		if m, err := a.meta.PageMeta(ctx, j.TargetURL); err != nil {
			a.log.Debug("page metadata unavailable", "job_id", j.ID, "url", j.TargetURL, "error", err)
		} else {
			overlayMeta(&d.PageMeta, &m)
		}
	}

	linkLang, err := a.projects.LinkLanguage(ctx, j.ProjectID, j.TargetURL)
	if err != nil {
		return nil, fatal(CodeAssemblyFailed, "%v", err)
	}

	lang := ResolveLanguage(a.opts.Fallback, deref(p.Language), d.PageMeta.Lang, linkLang, d.Project.Language)

	overlayArticle(&d.Article, p.Article)
	if p.PreparedArticle != nil {
		d.PreparedArticle = &Article{}
		overlayArticle(d.PreparedArticle, p.PreparedArticle)
	}

	d.Language = lang
	d.Target.Language = lang
	d.Project.Language = lang
	d.Article.Language = lang
	if d.PreparedArticle != nil {
		d.PreparedArticle.Language = lang
	}
	return d, nil
}

func (a *Assembler) resolveNetwork(ctx context.Context, slug, region, topic string) (network.Descriptor, error) {
	if slug != "" {
		n, err := a.networks.Get(ctx, slug)
		if errors.Is(err, network.ErrNotFound) {
			return network.Descriptor{}, fatal(CodeNetworkNotFound, "network %q is not registered", slug)
		}
		if err != nil {
			return network.Descriptor{}, fatal(CodeAssemblyFailed, "%v", err)
		}
		if !n.Enabled {
			return network.Descriptor{}, fatal(CodeNetworkNotFound, "network %q is disabled", slug)
		}
		return *n, nil
	}

	enabled, err := a.networks.Enabled(ctx)
	if err != nil {
		return network.Descriptor{}, fatal(CodeAssemblyFailed, "%v", err)
	}
	if len(enabled) == 0 {
		return network.Descriptor{}, &FatalError{Code: CodeNoEnabledNetworks}
	}

	a.mu.Lock()
	n, _ := network.Pick(network.Filter(enabled, region, topic), a.rnd)
	a.mu.Unlock()
	return n, nil
}

func (a *Assembler) resolveCredentials(d *Descriptor, p Payload) error {
	ai := a.opts.AI
	d.AI = AICredentials{Provider: ai.Provider, Model: ai.Model}
	if p.AIModel != nil && *p.AIModel != "" {
		d.AI.Model = *p.AIModel
	}
	if ai.Provider == "openai" {
		if ai.OpenAIKey == "" {
			return &FatalError{Code: CodeMissingOpenAIKey}
		}
		d.AI.APIKey = ai.OpenAIKey
	}
	d.Captcha = CaptchaCredentials{Provider: a.opts.Captcha.Provider, APIKey: a.opts.Captcha.APIKey}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
