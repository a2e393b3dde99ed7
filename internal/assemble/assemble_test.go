package assemble

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/backpost/internal/config"
	"github.com/mattjoyce/backpost/internal/log"
	"github.com/mattjoyce/backpost/internal/network"
	"github.com/mattjoyce/backpost/internal/page"
	"github.com/mattjoyce/backpost/internal/queue"
	"github.com/mattjoyce/backpost/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakeDirectory struct {
	networks []network.Descriptor
}

func (f *fakeDirectory) Enabled(ctx context.Context) ([]network.Descriptor, error) {
	var out []network.Descriptor
	for _, n := range f.networks {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeDirectory) Get(ctx context.Context, slug string) (*network.Descriptor, error) {
	for _, n := range f.networks {
		if n.Slug == slug {
			n := n
			return &n, nil
		}
	}
	return nil, network.ErrNotFound
}

type fakeProjects struct {
	project  *Project
	linkLang string
}

func (f *fakeProjects) Project(ctx context.Context, id int64) (*Project, error) {
	return f.project, nil
}

func (f *fakeProjects) LinkLanguage(ctx context.Context, projectID int64, targetURL string) (string, error) {
	return f.linkLang, nil
}

type fakeMeta struct {
	meta  page.Meta
	err   error
	calls int
}

func (f *fakeMeta) PageMeta(ctx context.Context, url string) (page.Meta, error) {
	f.calls++
	return f.meta, f.err
}

func defaultDir() *fakeDirectory {
	return &fakeDirectory{networks: []network.Descriptor{
		{Slug: "telegraph", InvocationTarget: "/pub/telegraph.js", HandlerKind: network.KindNode, Priority: 10, Enabled: true},
		{Slug: "off", InvocationTarget: "/pub/off.js", Enabled: false},
	}}
}

func aiOpts() Options {
	return Options{
		AI:   config.AIConfig{Provider: "openai", OpenAIKey: "sk-test", Model: "gpt-4o-mini"},
		Rand: rand.New(rand.NewSource(1)),
	}
}

func job(payload string) *queue.Job {
	j := &queue.Job{ID: 5, UUID: "u-5", ProjectID: 9, TargetURL: "https://example.com/page", Anchor: "Example", Attempts: 1}
	if payload != "" {
		j.Payload = []byte(payload)
	}
	return j
}

func TestNormalizeLanguage(t *testing.T) {
	tests := map[string]string{
		"en":      "en",
		" EN-us ": "en",
		"pt_BR":   "pt",
		"fil":     "fil",
		"e":       "",
		"engl":    "",
		"e1":      "",
		"":        "",
		"zh-Hant": "zh",
		"de-":     "de",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeLanguage(in), "input %q", in)
	}
}

func TestResolveLanguagePrecedence(t *testing.T) {
	assert.Equal(t, "fr", ResolveLanguage("en", "fr", "de", "es", "it"))
	assert.Equal(t, "de", ResolveLanguage("en", "", "de-DE", "es", "it"))
	assert.Equal(t, "es", ResolveLanguage("en", "bogus-value", "x", "es_MX", "it"))
	assert.Equal(t, "it", ResolveLanguage("en", "", "", "", "IT"))
	assert.Equal(t, "en", ResolveLanguage("", "", "", "", ""))
	assert.Equal(t, "nl", ResolveLanguage("nl", ""))
}

func TestAssembleDefaults(t *testing.T) {
	a := New(defaultDir(), &fakeProjects{project: &Project{ID: 9, Name: "Acme", Language: "de"}}, nil, aiOpts())

	d, err := a.Assemble(context.Background(), job(""))
	require.NoError(t, err)

	assert.Equal(t, "telegraph", d.Network.Slug)
	assert.Equal(t, "de", d.Language)
	assert.Equal(t, "de", d.Target.Language)
	assert.Equal(t, "de", d.Project.Language)
	assert.Equal(t, "de", d.Article.Language)
	assert.Nil(t, d.PreparedArticle)
	assert.Equal(t, "Acme", d.Project.Name)
	assert.Equal(t, "sk-test", d.AI.APIKey)
	assert.Equal(t, "gpt-4o-mini", d.AI.Model)
	assert.Equal(t, "https://example.com/page", d.Target.URL)
	assert.Equal(t, "u-5", d.JobUUID)
}

func TestAssemblePayloadOverlay(t *testing.T) {
	meta := &fakeMeta{meta: page.Meta{Lang: "ru"}}
	a := New(defaultDir(), &fakeProjects{linkLang: "es"}, meta, aiOpts())

	d, err := a.Assemble(context.Background(), job(`{
		"language": "pt_BR",
		"article": {"title": "Hello", "language": "xx"},
		"prepared_article": {"body": "ready", "language": "en"},
		"wishes": "short",
		"ai_model": "gpt-4o",
		"mystery": {"deep": true}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "pt", d.Language)
	assert.Equal(t, "Hello", d.Article.Title)
	assert.Equal(t, "pt", d.Article.Language)
	require.NotNil(t, d.PreparedArticle)
	assert.Equal(t, "ready", d.PreparedArticle.Body)
	assert.Equal(t, "pt", d.PreparedArticle.Language)
	assert.Equal(t, "pt", d.Target.Language)
	assert.Equal(t, "pt", d.Project.Language)
	assert.Equal(t, "short", d.Wishes)
	assert.Equal(t, "gpt-4o", d.AI.Model)
	// Explicit language skips the metadata fetch.
	assert.Equal(t, 0, meta.calls)
}

func TestAssembleLanguageChain(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		meta     *fakeMeta
		linkLang string
		project  *Project
		want     string
	}{
		{name: "payload page_meta", payload: `{"page_meta":{"lang":"fr-CA"}}`, linkLang: "es", want: "fr"},
		{name: "fetched page meta", meta: &fakeMeta{meta: page.Meta{Lang: "ja"}}, linkLang: "es", want: "ja"},
		{name: "fetch error falls through", meta: &fakeMeta{err: errors.New("down")}, linkLang: "es", want: "es"},
		{name: "project link", linkLang: "es", project: &Project{Language: "it"}, want: "es"},
		{name: "project default", project: &Project{Language: "it"}, want: "it"},
		{name: "invalid values skipped", payload: `{"language":"english"}`, project: &Project{Language: "12"}, want: "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var meta MetaSource
			if tt.meta != nil {
				meta = tt.meta
			}
			a := New(defaultDir(), &fakeProjects{project: tt.project, linkLang: tt.linkLang}, meta, aiOpts())
			d, err := a.Assemble(context.Background(), job(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Language)
			assert.Equal(t, tt.want, d.Target.Language)
			assert.Equal(t, tt.want, d.Article.Language)
		})
	}
}

func TestAssembleFatalErrors(t *testing.T) {
	ctx := context.Background()
	code := func(err error) string {
		var fe *FatalError
		if errors.As(err, &fe) {
			return fe.Code
		}
		return ""
	}

	empty := &fakeDirectory{networks: []network.Descriptor{{Slug: "off", Enabled: false}}}
	_, err := New(empty, &fakeProjects{}, nil, aiOpts()).Assemble(ctx, job(""))
	assert.Equal(t, CodeNoEnabledNetworks, code(err))

	_, err = New(defaultDir(), &fakeProjects{}, nil, aiOpts()).Assemble(ctx, job(`{"network":"nope"}`))
	assert.Equal(t, CodeNetworkNotFound, code(err))

	_, err = New(defaultDir(), &fakeProjects{}, nil, aiOpts()).Assemble(ctx, job(`{"network":"off"}`))
	assert.Equal(t, CodeNetworkNotFound, code(err))

	noKey := aiOpts()
	noKey.AI.OpenAIKey = ""
	_, err = New(defaultDir(), &fakeProjects{}, nil, noKey).Assemble(ctx, job(""))
	assert.Equal(t, CodeMissingOpenAIKey, code(err))

	byoa := aiOpts()
	byoa.AI = config.AIConfig{Provider: "byoa"}
	_, err = New(defaultDir(), &fakeProjects{}, nil, byoa).Assemble(ctx, job(""))
	assert.NoError(t, err)

	_, err = New(defaultDir(), &fakeProjects{}, nil, aiOpts()).Assemble(ctx, job(`[1,2]`))
	assert.Equal(t, CodeAssemblyFailed, code(err))
}

func TestAssembleRowNetworkAndFilter(t *testing.T) {
	dir := &fakeDirectory{networks: []network.Descriptor{
		{Slug: "a", Priority: 999, Enabled: true, Meta: network.Meta{Regions: []string{"us"}}},
		{Slug: "b", Priority: 1, Enabled: true, Meta: network.Meta{Regions: []string{"de"}}},
	}}
	a := New(dir, &fakeProjects{}, nil, aiOpts())

	j := job(`{"region":"de"}`)
	for i := 0; i < 20; i++ {
		d, err := a.Assemble(context.Background(), j)
		require.NoError(t, err)
		assert.Equal(t, "b", d.Network.Slug)
	}

	j.Network = "a"
	d, err := a.Assemble(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, "a", d.Network.Slug)
}

func TestFingerprint(t *testing.T) {
	a := New(defaultDir(), &fakeProjects{}, nil, aiOpts())
	d1, err := a.Assemble(context.Background(), job(""))
	require.NoError(t, err)
	d2, err := a.Assemble(context.Background(), job(""))
	require.NoError(t, err)

	f1 := Fingerprint(d1)
	assert.Regexp(t, `^blake3:[0-9a-f]{64}$`, f1)
	assert.Equal(t, f1, Fingerprint(d2))

	d2.Language = "xx"
	assert.NotEqual(t, f1, Fingerprint(d2))
}

func TestSQLProjects(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `INSERT INTO projects(id, name, language, created_at) VALUES(1, 'Acme', 'de', '2026-01-01T00:00:00.000000Z')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO project_links(project_id, url, anchor, language) VALUES(1, 'https://example.com/page/', 'x', 'fr'), (1, 'https://example.com/other', 'y', NULL)`)
	require.NoError(t, err)

	src := NewSQLProjects(db)
	p, err := src.Project(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Acme", p.Name)
	assert.Equal(t, "de", p.Language)

	missing, err := src.Project(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, missing)

	lang, err := src.LinkLanguage(ctx, 1, "https://EXAMPLE.com/page")
	require.NoError(t, err)
	assert.Equal(t, "fr", lang)

	lang, err = src.LinkLanguage(ctx, 1, "https://example.com/other")
	require.NoError(t, err)
	assert.Equal(t, "", lang)
}
