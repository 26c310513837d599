package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obra/overstory/internal/config"
	"github.com/obra/overstory/internal/session"
)

func writeManifest(t *testing.T, dir, content string, prompts ...string) string {
	t.Helper()
	for _, p := range prompts {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(p)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, p), []byte("# role\n"), 0o644))
	}
	path := filepath.Join(dir, "agent-manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const goodManifest = `{
	"version": 1,
	"agents": {
		"builder": {"file": "agent-defs/builder.md", "model": "sonnet", "capabilities": ["builder"]},
		"scout": {"file": "agent-defs/scout.md", "model": "haiku", "capabilities": ["scout"]},
		"lead": {"file": "agent-defs/lead.md", "model": "opus", "capabilities": ["lead", "reviewer"], "canSpawn": true}
	}
}`

func TestLoadBuildsCapabilityIndex(t *testing.T) {
	path := writeManifest(t, t.TempDir(), goodManifest,
		"agent-defs/builder.md", "agent-defs/scout.md", "agent-defs/lead.md")

	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"builder"}, m.ByCapability(session.CapBuilder))
	assert.Equal(t, []string{"lead"}, m.ByCapability(session.CapReviewer))
	assert.Empty(t, m.ByCapability(session.CapMerger))
	assert.Empty(t, m.Validate())
}

func TestLoadMissingPromptFile(t *testing.T) {
	path := writeManifest(t, t.TempDir(), goodManifest,
		"agent-defs/builder.md", "agent-defs/scout.md") // lead.md absent

	_, err := Load(path)
	require.Error(t, err)
	var fm *ErrFileMissing
	require.ErrorAs(t, err, &fm)
	assert.Equal(t, "lead", fm.Agent)
}

func TestLoadRejectsUnknownCapability(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `{
		"version": 1,
		"agents": {"x": {"file": "agent-defs/x.md", "model": "sonnet", "capabilities": ["wizard"]}}
	}`, "agent-defs/x.md")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsEmptyManifest(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `{"version": 1, "agents": {}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestPromptPathResolvesRelativeToManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, goodManifest,
		"agent-defs/builder.md", "agent-defs/scout.md", "agent-defs/lead.md")

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "agent-defs", "builder.md"), m.PromptPath("builder"))
	assert.Empty(t, m.PromptPath("ghost"))
}

func TestResolveModelPrecedence(t *testing.T) {
	m := &Manifest{Agents: map[string]*AgentDef{
		"builder": {File: "b.md", Model: "opus", Capabilities: []string{"builder"}},
	}}

	// Manifest default beats fallback.
	r := ResolveModel(&config.Config{}, m, "builder", "sonnet")
	assert.Equal(t, "opus", r.Model)
	assert.Nil(t, r.Env)

	// Config override beats manifest.
	cfg := &config.Config{Models: map[string]string{"builder": "haiku"}}
	r = ResolveModel(cfg, m, "builder", "sonnet")
	assert.Equal(t, "haiku", r.Model)

	// Fallback when neither knows the role.
	r = ResolveModel(cfg, m, "ghost", "sonnet")
	assert.Equal(t, "sonnet", r.Model)
}

func TestResolveModelGateway(t *testing.T) {
	t.Setenv("OR_TOKEN", "sk-test")
	cfg := &config.Config{
		Models: map[string]string{"builder": "openrouter/qwen-coder"},
		Providers: map[string]config.Provider{
			"openrouter": {Type: config.ProviderGateway, BaseURL: "https://gw.example", AuthTokenEnv: "OR_TOKEN"},
		},
	}

	r := ResolveModel(cfg, nil, "builder", "sonnet")
	assert.Equal(t, "sonnet", r.Model)
	assert.Equal(t, "https://gw.example", r.Env["BASE_URL"])
	assert.Equal(t, "", r.Env["API_KEY"])
	assert.Equal(t, "qwen-coder", r.Env["DEFAULT_SONNET_MODEL"])
	assert.Equal(t, "sk-test", r.Env["AUTH_TOKEN"])
}

func TestResolveModelUnknownProviderPassesThrough(t *testing.T) {
	cfg := &config.Config{Models: map[string]string{"builder": "mystery/model-x"}}

	r := ResolveModel(cfg, nil, "builder", "sonnet")
	assert.Equal(t, "mystery/model-x", r.Model)
	assert.Nil(t, r.Env)

	// Gateway without a baseUrl is treated the same way.
	cfg.Providers = map[string]config.Provider{"mystery": {Type: config.ProviderGateway}}
	r = ResolveModel(cfg, nil, "builder", "sonnet")
	assert.Equal(t, "mystery/model-x", r.Model)
	assert.Nil(t, r.Env)
}
