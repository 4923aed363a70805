package tui

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpack/internal/config"
)

// Save targets offered by the config form.
const (
	TargetGlobal  = "global"
	TargetProject = "project"
)

// ConfigFormModel edits the common configuration settings and saves them to
// the global or project config file.
type ConfigFormModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	saved       bool
	savedPath   string
	err         error

	// Form field bindings (strings for huh)
	saveTarget     string
	provider       string
	geminiModel    string
	geminiProject  string
	geminiLocation string
	callTimeout    string
	concurrency    string
	claudeCommand  string
	codexCommand   string
	gooseCommand   string
}

// NewConfigFormModel creates a form seeded from cfg.
func NewConfigFormModel(cfg *config.Config, globalPath, projectPath string) *ConfigFormModel {
	gemini := cfg.Providers["gemini"]
	m := &ConfigFormModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,

		saveTarget:     TargetGlobal,
		provider:       cfg.Provider,
		geminiModel:    gemini.Model,
		geminiProject:  gemini.Project,
		geminiLocation: gemini.Location,
		callTimeout:    cfg.Pipeline.CallTimeout.String(),
		concurrency:    strconv.Itoa(cfg.Pipeline.Concurrency),
		claudeCommand:  cfg.Providers["claude"].Command,
		codexCommand:   cfg.Providers["codex"].Command,
		gooseCommand:   cfg.Providers["goose"].Command,
	}
	m.buildForm()
	return m
}

func (m *ConfigFormModel) buildForm() {
	providers := make([]huh.Option[string], 0, len(m.config.Providers))
	for _, name := range sortedKeys(m.config.Providers) {
		providers = append(providers, huh.NewOption(name, name))
	}

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption(fmt.Sprintf("Global (%s)", m.globalPath), TargetGlobal),
					huh.NewOption(fmt.Sprintf("Project (%s)", m.projectPath), TargetProject),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("provider").
				Title("Default Provider").
				Options(providers...).
				Value(&m.provider),

			huh.NewInput().
				Key("callTimeout").
				Title("Call Timeout").
				Value(&m.callTimeout).
				Placeholder("60s").
				Validate(validateDuration),

			huh.NewInput().
				Key("concurrency").
				Title("Batch Concurrency").
				Value(&m.concurrency).
				Placeholder("4").
				Validate(validatePositive),
		).Title("Pipeline"),

		huh.NewGroup(
			huh.NewInput().
				Key("geminiModel").
				Title("Model").
				Value(&m.geminiModel).
				Placeholder("gemini-2.5-pro"),

			huh.NewInput().
				Key("geminiProject").
				Title("Vertex AI Project").
				Description("Leave empty to use the Gemini API key").
				Value(&m.geminiProject),

			huh.NewInput().
				Key("geminiLocation").
				Title("Vertex AI Location").
				Value(&m.geminiLocation).
				Placeholder("us-central1"),
		).Title("Gemini"),

		huh.NewGroup(
			huh.NewInput().
				Key("claudeCommand").
				Title("Claude Command").
				Value(&m.claudeCommand).
				Placeholder("claude"),

			huh.NewInput().
				Key("codexCommand").
				Title("Codex Command").
				Value(&m.codexCommand).
				Placeholder("codex"),

			huh.NewInput().
				Key("gooseCommand").
				Title("Goose Command").
				Value(&m.gooseCommand).
				Placeholder("goose"),
		).Title("CLI Providers"),
	)
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("not a duration: %w", err)
	}
	if d <= 0 {
		return errors.New("must be positive")
	}
	return nil
}

func validatePositive(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return errors.New("must be a whole number of at least 1")
	}
	return nil
}

// Init initializes the form.
func (m *ConfigFormModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the form. Completing the form saves the
// config and quits; esc aborts without saving.
func (m *ConfigFormModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.form.WithWidth(max(msg.Width-8, 20)).WithHeight(max(msg.Height-8, 10))
	case tea.KeyMsg:
		switch msg.String() {
		case KeyEsc, KeyCtrlC:
			return m, tea.Quit
		}
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted && !m.saved && m.err == nil {
		m.err = m.save()
		return m, tea.Quit
	}
	if m.form.State == huh.StateAborted {
		return m, tea.Quit
	}

	return m, cmd
}

// save applies the form values, validates the result and writes it.
func (m *ConfigFormModel) save() error {
	if err := m.applyFormToConfig(); err != nil {
		return err
	}
	if err := m.config.Validate(); err != nil {
		return err
	}

	path := m.globalPath
	if m.saveTarget == TargetProject {
		path = m.projectPath
	}
	if err := config.Save(m.config, path); err != nil {
		return err
	}
	m.saved = true
	m.savedPath = path
	return nil
}

// applyFormToConfig copies form field values back to the config struct.
func (m *ConfigFormModel) applyFormToConfig() error {
	timeout, err := time.ParseDuration(strings.TrimSpace(m.callTimeout))
	if err != nil {
		return fmt.Errorf("call timeout: %w", err)
	}
	concurrency, err := strconv.Atoi(strings.TrimSpace(m.concurrency))
	if err != nil {
		return fmt.Errorf("concurrency: %w", err)
	}

	m.config.Provider = m.provider
	m.config.Pipeline.CallTimeout = config.Duration(timeout)
	m.config.Pipeline.Concurrency = concurrency

	if gemini, ok := m.config.Providers["gemini"]; ok {
		gemini.Model = m.geminiModel
		gemini.Project = m.geminiProject
		gemini.Location = m.geminiLocation
		m.config.Providers["gemini"] = gemini
	}

	setCommand := func(name, command string) {
		if p, ok := m.config.Providers[name]; ok {
			p.Command = command
			m.config.Providers[name] = p
		}
	}
	setCommand("claude", m.claudeCommand)
	setCommand("codex", m.codexCommand)
	setCommand("goose", m.gooseCommand)
	return nil
}

// Saved returns the path written to, if the form completed and saved.
func (m *ConfigFormModel) Saved() (string, bool) {
	return m.savedPath, m.saved
}

// Err returns the error from saving, if any.
func (m *ConfigFormModel) Err() error {
	return m.err
}

// View renders the form.
func (m *ConfigFormModel) View() string {
	var content string
	switch {
	case m.saved:
		content = StyleStatusComplete.Render("✓ Settings saved to " + m.savedPath)
	case m.err != nil:
		content = StyleStatusFailed.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := StyleFocusedBorder.Padding(1, 2)
	if m.width > 0 && m.height > 0 {
		style = style.Width(m.width - 4).Height(m.height - 4)
	}

	title := StyleEpic.Render("⚙ Settings")
	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

func sortedKeys(m map[string]config.ProviderConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
