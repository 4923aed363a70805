package pipeline

// Canonical stage names, in execution order.
const (
	StageAnalysis        = "analysis"
	StageTestDesign      = "test-design"
	StagePromptSynthesis = "prompt-synthesis"
	StagePackAssembly    = "pack-assembly"
)

// EndPrompt terminates the prompt-synthesis output.
const EndPrompt = "END_PROMPT"

const packShape = `Return ONLY a single valid JSON object with keys:
epicTitle, epicDescription, taskPack[]. Each task in taskPack must have:
id, title, description, status (To Do/In Progress/Done), acceptanceCriteria[], tests{unit[],integration[],e2e[],manual[]?}.
Task ids must be unique and every task needs at least one acceptance criterion.
No markdown fences, no extra prose.`

const header = `You are the {{.Stage.Role}}. {{.Stage.Goal}}

Work item {{.WorkItem.ID}}:
{{.WorkItem.Description}}

`

var (
	analysisPrompt = MustTemplate(StageAnalysis, header+
		`Analyze the work item description.
Return a bullet list of requirements and edge cases.`)

	testDesignPrompt = MustTemplate(StageTestDesign, header+
		`{{template "prior" .}}Generate executable test code for the requirements above (Jest, SQL, Playwright, Lighthouse).
Return ONLY a single valid JSON object of the form
{"tests":{"unit":[],"integration":[],"e2e":[],"manual":[]}}
where every array entry is a string of runnable test code.
No markdown fences, no extra prose.`)

	promptSynthesisPrompt = MustTemplate(StagePromptSynthesis, header+
		`{{template "prior" .}}Write the mega-prompt a coding agent will follow to implement this work item.
Use Markdown, stay within {{.Stage.MaxTokens}} tokens, cover every requirement and reference the tests above.
End with a final line containing exactly {{.Stage.EndMarker}}.`)

	packAssemblyPrompt = MustTemplate(StagePackAssembly, header+
		`{{template "prior" .}}Assemble the final Task Pack for work item {{.WorkItem.ID}}.
`+packShape)
)

// CanonicalStages returns the four-stage pipeline:
// analysis, test-design, prompt-synthesis and pack-assembly.
func CanonicalStages() []Stage {
	return []Stage{
		{
			Name:      StageAnalysis,
			Role:      "Senior Product Manager",
			Goal:      "Turn a one-liner ticket into clear requirements, acceptance criteria and edge cases.",
			Prompt:    analysisPrompt,
			MaxTokens: 2048,
		},
		{
			Name:         StageTestDesign,
			Role:         "Test Designer",
			Goal:         "Generate executable test code. Never write prose, only runnable code.",
			Prompt:       testDesignPrompt,
			RequiresJSON: true,
			MaxTokens:    4096,
			Needs:        []string{StageAnalysis},
		},
		{
			Name:      StagePromptSynthesis,
			Role:      "Prompt Engineer",
			Goal:      "Compress requirements into clear, concise instructions.",
			Prompt:    promptSynthesisPrompt,
			MaxTokens: 8000,
			Needs:     []string{StageAnalysis, StageTestDesign},
			EndMarker: EndPrompt,
		},
		{
			Name:         StagePackAssembly,
			Role:         "Pack Assembler",
			Goal:         "Validate the material and produce the final Task Pack JSON.",
			Prompt:       packAssemblyPrompt,
			RequiresJSON: true,
			MaxTokens:    8192,
			Needs:        []string{StageAnalysis, StageTestDesign, StagePromptSynthesis},
		},
	}
}

// SingleStage returns a one-stage pipeline that asks a single synthesizer
// for the Task Pack directly.
func SingleStage() []Stage {
	return []Stage{{
		Name:         StagePackAssembly,
		Role:         "Task Pack Synthesizer",
		Goal:         "Produce an actionable Task Pack with clear tests and acceptance criteria.",
		Prompt:       packAssemblyPrompt,
		RequiresJSON: true,
		MaxTokens:    8192,
	}}
}

// WithMaxTokens returns a copy of stages with MaxTokens replaced for every
// stage named in limits. Non-positive limits are ignored.
func WithMaxTokens(stages []Stage, limits map[string]int) []Stage {
	out := append([]Stage(nil), stages...)
	for i := range out {
		if n, ok := limits[out[i].Name]; ok && n > 0 {
			out[i].MaxTokens = n
		}
	}
	return out
}
