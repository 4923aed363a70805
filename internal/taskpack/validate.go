package taskpack

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports why text could not be turned into a TaskPack.
// Raw holds the text that was validated, for diagnostics.
type ValidationError struct {
	Reason string
	Raw    string
}

func (e *ValidationError) Error() string {
	return "task pack schema violation: " + e.Reason
}

// The wire types use pointers so a missing field can be told apart from a
// zero value.
type wirePack struct {
	WorkItemID      *string     `json:"workItemId"`
	EpicTitle       *string     `json:"epicTitle"`
	EpicDescription *string     `json:"epicDescription"`
	TaskPack        *[]wireTask `json:"taskPack"`
	ArtifactsURL    *string     `json:"artifacts_url"`
}

type wireTask struct {
	ID                 *string              `json:"id"`
	Title              *string              `json:"title"`
	Description        *string              `json:"description"`
	Status             *string              `json:"status"`
	AcceptanceCriteria *[]string            `json:"acceptanceCriteria"`
	Tests              *map[string][]string `json:"tests"`
}

// Validate decodes text into a TaskPack for workItemID.
//
// Every problem found is reported in one ValidationError; nothing is
// coerced or dropped. Text that is not a JSON object is a violation too.
// A workItemId present in text must match workItemID.
func Validate(workItemID, text string) (*TaskPack, error) {
	var wp wirePack
	if err := json.Unmarshal([]byte(text), &wp); err != nil {
		return nil, &ValidationError{Reason: decodeReason(err), Raw: text}
	}

	var v violations
	pack := &TaskPack{WorkItemID: workItemID}

	if wp.WorkItemID != nil && *wp.WorkItemID != workItemID {
		v.addf("workItemId %q does not match work item %q", *wp.WorkItemID, workItemID)
	}
	pack.EpicTitle = v.requireNonEmpty("epicTitle", wp.EpicTitle)
	pack.EpicDescription = v.require("epicDescription", wp.EpicDescription)

	switch {
	case wp.TaskPack == nil:
		v.addf("taskPack is missing")
	case len(*wp.TaskPack) == 0:
		v.addf("taskPack is empty")
	default:
		seen := make(map[string]int, len(*wp.TaskPack))
		for i, wt := range *wp.TaskPack {
			task := v.task(i, wt)
			if task.ID != "" {
				if first, dup := seen[task.ID]; dup {
					v.addf("taskPack[%d].id %q duplicates taskPack[%d].id", i, task.ID, first)
				} else {
					seen[task.ID] = i
				}
			}
			pack.Tasks = append(pack.Tasks, task)
		}
	}

	if err := v.err(text); err != nil {
		return nil, err
	}
	return pack, nil
}

func (v *violations) task(i int, wt wireTask) Task {
	field := func(name string) string { return fmt.Sprintf("taskPack[%d].%s", i, name) }

	t := Task{
		ID:          v.requireNonEmpty(field("id"), wt.ID),
		Title:       v.requireNonEmpty(field("title"), wt.Title),
		Description: v.require(field("description"), wt.Description),
	}

	if wt.Status == nil {
		v.addf("%s is missing", field("status"))
	} else if st, ok := ParseStatus(*wt.Status); ok {
		t.Status = st
	} else {
		v.addf("%s %q is not one of To Do, In Progress, Done", field("status"), *wt.Status)
	}

	switch {
	case wt.AcceptanceCriteria == nil:
		v.addf("%s is missing", field("acceptanceCriteria"))
	case len(*wt.AcceptanceCriteria) == 0:
		v.addf("%s is empty", field("acceptanceCriteria"))
	default:
		for j, c := range *wt.AcceptanceCriteria {
			if strings.TrimSpace(c) == "" {
				v.addf("%s[%d] is empty", field("acceptanceCriteria"), j)
			}
		}
		t.AcceptanceCriteria = *wt.AcceptanceCriteria
	}

	if wt.Tests == nil {
		v.addf("%s is missing", field("tests"))
		return t
	}
	t.Tests = make(Tests, len(*wt.Tests))
	for _, cat := range RequiredCategories {
		if tests, ok := (*wt.Tests)[cat]; !ok || tests == nil {
			v.addf("%s.%s is missing", field("tests"), cat)
		}
	}
	cats := make([]string, 0, len(*wt.Tests))
	for cat := range *wt.Tests {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		tests := (*wt.Tests)[cat]
		if strings.TrimSpace(cat) == "" {
			v.addf("%s has an empty category name", field("tests"))
			continue
		}
		// null entries decode to "" and are caught here too.
		for j, code := range tests {
			if strings.TrimSpace(code) == "" {
				v.addf("%s.%s[%d] is empty", field("tests"), cat, j)
			}
		}
		if tests == nil {
			tests = []string{}
		}
		t.Tests[cat] = tests
	}
	return t
}

type violations struct {
	reasons []string
}

func (v *violations) addf(format string, args ...any) {
	v.reasons = append(v.reasons, fmt.Sprintf(format, args...))
}

func (v *violations) require(name string, s *string) string {
	if s == nil {
		v.addf("%s is missing", name)
		return ""
	}
	return *s
}

func (v *violations) requireNonEmpty(name string, s *string) string {
	if s == nil {
		v.addf("%s is missing", name)
		return ""
	}
	if strings.TrimSpace(*s) == "" {
		v.addf("%s is empty", name)
	}
	return *s
}

func (v *violations) err(raw string) error {
	if len(v.reasons) == 0 {
		return nil
	}
	return &ValidationError{Reason: strings.Join(v.reasons, "; "), Raw: raw}
}

func decodeReason(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if typeErr.Field == "" {
			return fmt.Sprintf("expected a JSON object, got %s", typeErr.Value)
		}
		return fmt.Sprintf("%s has wrong type: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Sprintf("not valid JSON at offset %d: %v", syntaxErr.Offset, syntaxErr)
	}
	return "not valid JSON: " + err.Error()
}
