// Package prompt resolves admin-managed prompt templates into the final
// instruction text sent to a model. Placeholders use {name} syntax and are
// filled from manuscript-derived variables.
package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"inkreview/pkg/configstore"
	"inkreview/pkg/domain"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// SubstitutionError reports template placeholders with no matching variable.
// The pipeline fails hard on this rather than sending literal braces to a
// paid model call.
type SubstitutionError struct {
	TemplateID  string
	MissingKeys []string
}

func (e *SubstitutionError) Error() string {
	return fmt.Sprintf("prompt template %s references undefined variables: %s",
		e.TemplateID, strings.Join(e.MissingKeys, ", "))
}

// Resolver selects the active template for a task and substitutes variables.
type Resolver struct {
	configs configstore.Store
}

// NewResolver builds a resolver backed by the given config store.
func NewResolver(configs configstore.Store) *Resolver {
	return &Resolver{configs: configs}
}

// Resolve returns the fully substituted prompt for a task. A missing active
// template surfaces configstore.ErrNoActiveTemplate (an admin must configure
// one before the stage can proceed); any placeholder without a variable
// yields a *SubstitutionError. On success the output contains no residual
// {name} tokens.
func (r *Resolver) Resolve(taskType domain.TaskType, bookType string, vars map[string]string) (string, error) {
	tpl, err := r.configs.GetActiveTemplate(taskType, bookType)
	if err != nil {
		return "", err
	}
	return Substitute(tpl, vars)
}

// Substitute fills every {name} token in the template from vars, failing
// when any referenced key is absent.
func Substitute(tpl domain.PromptTemplate, vars map[string]string) (string, error) {
	var missing []string
	seen := make(map[string]struct{})
	out := placeholderRe.ReplaceAllStringFunc(tpl.Text, func(token string) string {
		key := token[1 : len(token)-1]
		value, ok := vars[key]
		if !ok {
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				missing = append(missing, key)
			}
			return token
		}
		return value
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &SubstitutionError{TemplateID: tpl.ID, MissingKeys: missing}
	}
	return out, nil
}

// Preview substitutes what it can and reports unresolved keys instead of
// failing. Admin-only: the pipeline path always goes through Resolve.
func Preview(text string, vars map[string]string) (resolved string, unresolved []string) {
	seen := make(map[string]struct{})
	resolved = placeholderRe.ReplaceAllStringFunc(text, func(token string) string {
		key := token[1 : len(token)-1]
		value, ok := vars[key]
		if !ok {
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				unresolved = append(unresolved, key)
			}
			return token
		}
		return value
	})
	sort.Strings(unresolved)
	return resolved, unresolved
}

// Variables lists the distinct placeholder names a template references, in
// order of first appearance. Used by the admin UI to show editable fields.
func Variables(text string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, match := range placeholderRe.FindAllStringSubmatch(text, -1) {
		key := match[1]
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, key)
	}
	return names
}
