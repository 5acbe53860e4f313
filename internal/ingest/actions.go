package ingest

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fluxcore/ingestd/internal/models"
)

// MatchActions evaluates event against every action in actions and returns
// the ids of those that match (the matchActions worker task, referenced in
// spec §4.2 but otherwise undetailed; SPEC_FULL §4 supplements it as a
// server-side event-to-Action matcher over the Action/ActionStep model in
// spec §3).
//
// An action matches when at least one of its steps matches; a step matches
// when every predicate field it carries is satisfied by the event (a step
// with no fields set never matches — an empty step is not a wildcard).
func MatchActions(event models.Event, actions []models.Action) []int {
	var matched []int
	for _, action := range actions {
		if action.Deleted {
			continue
		}
		for _, step := range action.Steps {
			if stepMatches(step, event) {
				matched = append(matched, action.ID)
				break
			}
		}
	}
	return matched
}

func stepMatches(step models.ActionStep, event models.Event) bool {
	hasPredicate := false

	if step.EventName != "" {
		hasPredicate = true
		if step.EventName != event.Event {
			return false
		}
	}
	if step.URL != "" {
		hasPredicate = true
		if !urlMatches(step.URL, step.URLMatching, event.PropString("$current_url")) {
			return false
		}
	}
	if step.Selector != "" {
		hasPredicate = true
		if !selectorMatches(step.Selector, event.Properties) {
			return false
		}
	}
	for _, filter := range step.PropertyFilters {
		hasPredicate = true
		if !propertyMatches(filter, event.Properties) {
			return false
		}
	}
	return hasPredicate
}

// urlMatches evaluates a step's url/url_matching predicate against the
// event's current url. urlMatching is one of "exact", "contains", "regex";
// an unrecognized value falls back to "exact" rather than matching
// everything.
func urlMatches(want, matching, got string) bool {
	switch matching {
	case "contains":
		return strings.Contains(got, want)
	case "regex":
		re, err := regexp.Compile(want)
		if err != nil {
			return false
		}
		return re.MatchString(got)
	default:
		return got == want
	}
}

// selectorMatches evaluates a step's DOM-element predicate (spec §3) against
// the event's "$elements" property — the client-captured element chain for
// an autocapture event, a list of {tag_name, attr_id, attr_class, text}
// maps, innermost element first. Selector support is intentionally minimal:
// "#id" matches an element's attr_id exactly, ".class" matches attr_class by
// containment, anything else matches tag_name case-insensitively. An event
// with no "$elements" property never matches a selector predicate.
func selectorMatches(selector string, props models.Properties) bool {
	raw, present := props["$elements"]
	if !present {
		return false
	}
	elements, ok := raw.([]interface{})
	if !ok {
		return false
	}

	for _, el := range elements {
		fields, ok := el.(map[string]interface{})
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(selector, "#"):
			if toComparableString(fields["attr_id"]) == selector[1:] {
				return true
			}
		case strings.HasPrefix(selector, "."):
			if strings.Contains(toComparableString(fields["attr_class"]), selector[1:]) {
				return true
			}
		default:
			if strings.EqualFold(toComparableString(fields["tag_name"]), selector) {
				return true
			}
		}
	}
	return false
}

func propertyMatches(filter models.PropertyFilter, props models.Properties) bool {
	raw, present := props[filter.Key]
	if !present {
		return false
	}
	got := toComparableString(raw)

	switch filter.Operator {
	case "icontains", "":
		if filter.Operator == "" {
			return got == filter.Value
		}
		return strings.Contains(strings.ToLower(got), strings.ToLower(filter.Value))
	case "exact":
		return got == filter.Value
	case "regex":
		re, err := regexp.Compile(filter.Value)
		if err != nil {
			return false
		}
		return re.MatchString(got)
	case "gt", "lt":
		gotNum, err1 := strconv.ParseFloat(got, 64)
		wantNum, err2 := strconv.ParseFloat(filter.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if filter.Operator == "gt" {
			return gotNum > wantNum
		}
		return gotNum < wantNum
	default:
		return false
	}
}

func toComparableString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
