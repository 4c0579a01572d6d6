package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"threatscope/pkg/models"
)

const categoryTagPrefix = "threat."

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
	SkippedUntagged   int
}

type compiledSigmaRule struct {
	rule     sigma.Rule
	eval     *sigmaevaluator.RuleEvaluator
	category string
	rank     int
}

// SigmaClassifier picks a threat category from the highest-level matching Sigma rule.
// Rules carry their category as a "threat.<category>" tag.
type SigmaClassifier struct {
	rules    []compiledSigmaRule
	fallback string
	ctx      context.Context
}

// NewSigmaClassifier loads Sigma rules from a file or directory.
// Unsupported or untagged rules are skipped and included in stats.
func NewSigmaClassifier(path, fallback string) (*SigmaClassifier, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 32)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}
	sort.Strings(files)

	docs := make([][]byte, 0, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		docs = append(docs, raw)
	}
	c, parsed := ParseSigmaRules(docs, fallback)
	parsed.TotalFiles = len(files)
	parsed.SkippedInvalid += stats.SkippedInvalid
	return c, parsed, nil
}

// ParseSigmaRules compiles rules from raw YAML documents.
func ParseSigmaRules(docs [][]byte, fallback string) (*SigmaClassifier, SigmaLoadStats) {
	stats := SigmaLoadStats{TotalFiles: len(docs)}
	compiled := make([]compiledSigmaRule, 0, len(docs))
	for _, raw := range docs {
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !isThreatscopeCompatible(rule) {
			stats.SkippedDatasource++
			continue
		}
		if ok, _ := isSimpleSingleEventRule(rule); !ok {
			stats.SkippedComplex++
			continue
		}
		category := categoryFromTags(rule.Tags)
		if category == "" {
			stats.SkippedUntagged++
			continue
		}
		compiled = append(compiled, compiledSigmaRule{
			rule:     rule,
			eval:     sigmaevaluator.ForRule(rule),
			category: category,
			rank:     levelRank(rule.Level),
		})
		stats.Loaded++
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rank > compiled[j].rank
	})

	return &SigmaClassifier{
		rules:    compiled,
		fallback: strings.ToLower(strings.TrimSpace(fallback)),
		ctx:      context.Background(),
	}, stats
}

// Classify returns the category of the first matching rule, or the fallback.
func (c *SigmaClassifier) Classify(event *models.Event) string {
	if c == nil {
		return ""
	}
	if event == nil || len(c.rules) == 0 {
		return c.fallback
	}
	eventMap := sigmaEventFrom(event)
	for _, rule := range c.rules {
		res, err := rule.eval.Matches(c.ctx, eventMap)
		if err != nil {
			continue
		}
		if res.Match {
			return rule.category
		}
	}
	return c.fallback
}

// Len returns the number of compiled rules.
func (c *SigmaClassifier) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isThreatscopeCompatible(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	return product == "" || product == "threatscope"
}

func isSimpleSingleEventRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe is not supported"
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
		if len(search.EventMatchers) == 0 {
			return false, "search has no event matchers"
		}
	}
	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

var sigmaFields = []string{"user_id", "event_type", "src_ip", "dst_ip", "file_name", "process", "device", "geo_country"}

func sigmaEventFrom(event *models.Event) map[string]interface{} {
	buf := make(map[string]interface{}, len(sigmaFields)+2)
	for _, f := range sigmaFields {
		if v := event.Field(f); v != "" {
			buf[f] = v
		}
	}
	buf["bytes_transferred"] = strconv.FormatInt(event.BytesTransferred, 10)
	buf["success"] = strconv.FormatBool(event.Success)
	return buf
}

func categoryFromTags(tags []string) string {
	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(tag, categoryTagPrefix) {
			if c := strings.TrimPrefix(tag, categoryTagPrefix); c != "" {
				return c
			}
		}
	}
	return ""
}

func levelRank(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical":
		return 5
	case "high":
		return 4
	case "medium", "":
		return 3
	case "low":
		return 2
	case "informational":
		return 1
	}
	return 0
}
